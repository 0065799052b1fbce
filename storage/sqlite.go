// Package storage opens the SQLite databases used by the legacy and users
// services.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite wraps a configured SQLite connection pool.
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// memorySeq names in-memory databases so that each NewSQLite(":memory:")
// gets its own.
var memorySeq atomic.Uint64

// dsn builds the connection string. Pragmas are applied per connection so
// that connections recycled by the pool keep the same settings. memName is
// the shared-cache name used when dbPath is ":memory:".
func dsn(dbPath, memName string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		return "file:" + memName + "?mode=memory&cache=shared&" + pragmas
	}
	return "file:" + dbPath + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

// configureSQLiteConnection verifies the pragmas took effect.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory".
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Infow("SQLite connection configured", "path", dbPath, "journal_mode", journalMode)
	return nil
}

// NewSQLite opens the database at dbPath, creating its directory if needed.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	memName := fmt.Sprintf("accounts-mem-%d", memorySeq.Add(1))
	db, err := sql.Open("sqlite", dsn(dbPath, memName))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Single writer keeps WAL mode free of SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if dbPath == ":memory:" {
		// Closing the last connection drops an in-memory database.
		db.SetConnMaxIdleTime(0)
	}

	if err := configureSQLiteConnection(db, logger, dbPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	return &SQLite{DB: db, Path: dbPath, Logger: logger}, nil
}

// ApplySchema executes the given DDL statements in one transaction.
func (s *SQLite) ApplySchema(ctx context.Context, statements []string) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}

// WithTransaction executes fn within a transaction, rolling back on error or
// panic.
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// validateDatabasePath rejects empty, oversized and traversing paths.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	return nil
}
