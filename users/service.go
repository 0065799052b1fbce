// Package users is the users database service: registration, credential
// checks and profile updates.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"accounts/config"
	"accounts/metrics"
	"accounts/storage"
	"accounts/web"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotInitialized is returned when the service is used before InitApp.
	ErrNotInitialized = errors.New("users service not initialized")

	// ErrUserExists is returned when the username or email is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound is returned when no user matches.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrUserBanned is returned when a banned user authenticates.
	ErrUserBanned = errors.New("user is banned")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		forename TEXT NOT NULL DEFAULT '',
		surname TEXT NOT NULL DEFAULT '',
		affiliation TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		approved INTEGER NOT NULL DEFAULT 1,
		banned INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		totp_secret TEXT NOT NULL DEFAULT '',
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		joined_at TEXT NOT NULL
	)`,
}

// User is a registered user.
type User struct {
	UserID       int64
	Username     string
	Email        string
	Forename     string
	Surname      string
	Affiliation  string
	Country      string
	PasswordHash string
	Scopes       []string
	Approved     bool
	Banned       bool
	Deleted      bool
	JoinedAt     time.Time

	TOTPSecret  string
	TOTPEnabled bool
}

// Registration is the input to Register.
type Registration struct {
	Username    string `validate:"required,min=3,max=64,alphanum"`
	Email       string `validate:"required,email,max=255"`
	Password    string `validate:"required,min=8,max=72"`
	Forename    string `validate:"max=100"`
	Surname     string `validate:"max=100"`
	Affiliation string `validate:"max=255"`
	Country     string `validate:"omitempty,len=2"`
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	Forename    string `validate:"max=100"`
	Surname     string `validate:"max=100"`
	Affiliation string `validate:"max=255"`
	Country     string `validate:"omitempty,len=2"`
}

// Service is the users database service.
type Service struct {
	conf     *config.Config
	logger   *zap.SugaredLogger
	validate *validator.Validate

	mu sync.RWMutex
	db *storage.SQLite

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService creates an unopened service. InitApp opens the database.
func NewService(cfg *config.Config, logger *zap.SugaredLogger) *Service {
	return &Service{conf: cfg, logger: logger, validate: validator.New()}
}

// InitApp opens the users database and registers its teardown and health
// check on the application.
func (s *Service) InitApp(app *web.App) error {
	db, err := storage.NewSQLite(s.conf.Users.Path, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open users database: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()

	app.OnTeardown("users", s.Close)
	app.AddHealthCheck("users_db", db.Ping)
	s.logger.Infow("Users database opened", "path", s.conf.Users.Path)
	return nil
}

// Close closes the database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Service) database() (*storage.SQLite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// CreateAll creates the users table if it does not exist.
func (s *Service) CreateAll(ctx context.Context) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	if err := db.ApplySchema(ctx, schema); err != nil {
		return fmt.Errorf("failed to create users tables: %w", err)
	}
	s.logger.Infow("Users tables created", "path", s.conf.Users.Path)
	return nil
}

// HashPassword hashes password with the configured bcrypt cost.
func (s *Service) HashPassword(password string) (string, error) {
	cost := s.conf.Auth.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := s.HashPassword("not-a-real-password")
		if err == nil {
			s.dummyHash = []byte(hash)
		}
	})
	return s.dummyHash
}

// Register validates and stores a new user with the default scopes.
func (s *Service) Register(ctx context.Context, reg Registration) (*User, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(reg); err != nil {
		return nil, fmt.Errorf("invalid registration: %w", err)
	}

	hash, err := s.HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		Username:     reg.Username,
		Email:        strings.ToLower(reg.Email),
		Forename:     reg.Forename,
		Surname:      reg.Surname,
		Affiliation:  reg.Affiliation,
		Country:      strings.ToUpper(reg.Country),
		PasswordHash: hash,
		Scopes:       s.conf.Auth.DefaultScopes,
		Approved:     true,
		JoinedAt:     time.Now().UTC().Truncate(time.Second),
	}

	res, err := db.DB.ExecContext(ctx, `
		INSERT INTO users (username, email, forename, surname, affiliation, country, password_hash,
		                   scopes, approved, banned, deleted, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?)`,
		user.Username, user.Email, user.Forename, user.Surname, user.Affiliation, user.Country,
		user.PasswordHash, strings.Join(user.Scopes, " "), user.JoinedAt.Format(time.RFC3339))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.UserID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}

	metrics.Registrations.Inc()
	s.logger.Infow("User registered", "user_id", user.UserID, "username", user.Username)
	return user, nil
}

// Authenticate checks credentials. usernameOrEmail matches either field.
func (s *Service) Authenticate(ctx context.Context, usernameOrEmail, password string) (*User, error) {
	column := "username"
	if strings.Contains(usernameOrEmail, "@") {
		column = "email"
	}
	user, err := s.getBy(ctx, column, usernameOrEmail)
	if errors.Is(err, ErrUserNotFound) {
		// Unknown users cost one bcrypt comparison too.
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		metrics.LoginAttempts.WithLabelValues("unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		metrics.LoginAttempts.WithLabelValues("bad_password").Inc()
		return nil, ErrInvalidCredentials
	}
	if user.Banned {
		metrics.LoginAttempts.WithLabelValues("banned").Inc()
		return nil, ErrUserBanned
	}

	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	return user, nil
}

// GetUser returns the user with the given id.
func (s *Service) GetUser(ctx context.Context, userID int64) (*User, error) {
	return s.getBy(ctx, "user_id", userID)
}

// GetUserByUsername returns the user with the given username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getBy(ctx, "username", username)
}

// UpdateProfile replaces the editable profile fields of a user.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, update ProfileUpdate) (*User, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(update); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	res, err := db.DB.ExecContext(ctx, `
		UPDATE users SET forename = ?, surname = ?, affiliation = ?, country = ?
		WHERE user_id = ? AND deleted = 0`,
		update.Forename, update.Surname, update.Affiliation, strings.ToUpper(update.Country), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, userID)
}

// SetBanned flags or unflags a user as banned.
func (s *Service) SetBanned(ctx context.Context, userID int64, banned bool) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	flag := 0
	if banned {
		flag = 1
	}
	res, err := db.DB.ExecContext(ctx, `UPDATE users SET banned = ? WHERE user_id = ?`, flag, userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	s.logger.Warnw("User ban flag changed", "user_id", userID, "banned", banned)
	return nil
}

// getBy loads a non-deleted user by one of the fixed lookup columns.
func (s *Service) getBy(ctx context.Context, column string, value interface{}) (*User, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}

	var (
		u                         User
		scopes, joined            string
		approved, banned, deleted int
		totpEnabled               int
	)
	query := `
		SELECT user_id, username, email, forename, surname, affiliation, country, password_hash,
		       scopes, approved, banned, deleted, totp_secret, totp_enabled, joined_at
		FROM users WHERE ` + column + ` = ? AND deleted = 0`
	err = db.DB.QueryRowContext(ctx, query, value).Scan(
		&u.UserID, &u.Username, &u.Email, &u.Forename, &u.Surname, &u.Affiliation, &u.Country,
		&u.PasswordHash, &scopes, &approved, &banned, &deleted, &u.TOTPSecret, &totpEnabled, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u.Scopes = strings.Fields(scopes)
	u.Approved, u.Banned, u.Deleted = approved == 1, banned == 1, deleted == 1
	u.TOTPEnabled = totpEnabled == 1
	if u.JoinedAt, err = time.Parse(time.RFC3339, joined); err != nil {
		return nil, fmt.Errorf("failed to parse joined_at: %w", err)
	}
	return &u, nil
}
