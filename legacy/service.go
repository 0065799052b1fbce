// Package legacy is the classic database service: the tapir user, nickname,
// password and session tables shared with older deployments.
package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"accounts/config"
	"accounts/metrics"
	"accounts/storage"
	"accounts/web"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned when the service is used before InitApp.
	ErrNotInitialized = errors.New("legacy service not initialized")

	// ErrUserNotFound is returned when no classic user matches.
	ErrUserNotFound = errors.New("legacy user not found")

	// ErrUserExists is returned when a nickname or email is already taken.
	ErrUserExists = errors.New("legacy user already exists")

	// ErrSessionNotFound is returned when no classic session matches.
	ErrSessionNotFound = errors.New("legacy session not found")

	// ErrNoSessionHash is returned when no cookie signing key is configured.
	ErrNoSessionHash = errors.New("classic session hash not configured")
)

// LegacyUser is a row of tapir_users plus its primary nickname.
type LegacyUser struct {
	UserID    int64
	Nickname  string
	Email     string
	FirstName string
	LastName  string
	JoinedIP  string
	Joined    time.Time
	Approved  bool
	Banned    bool
	Deleted   bool
}

// LegacySession is a row of tapir_sessions with its signed cookie.
type LegacySession struct {
	SessionID   int64
	UserID      int64
	StartTime   time.Time
	EndTime     time.Time // zero while open
	LastReissue time.Time
	IP          string
	RemoteHost  string
	Cookie      string
}

// Service is the classic database service.
type Service struct {
	conf   *config.Config
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.RWMutex
	db        *storage.SQLite
	nicknames *lru.Cache[string, int64]
}

// NewService creates an unopened service. InitApp opens the database.
func NewService(cfg *config.Config, logger *zap.SugaredLogger) *Service {
	return &Service{conf: cfg, logger: logger, now: time.Now}
}

// InitApp opens the classic database and registers its teardown and health
// check on the application.
func (s *Service) InitApp(app *web.App) error {
	cache, err := lru.New[string, int64](s.conf.Legacy.NicknameCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create nickname cache: %w", err)
	}

	db, err := storage.NewSQLite(s.conf.Legacy.Path, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open legacy database: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.nicknames = cache
	s.mu.Unlock()

	app.OnTeardown("legacy", s.Close)
	app.AddHealthCheck("legacy_db", db.Ping)

	if retention := s.conf.Legacy.SessionRetention; retention > 0 {
		rm := storage.NewRetentionManager(s.conf.Legacy.RetentionInterval, s.logger, storage.RetentionTask{
			Name: "legacy_sessions",
			Prune: func(ctx context.Context) (int64, error) {
				return s.PurgeSessions(ctx, retention)
			},
		})
		rm.Start()
		app.OnTeardown("legacy_retention", rm.Stop)
	}
	s.logger.Infow("Legacy database opened", "path", s.conf.Legacy.Path)
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

// CreateAll creates the classic tables if they do not exist.
func (s *Service) CreateAll(ctx context.Context) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	if err := db.ApplySchema(ctx, schema); err != nil {
		return fmt.Errorf("failed to create legacy tables: %w", err)
	}
	s.logger.Infow("Legacy tables created", "path", s.conf.Legacy.Path)
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RegisterUser inserts a classic user, its primary nickname and its password
// hash. A non-zero u.UserID is kept so that ids match the users service.
func (s *Service) RegisterUser(ctx context.Context, u LegacyUser, passwordHash string) (int64, error) {
	db, err := s.database()
	if err != nil {
		return 0, err
	}
	if u.Joined.IsZero() {
		u.Joined = s.now()
	}

	var userID int64
	err = db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var userIDArg interface{}
		if u.UserID != 0 {
			userIDArg = u.UserID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tapir_users (user_id, first_name, last_name, email, joined_date, joined_ip_num,
			                         flag_approved, flag_banned, flag_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userIDArg, u.FirstName, u.LastName, u.Email, u.Joined.Unix(), u.JoinedIP,
			boolInt(u.Approved), boolInt(u.Banned), boolInt(u.Deleted))
		if err != nil {
			return err
		}
		if userID, err = res.LastInsertId(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tapir_nicknames (nickname, user_id) VALUES (?, ?)`, u.Nickname, userID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tapir_users_password (user_id, password_enc) VALUES (?, ?)`, userID, passwordHash)
		return err
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, fmt.Errorf("failed to register legacy user: %w", err)
	}

	s.logger.Infow("Legacy user registered", "user_id", userID, "nickname", u.Nickname)
	return userID, nil
}

// GetUser returns the classic user with the given id.
func (s *Service) GetUser(ctx context.Context, userID int64) (*LegacyUser, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}

	var (
		u                         LegacyUser
		joined                    int64
		approved, banned, deleted int
		nickname                  sql.NullString
	)
	err = db.DB.QueryRowContext(ctx, `
		SELECT u.user_id, n.nickname, u.email, u.first_name, u.last_name, u.joined_ip_num, u.joined_date,
		       u.flag_approved, u.flag_banned, u.flag_deleted
		FROM tapir_users u
		LEFT JOIN tapir_nicknames n ON n.user_id = u.user_id AND n.flag_primary = 1
		WHERE u.user_id = ?`, userID).
		Scan(&u.UserID, &nickname, &u.Email, &u.FirstName, &u.LastName, &u.JoinedIP, &joined,
			&approved, &banned, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy user: %w", err)
	}
	u.Nickname = nickname.String
	u.Joined = time.Unix(joined, 0).UTC()
	u.Approved, u.Banned, u.Deleted = approved == 1, banned == 1, deleted == 1
	return &u, nil
}

// UserIDForNickname resolves a nickname to a user id through the LRU cache.
func (s *Service) UserIDForNickname(ctx context.Context, nickname string) (int64, error) {
	db, err := s.database()
	if err != nil {
		return 0, err
	}

	if id, ok := s.nicknames.Get(nickname); ok {
		metrics.NicknameCache.WithLabelValues("hit").Inc()
		return id, nil
	}
	metrics.NicknameCache.WithLabelValues("miss").Inc()

	var id int64
	err = db.DB.QueryRowContext(ctx,
		`SELECT user_id FROM tapir_nicknames WHERE nickname = ? AND flag_valid = 1`, nickname).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up nickname: %w", err)
	}

	s.nicknames.Add(nickname, id)
	return id, nil
}

// CreateSession opens a classic session and signs its cookie. A zero ttl
// leaves the session open until it is invalidated.
func (s *Service) CreateSession(ctx context.Context, userID int64, ip, remoteHost string, ttl time.Duration) (*LegacySession, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}
	key := s.conf.ClassicSessionHash()
	if key == "" {
		return nil, ErrNoSessionHash
	}

	start := s.now().UTC().Truncate(time.Second)
	session := &LegacySession{
		UserID:      userID,
		StartTime:   start,
		LastReissue: start,
		IP:          ip,
		RemoteHost:  remoteHost,
	}
	var end int64
	if ttl > 0 {
		session.EndTime = start.Add(ttl)
		end = session.EndTime.Unix()
	}

	res, err := db.DB.ExecContext(ctx, `
		INSERT INTO tapir_sessions (user_id, last_reissue, start_time, end_time, ip_num, remote_host)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, start.Unix(), start.Unix(), end, ip, remoteHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy session: %w", err)
	}
	if session.SessionID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read legacy session id: %w", err)
	}

	session.Cookie, err = EncodeCookie(ClassicCookie{SessionID: session.SessionID, UserID: userID, Issued: start}, key)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("Legacy session created", "session_id", session.SessionID, "user_id", userID)
	return session, nil
}

// InvalidateSession ends a classic session.
func (s *Service) InvalidateSession(ctx context.Context, sessionID int64) error {
	db, err := s.database()
	if err != nil {
		return err
	}

	now := s.now().Unix()
	res, err := db.DB.ExecContext(ctx,
		`UPDATE tapir_sessions SET end_time = ? WHERE session_id = ? AND (end_time = 0 OR end_time > ?)`,
		now, sessionID, now)
	if err != nil {
		return fmt.Errorf("failed to invalidate legacy session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// PurgeSessions deletes classic sessions that ended more than olderThan ago.
// Open sessions are kept.
func (s *Service) PurgeSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	db, err := s.database()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan).Unix()
	res, err := db.DB.ExecContext(ctx,
		`DELETE FROM tapir_sessions WHERE end_time != 0 AND end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge legacy sessions: %w", err)
	}
	return res.RowsAffected()
}

// InvalidateCookie ends the session referenced by a classic cookie.
func (s *Service) InvalidateCookie(ctx context.Context, cookie string) error {
	parsed, err := ParseCookie(cookie, s.conf.ClassicSessionHash())
	if err != nil {
		return err
	}
	return s.InvalidateSession(ctx, parsed.SessionID)
}

// SessionValid reports whether cookie is correctly signed and refers to an
// open session of the user it names.
func (s *Service) SessionValid(ctx context.Context, cookie string) bool {
	parsed, err := ParseCookie(cookie, s.conf.ClassicSessionHash())
	if err != nil {
		return false
	}
	session, err := s.getSession(ctx, parsed.SessionID)
	if err != nil {
		return false
	}
	if session.UserID != parsed.UserID {
		return false
	}
	return session.EndTime.IsZero() || session.EndTime.After(s.now())
}

func (s *Service) getSession(ctx context.Context, sessionID int64) (*LegacySession, error) {
	db, err := s.database()
	if err != nil {
		return nil, err
	}

	var (
		session             LegacySession
		start, end, reissue int64
	)
	err = db.DB.QueryRowContext(ctx, `
		SELECT session_id, user_id, start_time, end_time, last_reissue, ip_num, remote_host
		FROM tapir_sessions WHERE session_id = ?`, sessionID).
		Scan(&session.SessionID, &session.UserID, &start, &end, &reissue, &session.IP, &session.RemoteHost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy session: %w", err)
	}
	session.StartTime = time.Unix(start, 0).UTC()
	session.LastReissue = time.Unix(reissue, 0).UTC()
	if end != 0 {
		session.EndTime = time.Unix(end, 0).UTC()
	}
	return &session, nil
}
