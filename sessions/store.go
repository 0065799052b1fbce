// Package sessions stores authenticated sessions in Redis and issues the
// signed cookies that reference them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accounts/config"
	"accounts/metrics"
	"accounts/web"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotInitialized is returned when the store is used before InitApp.
	ErrNotInitialized = errors.New("session store not initialized")
)

const keyPrefix = "session:"

// SessionUser identifies the user a session is created for.
type SessionUser struct {
	UserID   int64
	Username string
	Email    string
	Scopes   []string

	// LegacySessionID is the classic session paired with this one, 0 if none.
	LegacySessionID int64
}

// ClientInfo describes the client that opened the session.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Session is an authenticated session as stored in Redis.
type Session struct {
	SessionID       string    `msgpack:"session_id"`
	UserID          int64     `msgpack:"user_id"`
	Username        string    `msgpack:"username"`
	Email           string    `msgpack:"email"`
	Scopes          []string  `msgpack:"scopes"`
	Start           time.Time `msgpack:"start"`
	End             time.Time `msgpack:"end"`
	ClientIP        string    `msgpack:"client_ip"`
	UserAgent       string    `msgpack:"user_agent"`
	LegacySessionID int64     `msgpack:"legacy_session_id"`
	Nonce           string    `msgpack:"nonce"`
}

// HasScope reports whether the session grants scope.
func (s *Session) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

// Store is the Redis-backed session store.
type Store struct {
	cfg    config.SessionsConfig
	logger *zap.SugaredLogger
	client *redis.Client
	now    func() time.Time
}

// NewStore creates an unconnected store. InitApp connects it.
func NewStore(cfg *config.Config, logger *zap.SugaredLogger) *Store {
	return &Store{
		cfg:    cfg.Sessions,
		logger: logger,
		now:    time.Now,
	}
}

// InitApp connects to Redis and registers the store's teardown and health
// check on the application.
func (s *Store) InitApp(app *web.App) error {
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
		PoolSize: s.cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to session store at %s: %w", s.cfg.Addr, err)
	}

	s.client = client
	app.OnTeardown("sessions", s.Close)
	app.AddHealthCheck("redis", s.Ping)
	s.logger.Infow("Session store connected", "addr", s.cfg.Addr, "db", s.cfg.DB)
	return nil
}

// Ping tests the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return ErrNotInitialized
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Create opens a new session for user, valid for the configured lifetime.
func (s *Store) Create(ctx context.Context, user SessionUser, client ClientInfo) (*Session, error) {
	if s.client == nil {
		return nil, ErrNotInitialized
	}

	start := s.now().UTC()
	session := &Session{
		SessionID:       uuid.NewString(),
		UserID:          user.UserID,
		Username:        user.Username,
		Email:           user.Email,
		Scopes:          user.Scopes,
		Start:           start,
		End:             start.Add(s.cfg.Lifetime),
		ClientIP:        client.IP,
		UserAgent:       client.UserAgent,
		LegacySessionID: user.LegacySessionID,
		Nonce:           uuid.NewString(),
	}

	data, err := msgpack.Marshal(session)
	if err != nil {
		metrics.SessionOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+session.SessionID, data, s.cfg.Lifetime).Err(); err != nil {
		metrics.SessionOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	metrics.SessionOperations.WithLabelValues("create", "ok").Inc()
	s.logger.Infow("Session created", "session_id", session.SessionID, "user_id", user.UserID)
	return session, nil
}

// Load returns the session with the given id.
func (s *Store) Load(ctx context.Context, sessionID string) (*Session, error) {
	if s.client == nil {
		return nil, ErrNotInitialized
	}

	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.SessionOperations.WithLabelValues("load", "miss").Inc()
			return nil, ErrSessionNotFound
		}
		metrics.SessionOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := msgpack.Unmarshal(data, &session); err != nil {
		metrics.SessionOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	if !session.End.After(s.now()) {
		metrics.SessionOperations.WithLabelValues("load", "expired").Inc()
		_ = s.client.Del(ctx, keyPrefix+sessionID).Err()
		return nil, ErrSessionNotFound
	}

	metrics.SessionOperations.WithLabelValues("load", "ok").Inc()
	return &session, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if s.client == nil {
		return ErrNotInitialized
	}
	if err := s.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		metrics.SessionOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	metrics.SessionOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Resolve decodes a session cookie and loads the session it references.
func (s *Store) Resolve(ctx context.Context, token, secret string) (*Session, error) {
	claims, err := DecodeCookie(token, secret)
	if err != nil {
		return nil, err
	}
	session, err := s.Load(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if claims.UserID != session.UserID || claims.Nonce != session.Nonce {
		return nil, fmt.Errorf("%w: cookie does not match session", ErrInvalidToken)
	}
	return session, nil
}
