// Package vault keeps runtime secrets fresh. Its middleware fetches the
// configured secrets at startup and refreshes expired ones between requests.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"accounts/config"
	"accounts/metrics"

	"go.uber.org/zap"
)

// MiddlewareName identifies the vault middleware in the application chain.
const MiddlewareName = "vault"

// maxRetryBackoff caps how long a failed secret waits before it is fetched
// again.
const maxRetryBackoff = 30 * time.Second

// Middleware fetches secrets into the configuration secret store.
type Middleware struct {
	requests []config.SecretRequest
	backend  Backend
	secrets  *config.SecretStore
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu         sync.Mutex
	values     map[string]string
	expires    map[string]time.Time // zero: never refreshed
	retryAt    map[string]time.Time // set after a failed refresh
	refreshing bool
}

// NewMiddleware builds the middleware for the configured provider. Secrets
// are written to secrets as they are fetched.
func NewMiddleware(cfg *config.Config, secrets *config.SecretStore, logger *zap.SugaredLogger) (*Middleware, error) {
	backend, err := NewBackend(cfg.Vault)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(cfg.Vault.Requests, backend, secrets, logger), nil
}

// NewWithBackend builds the middleware around an existing backend.
func NewWithBackend(requests []config.SecretRequest, backend Backend, secrets *config.SecretStore, logger *zap.SugaredLogger) *Middleware {
	return &Middleware{
		requests: requests,
		backend:  backend,
		secrets:  secrets,
		logger:   logger,
		now:      time.Now,
		values:   make(map[string]string),
		expires:  make(map[string]time.Time),
		retryAt:  make(map[string]time.Time),
	}
}

// Name implements web.Middleware.
func (m *Middleware) Name() string {
	return MiddlewareName
}

// Wrap refreshes expired secrets before passing the request on. Only one
// request at a time performs the refresh; concurrent requests use the cached
// values. A failed refresh is logged and the previous values stay in use.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.refresh(r.Context()); err != nil {
			m.logger.Warnw("Secret refresh failed, continuing with cached values", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// UpdateSecrets seeds the cache with initial and then fetches every
// configured secret. Fetched values take precedence over seeded ones. The
// first fetch error aborts and is returned.
func (m *Middleware) UpdateSecrets(ctx context.Context, initial map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, value := range initial {
		m.values[name] = value
	}

	for _, req := range m.requests {
		value, lease, err := m.read(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to fetch secret %s: %w", req.Name, err)
		}
		m.store(req, value, lease)
	}

	m.secrets.SetAll(m.values)
	m.logger.Infow("Secrets updated", "count", len(m.values))
	return nil
}

// Values returns a copy of the cached secrets.
func (m *Middleware) Values() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// due claims the refresh and returns the requests that need fetching. It
// returns nil when nothing is due or another refresh is running.
func (m *Middleware) due() []config.SecretRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshing {
		return nil
	}
	now := m.now()
	var out []config.SecretRequest
	for _, req := range m.requests {
		if m.expired(req.Name, now) {
			out = append(out, req)
		}
	}
	if len(out) > 0 {
		m.refreshing = true
	}
	return out
}

// expired reports whether name needs fetching. Called with m.mu held.
func (m *Middleware) expired(name string, now time.Time) bool {
	if retry, ok := m.retryAt[name]; ok && now.Before(retry) {
		return false
	}
	if _, ok := m.values[name]; !ok {
		return true
	}
	exp := m.expires[name]
	return !exp.IsZero() && !now.Before(exp)
}

// refresh re-fetches expired secrets without holding the cache lock during
// backend calls. Failed secrets keep their old values and are not retried
// until their backoff has passed.
func (m *Middleware) refresh(ctx context.Context) error {
	reqs := m.due()
	if len(reqs) == 0 {
		return nil
	}

	type result struct {
		req   config.SecretRequest
		value string
		lease time.Duration
		err   error
	}
	results := make([]result, 0, len(reqs))
	for _, req := range reqs {
		value, lease, err := m.read(ctx, req)
		results = append(results, result{req: req, value: value, lease: lease, err: err})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshing = false

	var errs []error
	for _, res := range results {
		if res.err != nil {
			m.retryAt[res.req.Name] = m.now().Add(retryBackoff(res.req))
			errs = append(errs, fmt.Errorf("%s: %w", res.req.Name, res.err))
			continue
		}
		m.store(res.req, res.value, res.lease)
	}
	m.secrets.SetAll(m.values)
	return errors.Join(errs...)
}

// retryBackoff is how long a secret that failed to refresh keeps its old
// value before the next attempt.
func retryBackoff(req config.SecretRequest) time.Duration {
	if req.MinimumTTL > 0 && req.MinimumTTL < maxRetryBackoff {
		return req.MinimumTTL
	}
	return maxRetryBackoff
}

func (m *Middleware) read(ctx context.Context, req config.SecretRequest) (string, time.Duration, error) {
	value, lease, err := m.backend.Read(ctx, req)
	if err != nil {
		metrics.VaultRefreshes.WithLabelValues("error").Inc()
		return "", 0, err
	}
	metrics.VaultRefreshes.WithLabelValues("ok").Inc()
	return value, lease, nil
}

// store records a fetched secret and its expiry. Called with m.mu held.
func (m *Middleware) store(req config.SecretRequest, value string, lease time.Duration) {
	m.values[req.Name] = value
	delete(m.retryAt, req.Name)

	ttl := lease
	if ttl < req.MinimumTTL {
		ttl = req.MinimumTTL
	}
	if ttl > 0 {
		m.expires[req.Name] = m.now().Add(ttl)
	} else {
		delete(m.expires, req.Name)
	}
	m.logger.Infow("Secret fetched", "name", req.Name, "path", req.Path, "ttl", ttl)
}
