// Package auth resolves session credentials on incoming requests and guards
// routes that need a logged-in user or a particular scope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accounts/config"
	"accounts/sessions"
	"accounts/web"

	"go.uber.org/zap"
)

// MiddlewareName identifies the auth middleware in the application chain.
const MiddlewareName = "auth"

// LoginPath is where anonymous users are sent by RequireLogin.
const LoginPath = "/login"

// SessionResolver turns a signed cookie into a stored session.
type SessionResolver interface {
	Resolve(ctx context.Context, token, secret string) (*sessions.Session, error)
}

// Auth is the authentication layer bound to one application.
type Auth struct {
	conf   *config.Config
	store  SessionResolver
	logger *zap.SugaredLogger
}

// New builds the auth layer for app.
func New(app *web.App, store SessionResolver) (*Auth, error) {
	if store == nil {
		return nil, fmt.Errorf("auth requires a session store")
	}
	a := &Auth{conf: app.Config, store: store, logger: app.Logger}
	app.Logger.Infow("Auth layer attached",
		"session_cookie", a.conf.Sessions.CookieName,
		"classic_cookie", a.conf.Legacy.CookieName)
	return a, nil
}

// Middleware returns the middleware that attaches the request's session to
// its context.
func (a *Auth) Middleware() web.Middleware {
	return web.MiddlewareFunc(MiddlewareName, a.handler)
}

func (a *Auth) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromCookie := a.credentials(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		session, err := a.store.Resolve(r.Context(), token, a.conf.JWTSecret())
		switch {
		case err == nil:
			r = r.WithContext(WithSession(r.Context(), session))
		case errors.Is(err, sessions.ErrInvalidToken), errors.Is(err, sessions.ErrSessionNotFound):
			// Stale or forged credentials: continue anonymously.
			a.logger.Infow("Discarding invalid session credentials", "path", r.URL.Path, "error", err)
			if fromCookie {
				ClearCookies(w, a.conf)
			}
		default:
			a.logger.Errorw("Failed to resolve session", "path", r.URL.Path, "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// credentials returns the session token and whether it came from the cookie.
func (a *Auth) credentials(r *http.Request) (string, bool) {
	if c, err := r.Cookie(a.conf.Sessions.CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), false
	}
	return "", false
}

// SetCookies writes the session cookie and, when classic is non-empty, the
// classic session cookie.
func SetCookies(w http.ResponseWriter, cfg *config.Config, token, classic string, expires time.Time) {
	http.SetCookie(w, newCookie(cfg, cfg.Sessions.CookieName, token, expires))
	if classic != "" {
		http.SetCookie(w, newCookie(cfg, cfg.Legacy.CookieName, classic, expires))
	}
}

// ClearCookies expires both session cookies.
func ClearCookies(w http.ResponseWriter, cfg *config.Config) {
	for _, name := range []string{cfg.Sessions.CookieName, cfg.Legacy.CookieName} {
		c := newCookie(cfg, name, "", time.Unix(0, 0))
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

// ClassicCookie returns the classic session cookie value sent with r.
func ClassicCookie(r *http.Request, cfg *config.Config) string {
	if c, err := r.Cookie(cfg.Legacy.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func newCookie(cfg *config.Config, name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Sessions.CookieDomain,
		Expires:  expires,
		Secure:   cfg.Sessions.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := LoginPath + "?next_page=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// RequireLogin redirects anonymous requests to the login page.
func RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFrom(r.Context()); !ok {
			redirectToLogin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope rejects sessions that lack scope with 403. Anonymous
// requests are sent to the login page.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFrom(r.Context())
			if !ok {
				redirectToLogin(w, r)
				return
			}
			if !session.HasScope(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
