package auth

import (
	"context"

	"accounts/sessions"
)

// contextKey is a private type to prevent context key collisions across packages.
type contextKey string

const sessionKey contextKey = "session"

// WithSession returns a copy of ctx carrying session.
func WithSession(ctx context.Context, session *sessions.Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFrom returns the authenticated session attached to ctx, if any.
func SessionFrom(ctx context.Context) (*sessions.Session, bool) {
	session, ok := ctx.Value(sessionKey).(*sessions.Session)
	return session, ok && session != nil
}
