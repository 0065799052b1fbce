package sessions

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for cookies that fail verification.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrNoSecret is returned when no signing secret is available.
	ErrNoSecret = errors.New("session signing secret not configured")
)

// Claims are the JWT claims carried by the session cookie.
type Claims struct {
	SessionID string `json:"session_id"`
	UserID    int64  `json:"user_id"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// EncodeCookie signs a cookie value for session with secret.
func EncodeCookie(session *Session, secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	claims := &Claims{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		Nonce:     session.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(session.End),
			IssuedAt:  jwt.NewNumericDate(session.Start),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// DecodeCookie verifies a cookie value and returns its claims.
func DecodeCookie(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
