package legacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCookie is returned for malformed or badly signed classic cookies.
var ErrInvalidCookie = errors.New("invalid classic session cookie")

// ClassicCookie is the decoded form of "<session_id>:<user_id>:<issued>:<sig>".
type ClassicCookie struct {
	SessionID int64
	UserID    int64
	Issued    time.Time
}

func sign(payload, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// EncodeCookie signs a classic cookie value with key.
func EncodeCookie(c ClassicCookie, key string) (string, error) {
	if key == "" {
		return "", ErrNoSessionHash
	}
	payload := fmt.Sprintf("%d:%d:%d", c.SessionID, c.UserID, c.Issued.Unix())
	return payload + ":" + sign(payload, key), nil
}

// ParseCookie verifies and decodes a classic cookie value.
func ParseCookie(value, key string) (ClassicCookie, error) {
	if key == "" {
		return ClassicCookie{}, ErrNoSessionHash
	}
	parts := strings.Split(value, ":")
	if len(parts) != 4 {
		return ClassicCookie{}, ErrInvalidCookie
	}

	payload := strings.Join(parts[:3], ":")
	if !hmac.Equal([]byte(sign(payload, key)), []byte(parts[3])) {
		return ClassicCookie{}, ErrInvalidCookie
	}

	sessionID, err1 := strconv.ParseInt(parts[0], 10, 64)
	userID, err2 := strconv.ParseInt(parts[1], 10, 64)
	issued, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ClassicCookie{}, ErrInvalidCookie
	}
	return ClassicCookie{SessionID: sessionID, UserID: userID, Issued: time.Unix(issued, 0).UTC()}, nil
}
