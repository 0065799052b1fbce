package web

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", ClientIP(r, false))
	assert.Equal(t, "203.0.113.9", ClientIP(r, true))

	r.Header.Set("X-Forwarded-For", "garbage")
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(r, true))

	r.Header.Del("X-Real-IP")
	assert.Equal(t, "192.0.2.1", ClientIP(r, true))
}
