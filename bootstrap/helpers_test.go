package bootstrap

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateSecurePassword(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		minLength int
	}{
		{"default length", 16, 16},
		{"24 characters", 24, 24},
		{"short length enforces minimum", 8, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			password, err := GenerateSecurePassword(tt.length)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(password), tt.minLength)
		})
	}

	t.Run("generates unique passwords", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			p, _ := GenerateSecurePassword(24)
			assert.False(t, seen[p], "duplicate password")
			seen[p] = true
		}
	})
}

func TestClassifyConnectionError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"connection refused", refused, "Connection refused by Redis"},
		{"unknown host", errors.New("dial tcp: lookup redis.internal: no such host"), "Cannot resolve hostname"},
		{"wrong password", errors.New("WRONGPASS invalid username-password pair"), "Authentication failed"},
		{"other", errors.New("something odd"), "Failed to connect to Redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyConnectionError(tt.err, "localhost:6379")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
			assert.Contains(t, result, "localhost:6379")
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"permission", errors.New("open /data/users.db: permission denied"), "Permission denied"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only"},
		{"other", errors.New("unexpected"), "Failed to open SQLite database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "./data/users.db")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
		})
	}
}

func TestContainsIgnoreCase(t *testing.T) {
	assert.True(t, containsIgnoreCase("Hello World", "hello"))
	assert.True(t, containsIgnoreCase("ECONNREFUSED", "econnrefused"))
	assert.True(t, containsIgnoreCase("abc", ""))
	assert.False(t, containsIgnoreCase("", "abc"))
	assert.False(t, containsIgnoreCase("Hello World", "xyz"))
}

func TestInitConfig(t *testing.T) {
	t.Setenv("ACCOUNTS_AUTH_JWT_SECRET", "k8f2Qz9LxV3mN7pR1tY6wB4cH0jD5sGa")
	t.Setenv("CREATE_DB", "true")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8123\n"), 0600))

	cfg, err := InitConfig(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.True(t, cfg.CreateDB)

	_, err = InitConfig(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigPath(t *testing.T) {
	t.Setenv(ConfigEnv, "/etc/accounts/config.yaml")
	assert.Equal(t, "/etc/accounts/config.yaml", ConfigPath())
}
