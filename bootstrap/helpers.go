package bootstrap

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
)

// GenerateSecurePassword generates a cryptographically secure random password.
func GenerateSecurePassword(length int) (string, error) {
	if length < 16 {
		length = 16
	}

	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	password := base64.URLEncoding.EncodeToString(bytes)
	if len(password) > length {
		password = password[:length]
	}

	return password, nil
}

// ClassifyConnectionError explains a failure to reach the Redis session
// store at addr.
func ClassifyConnectionError(err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Redis at %s timed out.\n"+
			"  Remediation:\n"+
			"  - Check if Redis is running: docker ps | grep redis\n"+
			"  - Verify network connectivity: nc -zv %s", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			(opErr.Err != nil && containsIgnoreCase(opErr.Err.Error(), "connection refused")) {
			return fmt.Sprintf("Connection refused by Redis at %s.\n"+
				"  This usually means Redis is not running.\n"+
				"  Remediation:\n"+
				"  - Start Redis: docker compose up -d redis\n"+
				"  - Verify sessions.addr in config.yaml", addr)
		}
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in Redis address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Try using an IP address instead of a hostname", addr)
	}

	if containsIgnoreCase(errStr, "NOAUTH") || containsIgnoreCase(errStr, "WRONGPASS") || containsIgnoreCase(errStr, "password") {
		return fmt.Sprintf("Authentication failed for Redis at %s.\n"+
			"  Remediation:\n"+
			"  - Check sessions.password or ACCOUNTS_SESSIONS_PASSWORD", addr)
	}

	return fmt.Sprintf("Failed to connect to Redis at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Redis is running and accessible\n"+
		"  - Check config.yaml sessions.addr setting", addr, err)
}

// ClassifySQLiteError explains a failure to open the SQLite database at
// dbPath.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsIgnoreCase(errStr, "permission denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - For Docker: ensure the volume is mounted with the right user", absPath, parentDir)
	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for other accounts processes: ps aux | grep accounts", absPath)
	case containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Restore from backup", absPath, absPath)
	case containsIgnoreCase(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database via legacy.path or users.path", absPath)
	}

	return fmt.Sprintf("Failed to open SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
