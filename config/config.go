// Package config loads and validates accounts configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Namespace is the configuration namespace the application is bound to.
const Namespace = "accounts"

// Secret names written by the vault middleware and read at request time.
const (
	SecretJWT                = "JWT_SECRET"
	SecretClassicSessionHash = "CLASSIC_SESSION_HASH"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
}

// SessionsConfig configures the Redis session store and the session cookie.
type SessionsConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"min=0"`
	PoolSize     int           `mapstructure:"pool_size" validate:"min=1"`
	Lifetime     time.Duration `mapstructure:"lifetime"`
	CookieName   string        `mapstructure:"cookie_name" validate:"required"`
	CookieDomain string        `mapstructure:"cookie_domain"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

// LegacyConfig configures the classic (tapir) database service.
type LegacyConfig struct {
	Path              string `mapstructure:"path" validate:"required"`
	CookieName        string `mapstructure:"cookie_name" validate:"required"`
	SessionHash       string `mapstructure:"session_hash"`
	NicknameCacheSize int    `mapstructure:"nickname_cache_size" validate:"min=1"`

	// Closed classic sessions older than SessionRetention are pruned every
	// RetentionInterval. Zero disables pruning.
	SessionRetention  time.Duration `mapstructure:"session_retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// UsersConfig configures the users database service.
type UsersConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// AuthConfig configures token signing and login behaviour.
type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	BcryptCost    int      `mapstructure:"bcrypt_cost" validate:"min=4,max=31"`
	DefaultScopes []string `mapstructure:"default_scopes"`
	LoginRate     float64  `mapstructure:"login_rate" validate:"gt=0"` // attempts per second per IP
	LoginBurst    int      `mapstructure:"login_burst" validate:"min=1"`
}

// SecretRequest names one secret to pull from Vault.
type SecretRequest struct {
	Name       string        `mapstructure:"name" validate:"required"`
	Mount      string        `mapstructure:"mount"`
	Path       string        `mapstructure:"path" validate:"required"`
	Key        string        `mapstructure:"key" validate:"required"`
	KVVersion  int           `mapstructure:"kv_version" validate:"omitempty,oneof=1 2"`
	MinimumTTL time.Duration `mapstructure:"minimum_ttl"`
}

// AWSConfig configures the AWS Secrets Manager backend.
type AWSConfig struct {
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
}

// VaultConfig configures the secrets vault integration. Provider selects
// HashiCorp Vault ("vault") or AWS Secrets Manager ("aws").
type VaultConfig struct {
	Provider string          `mapstructure:"provider" validate:"omitempty,oneof=vault aws"`
	Address  string          `mapstructure:"address"`
	Token    string          `mapstructure:"token"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	Requests []SecretRequest `mapstructure:"requests" validate:"dive"`
	AWS      AWSConfig       `mapstructure:"aws"`
}

// Config holds all configuration for the accounts service.
type Config struct {
	Name         string `mapstructure:"name" validate:"required"`
	Environment  string `mapstructure:"environment"`
	VaultEnabled bool   `mapstructure:"vault_enabled"`
	CreateDB     bool   `mapstructure:"create_db"`

	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Legacy   LegacyConfig   `mapstructure:"legacy"`
	Users    UsersConfig    `mapstructure:"users"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Vault    VaultConfig    `mapstructure:"vault"`

	secretsOnce sync.Once
	secrets     *SecretStore
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("name", Namespace)
	v.SetDefault("environment", "development")
	v.SetDefault("vault_enabled", false)
	v.SetDefault("create_db", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("sessions.addr", "localhost:6379")
	v.SetDefault("sessions.password", "")
	v.SetDefault("sessions.db", 0)
	v.SetDefault("sessions.pool_size", 10)
	v.SetDefault("sessions.lifetime", 24*time.Hour)
	v.SetDefault("sessions.cookie_name", "ARXIVNG_SESSION_ID")
	v.SetDefault("sessions.cookie_domain", "")
	v.SetDefault("sessions.cookie_secure", true)

	v.SetDefault("legacy.path", "./data/legacy.db")
	v.SetDefault("legacy.cookie_name", "tapir_session")
	v.SetDefault("legacy.session_hash", "")
	v.SetDefault("legacy.nickname_cache_size", 1024)
	v.SetDefault("legacy.session_retention", 30*24*time.Hour)
	v.SetDefault("legacy.retention_interval", 24*time.Hour)

	v.SetDefault("users.path", "./data/users.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.default_scopes", []string{"public:read", "profile:read", "profile:update"})
	v.SetDefault("auth.login_rate", 0.2) // one attempt every 5 seconds
	v.SetDefault("auth.login_burst", 5)

	v.SetDefault("vault.provider", "vault")
	v.SetDefault("vault.address", "http://127.0.0.1:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.timeout", 10*time.Second)
	v.SetDefault("vault.aws.region", "us-east-1")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("ACCOUNTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names kept for deployments that predate the prefix.
	_ = v.BindEnv("vault_enabled", "ACCOUNTS_VAULT_ENABLED", "VAULT_ENABLED")
	_ = v.BindEnv("create_db", "ACCOUNTS_CREATE_DB", "CREATE_DB")
	_ = v.BindEnv("vault.address", "ACCOUNTS_VAULT_ADDRESS", "VAULT_ADDR")
	_ = v.BindEnv("vault.token", "ACCOUNTS_VAULT_TOKEN", "VAULT_TOKEN")
	_ = v.BindEnv("auth.jwt_secret", "ACCOUNTS_AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("legacy.session_hash", "ACCOUNTS_LEGACY_SESSION_HASH", "CLASSIC_SESSION_HASH")
}

// LoadConfig loads configuration from the file at path and the environment.
// An empty path searches for config.yaml in . and ./config; a missing file is
// only an error when path was given explicitly.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.resolvePaths()

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolvePaths cleans relative database paths.
func (c *Config) resolvePaths() {
	if c.Legacy.Path != ":memory:" {
		c.Legacy.Path = filepath.Clean(c.Legacy.Path)
	}
	if c.Users.Path != ":memory:" {
		c.Users.Path = filepath.Clean(c.Users.Path)
	}
}

// Secrets returns the runtime secret store, creating it on first use.
func (c *Config) Secrets() *SecretStore {
	c.secretsOnce.Do(func() {
		c.secrets = NewSecretStore()
	})
	return c.secrets
}

// JWTSecret returns the current token signing secret. A value pulled from
// Vault wins over the static configuration.
func (c *Config) JWTSecret() string {
	if s, ok := c.Secrets().Get(SecretJWT); ok && s != "" {
		return s
	}
	return c.Auth.JWTSecret
}

// ClassicSessionHash returns the key used to sign classic session cookies.
func (c *Config) ClassicSessionHash() string {
	if s, ok := c.Secrets().Get(SecretClassicSessionHash); ok && s != "" {
		return s
	}
	return c.Legacy.SessionHash
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

var weakSecrets = []string{
	"secret", "password", "changeme", "default", "admin",
	"jwt_secret", "supersecret", "mysecret", "test", "example",
}

// validateConfig validates the configuration for security and correctness
func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	// With Vault enabled the signing secrets arrive at startup, so only a
	// statically configured secret is checked here.
	if !cfg.VaultEnabled || cfg.Auth.JWTSecret != "" {
		if err := validateSecretStrength(cfg.Auth.JWTSecret); err != nil {
			return fmt.Errorf("auth.jwt_secret: %w", err)
		}
	}

	if cfg.VaultEnabled {
		if len(cfg.Vault.Requests) == 0 {
			return fmt.Errorf("vault.requests must list at least one secret when vault is enabled")
		}
		switch cfg.Vault.Provider {
		case "", "vault":
			if cfg.Vault.Address == "" {
				return fmt.Errorf("vault.address is required when vault is enabled")
			}
			for _, req := range cfg.Vault.Requests {
				if req.Mount == "" {
					return fmt.Errorf("vault.requests[%s].mount is required for the vault provider", req.Name)
				}
			}
		case "aws":
			if cfg.Vault.AWS.Region == "" {
				return fmt.Errorf("vault.aws.region is required for the aws provider")
			}
		}
	}

	if cfg.IsProduction() && !cfg.Sessions.CookieSecure {
		return fmt.Errorf("sessions.cookie_secure must be enabled in production")
	}

	return nil
}

// validateSecretStrength rejects short or well-known signing secrets.
func validateSecretStrength(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("secret must be at least 32 characters (256 bits)")
	}
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("secret appears to contain weak/default value: please use a cryptographically secure random string")
		}
	}
	return nil
}

// MaskSensitive returns a copy of the loggable settings with secrets masked.
func MaskSensitive(cfg *Config) map[string]interface{} {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	return map[string]interface{}{
		"name":             cfg.Name,
		"environment":      cfg.Environment,
		"vault_enabled":    cfg.VaultEnabled,
		"create_db":        cfg.CreateDB,
		"listen":           cfg.Addr(),
		"sessions_addr":    cfg.Sessions.Addr,
		"sessions_pass":    mask(cfg.Sessions.Password),
		"legacy_path":      cfg.Legacy.Path,
		"users_path":       cfg.Users.Path,
		"jwt_secret":       mask(cfg.Auth.JWTSecret),
		"vault_provider":   cfg.Vault.Provider,
		"vault_address":    cfg.Vault.Address,
		"vault_token":      mask(cfg.Vault.Token),
		"aws_secret_key":   mask(cfg.Vault.AWS.SecretKey),
		"vault_requests":   len(cfg.Vault.Requests),
		"config_file_hint": os.Getenv("ACCOUNTS_CONFIG"),
	}
}
