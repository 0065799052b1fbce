package bootstrap

import (
	"fmt"
	"os"

	"accounts/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "ACCOUNTS_CONFIG"

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// ConfigPath returns the designated config file, or "" to search the
// default locations.
func ConfigPath() string {
	return os.Getenv(ConfigEnv)
}

// InitConfig loads the application configuration from path.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path == "" {
		sugar.Info("No config file given, searched ./config.yaml and ./config/config.yaml")
	}
	sugar.Infow("Config loaded",
		"environment", cfg.Environment,
		"vault_enabled", cfg.VaultEnabled,
		"create_db", cfg.CreateDB,
		"settings", config.MaskSensitive(cfg))

	return cfg, nil
}
