package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"accounts/bootstrap"
	"accounts/config"
	"accounts/legacy"
	"accounts/users"
	"accounts/web"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// databases are the two SQLite-backed services, opened outside the HTTP
// application.
type databases struct {
	app    *web.App
	legacy *legacy.Service
	users  *users.Service
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	logger := zap.NewNop().Sugar()
	if !quiet && !outputJSON {
		_, sugar, err := bootstrap.InitLogger()
		if err != nil {
			return nil, nil, err
		}
		logger = sugar
	}
	cfg, err := bootstrap.InitConfig(bootstrap.ConfigPath(), logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openDatabases opens both databases without connecting to Redis or Vault.
func openDatabases(cfg *config.Config, logger *zap.SugaredLogger) (*databases, func(), error) {
	app := web.New(config.Namespace, cfg, logger)
	db := &databases{
		app:    app,
		legacy: legacy.NewService(cfg, logger),
		users:  users.NewService(cfg, logger),
	}

	cleanup := func() {
		if err := app.Close(); err != nil {
			logger.Warnw("Failed to close databases", "error", err)
		}
	}

	if err := db.legacy.InitApp(app); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open legacy database: %w", err)
	}
	if err := db.users.InitApp(app); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open users database: %w", err)
	}
	return db, cleanup, nil
}

func startSpinner(out io.Writer, suffix string) *spinner.Spinner {
	if outputJSON || quiet {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.Suffix = " " + suffix
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}

func newCreateDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-db",
		Short: "Create the legacy and users database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, cleanup, err := openDatabases(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			s := startSpinner(out, "Creating tables...")
			err = db.legacy.CreateAll(ctx)
			if err == nil {
				err = db.users.CreateAll(ctx)
			}
			stopSpinner(s)
			if err != nil {
				if !outputJSON {
					errorColor.Fprintf(out, "✗ %v\n", err)
				}
				return err
			}

			if outputJSON {
				return json.NewEncoder(out).Encode(map[string]string{
					"legacy": cfg.Legacy.Path,
					"users":  cfg.Users.Path,
				})
			}
			if !quiet {
				successColor.Fprintf(out, "✓ Legacy tables ready: %s\n", cfg.Legacy.Path)
				successColor.Fprintf(out, "✓ Users tables ready: %s\n", cfg.Users.Path)
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON = true
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(config.MaskSensitive(cfg))
		},
	}
}
