package bootstrap

import (
	"context"
	"fmt"
	"time"

	"accounts/auth"
	"accounts/base"
	"accounts/config"
	"accounts/legacy"
	"accounts/metrics"
	"accounts/sessions"
	"accounts/ui"
	"accounts/users"
	"accounts/vault"
	"accounts/web"

	"go.uber.org/zap"
)

// AppService is a collaborator initialized with a handle to the application.
type AppService interface {
	InitApp(app *web.App) error
}

// SchemaService is an AppService that owns database tables.
type SchemaService interface {
	AppService
	CreateAll(ctx context.Context) error
}

// SecretsMiddleware is the typed handle to the vault middleware.
type SecretsMiddleware interface {
	web.Middleware
	UpdateSecrets(ctx context.Context, initial map[string]string) error
}

// Components are the collaborators Assemble composes.
type Components struct {
	Sessions AppService
	Legacy   SchemaService
	Users    SchemaService

	UI    func(app *web.App) (*web.Blueprint, error)
	Base  func(app *web.App) error
	Auth  func(app *web.App) (web.Middleware, error)
	Vault func(app *web.App) (SecretsMiddleware, error)
}

// DefaultComponents wires the production collaborators.
func DefaultComponents(cfg *config.Config, logger *zap.SugaredLogger) Components {
	store := sessions.NewStore(cfg, logger)
	legacySvc := legacy.NewService(cfg, logger)
	usersSvc := users.NewService(cfg, logger)

	return Components{
		Sessions: store,
		Legacy:   legacySvc,
		Users:    usersSvc,
		UI: func(app *web.App) (*web.Blueprint, error) {
			return ui.Blueprint(ui.Deps{
				App:      app,
				Users:    usersSvc,
				Legacy:   legacySvc,
				Sessions: store,
			}), nil
		},
		Base: base.Init,
		Auth: func(app *web.App) (web.Middleware, error) {
			a, err := auth.New(app, store)
			if err != nil {
				return nil, err
			}
			return a.Middleware(), nil
		},
		Vault: func(app *web.App) (SecretsMiddleware, error) {
			m, err := vault.NewMiddleware(app.Config, app.Config.Secrets(), app.Logger)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// CreateApplication loads configuration from the file named by
// ACCOUNTS_CONFIG and assembles the application from the default
// components. The application's Logger is flushed when it closes.
func CreateApplication(ctx context.Context) (*web.App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("Accounts service starting...")

	cfg, err := InitConfig(ConfigPath(), sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return Assemble(ctx, cfg, sugar, DefaultComponents(cfg, sugar))
}

type startup struct {
	app    *web.App
	logger *zap.SugaredLogger
}

// step runs fn, records its duration and wraps its error with the step name.
func (s *startup) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	metrics.StartupStepDuration.WithLabelValues(name).Set(elapsed.Seconds())

	if err != nil {
		s.logger.Errorw("Startup step failed", "step", name, "duration", elapsed, "error", err)
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	s.logger.Infow("Startup step complete", "step", name, "duration", elapsed)
	return nil
}

// Assemble builds the application from comps. Steps run in a fixed order;
// the first failure runs the teardown hooks registered so far and is
// returned.
func Assemble(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, comps Components) (*web.App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := comps.validate(cfg); err != nil {
		return nil, err
	}

	app := web.New(config.Namespace, cfg, logger)
	// Registered first so it runs after every other teardown hook.
	app.OnTeardown("logger", func() error {
		_ = logger.Sync() // stderr sync fails on some platforms
		return nil
	})
	s := &startup{app: app, logger: logger}

	if err := s.assemble(ctx, cfg, comps); err != nil {
		if cerr := app.Close(); cerr != nil {
			logger.Warnw("Teardown after failed startup reported errors", "error", cerr)
		}
		return nil, err
	}

	logger.Infow("Application ready",
		"name", app.Name,
		"blueprints", app.Blueprints(),
		"vault_enabled", cfg.VaultEnabled)
	return app, nil
}

func (s *startup) assemble(ctx context.Context, cfg *config.Config, comps Components) error {
	app := s.app

	if err := s.step("initialize session store", func() error {
		err := comps.Sessions.InitApp(app)
		if err != nil && cfg.Sessions.Addr != "" {
			s.logger.Error(ClassifyConnectionError(err, cfg.Sessions.Addr))
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.step("initialize legacy database", func() error {
		err := comps.Legacy.InitApp(app)
		if err != nil && cfg.Legacy.Path != "" {
			s.logger.Error(ClassifySQLiteError(err, cfg.Legacy.Path))
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.step("initialize users database", func() error {
		err := comps.Users.InitApp(app)
		if err != nil && cfg.Users.Path != "" {
			s.logger.Error(ClassifySQLiteError(err, cfg.Users.Path))
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.step("register ui blueprint", func() error {
		bp, err := comps.UI(app)
		if err != nil {
			return err
		}
		return app.RegisterBlueprint(bp)
	}); err != nil {
		return err
	}

	if err := s.step("attach base layer", func() error {
		return comps.Base(app)
	}); err != nil {
		return err
	}

	var authMW web.Middleware
	if err := s.step("attach auth layer", func() error {
		mw, err := comps.Auth(app)
		if err != nil {
			return err
		}
		if mw == nil {
			return fmt.Errorf("auth layer returned no middleware")
		}
		authMW = mw
		return nil
	}); err != nil {
		return err
	}

	chain := []web.Middleware{authMW}
	var secrets SecretsMiddleware
	if cfg.VaultEnabled {
		if err := s.step("build vault middleware", func() error {
			mw, err := comps.Vault(app)
			if err != nil {
				return err
			}
			if mw == nil {
				return fmt.Errorf("vault returned no middleware")
			}
			secrets = mw
			return nil
		}); err != nil {
			return err
		}
		// Vault runs first so secrets are current before auth reads them.
		chain = append([]web.Middleware{secrets}, chain...)
	}

	if err := s.step("install middleware", func() error {
		return app.Wrap(chain...)
	}); err != nil {
		return err
	}

	if secrets != nil {
		if err := s.step("update secrets", func() error {
			return secrets.UpdateSecrets(ctx, map[string]string{})
		}); err != nil {
			return err
		}
	}

	if cfg.CreateDB {
		if err := s.step("create legacy schema", func() error {
			return comps.Legacy.CreateAll(ctx)
		}); err != nil {
			return err
		}
		if err := s.step("create users schema", func() error {
			return comps.Users.CreateAll(ctx)
		}); err != nil {
			return err
		}
	}

	return nil
}

func (c Components) validate(cfg *config.Config) error {
	switch {
	case c.Sessions == nil:
		return fmt.Errorf("session store component is required")
	case c.Legacy == nil:
		return fmt.Errorf("legacy database component is required")
	case c.Users == nil:
		return fmt.Errorf("users database component is required")
	case c.UI == nil:
		return fmt.Errorf("ui blueprint component is required")
	case c.Base == nil:
		return fmt.Errorf("base layer component is required")
	case c.Auth == nil:
		return fmt.Errorf("auth layer component is required")
	case cfg.VaultEnabled && c.Vault == nil:
		return fmt.Errorf("vault component is required when vault is enabled")
	}
	return nil
}
