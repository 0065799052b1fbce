package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"accounts/config"
	"accounts/web"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// recorder collects collaborator calls in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.list() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeService struct {
	name      string
	rec       *recorder
	initErr   error
	createErr error
}

func (f *fakeService) InitApp(app *web.App) error {
	f.rec.add(f.name + ".init_app")
	if f.initErr != nil {
		return f.initErr
	}
	app.OnTeardown(f.name, func() error {
		f.rec.add(f.name + ".teardown")
		return nil
	})
	return nil
}

func (f *fakeService) CreateAll(ctx context.Context) error {
	f.rec.add(f.name + ".create_all")
	return f.createErr
}

type fakeMiddleware struct {
	name  string
	trace *recorder
}

func (f *fakeMiddleware) Name() string { return f.name }

func (f *fakeMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.trace.add(f.name)
		next.ServeHTTP(w, r)
	})
}

type fakeVault struct {
	fakeMiddleware
	rec       *recorder
	app       *web.App
	updateErr error

	updates       []map[string]string
	chainAtUpdate []string
}

func (f *fakeVault) UpdateSecrets(ctx context.Context, initial map[string]string) error {
	f.rec.add("vault.update_secrets")
	f.updates = append(f.updates, initial)
	f.chainAtUpdate = middlewareNames(f.app)
	return f.updateErr
}

type harness struct {
	rec      *recorder
	trace    *recorder
	sessions *fakeService
	legacy   *fakeService
	users    *fakeService
	vault    *fakeVault

	uiErr, baseErr, authErr, vaultErr error
}

func newHarness() *harness {
	rec := &recorder{}
	trace := &recorder{}
	return &harness{
		rec:      rec,
		trace:    trace,
		sessions: &fakeService{name: "sessions", rec: rec},
		legacy:   &fakeService{name: "legacy", rec: rec},
		users:    &fakeService{name: "users", rec: rec},
		vault: &fakeVault{
			fakeMiddleware: fakeMiddleware{name: "vault", trace: trace},
			rec:            rec,
		},
	}
}

func (h *harness) components() Components {
	return Components{
		Sessions: h.sessions,
		Legacy:   h.legacy,
		Users:    h.users,
		UI: func(app *web.App) (*web.Blueprint, error) {
			h.rec.add("ui")
			if h.uiErr != nil {
				return nil, h.uiErr
			}
			return web.NewBlueprint("ui", "/").HandleFunc("index", "/", func(w http.ResponseWriter, r *http.Request) {
				h.trace.add("handler")
			}, http.MethodGet), nil
		},
		Base: func(app *web.App) error {
			h.rec.add("base")
			return h.baseErr
		},
		Auth: func(app *web.App) (web.Middleware, error) {
			h.rec.add("auth")
			if h.authErr != nil {
				return nil, h.authErr
			}
			return &fakeMiddleware{name: "auth", trace: h.trace}, nil
		},
		Vault: func(app *web.App) (SecretsMiddleware, error) {
			h.rec.add("vault.build")
			if h.vaultErr != nil {
				return nil, h.vaultErr
			}
			h.vault.app = app
			return h.vault, nil
		},
	}
}

func middlewareNames(app *web.App) []string {
	var names []string
	for _, mw := range app.Middlewares() {
		names = append(names, mw.Name())
	}
	return names
}

func assemble(t *testing.T, h *harness, vaultEnabled, createDB bool) (*web.App, error) {
	t.Helper()
	cfg := &config.Config{Name: config.Namespace, VaultEnabled: vaultEnabled, CreateDB: createDB}
	return Assemble(context.Background(), cfg, zaptest.NewLogger(t).Sugar(), h.components())
}

func TestAssemble_VaultDisabledNoCreateDB(t *testing.T) {
	h := newHarness()
	app, err := assemble(t, h, false, false)
	require.NoError(t, err)
	require.NotNil(t, app)

	assert.Equal(t, []string{
		"sessions.init_app",
		"legacy.init_app",
		"users.init_app",
		"ui",
		"base",
		"auth",
	}, h.rec.list())
	assert.Equal(t, []string{"auth"}, middlewareNames(app))
	assert.Empty(t, h.vault.updates)
	assert.Zero(t, h.rec.count("legacy.create_all"))
	assert.Zero(t, h.rec.count("users.create_all"))
	assert.Equal(t, []string{"ui"}, app.Blueprints())
}

func TestAssemble_VaultEnabledCreateDB(t *testing.T) {
	h := newHarness()
	app, err := assemble(t, h, true, true)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"sessions.init_app",
		"legacy.init_app",
		"users.init_app",
		"ui",
		"base",
		"auth",
		"vault.build",
		"vault.update_secrets",
		"legacy.create_all",
		"users.create_all",
	}, h.rec.list())
	assert.Equal(t, []string{"vault", "auth"}, middlewareNames(app))

	require.Len(t, h.vault.updates, 1)
	assert.NotNil(t, h.vault.updates[0])
	assert.Empty(t, h.vault.updates[0])
	// The chain was already installed when secrets were first fetched.
	assert.Equal(t, []string{"vault", "auth"}, h.vault.chainAtUpdate)
}

func TestAssemble_FlagMatrix(t *testing.T) {
	tests := []struct {
		vault, createDB bool
		wantChain       []string
		wantUpdates     int
		wantCreates     int
	}{
		{false, false, []string{"auth"}, 0, 0},
		{false, true, []string{"auth"}, 0, 1},
		{true, false, []string{"vault", "auth"}, 1, 0},
		{true, true, []string{"vault", "auth"}, 1, 1},
	}

	for _, tt := range tests {
		h := newHarness()
		app, err := assemble(t, h, tt.vault, tt.createDB)
		require.NoError(t, err)

		assert.Equal(t, tt.wantChain, middlewareNames(app), "vault=%v create_db=%v", tt.vault, tt.createDB)
		assert.Len(t, h.vault.updates, tt.wantUpdates)
		assert.Equal(t, tt.wantCreates, h.rec.count("legacy.create_all"))
		assert.Equal(t, tt.wantCreates, h.rec.count("users.create_all"))
	}
}

func TestAssemble_RequestsPassVaultThenAuth(t *testing.T) {
	h := newHarness()
	app, err := assemble(t, h, true, false)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"vault", "auth", "handler"}, h.trace.list())
}

func TestAssemble_StepFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		vault        bool
		createDB     bool
		breakIt      func(h *harness)
		wantStep     string
		wantTeardown []string
		notCalled    []string
	}{
		{
			name:      "session store",
			breakIt:   func(h *harness) { h.sessions.initErr = boom },
			wantStep:  "initialize session store",
			notCalled: []string{"legacy.init_app", "users.init_app", "ui"},
		},
		{
			name:         "legacy database",
			breakIt:      func(h *harness) { h.legacy.initErr = boom },
			wantStep:     "initialize legacy database",
			wantTeardown: []string{"sessions.teardown"},
			notCalled:    []string{"users.init_app"},
		},
		{
			name:         "users database",
			breakIt:      func(h *harness) { h.users.initErr = boom },
			wantStep:     "initialize users database",
			wantTeardown: []string{"legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"ui"},
		},
		{
			name:         "ui blueprint",
			breakIt:      func(h *harness) { h.uiErr = boom },
			wantStep:     "register ui blueprint",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"base"},
		},
		{
			name:         "base layer",
			breakIt:      func(h *harness) { h.baseErr = boom },
			wantStep:     "attach base layer",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"auth"},
		},
		{
			name:         "auth layer",
			breakIt:      func(h *harness) { h.authErr = boom },
			wantStep:     "attach auth layer",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
		},
		{
			name:         "vault middleware",
			vault:        true,
			createDB:     true,
			breakIt:      func(h *harness) { h.vaultErr = boom },
			wantStep:     "build vault middleware",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"vault.update_secrets", "legacy.create_all"},
		},
		{
			name:         "initial secrets fetch",
			vault:        true,
			createDB:     true,
			breakIt:      func(h *harness) { h.vault.updateErr = boom },
			wantStep:     "update secrets",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"legacy.create_all", "users.create_all"},
		},
		{
			name:         "legacy schema",
			createDB:     true,
			breakIt:      func(h *harness) { h.legacy.createErr = boom },
			wantStep:     "create legacy schema",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
			notCalled:    []string{"users.create_all"},
		},
		{
			name:         "users schema",
			createDB:     true,
			breakIt:      func(h *harness) { h.users.createErr = boom },
			wantStep:     "create users schema",
			wantTeardown: []string{"users.teardown", "legacy.teardown", "sessions.teardown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.breakIt(h)

			app, err := assemble(t, h, tt.vault, tt.createDB)
			require.Error(t, err)
			assert.Nil(t, app)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.wantStep)

			var teardown []string
			for _, e := range h.rec.list() {
				if len(e) > len(".teardown") && e[len(e)-len(".teardown"):] == ".teardown" {
					teardown = append(teardown, e)
				}
			}
			assert.Equal(t, tt.wantTeardown, teardown)

			for _, e := range tt.notCalled {
				assert.Zero(t, h.rec.count(e), "%s should not run", e)
			}
		})
	}
}

func TestAssemble_MissingComponents(t *testing.T) {
	h := newHarness()
	comps := h.components()
	comps.Auth = nil

	_, err := Assemble(context.Background(), &config.Config{}, nil, comps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth layer component is required")
	assert.Empty(t, h.rec.list())

	comps = h.components()
	comps.Vault = nil
	_, err = Assemble(context.Background(), &config.Config{VaultEnabled: true}, nil, comps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault component is required")

	// Vault is optional when disabled.
	_, err = Assemble(context.Background(), &config.Config{}, nil, comps)
	require.NoError(t, err)
}

func TestAssemble_NilConfig(t *testing.T) {
	_, err := Assemble(context.Background(), nil, nil, newHarness().components())
	require.Error(t, err)
}

func TestAssemble_CloseRunsTeardownInReverse(t *testing.T) {
	h := newHarness()
	app, err := assemble(t, h, false, false)
	require.NoError(t, err)

	require.NoError(t, app.Close())
	events := h.rec.list()
	assert.Equal(t, []string{"users.teardown", "legacy.teardown", "sessions.teardown"}, events[len(events)-3:])
}

// syncRecorder is a log sink that records when it is flushed.
type syncRecorder struct{ rec *recorder }

func (s syncRecorder) Write(p []byte) (int, error) { return len(p), nil }
func (s syncRecorder) Sync() error                 { s.rec.add("logger.sync"); return nil }

func TestAssemble_FlushesLoggerAfterTeardown(t *testing.T) {
	h := newHarness()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), syncRecorder{rec: h.rec}, zapcore.DebugLevel)
	app, err := Assemble(context.Background(), &config.Config{}, zap.New(core).Sugar(), h.components())
	require.NoError(t, err)
	assert.Zero(t, h.rec.count("logger.sync"))

	require.NoError(t, app.Close())
	events := h.rec.list()
	assert.Equal(t, []string{"users.teardown", "legacy.teardown", "sessions.teardown", "logger.sync"}, events[len(events)-4:])
}

func TestAssemble_FlushesLoggerOnFailedStartup(t *testing.T) {
	h := newHarness()
	h.uiErr = errors.New("template parse error")
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), syncRecorder{rec: h.rec}, zapcore.DebugLevel)

	_, err := Assemble(context.Background(), &config.Config{}, zap.New(core).Sugar(), h.components())
	require.Error(t, err)
	assert.Equal(t, 1, h.rec.count("logger.sync"))
}
