// Package web provides the application instance that the bootstrapper
// assembles: a gorilla/mux router, named blueprints, shared templates, an
// ordered middleware chain and teardown hooks.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"accounts/config"
	"accounts/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyWrapped is returned when Wrap is called twice.
	ErrAlreadyWrapped = errors.New("middleware chain already installed")

	// ErrDuplicateBlueprint is returned when a blueprint name is reused.
	ErrDuplicateBlueprint = errors.New("blueprint already registered")
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type teardownHook struct {
	name string
	fn   func() error
}

// App is the application instance. It is built once at startup by passing it
// to each initializer in turn and is read-only once serving begins.
type App struct {
	Name   string
	Config *config.Config
	Logger *zap.SugaredLogger

	router *mux.Router
	server *http.Server

	mu           sync.Mutex
	blueprints   []*Blueprint
	middlewares  []Middleware
	handler      http.Handler
	teardown     []teardownHook
	closed       bool
	stopped      bool
	healthChecks map[string]HealthCheck

	tmpl templateSet
}

// New creates an application bound to the given configuration namespace.
func New(name string, cfg *config.Config, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{
		Name:         name,
		Config:       cfg,
		Logger:       logger,
		router:       mux.NewRouter(),
		healthChecks: make(map[string]HealthCheck),
		tmpl:         newTemplateSet(),
	}
	a.router.HandleFunc("/healthz", a.healthHandler).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return a
}

// Router exposes the underlying router for routes outside any blueprint.
func (a *App) Router() *mux.Router {
	return a.router
}

// RegisterBlueprint mounts the blueprint's routes under its prefix and its
// static files under /static/<name>/.
func (a *App) RegisterBlueprint(bp *Blueprint) error {
	if bp == nil || bp.Name == "" {
		return fmt.Errorf("blueprint must have a name")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.blueprints {
		if existing.Name == bp.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateBlueprint, bp.Name)
		}
	}

	r := a.router
	if bp.Prefix != "" && bp.Prefix != "/" {
		r = a.router.PathPrefix(bp.Prefix).Subrouter()
	}
	for _, rt := range bp.routes {
		route := r.Handle(rt.path, rt.handler)
		if len(rt.methods) > 0 {
			route.Methods(rt.methods...)
		}
		if rt.name != "" {
			route.Name(bp.Name + "." + rt.name)
		}
	}

	if bp.Static != nil {
		a.MountStatic(bp.Name, bp.Static)
	}
	if bp.Templates != nil {
		a.tmpl.addPages(bp.Name, bp.Templates)
	}

	a.blueprints = append(a.blueprints, bp)
	a.Logger.Infow("Blueprint registered", "blueprint", bp.Name, "prefix", bp.Prefix, "routes", len(bp.routes))
	return nil
}

// Blueprints returns the names of registered blueprints in registration order.
func (a *App) Blueprints() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.blueprints))
	for _, bp := range a.blueprints {
		names = append(names, bp.Name)
	}
	return names
}

// URLFor builds the path of a named blueprint route, e.g. "ui.login".
func (a *App) URLFor(name string, pairs ...string) (string, error) {
	route := a.router.Get(name)
	if route == nil {
		return "", fmt.Errorf("no route named %s", name)
	}
	u, err := route.URL(pairs...)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

// AddHealthCheck registers a dependency check reported by /healthz.
func (a *App) AddHealthCheck(name string, check HealthCheck) {
	a.mu.Lock()
	a.healthChecks[name] = check
	a.mu.Unlock()
}

// OnTeardown registers fn to run when the application closes. Hooks run in
// reverse registration order.
func (a *App) OnTeardown(name string, fn func() error) {
	a.mu.Lock()
	a.teardown = append(a.teardown, teardownHook{name: name, fn: fn})
	a.mu.Unlock()
}

// Close runs every teardown hook once and joins their errors.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	hooks := a.teardown
	a.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(); err != nil {
			a.Logger.Errorw("Teardown hook failed", "hook", hooks[i].name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// ServeHTTP dispatches through the installed middleware chain.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		h = a.router
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.ServeHTTP(rec, r)
	metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
}

// Start serves HTTP on addr until Stop is called. It returns nil at once if
// Stop already ran.
func (a *App) Start(addr string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	srv := a.server
	a.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SetLayout installs the shared layout templates that every page renders in.
func (a *App) SetLayout(layout *template.Template) {
	a.tmpl.setLayout(layout)
}

// AddTemplateFunc makes fn available to every template.
func (a *App) AddTemplateFunc(name string, fn interface{}) {
	a.tmpl.addFunc(name, fn)
}

// Render executes the page template "<blueprint>/<file>" inside the layout.
func (a *App) Render(w http.ResponseWriter, status int, page string, data interface{}) error {
	return a.tmpl.render(w, status, page, data)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	checks := make(map[string]HealthCheck, len(a.healthChecks))
	for name, check := range a.healthChecks {
		checks[name] = check
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			a.Logger.Warnw("Health check failed", "dependency", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       http.StatusText(status),
		"dependencies": results,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
