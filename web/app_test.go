package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"accounts/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp() *App {
	return New(config.Namespace, &config.Config{Name: config.Namespace}, nil)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRegisterBlueprint_MountsRoutesUnderPrefix(t *testing.T) {
	app := newTestApp()
	bp := NewBlueprint("ui", "/account").
		HandleFunc("login", "/login", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("login page"))
		}, http.MethodGet)
	require.NoError(t, app.RegisterBlueprint(bp))

	rec := serve(app, http.MethodGet, "/account/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login page", rec.Body.String())

	assert.Equal(t, http.StatusMethodNotAllowed, serve(app, http.MethodDelete, "/account/login").Code)
	assert.Equal(t, http.StatusNotFound, serve(app, http.MethodGet, "/login").Code)

	url, err := app.URLFor("ui.login")
	require.NoError(t, err)
	assert.Equal(t, "/account/login", url)
	assert.Equal(t, []string{"ui"}, app.Blueprints())
}

func TestRegisterBlueprint_Duplicate(t *testing.T) {
	app := newTestApp()
	require.NoError(t, app.RegisterBlueprint(NewBlueprint("ui", "/")))
	err := app.RegisterBlueprint(NewBlueprint("ui", "/other"))
	assert.ErrorIs(t, err, ErrDuplicateBlueprint)
}

func TestRegisterBlueprint_Static(t *testing.T) {
	app := newTestApp()
	bp := NewBlueprint("base", "/")
	bp.Static = fstest.MapFS{"css/site.css": {Data: []byte("body{}")}}
	require.NoError(t, app.RegisterBlueprint(bp))

	rec := serve(app, http.MethodGet, "/static/base/css/site.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
}

func recordingMiddleware(name string, calls *[]string) Middleware {
	return MiddlewareFunc(name, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*calls = append(*calls, name+":in")
			next.ServeHTTP(w, r)
			*calls = append(*calls, name+":out")
		})
	})
}

func TestWrap_FirstMiddlewareIsOutermost(t *testing.T) {
	app := newTestApp()
	var calls []string
	app.Router().HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "handler")
	})

	require.NoError(t, app.Wrap(recordingMiddleware("vault", &calls), recordingMiddleware("auth", &calls)))
	serve(app, http.MethodGet, "/x")

	assert.Equal(t, []string{"vault:in", "auth:in", "handler", "auth:out", "vault:out"}, calls)

	names := []string{}
	for _, mw := range app.Middlewares() {
		names = append(names, mw.Name())
	}
	assert.Equal(t, []string{"vault", "auth"}, names)
}

func TestWrap_OnlyOnce(t *testing.T) {
	app := newTestApp()
	require.NoError(t, app.Wrap())
	assert.ErrorIs(t, app.Wrap(), ErrAlreadyWrapped)
}

func TestWrap_RejectsNil(t *testing.T) {
	app := newTestApp()
	assert.Error(t, app.Wrap(nil))
	// A rejected chain leaves the app unwrapped.
	assert.NoError(t, app.Wrap())
}

func TestClose_RunsHooksInReverseOnce(t *testing.T) {
	app := newTestApp()
	var order []string
	app.OnTeardown("sessions", func() error { order = append(order, "sessions"); return nil })
	app.OnTeardown("legacy", func() error { order = append(order, "legacy"); return errors.New("disk gone") })
	app.OnTeardown("users", func() error { order = append(order, "users"); return nil })

	err := app.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy")
	assert.Equal(t, []string{"users", "legacy", "sessions"}, order)

	assert.NoError(t, app.Close())
	assert.Len(t, order, 3)
}

func TestHealthz(t *testing.T) {
	app := newTestApp()
	app.AddHealthCheck("redis", func(ctx context.Context) error { return nil })

	rec := serve(app, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	app.AddHealthCheck("users_db", func(ctx context.Context) error { return errors.New("closed") })
	rec = serve(app, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Equal(t, "unavailable", body.Dependencies["users_db"])
}

func TestRender(t *testing.T) {
	app := newTestApp()
	bp := NewBlueprint("ui", "/")
	bp.Templates = fstest.MapFS{
		"hello.html": {Data: []byte(`{{define "title"}}Hi{{end}}{{define "content"}}Hello {{shout .}}{{end}}`)},
	}
	require.NoError(t, app.RegisterBlueprint(bp))

	rec := httptest.NewRecorder()
	assert.ErrorIs(t, app.Render(rec, http.StatusOK, "ui/hello.html", nil), ErrNoLayout)

	app.AddTemplateFunc("shout", func(s string) string { return s + "!" })
	layout := template.Must(template.New("layout").Funcs(template.FuncMap{"shout": func(s string) string { return s }}).
		Parse(`{{define "layout"}}<title>{{template "title" .}}</title>{{template "content" .}}{{end}}`))
	app.SetLayout(layout)

	rec = httptest.NewRecorder()
	require.NoError(t, app.Render(rec, http.StatusCreated, "ui/hello.html", "world"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "<title>Hi</title>Hello world!", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	assert.Error(t, app.Render(httptest.NewRecorder(), http.StatusOK, "ui/missing.html", nil))
}
