package web

import (
	"io/fs"
	"net/http"
)

type route struct {
	name    string
	path    string
	methods []string
	handler http.Handler
}

// Blueprint is a named collection of routes with optional page templates and
// static files, registered on an App as a unit.
type Blueprint struct {
	Name   string
	Prefix string

	// Templates holds page templates (*.html) rendered inside the layout.
	Templates fs.FS
	// Static is served under /static/<Name>/.
	Static fs.FS

	routes []route
}

// NewBlueprint creates an empty blueprint.
func NewBlueprint(name, prefix string) *Blueprint {
	return &Blueprint{Name: name, Prefix: prefix}
}

// Handle adds a named route. An empty methods list matches any method.
func (b *Blueprint) Handle(name, path string, h http.Handler, methods ...string) *Blueprint {
	b.routes = append(b.routes, route{name: name, path: path, methods: methods, handler: h})
	return b
}

// HandleFunc is Handle for plain functions.
func (b *Blueprint) HandleFunc(name, path string, fn http.HandlerFunc, methods ...string) *Blueprint {
	return b.Handle(name, path, fn, methods...)
}

// Routes returns the number of routes defined.
func (b *Blueprint) Routes() int {
	return len(b.routes)
}

// MountStatic serves fsys under /static/<name>/.
func (a *App) MountStatic(name string, fsys fs.FS) {
	prefix := "/static/" + name + "/"
	a.router.PathPrefix(prefix).Handler(
		http.StripPrefix(prefix, http.FileServer(http.FS(fsys))),
	).Methods(http.MethodGet, http.MethodHead)
}
