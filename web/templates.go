package web

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
)

// LayoutTemplate is the name of the template every page is rendered through.
const LayoutTemplate = "layout"

// ErrNoLayout is returned by Render when no layout has been installed.
var ErrNoLayout = errors.New("no layout templates installed")

type pageSource struct {
	blueprint string
	fsys      fs.FS
}

type templateSet struct {
	mu       sync.Mutex
	layout   *template.Template
	funcs    template.FuncMap
	sources  []pageSource
	compiled map[string]*template.Template
}

func newTemplateSet() templateSet {
	return templateSet{funcs: template.FuncMap{}}
}

func (s *templateSet) setLayout(layout *template.Template) {
	s.mu.Lock()
	s.layout = layout
	s.compiled = nil
	s.mu.Unlock()
}

func (s *templateSet) addFunc(name string, fn interface{}) {
	s.mu.Lock()
	s.funcs[name] = fn
	s.compiled = nil
	s.mu.Unlock()
}

func (s *templateSet) addPages(blueprint string, fsys fs.FS) {
	s.mu.Lock()
	s.sources = append(s.sources, pageSource{blueprint: blueprint, fsys: fsys})
	s.compiled = nil
	s.mu.Unlock()
}

// compile parses every page into its own clone of the layout. Called with
// s.mu held.
func (s *templateSet) compile() error {
	if s.layout == nil {
		return ErrNoLayout
	}
	compiled := make(map[string]*template.Template)
	for _, src := range s.sources {
		pages, err := fs.Glob(src.fsys, "*.html")
		if err != nil {
			return fmt.Errorf("failed to list %s templates: %w", src.blueprint, err)
		}
		for _, page := range pages {
			t, err := s.layout.Clone()
			if err != nil {
				return fmt.Errorf("failed to clone layout: %w", err)
			}
			if _, err := t.Funcs(s.funcs).ParseFS(src.fsys, page); err != nil {
				return fmt.Errorf("failed to parse %s/%s: %w", src.blueprint, page, err)
			}
			compiled[src.blueprint+"/"+page] = t
		}
	}
	s.compiled = compiled
	return nil
}

func (s *templateSet) lookup(page string) (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled == nil {
		if err := s.compile(); err != nil {
			return nil, err
		}
	}
	t, ok := s.compiled[page]
	if !ok {
		return nil, fmt.Errorf("template %s not found", page)
	}
	return t, nil
}

func (s *templateSet) render(w http.ResponseWriter, status int, page string, data interface{}) error {
	t, err := s.lookup(page)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, LayoutTemplate, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", page, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err = buf.WriteTo(w)
	return err
}

// CompileTemplates parses all page templates now instead of on first render.
func (a *App) CompileTemplates() error {
	a.tmpl.mu.Lock()
	defer a.tmpl.mu.Unlock()
	return a.tmpl.compile()
}
