package web

import (
	"fmt"
	"net/http"
)

// Middleware intercepts requests before they reach the router.
type Middleware interface {
	Name() string
	Wrap(next http.Handler) http.Handler
}

type middlewareFunc struct {
	name string
	fn   func(http.Handler) http.Handler
}

func (m middlewareFunc) Name() string                        { return m.name }
func (m middlewareFunc) Wrap(next http.Handler) http.Handler { return m.fn(next) }

// MiddlewareFunc adapts a plain func(http.Handler) http.Handler.
func MiddlewareFunc(name string, fn func(http.Handler) http.Handler) Middleware {
	return middlewareFunc{name: name, fn: fn}
}

// Wrap installs the middleware chain. The first middleware is outermost: it
// sees the request first and the response last. Wrap may be called once.
func (a *App) Wrap(chain ...Middleware) error {
	for i, mw := range chain {
		if mw == nil {
			return fmt.Errorf("middleware %d is nil", i)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler != nil {
		return ErrAlreadyWrapped
	}

	var h http.Handler = a.router
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i].Wrap(h)
	}
	a.handler = h
	a.middlewares = append([]Middleware(nil), chain...)

	names := make([]string, len(chain))
	for i, mw := range chain {
		names[i] = mw.Name()
	}
	a.Logger.Infow("Middleware installed", "chain", names)
	return nil
}

// Middlewares returns the installed chain, outermost first.
func (a *App) Middlewares() []Middleware {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Middleware(nil), a.middlewares...)
}
