package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes lists the handlers the lifecycle server exposes. Only Render is
// required; optional routes are omitted when their handler is nil.
type Routes struct {
	RenderPath string
	Render     http.Handler
	Health     http.HandlerFunc
	Metadata   http.HandlerFunc
	Purge      http.HandlerFunc
	Metrics    http.Handler
}

// NewRouter mounts routes on a chi router. The render endpoint accepts every
// method so the dispatcher can refuse loops before it gates on method.
func NewRouter(routes Routes) (http.Handler, error) {
	if routes.Render == nil {
		return nil, errors.New("server: render handler required")
	}
	renderPath := strings.TrimSpace(routes.RenderPath)
	if !strings.HasPrefix(renderPath, "/") {
		return nil, errors.New("server: render path must start with /")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(renderPath, routes.Render)
	if routes.Health != nil {
		r.Get("/healthz", routes.Health)
		r.Get("/health", routes.Health)
	}
	if routes.Metadata != nil {
		r.Get("/gadgets/metadata", routes.Metadata)
		r.Post("/gadgets/metadata", routes.Metadata)
	}
	if routes.Purge != nil {
		r.Handle("/gadgets/cache/purge", routes.Purge)
	}
	if routes.Metrics != nil {
		r.Handle("/metrics", routes.Metrics)
	}
	return r, nil
}
