package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/gadgetrender/internal/cache"
	"github.com/l0p7/gadgetrender/internal/config"
	"github.com/l0p7/gadgetrender/internal/dispatch"
	"github.com/l0p7/gadgetrender/internal/gadget"
	"github.com/l0p7/gadgetrender/internal/uri"
)

// Catalog exposes the registered gadgets and the state of the last reload.
type Catalog interface {
	List() []*gadget.Spec
	Sources() []string
	Skipped() []config.DefinitionSkip
}

// Purger drops cached remote specs.
type Purger interface {
	Purge(ctx context.Context) error
}

// Options configures the admin handlers.
type Options struct {
	// RenderPath is the path iframe URLs are built against.
	RenderPath   string
	CacheBackend string
	Purger       Purger
	Now          func() time.Time
}

// Handlers serves the diagnostic endpoints next to the render endpoint.
type Handlers struct {
	catalog   Catalog
	specs     uri.SpecPeeker
	cache     cache.SpecCache
	versioner *uri.Versioner
	logger    *slog.Logger

	renderPath   string
	cacheBackend string
	purger       Purger
	now          func() time.Time
}

// New builds the admin handlers. specs resolves single gadget lookups so
// cached remote specs are reported as well as registered ones.
func New(catalog Catalog, specs uri.SpecPeeker, specCache cache.SpecCache, versioner *uri.Versioner, logger *slog.Logger, opts Options) (*Handlers, error) {
	if catalog == nil {
		return nil, errors.New("admin: catalog required")
	}
	if versioner == nil {
		return nil, errors.New("admin: versioner required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	renderPath := strings.TrimSpace(opts.RenderPath)
	if renderPath == "" {
		renderPath = "/gadgets/ifr"
	}
	return &Handlers{
		catalog:      catalog,
		specs:        specs,
		cache:        specCache,
		versioner:    versioner,
		logger:       logger.With(slog.String("agent", "admin")),
		renderPath:   renderPath,
		cacheBackend: opts.CacheBackend,
		purger:       opts.Purger,
		now:          now,
	}, nil
}

// ServeHealth reports registry and cache state. The status is degraded while
// any gadget definition is quarantined.
func (h *Handlers) ServeHealth(w http.ResponseWriter, r *http.Request) {
	var cacheSize int64
	if h.cache != nil {
		size, err := h.cache.Size(r.Context())
		if err != nil {
			h.logger.Error("cache size query failed", slog.Any("error", err))
		}
		cacheSize = size
	}
	skipped := h.catalog.Skipped()
	status := "ok"
	if len(skipped) > 0 {
		status = "degraded"
	}
	payload := struct {
		Status             string                  `json:"status"`
		ObservedAt         time.Time               `json:"observedAt"`
		Gadgets            int                     `json:"gadgets"`
		CacheBackend       string                  `json:"cacheBackend,omitempty"`
		CacheEntries       int64                   `json:"cacheEntries"`
		GadgetSources      []string                `json:"gadgetSources,omitempty"`
		SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	}{
		Status:             status,
		ObservedAt:         h.now().UTC(),
		Gadgets:            len(h.catalog.List()),
		CacheBackend:       h.cacheBackend,
		CacheEntries:       cacheSize,
		GadgetSources:      h.catalog.Sources(),
		SkippedDefinitions: skipped,
	}
	h.writeJSON(w, http.StatusOK, payload)
}

type gadgetMetadata struct {
	URL          string   `json:"url"`
	Name         string   `json:"name"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Origin       string   `json:"origin"`
	Views        []string `json:"views"`
	Checksum     string   `json:"checksum"`
	Version      string   `json:"version"`
	IframeURL    string   `json:"iframeUrl"`
	HasAllowRule bool     `json:"hasAllowRule,omitempty"`
}

// ServeMetadata describes gadgets together with their versioned iframe URLs.
// Without a url parameter every registered gadget is listed; with one only
// that gadget is described, including cached remote specs.
func (h *Handlers) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	container := strings.TrimSpace(r.Form.Get(dispatch.ParamContainer))
	if container == "" {
		container = dispatch.DefaultContainer
	}
	view := strings.TrimSpace(r.Form.Get(dispatch.ParamView))

	var specs []*gadget.Spec
	if gadgetURL := strings.TrimSpace(r.Form.Get(dispatch.ParamURL)); gadgetURL != "" {
		var (
			spec *gadget.Spec
			ok   bool
		)
		if h.specs != nil {
			spec, ok = h.specs.Peek(r.Context(), gadgetURL)
		}
		if !ok {
			h.writeError(w, http.StatusNotFound, fmt.Sprintf("gadget %q not known", gadgetURL))
			return
		}
		specs = []*gadget.Spec{spec}
	} else {
		specs = h.catalog.List()
	}

	out := make([]gadgetMetadata, 0, len(specs))
	for _, spec := range specs {
		iframeURL, err := h.versioner.BuildRenderURL(h.renderPath, spec, container, view, true)
		if err != nil {
			h.logger.Error("iframe url build failed", slog.String("gadget", spec.URL), slog.Any("error", err))
			h.writeError(w, http.StatusInternalServerError, "metadata unavailable")
			return
		}
		out = append(out, gadgetMetadata{
			URL:          spec.URL,
			Name:         spec.Name,
			Title:        spec.Title,
			Description:  spec.Description,
			Origin:       string(spec.Origin),
			Views:        spec.ViewNames(),
			Checksum:     spec.Checksum,
			Version:      h.versioner.Version(spec, container),
			IframeURL:    iframeURL,
			HasAllowRule: spec.Allow.Valid(),
		})
	}

	h.writeJSON(w, http.StatusOK, struct {
		ObservedAt time.Time        `json:"observedAt"`
		Container  string           `json:"container"`
		Gadgets    []gadgetMetadata `json:"gadgets"`
	}{
		ObservedAt: h.now().UTC(),
		Container:  container,
		Gadgets:    out,
	})
}

// PurgeEnabled reports whether ServePurge has a purger to call.
func (h *Handlers) PurgeEnabled() bool {
	return h.purger != nil
}

// ServePurge drops every cached remote spec.
func (h *Handlers) ServePurge(w http.ResponseWriter, r *http.Request) {
	if h.purger == nil {
		h.writeError(w, http.StatusNotFound, "cache purge disabled")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.purger.Purge(r.Context()); err != nil {
		h.logger.Error("spec cache purge failed", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "cache purge failed")
		return
	}
	h.logger.Info("spec cache purged")
	h.writeJSON(w, http.StatusOK, map[string]any{"purged": true, "observedAt": h.now().UTC()})
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("admin encode failed", slog.Any("error", err))
	}
}
