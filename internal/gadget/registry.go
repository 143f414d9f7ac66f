package gadget

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/l0p7/gadgetrender/internal/config"
	"github.com/l0p7/gadgetrender/internal/expr"
	"github.com/l0p7/gadgetrender/internal/metrics"
	"github.com/l0p7/gadgetrender/internal/templates"
)

// Registry holds the gadgets defined in configuration. Reload swaps the whole
// snapshot so readers never observe a partially loaded set.
type Registry struct {
	logger   *slog.Logger
	renderer *templates.Renderer
	env      *expr.Environment
	metrics  *metrics.Recorder

	mu      sync.RWMutex
	byURL   map[string]*Spec
	sources []string
	skipped []config.DefinitionSkip
}

// NewRegistry returns an empty registry. Templates compile through renderer
// and allow rules through env.
func NewRegistry(logger *slog.Logger, renderer *templates.Renderer, env *expr.Environment, recorder *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	return &Registry{
		logger:   logger.With(slog.String("agent", "registry")),
		renderer: renderer,
		env:      env,
		metrics:  recorder,
		byURL:    make(map[string]*Spec),
	}
}

// Reload compiles every definition in bundle and replaces the active set.
// Definitions that fail to compile are skipped and reported through Skipped.
func (r *Registry) Reload(bundle config.GadgetBundle) {
	byURL := make(map[string]*Spec, len(bundle.Gadgets))
	skipped := append([]config.DefinitionSkip(nil), bundle.Skipped...)

	names := make([]string, 0, len(bundle.Gadgets))
	for name := range bundle.Gadgets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, err := r.compile(name, bundle.Gadgets[name])
		if err != nil {
			r.logger.Warn("gadget definition skipped", slog.String("gadget", name), slog.Any("error", err))
			skipped = append(skipped, config.DefinitionSkip{
				Kind:   "gadget",
				Name:   name,
				Reason: err.Error(),
			})
			continue
		}
		byURL[normalizeURL(spec.URL)] = spec
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	r.mu.Lock()
	r.byURL = byURL
	r.sources = append([]string(nil), bundle.Sources...)
	r.skipped = skipped
	r.mu.Unlock()

	r.metrics.SetGadgets(len(byURL))
	r.logger.Info("gadget registry reloaded",
		slog.Int("gadgets", len(byURL)),
		slog.Int("skipped", len(skipped)),
		slog.Any("sources", bundle.Sources),
	)
}

func (r *Registry) compile(name string, cfg config.GadgetConfig) (*Spec, error) {
	spec := &Spec{
		URL:         strings.TrimSpace(cfg.URL),
		Name:        name,
		Title:       cfg.Title,
		Description: cfg.Description,
		Views:       make(map[string]View, len(cfg.Views)),
		Origin:      OriginRegistry,
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("gadget: url required")
	}

	for viewName, viewCfg := range cfg.Views {
		view := View{Name: viewName, Type: ViewType(strings.ToLower(strings.TrimSpace(viewCfg.Type)))}
		if view.Type == "" {
			view.Type = ViewHTML
		}
		switch view.Type {
		case ViewURL:
			view.Href = strings.TrimSpace(viewCfg.Href)
			if view.Href == "" {
				return nil, fmt.Errorf("gadget: view %s: href required", viewName)
			}
		case ViewHTML:
			tmpl, err := r.compileView(name, viewName, viewCfg)
			if err != nil {
				return nil, err
			}
			view.Template = tmpl
			view.Content = tmpl.Source()
		default:
			return nil, fmt.Errorf("gadget: view %s: unsupported type %s", viewName, viewCfg.Type)
		}
		spec.Views[viewName] = view
	}
	if len(spec.Views) == 0 {
		return nil, fmt.Errorf("gadget: at least one view required")
	}

	if allow := strings.TrimSpace(cfg.Allow); allow != "" {
		if r.env == nil {
			return nil, fmt.Errorf("gadget: allow rule requires an expression environment")
		}
		program, err := r.env.Compile(allow)
		if err != nil {
			return nil, fmt.Errorf("gadget: allow: %w", err)
		}
		spec.Allow = program
	}

	spec.Checksum = Checksum(spec.Views)
	return spec, nil
}

func (r *Registry) compileView(gadgetName, viewName string, cfg config.GadgetViewConfig) (*templates.Template, error) {
	var (
		tmpl *templates.Template
		err  error
	)
	if file := strings.TrimSpace(cfg.ContentFile); file != "" {
		tmpl, err = r.renderer.CompileFile(file)
	} else {
		tmpl, err = r.renderer.CompileInline(gadgetName+"/"+viewName, cfg.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("gadget: view %s: %w", viewName, err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("gadget: view %s: content required", viewName)
	}
	return tmpl, nil
}

// Lookup returns the registered spec for a gadget URL.
func (r *Registry) Lookup(gadgetURL string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byURL[normalizeURL(gadgetURL)]
	return spec, ok
}

// List returns the registered specs ordered by name.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	specs := make([]*Spec, 0, len(r.byURL))
	for _, spec := range r.byURL {
		specs = append(specs, spec)
	}
	r.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len reports the number of registered gadgets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}

// Sources lists the definition files behind the active set.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.sources...)
}

// Skipped lists definitions rejected by the loader or at compile time.
func (r *Registry) Skipped() []config.DefinitionSkip {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.DefinitionSkip, len(r.skipped))
	for i, skip := range r.skipped {
		skip.Sources = append([]string(nil), skip.Sources...)
		out[i] = skip
	}
	return out
}

func normalizeURL(raw string) string {
	return strings.TrimSpace(raw)
}
