package render

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/gadgetrender/internal/dispatch"
	"github.com/l0p7/gadgetrender/internal/expr"
	"github.com/l0p7/gadgetrender/internal/fetch"
	"github.com/l0p7/gadgetrender/internal/gadget"
)

// SpecResolver resolves gadget URLs to compiled specs.
type SpecResolver interface {
	Resolve(ctx context.Context, gadgetURL string, ignoreCache bool) (*gadget.Spec, error)
}

// Options tunes a Renderer.
type Options struct {
	Now func() time.Time
}

// Renderer turns a render request into a dispatch.Outcome. Problems the
// client can act on become error outcomes; the returned error is reserved for
// faults of the renderer itself.
type Renderer struct {
	resolver SpecResolver
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Renderer backed by resolver.
func New(resolver SpecResolver, logger *slog.Logger, opts Options) (*Renderer, error) {
	if resolver == nil {
		return nil, errors.New("render: resolver required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Renderer{
		resolver: resolver,
		logger:   logger.With(slog.String("agent", "render")),
		now:      now,
	}, nil
}

// viewData is what html view templates receive.
type viewData struct {
	Gadget    map[string]any
	View      string
	Container string
	Lang      string
	Country   string
	Prefs     map[string]string
	Debug     bool
}

// Render implements dispatch.Renderer.
func (r *Renderer) Render(ctx context.Context, req dispatch.RequestContext) (dispatch.Outcome, error) {
	gadgetURL := req.GadgetURL()
	if gadgetURL == "" {
		return dispatch.Failure(http.StatusBadRequest, "Missing or malformed url parameter"), nil
	}
	if _, err := url.Parse(gadgetURL); err != nil {
		return dispatch.Failure(http.StatusBadRequest, "Missing or malformed url parameter"), nil
	}
	logger := r.logger.With(slog.String("gadget", gadgetURL))

	spec, err := r.resolver.Resolve(ctx, gadgetURL, req.IgnoreCache())
	if err != nil {
		message := "Unable to retrieve gadget spec for " + gadgetURL
		if errors.Is(err, fetch.ErrNotFound) || errors.Is(err, fetch.ErrNotAllowed) {
			logger.Debug("gadget spec unavailable", slog.Any("error", err))
			return dispatch.Failure(http.StatusNotFound, message), nil
		}
		logger.Warn("gadget spec retrieval failed", slog.Any("error", err))
		return dispatch.Failure(http.StatusBadGateway, message+": "+err.Error()), nil
	}

	prefs := req.UserPrefs()
	if spec.Allow.Valid() {
		allowed, err := spec.Allow.EvalBool(expr.Activation{
			Request:   requestAttributes(req),
			Gadget:    spec.Attributes(),
			Prefs:     prefs,
			View:      req.View(),
			Container: req.Container(),
			Now:       r.now(),
		})
		if err != nil {
			logger.Error("gadget allow rule failed", slog.String("rule", spec.Allow.Source()), slog.Any("error", err))
			return dispatch.Failure(http.StatusInternalServerError, "Gadget access rule failed"), nil
		}
		if !allowed {
			logger.Info("gadget access denied", slog.String("container", req.Container()))
			return dispatch.Failure(http.StatusForbidden, "Gadget access denied"), nil
		}
	}

	view, ok := spec.View(req.View())
	if !ok {
		return dispatch.Failure(http.StatusNotFound, "Unsupported view: "+req.View()), nil
	}

	switch view.Type {
	case gadget.ViewURL:
		target, err := redirectTarget(view.Href, req.Lang(), req.Country(), prefs)
		if err != nil {
			logger.Error("gadget redirect target invalid", slog.String("href", view.Href), slog.Any("error", err))
			return dispatch.Failure(http.StatusInternalServerError, "Gadget rendering failed"), nil
		}
		return dispatch.Redirect(target), nil
	case gadget.ViewHTML:
		if view.Template == nil {
			return dispatch.Success(substitutePrefs(view.Content, prefs)), nil
		}
		markup, err := view.Template.Render(viewData{
			Gadget:    spec.Attributes(),
			View:      view.Name,
			Container: req.Container(),
			Lang:      req.Lang(),
			Country:   req.Country(),
			Prefs:     prefs,
			Debug:     req.Debug(),
		})
		if err != nil {
			logger.Error("gadget template failed", slog.String("template", view.Template.Name()), slog.Any("error", err))
			return dispatch.Failure(http.StatusInternalServerError, "Gadget rendering failed"), nil
		}
		return dispatch.Success(markup), nil
	default:
		return dispatch.Outcome{}, fmt.Errorf("render: view %s has unknown type %q", view.Name, view.Type)
	}
}

// redirectTarget appends locale and user preferences to href.
func redirectTarget(href, lang, country string, prefs map[string]string) (string, error) {
	target, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("render: parse href: %w", err)
	}
	query := target.Query()
	query.Set(dispatch.ParamLang, lang)
	query.Set(dispatch.ParamCountry, country)
	for name, value := range prefs {
		query.Set(dispatch.UserPrefPrefix+name, value)
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// substitutePrefs replaces __UP_name__ placeholders in remote markup with the
// escaped preference value. Unknown placeholders are left untouched.
func substitutePrefs(content string, prefs map[string]string) string {
	if len(prefs) == 0 || !strings.Contains(content, "__UP_") {
		return content
	}
	names := make([]string, 0, len(prefs))
	for name := range prefs {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, "__UP_"+name+"__", html.EscapeString(prefs[name]))
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

func requestAttributes(req dispatch.RequestContext) map[string]any {
	headers := make(map[string]any)
	for name, values := range req.Headers() {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	params := make(map[string]any)
	for name, values := range req.Params() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	uri := req.URI()
	return map[string]any{
		"method":     req.Method(),
		"host":       uri.Host,
		"path":       uri.Path,
		"remoteAddr": req.RemoteAddr(),
		"headers":    headers,
		"params":     params,
		"lang":       req.Lang(),
		"country":    req.Country(),
		"debug":      req.Debug(),
	}
}
