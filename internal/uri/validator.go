package uri

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/l0p7/gadgetrender/internal/dispatch"
	"github.com/l0p7/gadgetrender/internal/gadget"
)

// SpecPeeker returns specs that are available without network access.
type SpecPeeker interface {
	Peek(ctx context.Context, gadgetURL string) (*gadget.Spec, bool)
}

// Validator classifies render URIs by comparing their v parameter with the
// version of the gadget currently known.
type Validator struct {
	specs     SpecPeeker
	versioner *Versioner
	logger    *slog.Logger
}

// NewValidator builds a Validator.
func NewValidator(specs SpecPeeker, versioner *Versioner, logger *slog.Logger) (*Validator, error) {
	if specs == nil {
		return nil, errors.New("uri: spec source required")
	}
	if versioner == nil {
		return nil, errors.New("uri: versioner required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		specs:     specs,
		versioner: versioner,
		logger:    logger.With(slog.String("agent", "uri")),
	}, nil
}

// Classify implements dispatch.URIValidator. A URI without a version is
// unversioned. A versioned URI whose spec is unknown or whose version differs
// from the current one is invalid.
func (v *Validator) Classify(ctx context.Context, uri *url.URL) dispatch.URIStatus {
	if uri == nil {
		return dispatch.InvalidVersion
	}
	query := uri.Query()
	version := strings.TrimSpace(query.Get(dispatch.ParamVersion))
	if version == "" {
		return dispatch.UnversionedValid
	}

	gadgetURL := strings.TrimSpace(query.Get(dispatch.ParamURL))
	if gadgetURL == "" {
		return dispatch.InvalidVersion
	}
	spec, ok := v.specs.Peek(ctx, gadgetURL)
	if !ok {
		v.logger.Debug("version unverifiable", slog.String("gadget", gadgetURL))
		return dispatch.InvalidVersion
	}

	container := strings.TrimSpace(query.Get(dispatch.ParamContainer))
	if container == "" {
		container = strings.TrimSpace(query.Get(dispatch.ParamSynd))
	}
	if v.versioner.Version(spec, container) != version {
		v.logger.Debug("stale version", slog.String("gadget", gadgetURL), slog.String("version", version))
		return dispatch.InvalidVersion
	}
	return dispatch.VersionedValid
}
