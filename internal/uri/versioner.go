package uri

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/l0p7/gadgetrender/internal/dispatch"
	"github.com/l0p7/gadgetrender/internal/gadget"
)

const versionLength = 16

// Versioner derives the content version embedded in iframe URLs from the gadget
// checksum, keyed by salt and container.
type Versioner struct {
	salt string
}

// NewVersioner returns a Versioner keyed by salt.
func NewVersioner(salt string) *Versioner {
	return &Versioner{salt: salt}
}

// Version returns the version of spec as rendered for container.
func (v *Versioner) Version(spec *gadget.Spec, container string) string {
	if spec == nil {
		return ""
	}
	if strings.TrimSpace(container) == "" {
		container = dispatch.DefaultContainer
	}
	sum := sha256.Sum256([]byte(v.salt + "|" + container + "|" + spec.Checksum))
	return hex.EncodeToString(sum[:])[:versionLength]
}

// BuildRenderURL returns the iframe URL for spec on base. When versioned is
// set the current version is included so responses can be cached forever.
func (v *Versioner) BuildRenderURL(base string, spec *gadget.Spec, container, view string, versioned bool) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("uri: spec required")
	}
	target, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("uri: parse base: %w", err)
	}
	if strings.TrimSpace(container) == "" {
		container = dispatch.DefaultContainer
	}
	query := target.Query()
	query.Set(dispatch.ParamURL, spec.URL)
	query.Set(dispatch.ParamContainer, container)
	if strings.TrimSpace(view) != "" {
		query.Set(dispatch.ParamView, view)
	}
	if versioned {
		query.Set(dispatch.ParamVersion, v.Version(spec, container))
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}
