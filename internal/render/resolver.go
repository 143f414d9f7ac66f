package render

import (
	"context"
	"strings"

	"github.com/l0p7/gadgetrender/internal/fetch"
	"github.com/l0p7/gadgetrender/internal/gadget"
)

// Registry exposes locally defined gadgets.
type Registry interface {
	Lookup(gadgetURL string) (*gadget.Spec, bool)
}

// RemoteSource retrieves gadget specs that are not registered locally.
type RemoteSource interface {
	Fetch(ctx context.Context, gadgetURL string, ignoreCache bool) (*gadget.Spec, error)
	Peek(ctx context.Context, gadgetURL string) (*gadget.Spec, bool)
}

// Resolver finds the gadget spec for a gadget URL, preferring the local registry and
// falling back to the remote source.
type Resolver struct {
	registry Registry
	remote   RemoteSource
}

// NewResolver combines registry and remote. Either may be nil.
func NewResolver(registry Registry, remote RemoteSource) *Resolver {
	return &Resolver{registry: registry, remote: remote}
}

// Resolve returns the gadget spec for gadgetURL. Registered gadgets never reach the
// network. Without a remote source unknown URLs yield fetch.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, gadgetURL string, ignoreCache bool) (*gadget.Spec, error) {
	gadgetURL = strings.TrimSpace(gadgetURL)
	if r.registry != nil {
		if spec, ok := r.registry.Lookup(gadgetURL); ok {
			return spec, nil
		}
	}
	if r.remote == nil {
		return nil, fetch.ErrNotFound
	}
	return r.remote.Fetch(ctx, gadgetURL, ignoreCache)
}

// Peek returns a spec that is available without network access: a registered
// gadget or a cached remote one.
func (r *Resolver) Peek(ctx context.Context, gadgetURL string) (*gadget.Spec, bool) {
	gadgetURL = strings.TrimSpace(gadgetURL)
	if r.registry != nil {
		if spec, ok := r.registry.Lookup(gadgetURL); ok {
			return spec, true
		}
	}
	if r.remote == nil {
		return nil, false
	}
	return r.remote.Peek(ctx, gadgetURL)
}
