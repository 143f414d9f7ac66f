package dispatch

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTTL = 300 * time.Second
	ForeverTTL = 365 * 24 * time.Hour
)

// CacheMode selects the caching headers written for a successful render.
type CacheMode int

const (
	NoStore CacheMode = iota
	CacheForever
	CacheForSeconds
)

func (m CacheMode) String() string {
	switch m {
	case NoStore:
		return "no_store"
	case CacheForever:
		return "cache_forever"
	case CacheForSeconds:
		return "cache_for_seconds"
	default:
		return "unknown"
	}
}

// CachePolicy is the caching decision for one successful render.
type CachePolicy struct {
	Mode   CacheMode
	TTL    time.Duration
	Public bool
}

// PolicyOptions holds the deployment knobs for DerivePolicy. Zero durations
// fall back to DefaultTTL and ForeverTTL; a zero MaxRefresh means the refresh
// override is uncapped.
type PolicyOptions struct {
	DefaultTTL time.Duration
	ForeverTTL time.Duration
	MaxRefresh time.Duration
	Shared     bool
}

// DerivePolicy picks the cache policy for a successful render.
//
// A bypass request or an invalid version never caches. A valid version caches
// for ForeverTTL. Anything else caches for DefaultTTL unless refresh holds a
// positive integer number of seconds. A refresh value that cannot be used is
// ignored and returned as an error alongside the default policy.
func DerivePolicy(status URIStatus, ignoreCache bool, refresh string, opts PolicyOptions) (CachePolicy, error) {
	if ignoreCache || status == InvalidVersion {
		return CachePolicy{Mode: NoStore}, nil
	}
	if status == VersionedValid {
		ttl := opts.ForeverTTL
		if ttl <= 0 {
			ttl = ForeverTTL
		}
		return CachePolicy{Mode: CacheForever, TTL: ttl, Public: opts.Shared}, nil
	}

	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	policy := CachePolicy{Mode: CacheForSeconds, TTL: ttl, Public: opts.Shared}

	raw := strings.TrimSpace(refresh)
	if raw == "" {
		return policy, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return policy, fmt.Errorf("dispatch: refresh %q is not an integer: %w", refresh, err)
	}
	if seconds <= 0 {
		return policy, fmt.Errorf("dispatch: refresh %q must be positive", refresh)
	}
	policy.TTL = time.Duration(seconds) * time.Second
	if opts.MaxRefresh > 0 && policy.TTL > opts.MaxRefresh {
		policy.TTL = opts.MaxRefresh
	}
	return policy, nil
}

// Apply writes the policy's caching headers relative to now.
func (p CachePolicy) Apply(h http.Header, now time.Time) {
	now = now.UTC()
	if p.Mode == NoStore || p.TTL <= 0 {
		h.Set("Cache-Control", "no-cache, no-store")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", now.Format(http.TimeFormat))
		return
	}
	scope := "private"
	if p.Public {
		scope = "public"
	}
	seconds := int64(p.TTL / time.Second)
	h.Set("Cache-Control", fmt.Sprintf("%s, max-age=%d", scope, seconds))
	h.Set("Expires", now.Add(p.TTL).Format(http.TimeFormat))
	h.Del("Pragma")
}
