package cache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective holds the Cache-Control directives that influence how
// long a fetched gadget spec may be reused.
type CacheControlDirective struct {
	MaxAge  *int // max-age in seconds
	SMaxAge *int // s-maxage in seconds, preferred by shared caches
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives
// and malformed values are ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}
	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, ok := strings.Cut(part, "="); ok {
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 0 {
				continue
			}
			switch key {
			case "max-age":
				directive.MaxAge = &seconds
			case "s-maxage":
				directive.SMaxAge = &seconds
			}
			continue
		}
		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}

// TTL derives a lifetime from the directive. Precedence is no-store,
// no-cache or private (zero), then s-maxage, then max-age. A nil result means
// the header carried no lifetime and the caller's default applies.
func (d CacheControlDirective) TTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}
	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}

// EffectiveTTL computes how long a fetched spec is cached. The upstream
// Cache-Control header wins when it carries a lifetime, otherwise
// defaultTTL applies. A positive ceiling caps the result. Zero means the document
// must not be stored.
func EffectiveTTL(cacheControl string, defaultTTL, ceiling time.Duration) time.Duration {
	ttl := defaultTTL
	if upstream := ParseCacheControl(cacheControl).TTL(); upstream != nil {
		ttl = *upstream
	}
	if ttl <= 0 {
		return 0
	}
	if ceiling > 0 && ttl > ceiling {
		ttl = ceiling
	}
	return ttl
}
