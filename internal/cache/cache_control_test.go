package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   CacheControlDirective
	}{
		{name: "empty", header: "", want: CacheControlDirective{}},
		{name: "max-age", header: "max-age=60", want: CacheControlDirective{MaxAge: intPtr(60)}},
		{name: "s-maxage and max-age", header: "public, max-age=60, s-maxage=120", want: CacheControlDirective{MaxAge: intPtr(60), SMaxAge: intPtr(120)}},
		{name: "quoted value", header: `max-age="30"`, want: CacheControlDirective{MaxAge: intPtr(30)}},
		{name: "case insensitive", header: "No-Store, MAX-AGE=5", want: CacheControlDirective{MaxAge: intPtr(5), NoStore: true}},
		{name: "negative ignored", header: "max-age=-1", want: CacheControlDirective{}},
		{name: "garbage ignored", header: "max-age=abc, ,private", want: CacheControlDirective{Private: true}},
		{name: "no-cache", header: "no-cache", want: CacheControlDirective{NoCache: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ParseCacheControl(tc.header))
		})
	}
}

func TestDirectiveTTL(t *testing.T) {
	require.Nil(t, CacheControlDirective{}.TTL())

	ttl := CacheControlDirective{MaxAge: intPtr(60), SMaxAge: intPtr(10)}.TTL()
	require.NotNil(t, ttl)
	require.Equal(t, 10*time.Second, *ttl)

	ttl = CacheControlDirective{MaxAge: intPtr(60), Private: true}.TTL()
	require.NotNil(t, ttl)
	require.Zero(t, *ttl)
}

func TestEffectiveTTL(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		defaultTTL time.Duration
		ceiling    time.Duration
		want       time.Duration
	}{
		{name: "default when header absent", defaultTTL: 5 * time.Minute, want: 5 * time.Minute},
		{name: "upstream max-age wins", header: "max-age=30", defaultTTL: 5 * time.Minute, want: 30 * time.Second},
		{name: "no-store disables caching", header: "no-store", defaultTTL: 5 * time.Minute, want: 0},
		{name: "ceiling caps upstream", header: "max-age=86400", defaultTTL: time.Minute, ceiling: time.Hour, want: time.Hour},
		{name: "ceiling caps default", defaultTTL: 2 * time.Hour, ceiling: time.Hour, want: time.Hour},
		{name: "zero default disables caching", defaultTTL: 0, want: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EffectiveTTL(tc.header, tc.defaultTTL, tc.ceiling))
		})
	}
}
