package dispatch

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDerivePolicy(t *testing.T) {
	tests := []struct {
		name        string
		status      URIStatus
		ignoreCache bool
		refresh     string
		opts        PolicyOptions
		want        CachePolicy
		wantErr     bool
	}{
		{
			name:   "unversioned uses default ttl",
			status: UnversionedValid,
			want:   CachePolicy{Mode: CacheForSeconds, TTL: 300 * time.Second},
		},
		{
			name:    "unversioned honours positive refresh",
			status:  UnversionedValid,
			refresh: "60",
			want:    CachePolicy{Mode: CacheForSeconds, TTL: 60 * time.Second},
		},
		{
			name:    "refresh is trimmed",
			status:  UnversionedValid,
			refresh: " 45 ",
			want:    CachePolicy{Mode: CacheForSeconds, TTL: 45 * time.Second},
		},
		{
			name:    "non numeric refresh falls back with error",
			status:  UnversionedValid,
			refresh: "abc",
			want:    CachePolicy{Mode: CacheForSeconds, TTL: 300 * time.Second},
			wantErr: true,
		},
		{
			name:    "zero refresh falls back with error",
			status:  UnversionedValid,
			refresh: "0",
			want:    CachePolicy{Mode: CacheForSeconds, TTL: 300 * time.Second},
			wantErr: true,
		},
		{
			name:    "negative refresh falls back with error",
			status:  UnversionedValid,
			refresh: "-10",
			want:    CachePolicy{Mode: CacheForSeconds, TTL: 300 * time.Second},
			wantErr: true,
		},
		{
			name:    "max refresh caps override",
			status:  UnversionedValid,
			refresh: "86400",
			opts:    PolicyOptions{MaxRefresh: time.Hour},
			want:    CachePolicy{Mode: CacheForSeconds, TTL: time.Hour},
		},
		{
			name:   "configured default ttl",
			status: UnversionedValid,
			opts:   PolicyOptions{DefaultTTL: 2 * time.Minute, Shared: true},
			want:   CachePolicy{Mode: CacheForSeconds, TTL: 2 * time.Minute, Public: true},
		},
		{
			name:    "versioned caches forever and ignores refresh",
			status:  VersionedValid,
			refresh: "abc",
			want:    CachePolicy{Mode: CacheForever, TTL: ForeverTTL},
		},
		{
			name:   "versioned honours configured forever ttl",
			status: VersionedValid,
			opts:   PolicyOptions{ForeverTTL: 24 * time.Hour},
			want:   CachePolicy{Mode: CacheForever, TTL: 24 * time.Hour},
		},
		{
			name:    "invalid version never caches",
			status:  InvalidVersion,
			refresh: "60",
			want:    CachePolicy{Mode: NoStore},
		},
		{
			name:        "bypass never caches even when versioned",
			status:      VersionedValid,
			ignoreCache: true,
			want:        CachePolicy{Mode: NoStore},
		},
		{
			name:        "bypass never caches unversioned",
			status:      UnversionedValid,
			ignoreCache: true,
			refresh:     "60",
			want:        CachePolicy{Mode: NoStore},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DerivePolicy(tc.status, tc.ignoreCache, tc.refresh, tc.opts)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCachePolicyApply(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no store", func(t *testing.T) {
		h := http.Header{}
		CachePolicy{Mode: NoStore}.Apply(h, now)
		require.Equal(t, "no-cache, no-store", h.Get("Cache-Control"))
		require.Equal(t, "no-cache", h.Get("Pragma"))
		require.Equal(t, "Fri, 01 Mar 2024 12:00:00 GMT", h.Get("Expires"))
	})

	t.Run("for seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("Pragma", "no-cache")
		CachePolicy{Mode: CacheForSeconds, TTL: 300 * time.Second}.Apply(h, now)
		require.Equal(t, "private, max-age=300", h.Get("Cache-Control"))
		require.Equal(t, "Fri, 01 Mar 2024 12:05:00 GMT", h.Get("Expires"))
		require.Empty(t, h.Get("Pragma"))
	})

	t.Run("forever shared", func(t *testing.T) {
		h := http.Header{}
		CachePolicy{Mode: CacheForever, TTL: ForeverTTL, Public: true}.Apply(h, now)
		require.Equal(t, "public, max-age=31536000", h.Get("Cache-Control"))
		require.Equal(t, "Sat, 01 Mar 2025 12:00:00 GMT", h.Get("Expires"))
	})

	t.Run("zero ttl degrades to no store", func(t *testing.T) {
		h := http.Header{}
		CachePolicy{Mode: CacheForSeconds}.Apply(h, now)
		require.Equal(t, "no-cache, no-store", h.Get("Cache-Control"))
	})
}

func TestEnumStrings(t *testing.T) {
	require.Equal(t, "versioned_valid", VersionedValid.String())
	require.Equal(t, "unversioned_valid", UnversionedValid.String())
	require.Equal(t, "invalid_version", InvalidVersion.String())
	require.Equal(t, "unknown", URIStatus(42).String())
	require.Equal(t, "cache_forever", CacheForever.String())
	require.Equal(t, "unknown", OutcomeKind(0).String())
}
