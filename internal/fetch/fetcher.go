package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/gadgetrender/internal/cache"
	"github.com/l0p7/gadgetrender/internal/gadget"
	"github.com/l0p7/gadgetrender/internal/metrics"
)

var (
	// ErrNotFound reports that no spec exists for a URL, either because remote
	// fetching is disabled or because the upstream answered 404/410.
	ErrNotFound = errors.New("fetch: gadget spec not found")
	// ErrNotAllowed reports a URL whose scheme or host is not permitted.
	ErrNotAllowed = errors.New("fetch: gadget host not allowed")
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: upstream status %d", e.URL, e.Status)
}

// Unwrap maps missing documents onto ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound || e.Status == http.StatusGone {
		return ErrNotFound
	}
	return nil
}

// Doer is the subset of *http.Client used by the fetcher.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Fetcher.
type Options struct {
	Enabled      bool
	Timeout      time.Duration
	MaxBodyBytes int64
	// AllowedHosts restricts fetching to the listed hosts. Entries of the form
	// *.example.com match any subdomain. Empty allows every host.
	AllowedHosts []string
	// LoopHeader is sent on every upstream request so a fetch that lands back on
	// the render endpoint is refused.
	LoopHeader  string
	CacheTTL    time.Duration
	MaxCacheTTL time.Duration
	KeyPrefix   string
	Client      Doer
	Metrics     *metrics.Recorder
}

const (
	defaultMaxBodyBytes = 1 << 20
	defaultCacheTTL     = 5 * time.Minute
	defaultKeyPrefix    = "gadgetrender:spec:v1:"
	loopHeaderValue     = "on"
)

// Fetcher retrieves gadget XML documents that are not registered locally and
// keeps them in a SpecCache.
type Fetcher struct {
	cache   cache.SpecCache
	logger  *slog.Logger
	client  Doer
	metrics *metrics.Recorder

	enabled      bool
	timeout      time.Duration
	maxBodyBytes int64
	allowed      []string
	loopHeader   string
	cacheTTL     time.Duration
	maxCacheTTL  time.Duration
	keyPrefix    string
}

// New builds a Fetcher. specCache may be nil, in which case nothing is cached
// and Peek never reports a spec.
func New(specCache cache.SpecCache, logger *slog.Logger, opts Options) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	prefix := opts.KeyPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	allowed := make([]string, 0, len(opts.AllowedHosts))
	for _, host := range opts.AllowedHosts {
		if h := strings.ToLower(strings.TrimSpace(host)); h != "" {
			allowed = append(allowed, h)
		}
	}
	return &Fetcher{
		cache:        specCache,
		logger:       logger.With(slog.String("agent", "fetch")),
		client:       client,
		metrics:      opts.Metrics,
		enabled:      opts.Enabled,
		timeout:      opts.Timeout,
		maxBodyBytes: maxBody,
		allowed:      allowed,
		loopHeader:   strings.TrimSpace(opts.LoopHeader),
		cacheTTL:     ttl,
		maxCacheTTL:  opts.MaxCacheTTL,
		keyPrefix:    prefix,
	}
}

// KeyPrefix returns the prefix under which specs are cached.
func (f *Fetcher) KeyPrefix() string {
	return f.keyPrefix
}

// Fetch returns the gadget spec for gadgetURL, consulting the cache first unless
// ignoreCache is set.
func (f *Fetcher) Fetch(ctx context.Context, gadgetURL string, ignoreCache bool) (*gadget.Spec, error) {
	if !f.enabled {
		return nil, ErrNotFound
	}
	target, err := f.checkURL(gadgetURL)
	if err != nil {
		f.metrics.ObserveFetch("denied", 0)
		return nil, err
	}

	key := cache.Key(f.keyPrefix, gadgetURL)
	if !ignoreCache {
		if spec, ok := f.lookup(ctx, key, gadgetURL); ok {
			return spec, nil
		}
	}

	start := time.Now()
	body, cacheControl, err := f.get(ctx, target)
	if err != nil {
		result := "error"
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			result = "status_error"
		}
		f.metrics.ObserveFetch(result, time.Since(start))
		f.logger.Warn("gadget spec fetch failed", slog.String("url", gadgetURL), slog.Any("error", err))
		return nil, err
	}

	spec, err := gadget.ParseXML(gadgetURL, body)
	if err != nil {
		f.metrics.ObserveFetch("malformed", time.Since(start))
		f.logger.Warn("gadget spec rejected", slog.String("url", gadgetURL), slog.Any("error", err))
		return nil, err
	}
	f.metrics.ObserveFetch("ok", time.Since(start))

	f.store(ctx, key, gadgetURL, spec.Checksum, body, cacheControl)
	return spec, nil
}

// Peek returns a cached spec without touching the network.
func (f *Fetcher) Peek(ctx context.Context, gadgetURL string) (*gadget.Spec, bool) {
	if !f.enabled || f.cache == nil {
		return nil, false
	}
	if _, err := f.checkURL(gadgetURL); err != nil {
		return nil, false
	}
	return f.lookup(ctx, cache.Key(f.keyPrefix, gadgetURL), gadgetURL)
}

// Purge drops every cached spec.
func (f *Fetcher) Purge(ctx context.Context) error {
	if f.cache == nil {
		return nil
	}
	if err := f.cache.DeletePrefix(ctx, f.keyPrefix); err != nil {
		return fmt.Errorf("fetch: purge: %w", err)
	}
	return nil
}

func (f *Fetcher) checkURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNotAllowed, parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: host required", ErrNotAllowed)
	}
	if !f.hostAllowed(host) {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, host)
	}
	return parsed, nil
}

func (f *Fetcher) hostAllowed(host string) bool {
	if len(f.allowed) == 0 {
		return true
	}
	for _, pattern := range f.allowed {
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

func (f *Fetcher) lookup(ctx context.Context, key, gadgetURL string) (*gadget.Spec, bool) {
	if f.cache == nil {
		return nil, false
	}
	start := time.Now()
	entry, ok, err := f.cache.Lookup(ctx, key)
	duration := time.Since(start)
	switch {
	case err != nil:
		f.metrics.ObserveCacheLookup(metrics.CacheLookupError, duration)
		f.logger.Warn("spec cache lookup failed", slog.String("url", gadgetURL), slog.Any("error", err))
		return nil, false
	case !ok:
		f.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, duration)
		return nil, false
	}

	spec, err := gadget.ParseXML(gadgetURL, entry.Body)
	if err != nil {
		f.metrics.ObserveCacheLookup(metrics.CacheLookupError, duration)
		f.logger.Warn("cached gadget spec unreadable", slog.String("url", gadgetURL), slog.Any("error", err))
		return nil, false
	}
	f.metrics.ObserveCacheLookup(metrics.CacheLookupHit, duration)
	f.logger.Debug("spec cache hit",
		slog.String("url", gadgetURL),
		slog.Time("stored_at", entry.StoredAt),
		slog.Time("expires_at", entry.ExpiresAt),
	)
	return spec, true
}

func (f *Fetcher) get(ctx context.Context, target *url.URL) ([]byte, string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: request build: %w", err)
	}
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.1")
	if f.loopHeader != "" {
		req.Header.Set(f.loopHeader, loopHeaderValue)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.maxBodyBytes))
		return nil, "", &StatusError{URL: target.String(), Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch: read: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, "", fmt.Errorf("fetch: %s: body exceeds %d bytes", target.String(), f.maxBodyBytes)
	}
	return body, resp.Header.Get("Cache-Control"), nil
}

func (f *Fetcher) store(ctx context.Context, key, gadgetURL, checksum string, body []byte, cacheControl string) {
	if f.cache == nil {
		return
	}
	ttl := cache.EffectiveTTL(cacheControl, f.cacheTTL, f.maxCacheTTL)
	if ttl <= 0 {
		f.metrics.ObserveCacheStore(metrics.CacheStoreSkipped, 0)
		f.logger.Debug("spec cache store skipped", slog.String("url", gadgetURL), slog.String("cache_control", cacheControl))
		return
	}

	now := time.Now().UTC()
	start := time.Now()
	err := f.cache.Store(ctx, key, cache.Entry{
		URL:       gadgetURL,
		Body:      body,
		Checksum:  checksum,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	duration := time.Since(start)
	if err != nil {
		f.metrics.ObserveCacheStore(metrics.CacheStoreError, duration)
		f.logger.Warn("spec cache store failed", slog.String("url", gadgetURL), slog.Any("error", err))
		return
	}
	f.metrics.ObserveCacheStore(metrics.CacheStoreStored, duration)
}
