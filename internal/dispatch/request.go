package dispatch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request parameters understood by the render endpoint.
const (
	ParamURL       = "url"
	ParamView      = "view"
	ParamContainer = "container"
	ParamSynd      = "synd"
	ParamLang      = "lang"
	ParamCountry   = "country"
	ParamDebug     = "debug"
	ParamVersion   = "v"
	ParamRefresh   = "refresh"
	ParamNoCache   = "nocache"

	UserPrefPrefix = "up_"
)

const (
	DefaultView      = "default"
	DefaultContainer = "default"
	DefaultLang      = "all"
	DefaultCountry   = "ALL"
)

// RequestContext is an immutable snapshot of an inbound render request.
// Query and form parameters are merged, with POST body values first.
type RequestContext struct {
	method     string
	header     http.Header
	params     url.Values
	uri        *url.URL
	remoteAddr string
	queryErr   error
}

// NewRequestContext snapshots r. A malformed form body is reported as an
// error. Query pairs that fail to decode are dropped and the rest are kept;
// see QueryError. The resolved URI carries the merged parameters as its
// query so validators see POSTed values as well.
func NewRequestContext(r *http.Request) (RequestContext, error) {
	if r == nil {
		return RequestContext{}, fmt.Errorf("dispatch: nil request")
	}
	body, err := parseBody(r)
	if err != nil {
		return RequestContext{}, fmt.Errorf("dispatch: parse form: %w", err)
	}
	var rawQuery string
	if r.URL != nil {
		rawQuery = r.URL.RawQuery
	}
	query, queryErr := url.ParseQuery(rawQuery)
	if queryErr != nil {
		queryErr = fmt.Errorf("dispatch: parse query: %w", queryErr)
	}

	params := cloneValues(body)
	for key, values := range query {
		params[key] = append(params[key], values...)
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}
	uri := &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: params.Encode(),
	}

	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}

	return RequestContext{
		method:     method,
		header:     r.Header.Clone(),
		params:     params,
		uri:        uri,
		remoteAddr: r.RemoteAddr,
		queryErr:   queryErr,
	}, nil
}

// parseBody decodes a urlencoded POST body without touching the query string,
// which NewRequestContext decodes leniently on its own.
func parseBody(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodPost || r.Body == nil {
		return url.Values{}, nil
	}
	bodyOnly := r.WithContext(r.Context())
	bodyOnly.URL = &url.URL{}
	bodyOnly.Form = nil
	bodyOnly.PostForm = nil
	if err := bodyOnly.ParseForm(); err != nil {
		return nil, err
	}
	return bodyOnly.PostForm, nil
}

// QueryError reports the first query-string decoding failure, if any. The
// affected pairs are absent from Params.
func (c RequestContext) QueryError() error { return c.queryErr }

// Method returns the request method. HEAD is reported as GET.
func (c RequestContext) Method() string { return c.method }

// URI returns a copy of the resolved target URI.
func (c RequestContext) URI() *url.URL {
	if c.uri == nil {
		return &url.URL{}
	}
	clone := *c.uri
	return &clone
}

// RemoteAddr returns the peer address reported by the transport.
func (c RequestContext) RemoteAddr() string { return c.remoteAddr }

// Header returns the first value of the named request header.
func (c RequestContext) Header(name string) string { return c.header.Get(name) }

// HasHeader reports whether the named header was sent, even with an empty value.
func (c RequestContext) HasHeader(name string) bool {
	return len(c.header.Values(name)) > 0
}

// Headers returns a copy of all request headers.
func (c RequestContext) Headers() http.Header { return c.header.Clone() }

// Param returns the first value of a request parameter.
func (c RequestContext) Param(name string) string { return c.params.Get(name) }

// HasParam reports whether the parameter was supplied at all.
func (c RequestContext) HasParam(name string) bool {
	_, ok := c.params[name]
	return ok
}

// Params returns a copy of all merged parameters.
func (c RequestContext) Params() url.Values { return cloneValues(c.params) }

func (c RequestContext) GadgetURL() string { return strings.TrimSpace(c.Param(ParamURL)) }

func (c RequestContext) View() string {
	return firstNonEmpty(c.Param(ParamView), DefaultView)
}

// Container prefers the container parameter and falls back to the legacy
// synd parameter.
func (c RequestContext) Container() string {
	return firstNonEmpty(c.Param(ParamContainer), c.Param(ParamSynd), DefaultContainer)
}

func (c RequestContext) Lang() string { return firstNonEmpty(c.Param(ParamLang), DefaultLang) }

func (c RequestContext) Country() string {
	return firstNonEmpty(c.Param(ParamCountry), DefaultCountry)
}

// UserPrefs collects up_-prefixed parameters keyed without the prefix.
func (c RequestContext) UserPrefs() map[string]string {
	prefs := make(map[string]string)
	for key, values := range c.params {
		name, ok := strings.CutPrefix(key, UserPrefPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		prefs[name] = values[0]
	}
	return prefs
}

func (c RequestContext) Debug() bool {
	switch strings.ToLower(strings.TrimSpace(c.Param(ParamDebug))) {
	case "1", "true":
		return true
	}
	return false
}

func (c RequestContext) Version() string { return strings.TrimSpace(c.Param(ParamVersion)) }

// Refresh returns the raw refresh override.
func (c RequestContext) Refresh() string { return c.Param(ParamRefresh) }

// NoCache returns the raw nocache flag.
func (c RequestContext) NoCache() string { return c.Param(ParamNoCache) }

// IgnoreCache reports whether the request asks to bypass caches: nocache is
// present with any value other than "0".
func (c RequestContext) IgnoreCache() bool {
	return c.HasParam(ParamNoCache) && c.NoCache() != "0"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in))
	for key, values := range in {
		out[key] = append([]string(nil), values...)
	}
	return out
}
