package dispatch

import (
	"context"
	"errors"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/gadgetrender/internal/metrics"
)

const (
	DefaultLoopHeader = "X-shindig-dos"
	htmlContentType   = "text/html; charset=UTF-8"
	allowedMethods    = "GET, HEAD, POST"
)

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	LoopHeader        string
	CorrelationHeader string
	Policy            PolicyOptions
	Metrics           *metrics.Recorder
	Now               func() time.Time
}

// Dispatcher serves the gadget render endpoint. It holds no mutable state
// after New and is safe for concurrent use.
type Dispatcher struct {
	renderer          Renderer
	validator         URIValidator
	logger            *slog.Logger
	loopHeader        string
	correlationHeader string
	policy            PolicyOptions
	metrics           *metrics.Recorder
	now               func() time.Time
}

// New wires a Dispatcher around its collaborators.
func New(renderer Renderer, validator URIValidator, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	if renderer == nil {
		return nil, errors.New("dispatch: renderer required")
	}
	if validator == nil {
		return nil, errors.New("dispatch: uri validator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	loopHeader := strings.TrimSpace(opts.LoopHeader)
	if loopHeader == "" {
		loopHeader = DefaultLoopHeader
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		renderer:          renderer,
		validator:         validator,
		logger:            logger.With(slog.String("agent", "dispatcher")),
		loopHeader:        loopHeader,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		policy:            opts.Policy,
		metrics:           opts.Metrics,
		now:               now,
	}, nil
}

// ServeHTTP runs one render request through loop prevention, conditional GET,
// a single render and outcome dispatch.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := d.now()

	// Requests carrying the loop marker come from our own spec fetcher.
	if len(r.Header.Values(d.loopHeader)) > 0 {
		w.WriteHeader(http.StatusForbidden)
		d.metrics.ObserveRender("loop", http.StatusForbidden, "", d.now().Sub(start))
		return
	}

	correlationID := d.requestCorrelationID(r)
	if d.correlationHeader != "" {
		w.Header().Set(d.correlationHeader, correlationID)
	}
	logger := d.logger.With(slog.String("correlation_id", correlationID))

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		w.Header().Set("Allow", allowedMethods)
		w.WriteHeader(http.StatusMethodNotAllowed)
		d.metrics.ObserveRender("method_not_allowed", http.StatusMethodNotAllowed, "", d.now().Sub(start))
		return
	}

	req, err := NewRequestContext(r)
	if err != nil {
		logger.Debug("malformed render request", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		d.metrics.ObserveRender("bad_request", http.StatusBadRequest, "", d.now().Sub(start))
		return
	}
	if err := req.QueryError(); err != nil {
		logger.Info("ignoring undecodable query parameters", slog.Any("error", err))
	}

	status := d.validator.Classify(r.Context(), req.URI())

	if req.Method() == http.MethodGet &&
		req.HasHeader("If-Modified-Since") &&
		req.NoCache() != "1" &&
		status == VersionedValid {
		w.WriteHeader(http.StatusNotModified)
		logger.Debug("render short-circuited", slog.String("uri_status", status.String()))
		d.metrics.ObserveRender("not_modified", http.StatusNotModified, "", d.now().Sub(start))
		return
	}

	// Rendering completes even if the client goes away; the result is discarded.
	outcome, err := d.renderer.Render(context.WithoutCancel(r.Context()), req)
	if err != nil {
		d.fault(w, logger, start, "renderer failed", err)
		return
	}

	switch outcome.Kind {
	case KindSuccess:
		policy, refreshErr := DerivePolicy(status, req.IgnoreCache(), req.Refresh(), d.policy)
		if refreshErr != nil {
			logger.Info("ignoring refresh override", slog.String("refresh", req.Refresh()), slog.Any("error", refreshErr))
		}
		policy.Apply(w.Header(), d.now())
		w.Header().Set("Content-Type", htmlContentType)
		w.WriteHeader(http.StatusOK)
		if _, err := io.WriteString(w, outcome.Content); err != nil {
			logger.Debug("render response write failed", slog.Any("error", err))
		}
		d.complete(logger, start, outcome, http.StatusOK, policy.Mode.String(), status)

	case KindError:
		code := outcome.Status
		// 1xx would be sent as an interim response followed by an implicit 200.
		if code < 200 || code > 999 {
			logger.Warn("renderer reported invalid status", slog.Int("status", code))
			code = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", htmlContentType)
		w.WriteHeader(code)
		if bodyAllowed(code) {
			if _, err := io.WriteString(w, html.EscapeString(outcome.Message)); err != nil {
				logger.Debug("render response write failed", slog.Any("error", err))
			}
		}
		logger.Debug("render reported error", slog.Int("status", code), slog.String("message", outcome.Message))
		d.complete(logger, start, outcome, code, "", status)

	case KindRedirect:
		w.Header().Set("Location", outcome.Target)
		w.WriteHeader(http.StatusFound)
		d.complete(logger, start, outcome, http.StatusFound, "", status)

	default:
		d.fault(w, logger, start, "renderer returned unknown outcome", errors.New(outcome.Kind.String()))
	}
}

// bodyAllowed mirrors net/http: 204 and 304 responses never carry a body.
func bodyAllowed(code int) bool {
	return code != http.StatusNoContent && code != http.StatusNotModified
}

func (d *Dispatcher) complete(logger *slog.Logger, start time.Time, outcome Outcome, code int, policy string, status URIStatus) {
	duration := d.now().Sub(start)
	logger.Info("render completed",
		slog.String("outcome", outcome.Kind.String()),
		slog.Int("http_status", code),
		slog.String("uri_status", status.String()),
		slog.String("cache_policy", policy),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	d.metrics.ObserveRender(outcome.Kind.String(), code, policy, duration)
}

func (d *Dispatcher) fault(w http.ResponseWriter, logger *slog.Logger, start time.Time, msg string, err error) {
	logger.Error(msg, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	d.metrics.ObserveRender("fault", http.StatusInternalServerError, "", d.now().Sub(start))
}

func (d *Dispatcher) requestCorrelationID(r *http.Request) string {
	if d.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(d.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}
