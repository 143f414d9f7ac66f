package dispatch

import (
	"context"
	"net/url"
)

// URIStatus classifies how far a render URI's embedded version can be trusted.
type URIStatus int

const (
	// UnversionedValid marks a URI without a version token.
	UnversionedValid URIStatus = iota
	// VersionedValid marks a URI whose version token matches the current content.
	VersionedValid
	// InvalidVersion marks a URI whose version token no longer matches.
	InvalidVersion
)

func (s URIStatus) String() string {
	switch s {
	case VersionedValid:
		return "versioned_valid"
	case UnversionedValid:
		return "unversioned_valid"
	case InvalidVersion:
		return "invalid_version"
	default:
		return "unknown"
	}
}

// OutcomeKind discriminates the Outcome variants.
type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota + 1
	KindError
	KindRedirect
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Outcome is the result of one render. Only the fields belonging to Kind are
// meaningful: Content for success, Status and Message for errors, Target for
// redirects. Build values with Success, Failure or Redirect.
type Outcome struct {
	Kind    OutcomeKind
	Content string
	Status  int
	Message string
	Target  string
}

// Success wraps rendered markup.
func Success(content string) Outcome {
	return Outcome{Kind: KindSuccess, Content: content}
}

// Failure reports a render error that should reach the client with status.
func Failure(status int, message string) Outcome {
	return Outcome{Kind: KindError, Status: status, Message: message}
}

// Redirect sends the client to target verbatim.
func Redirect(target string) Outcome {
	return Outcome{Kind: KindRedirect, Target: target}
}

// Renderer produces the outcome for a render request. A returned error is an
// unexpected fault; expected failures are reported as Failure outcomes.
type Renderer interface {
	Render(ctx context.Context, req RequestContext) (Outcome, error)
}

// URIValidator classifies the version freshness of a render URI.
type URIValidator interface {
	Classify(ctx context.Context, uri *url.URL) URIStatus
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req RequestContext) (Outcome, error)

func (f RendererFunc) Render(ctx context.Context, req RequestContext) (Outcome, error) {
	return f(ctx, req)
}

// ValidatorFunc adapts a function to URIValidator.
type ValidatorFunc func(ctx context.Context, uri *url.URL) URIStatus

func (f ValidatorFunc) Classify(ctx context.Context, uri *url.URL) URIStatus {
	return f(ctx, uri)
}
