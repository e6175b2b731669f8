package model

import (
	"context"
	"errors"
)

// RequestContext carries caller identity and tracing information for the
// lifetime of a request. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	SessionID     string
	CorrelationID string
	TraceID       string
	Locale        string
}

// Validate checks that all mandatory fields are present. Wizard requests
// may be anonymous, so only the correlation ID is required.
func (rc *RequestContext) Validate() error {
	if rc.CorrelationID == "" {
		return errors.New("CorrelationID is required")
	}
	return nil
}

// Anonymous reports whether the request has no authenticated subject.
func (rc *RequestContext) Anonymous() bool {
	return rc.SubjectID == ""
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
