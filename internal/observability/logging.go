package observability

import (
	"context"
	"maps"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger on stdout. An unknown level
// falls back to info.
//
// Levels:
//   - error: boundary outages, panics, payments that need a refund
//   - warn:  4xx responses, open circuit breakers, lapsed payments
//   - info:  session transitions, submission phases, definition loads
//   - debug: field validation detail, upload progress, redacted payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	// No sampling: every submission line is kept.
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the non-empty
// identifiers of the current request.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	var fields []zap.Field
	for _, f := range [...]struct{ key, value string }{
		{"correlation_id", rctx.CorrelationID},
		{"subject_id", rctx.SubjectID},
		{"session_id", rctx.SessionID},
		{"trace_id", rctx.TraceID},
	} {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// Field names never written to logs whatever the wizard definition says.
var alwaysRedacted = map[string]bool{
	"password":         true,
	"confirm_password": true,
	"secret":           true,
	"token":            true,
	"access_token":     true,
	"refresh_token":    true,
	"api_key":          true,
	"authorization":    true,
	"credit_card":      true,
	"ssn":              true,
	"pin":              true,
}

// RedactBody returns a copy of body for debug logging with sensitive values
// replaced. Keys match case-insensitively against the built-in names and
// extra, and nested objects and lists are walked.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	hide := maps.Clone(alwaysRedacted)
	for _, f := range extra {
		hide[strings.ToLower(f)] = true
	}
	return redactMap(body, hide)
}

func redactMap(m map[string]any, hide map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if hide[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, hide)
	}
	return out
}

func redactValue(v any, hide map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, hide)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, hide)
		}
		return out
	}
	return v
}
