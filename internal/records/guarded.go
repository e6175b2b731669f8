package records

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/breaker"
	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

const boundaryName = "records"

// Guarded puts a per-call timeout and a circuit breaker in front of a
// remote Inserter.
type Guarded struct {
	next    Inserter
	timeout time.Duration
	breaker *breaker.Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewGuarded wraps next using the records configuration.
func NewGuarded(next Inserter, cfg config.RecordsConfig, logger *zap.Logger, metrics *observability.Metrics) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	br := breaker.New(boundaryName, cfg.CircuitBreaker)
	// A rejected payload says nothing about the health of the boundary.
	br.IsFailure = func(err error) bool {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && (env.Code == model.ErrConflict || env.Code == model.ErrValidationError) {
			return false
		}
		return !errors.Is(err, context.Canceled)
	}
	br.OnStateChange = func(name string, from, to breaker.State) {
		metrics.SetBoundaryCircuitBreakerState(name, float64(to))
		logger.Warn("circuit breaker state changed",
			zap.String("boundary", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Guarded{next: next, timeout: cfg.Timeout, breaker: br, logger: logger, metrics: metrics}
}

// Insert implements Inserter.
func (g *Guarded) Insert(ctx context.Context, table string, payload map[string]any) (model.Record, error) {
	ctx, span := observability.StartSpan(ctx, "records.insert", observability.AttrBoundary.String(boundaryName))
	start := time.Now()

	var rec model.Record
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		var err error
		rec, err = g.next.Insert(ctx, table, payload)
		return err
	})

	status := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		status = "circuit_open"
		err = model.NewBackendUnavailableError()
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	g.metrics.RecordBoundaryRequest(boundaryName, status, time.Since(start))
	observability.EndSpanWithError(span, err)
	return rec, err
}

// HealthCheck reports the boundary as unhealthy while its breaker is open.
func (g *Guarded) HealthCheck(ctx context.Context) error {
	return g.breaker.HealthCheck(ctx)
}
