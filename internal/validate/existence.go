package validate

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
)

// FailOpen wraps an ExistenceChecker so that errors and timeouts are
// reported as "does not exist". A slow or broken lookup never blocks the
// user; the record-creation boundary still enforces uniqueness.
type FailOpen struct {
	next    ExistenceChecker
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewFailOpen wraps next. A zero timeout means no extra deadline.
func NewFailOpen(next ExistenceChecker, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *FailOpen {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailOpen{next: next, timeout: timeout, logger: logger, metrics: metrics}
}

// Exists implements ExistenceChecker. It never returns an error.
func (f *FailOpen) Exists(ctx context.Context, field, value string) (bool, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	exists, err := f.next.Exists(ctx, field, value)
	if err != nil {
		observability.RequestLogger(ctx, f.logger).Warn("existence check failed open",
			zap.String("field", field),
			zap.Error(err),
		)
		f.metrics.RecordExistenceCheckFailOpen()
		return false, nil
	}
	return exists, nil
}

// MemoryExistenceChecker is an in-memory ExistenceChecker keyed by field.
// Values are compared case-insensitively.
type MemoryExistenceChecker struct {
	mu     sync.RWMutex
	values map[string]map[string]bool
}

// NewMemoryExistenceChecker creates an empty checker.
func NewMemoryExistenceChecker() *MemoryExistenceChecker {
	return &MemoryExistenceChecker{values: make(map[string]map[string]bool)}
}

// Add registers value as taken for field.
func (m *MemoryExistenceChecker) Add(field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[field] == nil {
		m.values[field] = make(map[string]bool)
	}
	m.values[field][strings.ToLower(value)] = true
}

// Exists implements ExistenceChecker.
func (m *MemoryExistenceChecker) Exists(_ context.Context, field, value string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[field][strings.ToLower(value)], nil
}
