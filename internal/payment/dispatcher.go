package payment

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

// ErrAlreadyPending is returned when a reference is registered twice.
var ErrAlreadyPending = errors.New("payment reference is already pending")

// resolvedRetention bounds how long resolved references are remembered for
// duplicate detection.
const resolvedRetention = time.Hour

// Dispatcher routes provider outcomes to the callbacks registered for a
// reference. The first outcome for a reference wins; every later delivery
// is dropped and counted as a duplicate.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[string]Callbacks
	resolved map[string]time.Time

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		pending:  make(map[string]Callbacks),
		resolved: make(map[string]time.Time),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Register records the callbacks of a payment awaiting its outcome.
func (d *Dispatcher) Register(reference string, cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[reference]; ok {
		return ErrAlreadyPending
	}
	delete(d.resolved, reference)
	d.pending[reference] = cb
	return nil
}

// Abandon drops the callbacks of reference without resolving it. A later
// outcome is treated as a duplicate.
func (d *Dispatcher) Abandon(reference string) {
	d.abandon(reference)
}

// abandon is Abandon reporting whether reference was pending.
func (d *Dispatcher) abandon(reference string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[reference]; !ok {
		return false
	}
	delete(d.pending, reference)
	d.resolved[reference] = d.now()
	return true
}

// Succeed resolves reference with a receipt. It reports whether the
// outcome was acted on.
func (d *Dispatcher) Succeed(reference string, receipt model.Receipt) bool {
	cb, ok := d.take(reference, "succeeded")
	if !ok {
		return false
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(receipt)
	}
	return true
}

// Cancel resolves reference as cancelled by the payer.
func (d *Dispatcher) Cancel(reference string) bool {
	cb, ok := d.take(reference, "cancelled")
	if !ok {
		return false
	}
	if cb.OnCancel != nil {
		cb.OnCancel()
	}
	return true
}

// Fail resolves reference as failed. Errors that are not already a
// SubmissionError are reported as payment_failed.
func (d *Dispatcher) Fail(reference string, err error) bool {
	cb, ok := d.take(reference, "failed")
	if !ok {
		return false
	}
	if _, typed := model.AsSubmissionError(err); !typed {
		err = model.NewPaymentFailedError("payment failed", err)
	}
	if cb.OnFailure != nil {
		cb.OnFailure(err)
	}
	return true
}

// Pending returns the number of payments awaiting an outcome.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending reports whether reference awaits an outcome.
func (d *Dispatcher) IsPending(reference string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[reference]
	return ok
}

func (d *Dispatcher) take(reference, outcome string) (Callbacks, bool) {
	d.mu.Lock()
	cb, ok := d.pending[reference]
	if ok {
		delete(d.pending, reference)
		d.resolved[reference] = d.now()
		d.purgeLocked()
	}
	_, known := d.resolved[reference]
	d.mu.Unlock()

	if !ok {
		d.metrics.RecordDuplicateCallback()
		d.logger.Info("payment callback dropped",
			zap.String("reference", reference),
			zap.String("outcome", outcome),
			zap.Bool("known_reference", known),
		)
		return Callbacks{}, false
	}
	d.metrics.RecordPaymentCallback(outcome)
	return cb, true
}

// purgeLocked must be called with the lock held.
func (d *Dispatcher) purgeLocked() {
	cutoff := d.now().Add(-resolvedRetention)
	for ref, at := range d.resolved {
		if at.Before(cutoff) {
			delete(d.resolved, ref)
		}
	}
}
