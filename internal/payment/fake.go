package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

// Outcome is how the FakeGateway resolves a payment on its own.
type Outcome int

const (
	// Manual leaves the payment pending until Approve, Decline or
	// CancelPayment is called.
	Manual Outcome = iota
	// AutoApprove resolves every payment successfully.
	AutoApprove
	// AutoCancel resolves every payment as cancelled by the payer.
	AutoCancel
	// AutoDecline resolves every payment as declined.
	AutoDecline
)

// FakeGateway is an in-process Gateway for local runs and tests. Automatic
// outcomes are delivered asynchronously, like a real provider callback.
type FakeGateway struct {
	*Dispatcher

	mu       sync.Mutex
	outcome  Outcome
	requests map[string]model.PaymentRequest
	calls    []model.PaymentRequest
	// InitiateErr, when set, is returned by Initiate.
	InitiateErr error
}

// NewFakeGateway creates a FakeGateway resolving payments with outcome.
func NewFakeGateway(outcome Outcome, logger *zap.Logger, metrics *observability.Metrics) *FakeGateway {
	return &FakeGateway{
		Dispatcher: NewDispatcher(logger, metrics),
		outcome:    outcome,
		requests:   make(map[string]model.PaymentRequest),
	}
}

// SetOutcome changes the outcome of payments initiated from now on.
func (g *FakeGateway) SetOutcome(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcome = o
}

// Initiate implements Gateway.
func (g *FakeGateway) Initiate(_ context.Context, req model.PaymentRequest, cb Callbacks) error {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	if g.InitiateErr != nil {
		err := g.InitiateErr
		g.mu.Unlock()
		return model.NewPaymentFailedError("payment could not be started", err)
	}
	g.requests[req.Reference] = req
	outcome := g.outcome
	g.mu.Unlock()

	if err := g.Register(req.Reference, cb); err != nil {
		return model.NewPaymentFailedError("payment could not be started", err)
	}

	switch outcome {
	case AutoApprove:
		go g.Approve(req.Reference)
	case AutoCancel:
		go g.CancelPayment(req.Reference)
	case AutoDecline:
		go g.Decline(req.Reference, "card declined")
	}
	return nil
}

// Approve resolves reference successfully with a generated receipt.
func (g *FakeGateway) Approve(reference string) bool {
	g.mu.Lock()
	req := g.requests[reference]
	g.mu.Unlock()
	return g.Succeed(reference, model.Receipt{
		Reference:     reference,
		TransactionID: "fake_" + uuid.NewString(),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Provider:      "fake",
		PaidAt:        time.Now().UTC(),
	})
}

// CancelPayment resolves reference as cancelled by the payer.
func (g *FakeGateway) CancelPayment(reference string) bool {
	return g.Cancel(reference)
}

// Decline resolves reference as declined.
func (g *FakeGateway) Decline(reference, reason string) bool {
	return g.Fail(reference, model.NewPaymentFailedError(reason, fmt.Errorf("fake provider declined %s", reference)))
}

// Calls returns every request passed to Initiate, in order.
func (g *FakeGateway) Calls() []model.PaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.PaymentRequest(nil), g.calls...)
}
