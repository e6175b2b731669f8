// Package payment adapts the hosted payment provider. A payment is started
// with Initiate and resolved later, exactly once, through its callbacks.
package payment

import (
	"context"
	"fmt"

	"github.com/pitabwire/carewizard/model"
)

// Callbacks receive the single resolution of one payment. Exactly one of
// them is called, at most once.
type Callbacks struct {
	OnSuccess func(model.Receipt)
	OnCancel  func()
	// OnFailure receives a *model.SubmissionError for a decline, a provider
	// error or a pending payment that timed out.
	OnFailure func(error)
}

// Gateway starts payments. Initiate returns once the provider accepted the
// request; the outcome arrives through cb.
type Gateway interface {
	Initiate(ctx context.Context, req model.PaymentRequest, cb Callbacks) error
}

// Abandoner is implemented by gateways that can drop the callbacks of a
// payment nobody is waiting for anymore.
type Abandoner interface {
	Abandon(reference string)
}

// ReceiptHolder stores a payment that succeeded after nobody was waiting
// for it anymore, so the session's next attempt can reuse it. A CONFLICT
// means the session already holds a receipt.
type ReceiptHolder interface {
	HoldReceipt(ctx context.Context, sessionID, wizardID string, r model.Receipt) error
}

// Reference derives the payment reference of one submission attempt.
func Reference(sessionID string, attempt int) string {
	return fmt.Sprintf("%s-%d", sessionID, attempt)
}

type result struct {
	receipt model.Receipt
	err     error
}

// Await initiates req and blocks until the payment resolves or ctx ends. A
// cancelled payment is returned as a payment_cancelled SubmissionError.
func Await(ctx context.Context, gw Gateway, req model.PaymentRequest) (model.Receipt, error) {
	ch := make(chan result, 1)
	cb := Callbacks{
		OnSuccess: func(r model.Receipt) { ch <- result{receipt: r} },
		OnCancel:  func() { ch <- result{err: model.NewPaymentCancelledError()} },
		OnFailure: func(err error) { ch <- result{err: err} },
	}
	if err := gw.Initiate(ctx, req, cb); err != nil {
		return model.Receipt{}, err
	}

	select {
	case res := <-ch:
		return res.receipt, res.err
	case <-ctx.Done():
		if a, ok := gw.(Abandoner); ok {
			a.Abandon(req.Reference)
		}
		return model.Receipt{}, ctx.Err()
	}
}
