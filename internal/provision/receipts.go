package provision

import (
	"context"
	"fmt"

	"github.com/pitabwire/carewizard/model"
)

// ReceiptHolder keeps payments that succeeded after their submission
// attempt stopped waiting. The receipt is stored as a pending entry without
// a payload: the next attempt of the session reuses it instead of charging
// again, and RecoverPending leaves it alone.
type ReceiptHolder struct {
	Ledger Ledger
}

// HoldReceipt stores r for sessionID. A session that already has an entry
// was charged twice; that is reported as a CONFLICT and nothing is written.
func (h ReceiptHolder) HoldReceipt(ctx context.Context, sessionID, wizardID string, r model.Receipt) error {
	existing, found, err := h.Ledger.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read provisioning entry: %w", err)
	}
	if found {
		return model.NewConflictError(fmt.Sprintf(
			"session %q already holds receipt %s, %s needs a refund",
			sessionID, existing.Receipt.Reference, r.Reference,
		))
	}
	return h.Ledger.Put(ctx, Entry{SessionID: sessionID, WizardID: wizardID, Receipt: r})
}

// AwaitingSubmission reports whether e only holds a receipt and has no
// record payload yet.
func (e Entry) AwaitingSubmission() bool {
	return len(e.Payload) == 0
}
