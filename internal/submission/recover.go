package submission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/model"
)

// RecoverPending creates the records of paid submissions whose record
// creation never completed, for instance because the process stopped
// between payment and provisioning. Entries that only hold a late receipt
// have nothing to provision and are skipped. A CONFLICT from the records
// boundary means the record exists already and the entry is completed. It
// returns the number of entries completed.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	pending, err := o.ledger.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending provisioning: %w", err)
	}

	var (
		recovered int
		errs      []error
	)
	for _, e := range pending {
		logger := o.logger.With(zap.String("session_id", e.SessionID), zap.String("reference", e.Receipt.Reference))
		if e.AwaitingSubmission() {
			logger.Info("held receipt awaits its session's next attempt")
			continue
		}

		phaseCtx, cancel := withTimeout(ctx, o.timeouts.RecordTimeout)
		rec, err := o.inserter.Insert(phaseCtx, e.Table, e.Payload)
		cancel()

		var env *model.ErrorEnvelope
		switch {
		case errors.As(err, &env) && env.Code == model.ErrConflict:
			logger.Info("pending provisioning already recorded")
		case err != nil:
			logger.Error("pending provisioning failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("provision session %s: %w", e.SessionID, err))
			continue
		}

		if err := o.ledger.Complete(ctx, e.SessionID, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("complete session %s: %w", e.SessionID, err))
			continue
		}
		recovered++
		if rec.ID != "" {
			o.publishRecovered(ctx, e, rec)
		}
		logger.Info("pending provisioning recovered", zap.String("record_id", rec.ID))
	}
	return recovered, errors.Join(errs...)
}

func (o *Orchestrator) publishRecovered(ctx context.Context, e provision.Entry, rec model.Record) {
	if rec.Table == "" {
		rec.Table = e.Table
	}
	s := model.Session{ID: e.SessionID, WizardID: e.WizardID}
	if meta, ok := e.Payload["submission"].(map[string]any); ok {
		s.Variant, _ = meta["variant"].(string)
		s.SubjectID, _ = meta["subject_id"].(string)
	}
	receipt := e.Receipt
	o.publish(ctx, model.WizardDefinition{ID: e.WizardID}, s, rec, &receipt)
}
