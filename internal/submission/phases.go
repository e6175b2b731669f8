package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/payment"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/internal/upload"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

// uploadPhase sends every attached resource rendered for the variant.
// Resources stored by an earlier attempt of the session are not sent again.
func (o *Orchestrator) uploadPhase(ctx context.Context, def model.WizardDefinition, s model.Session, report wizard.Reporter) (refs map[string][]string, err error) {
	ctx, span := observability.StartSpan(ctx, "submission.upload",
		observability.AttrPhase.String(string(model.StatusUploading)))
	started := o.now()
	defer func() {
		o.metrics.RecordPhaseDuration(string(model.StatusUploading), o.now().Sub(started))
		observability.EndSpanWithError(span, err)
	}()

	jobs := o.jobs(def, s)
	if len(jobs) == 0 {
		o.progress(ctx, report, wizard.SubmissionProgress{Overall: 100})
		return map[string][]string{}, nil
	}

	aligned := o.reuse(ctx, s.ID, jobs)
	var (
		pending []upload.Job
		index   []int
	)
	for i, j := range jobs {
		if aligned[i] == "" {
			pending = append(pending, j)
			index = append(index, i)
		}
	}

	if len(pending) > 0 {
		var progress *upload.Progress
		progress = upload.NewProgress(func(slot string, pct int) {
			o.progress(ctx, report, wizard.SubmissionProgress{
				Progress: map[string]int{slot: pct},
				Overall:  progress.Overall(),
			})
		})

		phaseCtx, cancel := withTimeout(ctx, o.timeouts.UploadTimeout)
		got, uerr := o.uploader.UploadAll(phaseCtx, pending, progress)
		cancel()
		for k, ref := range got {
			if ref == "" {
				continue
			}
			aligned[index[k]] = ref
			o.remember(s.ID, pending[k].Resource.ResourceKey(), ref)
		}
		if uerr != nil {
			if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return upload.BySlot(jobs, aligned), model.NewTimeoutError(model.StatusUploading)
			}
			return upload.BySlot(jobs, aligned), uerr
		}
	}

	refs = upload.BySlot(jobs, aligned)
	done := make(map[string]int, len(refs))
	for slot := range refs {
		done[slot] = 100
	}
	o.progress(ctx, report, wizard.SubmissionProgress{Progress: done, Overall: 100, Refs: refs})
	return refs, nil
}

// jobs lists the resources attached to the resource fields of the variant,
// in field order.
func (o *Orchestrator) jobs(def model.WizardDefinition, s model.Session) []upload.Job {
	var jobs []upload.Job
	for _, f := range o.resolver.ResourceFields(def, s.Variant) {
		var limits model.ResourceDefinition
		if f.Definition.Resource != nil {
			limits = *f.Definition.Resource
		}
		for _, res := range resourcesOf(s.Values[f.Field]) {
			res.Slot = f.Field
			jobs = append(jobs, upload.Job{SessionID: s.ID, Resource: res, Limits: limits})
		}
	}
	return jobs
}

// resourcesOf returns the attached resources held by a field value. Empty
// placeholders left by normalisation are skipped.
func resourcesOf(v any) []model.Resource {
	var all []model.Resource
	switch r := v.(type) {
	case model.Resource:
		all = []model.Resource{r}
	case *model.Resource:
		if r != nil {
			all = []model.Resource{*r}
		}
	case []model.Resource:
		all = r
	}
	out := all[:0:0]
	for _, r := range all {
		if r.Name != "" || r.Open != nil {
			out = append(out, r)
		}
	}
	return out
}

// paymentPhase obtains a receipt for a paid variant. A receipt already
// held by the session or by a pending ledger entry is reused so a retry
// never charges the payer again, provided it covers the variant's charge.
func (o *Orchestrator) paymentPhase(
	ctx context.Context,
	def model.WizardDefinition,
	s model.Session,
	variant model.VariantDefinition,
	fields model.StepSchema,
	report wizard.Reporter,
) (receipt *model.Receipt, err error) {
	if s.Receipt != nil {
		r := *s.Receipt
		if err := covers(r, *variant.Payment); err != nil {
			return nil, model.NewReceiptMismatchError(err)
		}
		o.metrics.RecordReceiptReused()
		return &r, nil
	}
	if entry, found, lerr := o.ledger.Get(ctx, s.ID); lerr == nil && found && entry.Status == provision.StatusPending {
		r := entry.Receipt
		if err := covers(r, *variant.Payment); err != nil {
			return nil, model.NewReceiptMismatchError(err)
		}
		o.metrics.RecordReceiptReused()
		o.progress(ctx, report, wizard.SubmissionProgress{Receipt: &r})
		return &r, nil
	}

	ref := payment.Reference(s.ID, s.Attempt)
	ctx, span := observability.StartSpan(ctx, "submission.payment",
		observability.AttrPhase.String(string(model.StatusAwaitingPayment)),
		observability.AttrReference.String(ref),
	)
	started := o.now()
	defer func() {
		o.metrics.RecordPhaseDuration(string(model.StatusAwaitingPayment), o.now().Sub(started))
		observability.EndSpanWithError(span, err)
	}()

	if rerr := report(ctx, wizard.SubmissionProgress{Status: model.StatusAwaitingPayment, PaymentReference: ref}); rerr != nil {
		return nil, model.NewAbortedError(model.StatusAwaitingPayment)
	}

	req := model.PaymentRequest{
		Amount:         variant.Payment.Amount,
		Currency:       variant.Payment.Currency,
		Reference:      ref,
		RecipientEmail: emailOf(fields, s.Values),
		Metadata: map[string]string{
			"session_id": s.ID,
			"wizard_id":  def.ID,
			"variant":    s.Variant,
		},
	}

	phaseCtx, cancel := withTimeout(ctx, o.timeouts.PaymentTimeout)
	defer cancel()
	r, err := payment.Await(phaseCtx, o.gateway, req)
	if err != nil {
		if _, ok := model.AsSubmissionError(err); ok {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, model.NewTimeoutError(model.StatusAwaitingPayment)
		}
		return nil, model.NewPaymentFailedError("payment could not be started", err)
	}

	o.progress(ctx, report, wizard.SubmissionProgress{Receipt: &r})
	return &r, nil
}

// covers reports, as an error, a receipt that was not paid for the charge
// req describes.
func covers(r model.Receipt, req model.PaymentRequirement) error {
	if r.Amount != req.Amount || !strings.EqualFold(r.Currency, req.Currency) {
		return fmt.Errorf("receipt %s paid %d %s, plan costs %d %s", r.Reference, r.Amount, r.Currency, req.Amount, req.Currency)
	}
	return nil
}

// emailOf returns the value of the first email field of the schema.
func emailOf(fields model.StepSchema, values map[string]any) string {
	for _, f := range fields.Fields {
		if f.Definition.Type == model.FieldTypeEmail {
			if v, ok := values[f.Field].(string); ok {
				return v
			}
		}
	}
	return ""
}

func (o *Orchestrator) recordPhase(ctx context.Context, def model.WizardDefinition, s model.Session, payload map[string]any, report wizard.Reporter) (rec model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "submission.record",
		observability.AttrPhase.String(string(model.StatusCreatingRecord)))
	started := o.now()
	defer func() {
		o.metrics.RecordPhaseDuration(string(model.StatusCreatingRecord), o.now().Sub(started))
		observability.EndSpanWithError(span, err)
	}()

	if rerr := report(ctx, wizard.SubmissionProgress{Status: model.StatusCreatingRecord}); rerr != nil {
		return model.Record{}, model.NewAbortedError(model.StatusCreatingRecord)
	}

	phaseCtx, cancel := withTimeout(ctx, o.timeouts.RecordTimeout)
	defer cancel()
	rec, err = o.inserter.Insert(phaseCtx, def.Record.Table, payload)
	if err != nil {
		return model.Record{}, fmt.Errorf("insert into %s: %w", def.Record.Table, err)
	}
	if rec.Table == "" {
		rec.Table = def.Record.Table
	}
	return rec, nil
}

// progress applies an informational update. A failure only means the
// session moved on, which the phase itself will observe.
func (o *Orchestrator) progress(ctx context.Context, report wizard.Reporter, p wizard.SubmissionProgress) {
	if err := report(ctx, p); err != nil {
		observability.RequestLogger(ctx, o.logger).Debug("submission progress not applied", zap.Error(err))
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
