// Package submission runs the submission phases of a wizard session as a
// strict barrier: every upload succeeds, then payment (paid variants only),
// then record creation. No phase starts before the previous one has fully
// succeeded.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/events"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/payment"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/internal/records"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/upload"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

// Orchestrator implements wizard.Submitter.
type Orchestrator struct {
	uploader  *upload.Uploader
	gateway   payment.Gateway
	inserter  records.Inserter
	ledger    provision.Ledger
	publisher events.Publisher
	resolver  *schema.Resolver

	timeouts   config.SubmissionConfig
	orphanTTL  time.Duration
	bcryptCost int

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// uploaded remembers, per session, the reference of every resource
	// already stored, keyed by resource identity, so a retry does not
	// upload unchanged resources again.
	mu       sync.Mutex
	uploaded map[string]map[string]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger sets the provisioning ledger.
func WithLedger(l provision.Ledger) Option { return func(o *Orchestrator) { o.ledger = l } }

// WithPublisher sets the submission event publisher.
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

// WithResolver shares a schema resolver.
func WithResolver(r *schema.Resolver) Option { return func(o *Orchestrator) { o.resolver = r } }

// WithTimeouts sets the phase timeouts and the password hashing cost.
func WithTimeouts(cfg config.SubmissionConfig) Option {
	return func(o *Orchestrator) {
		o.timeouts = cfg
		if cfg.BcryptCost > 0 {
			o.bcryptCost = cfg.BcryptCost
		}
	}
}

// WithOrphanTTL sets how long orphaned uploads are listed.
func WithOrphanTTL(d time.Duration) Option { return func(o *Orchestrator) { o.orphanTTL = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator creates an orchestrator over the three boundaries.
func NewOrchestrator(uploader *upload.Uploader, gateway payment.Gateway, inserter records.Inserter, opts ...Option) *Orchestrator {
	defaults := config.Defaults()
	o := &Orchestrator{
		uploader:   uploader,
		gateway:    gateway,
		inserter:   inserter,
		ledger:     provision.NewMemoryLedger(0),
		publisher:  events.Nop{},
		resolver:   schema.NewResolver(),
		timeouts:   defaults.Submission,
		orphanTTL:  defaults.Upload.OrphanTTL,
		bcryptCost: defaults.Submission.BcryptCost,
		logger:     zap.NewNop(),
		now:        time.Now,
		uploaded:   make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run implements wizard.Submitter.
func (o *Orchestrator) Run(ctx context.Context, def model.WizardDefinition, s model.Session, report wizard.Reporter) (rec model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "submission.run",
		observability.AttrWizardID.String(def.ID),
		observability.AttrSessionID.String(s.ID),
		observability.AttrVariant.String(s.Variant),
		observability.AttrAttempt.Int(s.Attempt),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := observability.RequestLogger(ctx, o.logger).With(
		zap.String("session_id", s.ID),
		zap.String("wizard_id", def.ID),
		zap.Int("attempt", s.Attempt),
	)

	// A session whose record already exists is never provisioned twice.
	if entry, found, lerr := o.ledger.Get(ctx, s.ID); lerr == nil && found && entry.Status == provision.StatusCompleted {
		logger.Info("submission already provisioned", zap.String("record_id", entry.RecordID))
		if rerr := report(ctx, wizard.SubmissionProgress{Status: model.StatusCreatingRecord}); rerr != nil {
			return model.Record{}, o.fail(ctx, def, s, model.NewAbortedError(model.StatusCreatingRecord))
		}
		o.forget(s.ID)
		return model.Record{ID: entry.RecordID, Table: entry.Table}, nil
	}

	variant, ok := schema.FindVariant(def, s.Variant)
	if !ok {
		return model.Record{}, o.fail(ctx, def, s,
			model.NewRecordCreationError(fmt.Errorf("variant %q is not declared", s.Variant)))
	}
	fields, err := o.resolver.AllFieldsFor(def, s.Variant)
	if err != nil {
		return model.Record{}, o.fail(ctx, def, s, model.NewRecordCreationError(err))
	}

	refs, err := o.uploadPhase(ctx, def, s, report)
	if err != nil {
		return model.Record{}, o.fail(ctx, def, s, err)
	}

	var receipt *model.Receipt
	if !variant.RequiresPayment() {
		if err := o.unpaidVariantGuard(ctx, s); err != nil {
			return model.Record{}, o.fail(ctx, def, s, err)
		}
	}
	if variant.RequiresPayment() {
		receipt, err = o.paymentPhase(ctx, def, s, variant, fields, report)
		if err != nil {
			return model.Record{}, o.fail(ctx, def, s, err)
		}
	}

	payload, err := o.buildPayload(s, fields, refs, receipt)
	if err != nil {
		return model.Record{}, o.fail(ctx, def, s, classifyRecordError(ctx, receipt, err))
	}
	if ce := logger.Check(zap.DebugLevel, "record payload assembled"); ce != nil {
		ce.Write(zap.String("table", def.Record.Table), zap.Any("payload", observability.RedactBody(payload, sensitiveFields(fields))))
	}
	if receipt != nil {
		entry := provision.Entry{
			SessionID: s.ID,
			WizardID:  def.ID,
			Table:     def.Record.Table,
			Receipt:   *receipt,
			Payload:   payload,
			Refs:      refs,
		}
		if err := o.ledger.Put(ctx, entry); err != nil {
			return model.Record{}, o.fail(ctx, def, s, classifyRecordError(ctx, receipt, fmt.Errorf("write provisioning ledger: %w", err)))
		}
	}

	rec, err = o.recordPhase(ctx, def, s, payload, report)
	if err != nil {
		return model.Record{}, o.fail(ctx, def, s, classifyRecordError(ctx, receipt, err))
	}

	if receipt != nil {
		if err := o.ledger.Complete(ctx, s.ID, rec.ID); err != nil {
			logger.Error("record created but ledger not completed", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	o.forget(s.ID)
	o.publish(ctx, def, s, rec, receipt)
	o.metrics.RecordSubmission(def.ID, "succeeded")
	logger.Info("submission completed", zap.String("record_id", rec.ID), zap.Bool("paid", receipt != nil))
	return rec, nil
}

// fail turns err into the SubmissionError of the attempt. Uploads of a
// failed attempt stay cached for the next one; those of an aborted attempt
// are recorded as orphans.
func (o *Orchestrator) fail(ctx context.Context, def model.WizardDefinition, s model.Session, err error) error {
	se, ok := model.AsSubmissionError(err)
	if !ok {
		se = model.NewRecordCreationError(err)
	}
	if ctx.Err() != nil {
		se = model.NewAbortedError(se.Phase)
		o.release(context.WithoutCancel(ctx), s.ID, string(model.KindAborted))
	}

	o.metrics.RecordSubmission(def.ID, string(se.Kind))
	observability.RequestLogger(ctx, o.logger).Warn("submission attempt failed",
		zap.String("session_id", s.ID),
		zap.Int("attempt", s.Attempt),
		zap.String("kind", string(se.Kind)),
		zap.String("phase", string(se.Phase)),
		zap.Error(err),
	)
	return se
}

// unpaidVariantGuard refuses to provision a free variant for a session that
// already paid, so the payment is never left behind or attached to a record
// it did not pay for.
func (o *Orchestrator) unpaidVariantGuard(ctx context.Context, s model.Session) error {
	if s.Receipt != nil {
		return model.NewReceiptMismatchError(fmt.Errorf("receipt %s held by a session on free variant %q", s.Receipt.Reference, s.Variant))
	}
	entry, found, err := o.ledger.Get(ctx, s.ID)
	if err != nil || !found || entry.Status != provision.StatusPending {
		return nil
	}
	return model.NewReceiptMismatchError(fmt.Errorf("pending receipt %s held by a session on free variant %q", entry.Receipt.Reference, s.Variant))
}

func sensitiveFields(fields model.StepSchema) []string {
	var out []string
	for _, f := range fields.Fields {
		if f.Definition.Sensitive || f.Definition.Type == model.FieldTypePassword {
			out = append(out, f.Field)
		}
	}
	return out
}

func classifyRecordError(ctx context.Context, receipt *model.Receipt, err error) error {
	if se, ok := model.AsSubmissionError(err); ok && se.Kind == model.KindAborted {
		return se
	}
	if receipt != nil {
		return model.NewProvisioningError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return model.NewTimeoutError(model.StatusCreatingRecord)
	}
	return model.NewRecordCreationError(err)
}

func (o *Orchestrator) publish(ctx context.Context, def model.WizardDefinition, s model.Session, rec model.Record, receipt *model.Receipt) {
	ev := events.SubmissionEvent{
		ID:         rec.ID + "-" + s.ID,
		Type:       events.TypeSubmissionCompleted,
		SessionID:  s.ID,
		WizardID:   def.ID,
		Variant:    s.Variant,
		SubjectID:  s.SubjectID,
		RecordID:   rec.ID,
		Table:      rec.Table,
		Attempt:    s.Attempt,
		OccurredAt: o.now().UTC(),
	}
	if receipt != nil {
		ev.Reference = receipt.Reference
		ev.Amount = receipt.Amount
		ev.Currency = receipt.Currency
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.metrics.RecordEventPublished("error")
		observability.RequestLogger(ctx, o.logger).Warn("submission event not published",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
		return
	}
	o.metrics.RecordEventPublished("ok")
}
