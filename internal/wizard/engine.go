package wizard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/validate"
	"github.com/pitabwire/carewizard/model"
)

const defaultSessionTTL = 2 * time.Hour

// Reporter applies a progress update to the session being submitted.
type Reporter func(ctx context.Context, p SubmissionProgress) error

// Submitter runs the submission phases for a snapshot of a session that
// has entered the upload phase. It must return a *model.SubmissionError on
// failure.
type Submitter interface {
	Run(ctx context.Context, def model.WizardDefinition, s model.Session, report Reporter) (model.Record, error)
}

// SessionDiscarder is implemented by submitters that keep per-session
// state across attempts. Discard is called once a session is cancelled or
// expired.
type SessionDiscarder interface {
	Discard(ctx context.Context, sessionID string)
}

type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine manages the lifecycle of wizard sessions. Every mutation goes
// through Reduce under a per-session lock and is persisted with optimistic
// locking.
type Engine struct {
	registry  *definition.Registry
	store     SessionStore
	submitter Submitter
	resolver  *schema.Resolver
	validator *validate.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	ttl       time.Duration
	now       func() time.Time

	locks    sync.Map
	mu       sync.Mutex
	inflight map[string]*attempt
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the step schema resolver.
func WithResolver(r *schema.Resolver) Option { return func(e *Engine) { e.resolver = r } }

// WithValidator sets the field validator used by step gates.
func WithValidator(v *validate.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithSessionTTL sets the idle lifetime for wizards that declare no
// session_timeout.
func WithSessionTTL(d time.Duration) Option { return func(e *Engine) { e.ttl = d } }

// WithClock overrides the engine clock. For testing.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a new wizard engine.
func NewEngine(registry *definition.Registry, store SessionStore, submitter Submitter, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		submitter: submitter,
		logger:    zap.NewNop(),
		ttl:       defaultSessionTTL,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = schema.NewResolver()
	}
	if e.validator == nil {
		e.validator = validate.NewValidator(validate.WithLogger(e.logger))
	}
	return e
}

// Start creates a session on step 0 with the wizard's default variant.
// Known, non-file fields in input are stored as initial values; a valid
// variant field value selects the initial variant.
func (e *Engine) Start(ctx context.Context, wizardID string, input map[string]any) (model.Session, error) {
	def, ok := e.registry.GetWizard(wizardID)
	if !ok {
		return model.Session{}, model.NewNotFoundError(fmt.Sprintf("wizard %q not found", wizardID))
	}

	variant := def.DefaultVariant
	if v, ok := input[def.VariantField].(string); ok {
		if _, declared := schema.FindVariant(def, v); declared {
			variant = v
		}
	}

	now := e.now()
	sess := model.Session{
		ID:               uuid.New().String(),
		WizardID:         def.ID,
		CurrentStep:      0,
		StepCount:        len(def.Steps),
		Variant:          variant,
		Phase:            model.PhaseEditing,
		Values:           make(map[string]any),
		FieldErrors:      make(map[string]string),
		SubmissionStatus: model.StatusIdle,
		UploadProgress:   make(map[string]int),
		UploadedRefs:     make(map[string][]string),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		sess.SubjectID = rctx.SubjectID
	}
	for k, v := range input {
		if f, known := schema.FindField(def, k); known && !f.IsResource() {
			sess.Values[k] = v
		}
	}
	if def.VariantField != "" {
		sess.Values[def.VariantField] = variant
	}
	exp := now.Add(e.sessionTTL(def))
	sess.ExpiresAt = &exp

	if err := e.store.Create(ctx, sess); err != nil {
		return model.Session{}, err
	}

	e.metrics.RecordSessionStart(def.ID)
	observability.RequestLogger(ctx, e.logger).Info("wizard session started",
		zap.String("wizard_id", def.ID),
		zap.String("session_id", sess.ID),
		zap.String("variant", variant),
	)
	return sess, nil
}

// Get returns a session. Expired sessions are reported as SESSION_EXPIRED
// until the sweeper removes them.
func (e *Engine) Get(ctx context.Context, id string) (model.Session, error) {
	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if sess.ExpiresAt != nil && sess.ExpiresAt.Before(e.now()) {
		return model.Session{}, model.NewSessionExpiredError(id)
	}
	return sess, nil
}

// SetFields stores raw values. Resource fields may only be cleared here;
// files are attached with AttachResource. Setting the variant field
// switches the variant.
func (e *Engine) SetFields(ctx context.Context, id string, values map[string]any) (model.Session, error) {
	return e.mutate(ctx, id, func(def model.WizardDefinition, sess model.Session) (model.Session, error) {
		var err error
		for name, raw := range values {
			f, ok := schema.FindField(def, name)
			if !ok {
				return sess, model.NewBadRequestError(fmt.Sprintf("field %q is not defined by wizard %q", name, def.ID))
			}
			if f.IsResource() && raw != nil {
				return sess, model.NewBadRequestError(fmt.Sprintf("field %q takes a file upload", name))
			}
			if name == def.VariantField {
				v, _ := raw.(string)
				if sess, err = e.switchVariant(def, sess, v); err != nil {
					return sess, err
				}
				continue
			}
			if sess, err = Reduce(sess, SetField{Field: name, Value: raw}); err != nil {
				return sess, err
			}
		}
		return sess, nil
	})
}

// SetVariant selects a variant, dropping the values of variant-scoped
// fields the new variant does not render.
func (e *Engine) SetVariant(ctx context.Context, id, variant string) (model.Session, error) {
	return e.mutate(ctx, id, func(def model.WizardDefinition, sess model.Session) (model.Session, error) {
		return e.switchVariant(def, sess, variant)
	})
}

func (e *Engine) switchVariant(def model.WizardDefinition, sess model.Session, variant string) (model.Session, error) {
	if _, ok := schema.FindVariant(def, variant); !ok {
		return sess, model.NewValidationError([]model.FieldError{{
			Field:   def.VariantField,
			Code:    model.ErrValidationError,
			Message: fmt.Sprintf("%q is not a valid choice", variant),
		}})
	}
	if variant == sess.Variant {
		return sess, nil
	}
	next, err := Reduce(sess, SetVariant{
		Variant:      variant,
		VariantField: def.VariantField,
		Clear:        e.resolver.FieldsToClear(def, sess.Variant, variant),
	})
	if err != nil {
		return sess, err
	}
	e.metrics.RecordVariantChange(def.ID, variant)
	return next, nil
}

// Advance runs the step gate for the current step. A blocked gate is not an
// error: the returned session stays on its step with FieldErrors set.
func (e *Engine) Advance(ctx context.Context, id string) (model.Session, error) {
	return e.mutate(ctx, id, func(def model.WizardDefinition, sess model.Session) (model.Session, error) {
		current, err := e.resolver.RequiredFieldsFor(def, sess.CurrentStep, sess.Variant)
		if err != nil {
			return sess, err
		}
		res := e.validator.ValidateStep(ctx, current, sess.Values)

		action := Advance{Checked: current.FieldNames(), Values: res.Values, Errors: res.Errors}
		if !sess.IsLastStep() {
			next, err := e.resolver.RequiredFieldsFor(def, sess.CurrentStep+1, sess.Variant)
			if err != nil {
				return sess, err
			}
			action.NextFields = next.FieldNames()
		}

		outcome := "passed"
		if !res.OK() {
			outcome = "blocked"
			for f := range res.Errors {
				e.metrics.RecordFieldValidationFailure(def.ID, f)
			}
		}
		e.metrics.RecordStepAdvance(def.ID, current.StepID, outcome)

		return Reduce(sess, action)
	})
}

// Retreat moves back one step without validating.
func (e *Engine) Retreat(ctx context.Context, id string) (model.Session, error) {
	return e.mutate(ctx, id, func(_ model.WizardDefinition, sess model.Session) (model.Session, error) {
		return Reduce(sess, Retreat{})
	})
}

// AttachResource attaches a file to a resource slot rendered for the
// session's variant. A file slot holds one resource; a file_list slot
// accumulates up to its max_files.
func (e *Engine) AttachResource(ctx context.Context, id, slot string, res model.Resource) (model.Session, error) {
	return e.mutate(ctx, id, func(def model.WizardDefinition, sess model.Session) (model.Session, error) {
		var field *model.FieldDefinition
		for _, rf := range e.resolver.ResourceFields(def, sess.Variant) {
			if rf.Field == slot {
				f := rf.Definition
				field = &f
				break
			}
		}
		if field == nil {
			return sess, model.NewBadRequestError(fmt.Sprintf("%q is not a resource slot for variant %q", slot, sess.Variant))
		}

		res.Slot = slot
		var value any = res
		if field.Type == model.FieldTypeFileList {
			existing, _ := sess.Values[slot].([]model.Resource)
			if field.Resource != nil && field.Resource.MaxFiles > 0 && len(existing) >= field.Resource.MaxFiles {
				return sess, model.NewValidationError([]model.FieldError{{
					Field:   slot,
					Code:    model.ErrValidationError,
					Message: fmt.Sprintf("At most %d files may be attached", field.Resource.MaxFiles),
				}})
			}
			value = append(append([]model.Resource(nil), existing...), res)
		}
		return Reduce(sess, SetField{Field: slot, Value: value})
	})
}

// Submit re-validates every field rendered for the variant and, when all
// pass, starts a submission attempt in the background. A failed previous
// attempt is reset first. On validation failure the session stays on its
// last step and a VALIDATION_ERROR is returned alongside it.
func (e *Engine) Submit(ctx context.Context, id string) (model.Session, error) {
	var (
		validated bool
		details   []model.FieldError
	)
	sess, err := e.mutateThen(ctx, id, func(def model.WizardDefinition, sess model.Session) (model.Session, error) {
		if sess.SubmissionStatus.InFlight() {
			return sess, model.NewSubmissionInProgressError()
		}
		if !sess.IsLastStep() {
			return sess, model.NewInvalidTransitionError("submit is only allowed from the last step")
		}

		all, err := e.resolver.AllFieldsFor(def, sess.Variant)
		if err != nil {
			return sess, err
		}
		res := e.validator.ValidateStep(ctx, all, sess.Values)
		if !res.OK() {
			details = res.FieldErrors(all)
			for f := range res.Errors {
				e.metrics.RecordFieldValidationFailure(def.ID, f)
			}
			return Reduce(sess, Advance{Checked: all.FieldNames(), Errors: res.Errors})
		}

		if sess.SubmissionStatus == model.StatusFailed {
			if sess, err = Reduce(sess, ResetSubmission{}); err != nil {
				return sess, err
			}
		}
		if sess, err = Reduce(sess, Advance{Checked: all.FieldNames(), Values: res.Values}); err != nil {
			return sess, err
		}
		validated = true
		return Reduce(sess, BeginSubmit{})
	}, func(def model.WizardDefinition, sess model.Session) {
		if validated {
			e.launch(ctx, def, sess)
		}
	})
	if err != nil {
		return model.Session{}, err
	}
	if !validated {
		return sess, model.NewValidationError(details)
	}
	return sess, nil
}

// Resume retries provisioning for a session whose payment succeeded but
// whose record creation failed. Values are not re-validated and the
// stored receipt is reused, so the user is never charged again.
func (e *Engine) Resume(ctx context.Context, id string) (model.Session, error) {
	sess, err := e.mutateThen(ctx, id, func(_ model.WizardDefinition, sess model.Session) (model.Session, error) {
		if sess.SubmissionStatus != model.StatusFailed || sess.Receipt == nil {
			return sess, model.NewInvalidTransitionError("session has no pending provisioning to resume")
		}
		sess, err := Reduce(sess, ResetSubmission{})
		if err != nil {
			return sess, err
		}
		return Reduce(sess, BeginSubmit{})
	}, func(def model.WizardDefinition, sess model.Session) {
		e.launch(ctx, def, sess)
	})
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// Wait blocks until the running submission attempt of a session, if any,
// has finished, then returns the session.
func (e *Engine) Wait(ctx context.Context, id string) (model.Session, error) {
	e.mu.Lock()
	a := e.inflight[id]
	e.mu.Unlock()
	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		}
	}
	return e.store.Get(ctx, id)
}

// Cancel discards a session and aborts any in-flight submission.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := Reduce(sess, Discard{}); err != nil {
		return err
	}
	e.abort(id)
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.locks.Delete(id)
	e.discard(ctx, id)

	e.metrics.RecordSessionEnd(sess.WizardID, "cancelled")
	observability.RequestLogger(ctx, e.logger).Info("wizard session cancelled",
		zap.String("session_id", id),
		zap.String("submission_status", string(sess.SubmissionStatus)),
	)
	return nil
}

// ProcessExpired removes sessions past their expiry, aborting any work
// still in flight. It returns the number of sessions removed.
func (e *Engine) ProcessExpired(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpired(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}

	removed := 0
	for _, sess := range expired {
		lock := e.lockFor(sess.ID)
		lock.Lock()
		e.abort(sess.ID)
		err := e.store.Delete(ctx, sess.ID)
		lock.Unlock()
		if err != nil {
			// Log and continue processing other sessions.
			e.logger.Warn("failed to remove expired session", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		e.locks.Delete(sess.ID)
		e.discard(ctx, sess.ID)
		removed++

		// Completed sessions were counted when they finished.
		if sess.Phase != model.PhaseDone {
			e.metrics.RecordSessionEnd(sess.WizardID, "expired")
		}
	}
	if removed > 0 {
		e.logger.Info("expired wizard sessions removed", zap.Int("count", removed))
	}
	return removed, nil
}

// mutate loads a session under its lock, applies fn and persists the
// result. The expiry is pushed forward on every successful write.
func (e *Engine) mutate(
	ctx context.Context,
	id string,
	fn func(def model.WizardDefinition, sess model.Session) (model.Session, error),
) (model.Session, error) {
	return e.mutateThen(ctx, id, fn, nil)
}

// mutateThen is mutate followed by saved, which runs with the persisted
// session while the session lock is still held. A submission attempt is
// launched there so Cancel always finds it registered.
func (e *Engine) mutateThen(
	ctx context.Context,
	id string,
	fn func(def model.WizardDefinition, sess model.Session) (model.Session, error),
	saved func(def model.WizardDefinition, sess model.Session),
) (model.Session, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.Get(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	def, ok := e.registry.GetWizard(sess.WizardID)
	if !ok {
		return model.Session{}, model.NewNotFoundError(fmt.Sprintf("wizard definition %q not found", sess.WizardID))
	}

	next, err := fn(def, sess)
	if err != nil {
		return model.Session{}, err
	}

	exp := e.now().Add(e.sessionTTL(def))
	next.ExpiresAt = &exp
	stored, err := e.store.Update(ctx, next)
	if err != nil {
		return model.Session{}, err
	}
	if saved != nil {
		saved(def, stored)
	}
	return stored, nil
}

func (e *Engine) launch(ctx context.Context, def model.WizardDefinition, sess model.Session) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.inflight[sess.ID] = a
	e.mu.Unlock()

	go func() {
		defer close(a.done)
		defer cancel()

		rec, err := e.submitter.Run(runCtx, def, sess, e.reporter(sess.ID))
		e.finish(context.WithoutCancel(runCtx), sess, rec, err)

		e.mu.Lock()
		if e.inflight[sess.ID] == a {
			delete(e.inflight, sess.ID)
		}
		e.mu.Unlock()
	}()
}

func (e *Engine) reporter(id string) Reporter {
	return func(ctx context.Context, p SubmissionProgress) error {
		_, err := e.mutate(ctx, id, func(_ model.WizardDefinition, sess model.Session) (model.Session, error) {
			return Reduce(sess, p)
		})
		return err
	}
}

func (e *Engine) finish(ctx context.Context, started model.Session, rec model.Record, runErr error) {
	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("session_id", started.ID),
		zap.Int("attempt", started.Attempt),
	)

	sess, err := e.mutate(ctx, started.ID, func(_ model.WizardDefinition, sess model.Session) (model.Session, error) {
		if runErr == nil {
			return Reduce(sess, SubmissionSucceeded{RecordID: rec.ID})
		}
		se, ok := model.AsSubmissionError(runErr)
		if !ok {
			logger.Error("submission ended with an untyped error", zap.Error(runErr))
			se = model.NewAbortedError(sess.SubmissionStatus)
		}
		return Reduce(sess, SubmissionFailed{Err: se})
	})
	if err != nil {
		// The session was cancelled or expired while the attempt ran.
		logger.Info("submission result discarded", zap.Error(err))
		return
	}

	if sess.Phase == model.PhaseDone {
		e.metrics.RecordSessionEnd(sess.WizardID, "completed")
		logger.Info("wizard submission succeeded", zap.String("record_id", sess.RecordID))
		return
	}
	logger.Warn("wizard submission failed",
		zap.String("kind", string(sess.SubmissionError.Kind)),
		zap.Bool("contact_support", sess.SubmissionError.ContactSupport),
	)
}

func (e *Engine) abort(id string) {
	e.mu.Lock()
	a := e.inflight[id]
	delete(e.inflight, id)
	e.mu.Unlock()
	if a != nil {
		a.cancel()
	}
}

func (e *Engine) discard(ctx context.Context, id string) {
	if d, ok := e.submitter.(SessionDiscarder); ok {
		d.Discard(ctx, id)
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	l, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (e *Engine) sessionTTL(def model.WizardDefinition) time.Duration {
	if def.SessionTimeout != "" {
		if d, err := time.ParseDuration(def.SessionTimeout); err == nil && d > 0 {
			return d
		}
	}
	return e.ttl
}
