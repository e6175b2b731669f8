package validate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/model"
)

// Error is a field-level validation failure. It never leaves the wizard
// state machine: callers turn it into a field error entry.
type Error struct {
	Field   string
	Rule    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldError converts the failure into the API representation.
func (e *Error) FieldError() model.FieldError {
	return model.FieldError{Field: e.Field, Code: e.Rule, Message: e.Message}
}

// ExistenceChecker is the existence-check boundary used by the unique rule.
type ExistenceChecker interface {
	Exists(ctx context.Context, field, value string) (bool, error)
}

// Validator runs declared rules against field values. Apart from the unique
// rule, which consults the existence-check boundary, it has no side effects.
type Validator struct {
	exists ExistenceChecker
	logger *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithExistenceChecker sets the boundary consulted by unique rules. Without
// one, unique rules always pass.
func WithExistenceChecker(c ExistenceChecker) Option {
	return func(v *Validator) { v.exists = c }
}

// WithLogger sets the validator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks one raw value against one rule.
func (v *Validator) Validate(ctx context.Context, field model.FieldDefinition, raw any, rule model.RuleDefinition, values map[string]any) (any, error) {
	value, err := CheckRule(field, raw, rule, values)
	if err != nil {
		return nil, err
	}
	if rule.Type == model.RuleUnique {
		if err := v.checkUnique(ctx, field, value, rule); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// ValidateField normalises raw and runs the field's required flag and every
// declared rule in order, stopping at the first failure. An empty optional
// field passes without running its rules.
func (v *Validator) ValidateField(ctx context.Context, field model.FieldDefinition, raw any, values map[string]any) (any, error) {
	value, err := Normalize(field, raw)
	if err != nil {
		return nil, &Error{Field: field.Field, Rule: "type", Message: err.Error()}
	}

	if IsEmpty(value) {
		if field.Required {
			return nil, &Error{Field: field.Field, Rule: model.RuleRequired, Message: requiredMessage(field)}
		}
		return value, nil
	}

	for _, rule := range field.Rules {
		if _, err := v.Validate(ctx, field, value, rule, values); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func requiredMessage(field model.FieldDefinition) string {
	for _, r := range field.Rules {
		if r.Type == model.RuleRequired && r.Message != "" {
			return r.Message
		}
	}
	if field.Type == model.FieldTypeCheckbox {
		return "Must be accepted"
	}
	return "This field is required"
}

// StepResult is the outcome of validating one step schema.
type StepResult struct {
	// Values holds the normalised value of every field that passed.
	Values map[string]any
	// Errors maps each failing field to its message.
	Errors map[string]string
}

// OK reports whether every field in the schema passed.
func (r StepResult) OK() bool { return len(r.Errors) == 0 }

// FieldErrors returns the failures in schema order.
func (r StepResult) FieldErrors(schema model.StepSchema) []model.FieldError {
	out := make([]model.FieldError, 0, len(r.Errors))
	for _, f := range schema.Fields {
		if msg, ok := r.Errors[f.Field]; ok {
			out = append(out, model.FieldError{Field: f.Field, Code: model.ErrValidationError, Message: msg})
		}
	}
	return out
}

// ValidateStep validates exactly the fields of schema against values.
// Fields outside the schema are ignored even if they hold stale data.
func (v *Validator) ValidateStep(ctx context.Context, schema model.StepSchema, values map[string]any) StepResult {
	res := StepResult{
		Values: make(map[string]any, len(schema.Fields)),
		Errors: make(map[string]string),
	}

	// Cross-field rules compare against normalised values, so normalise the
	// whole schema first.
	normalised := make(map[string]any, len(values))
	for k, val := range values {
		normalised[k] = val
	}
	for _, f := range schema.Fields {
		if nv, err := Normalize(f.Definition, values[f.Field]); err == nil {
			normalised[f.Field] = nv
		}
	}

	for _, f := range schema.Fields {
		value, err := v.ValidateField(ctx, f.Definition, values[f.Field], normalised)
		if err != nil {
			res.Errors[f.Field] = messageOf(err)
			continue
		}
		res.Values[f.Field] = value
	}
	return res
}

func messageOf(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

func (v *Validator) checkUnique(ctx context.Context, field model.FieldDefinition, value any, rule model.RuleDefinition) error {
	if v.exists == nil {
		return nil
	}
	s := stringOf(value)
	if s == "" {
		return nil
	}
	exists, err := v.exists.Exists(ctx, field.Field, s)
	if err != nil {
		// Fail open.
		v.logger.Warn("existence check failed, treating as absent",
			zap.String("field", field.Field),
			zap.Error(err),
		)
		return nil
	}
	if exists {
		return &Error{Field: field.Field, Rule: model.RuleUnique, Message: messageFor(rule, "This value is already registered")}
	}
	return nil
}
