package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/carewizard/model"
)

type erroringChecker struct{ err error }

func (c erroringChecker) Exists(context.Context, string, string) (bool, error) {
	return false, c.err
}

func doctorStep() model.StepSchema {
	return model.StepSchema{
		WizardID:  "provider.application",
		StepIndex: 2,
		StepID:    "professional_info",
		Variant:   "doctor",
		Fields: []model.RequiredField{
			{Field: "specialization", Definition: model.FieldDefinition{Field: "specialization", Type: model.FieldTypeText, Required: true}},
			{Field: "medical_license_number", Definition: model.FieldDefinition{
				Field: "medical_license_number", Type: model.FieldTypeText, Required: true,
				Rules: []model.RuleDefinition{{Type: model.RulePattern, Value: "^[A-Z0-9-]{5,20}$"}},
			}},
			{Field: "years_of_experience", Definition: model.FieldDefinition{
				Field: "years_of_experience", Type: model.FieldTypeNumber,
				Rules: []model.RuleDefinition{{Type: model.RuleNumericMin, Value: "0"}},
			}},
		},
	}
}

func TestValidateStep_missingRequiredField(t *testing.T) {
	v := NewValidator()
	res := v.ValidateStep(context.Background(), doctorStep(), map[string]any{
		"medical_license_number": "MD-12345",
	})

	require.False(t, res.OK())
	if diff := cmp.Diff(map[string]string{"specialization": "This field is required"}, res.Errors); diff != "" {
		t.Errorf("Errors mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "MD-12345", res.Values["medical_license_number"])
}

func TestValidateStep_optionalEmptySkipsRules(t *testing.T) {
	v := NewValidator()
	res := v.ValidateStep(context.Background(), doctorStep(), map[string]any{
		"specialization":         "Cardiology",
		"medical_license_number": "MD-12345",
		"years_of_experience":    "",
	})
	assert.True(t, res.OK(), "errors: %v", res.Errors)
}

func TestValidateStep_ignoresFieldsOutsideSchema(t *testing.T) {
	v := NewValidator()
	res := v.ValidateStep(context.Background(), doctorStep(), map[string]any{
		"specialization":         "Cardiology",
		"medical_license_number": "MD-12345",
		"fleet_size":             "-4",
		"coverage_area":          "",
	})
	assert.True(t, res.OK(), "stale values from another variant must not be validated: %v", res.Errors)
	_, present := res.Values["fleet_size"]
	assert.False(t, present)
}

func TestValidateStep_crossFieldUsesNormalisedValues(t *testing.T) {
	schema := model.StepSchema{Fields: []model.RequiredField{
		{Field: "password", Definition: model.FieldDefinition{Field: "password", Type: model.FieldTypePassword, Required: true}},
		{Field: "confirm_password", Definition: model.FieldDefinition{
			Field: "confirm_password", Type: model.FieldTypePassword, Required: true,
			Rules: []model.RuleDefinition{{Type: model.RuleEqualsField, Field: "password", Message: "Passwords do not match"}},
		}},
	}}

	v := NewValidator()
	res := v.ValidateStep(context.Background(), schema, map[string]any{"password": "abc12345", "confirm_password": "abc12345"})
	assert.True(t, res.OK())

	res = v.ValidateStep(context.Background(), schema, map[string]any{"password": "abc12345", "confirm_password": "abc1234"})
	assert.Equal(t, "Passwords do not match", res.Errors["confirm_password"])
	assert.Equal(t, []model.FieldError{{Field: "confirm_password", Code: model.ErrValidationError, Message: "Passwords do not match"}}, res.FieldErrors(schema))
}

func TestValidateField_requiredCheckbox(t *testing.T) {
	v := NewValidator()
	field := model.FieldDefinition{Field: "terms_accepted", Type: model.FieldTypeCheckbox, Required: true}

	_, err := v.ValidateField(context.Background(), field, false, nil)
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "Must be accepted", ve.Message)

	got, err := v.ValidateField(context.Background(), field, "on", nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestValidateField_firstFailingRuleWins(t *testing.T) {
	v := NewValidator()
	field := model.FieldDefinition{Field: "password", Type: model.FieldTypePassword, Required: true, Rules: []model.RuleDefinition{
		{Type: model.RuleMinLength, Value: "8", Message: "too short"},
		{Type: model.RulePattern, Value: "[0-9]", Message: "needs a digit"},
	}}

	_, err := v.ValidateField(context.Background(), field, "abc", nil)
	require.Error(t, err)
	assert.Equal(t, "too short", messageOf(err))

	_, err = v.ValidateField(context.Background(), field, "abcdefgh", nil)
	assert.Equal(t, "needs a digit", messageOf(err))
}

func TestValidate_uniqueRule(t *testing.T) {
	checker := NewMemoryExistenceChecker()
	checker.Add("email", "taken@example.com")
	v := NewValidator(WithExistenceChecker(checker))

	field := model.FieldDefinition{Field: "email", Type: model.FieldTypeEmail}
	rule := model.RuleDefinition{Type: model.RuleUnique, Message: "An application already exists for this email"}

	_, err := v.Validate(context.Background(), field, "Taken@Example.com", rule, nil)
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "An application already exists for this email", ve.Message)

	got, err := v.Validate(context.Background(), field, "free@example.com", rule, nil)
	require.NoError(t, err)
	assert.Equal(t, "free@example.com", got)
}

func TestValidate_uniqueRuleFailsOpenOnRawError(t *testing.T) {
	v := NewValidator(WithExistenceChecker(erroringChecker{err: errors.New("db down")}))
	field := model.FieldDefinition{Field: "email", Type: model.FieldTypeEmail}

	_, err := v.Validate(context.Background(), field, "a@b.co", model.RuleDefinition{Type: model.RuleUnique}, nil)
	assert.NoError(t, err)
}
