package definition

import (
	"testing"

	"github.com/pitabwire/carewizard/model"
)

func validWizard() model.WizardDefinition {
	return model.WizardDefinition{
		ID:             "clinic.intake",
		Name:           "Clinic Intake",
		VariantField:   "visit_type",
		DefaultVariant: "walk_in",
		SessionTimeout: "30m",
		Record:         model.RecordBinding{Table: "intake_forms"},
		Variants: []model.VariantDefinition{
			{ID: "walk_in", Label: "Walk-in"},
			{ID: "referral", Label: "Referral", Payment: &model.PaymentRequirement{Amount: 5000, Currency: "NGN"}},
		},
		Steps: []model.StepDefinition{
			{
				ID: "patient",
				Groups: []model.FieldGroup{
					{ID: "who", Fields: []model.FieldDefinition{
						{Field: "visit_type", Type: model.FieldTypeSelect, Required: true},
						{Field: "password", Type: model.FieldTypePassword, Rules: []model.RuleDefinition{
							{Type: model.RuleMinLength, Value: "8"},
							{Type: model.RulePattern, Value: "[0-9]"},
						}},
						{Field: "confirm_password", Type: model.FieldTypePassword, Rules: []model.RuleDefinition{
							{Type: model.RuleEqualsField, Field: "password"},
						}},
					}},
					{ID: "referral", Variants: []string{"referral"}, Fields: []model.FieldDefinition{
						{Field: "referral_letter", Type: model.FieldTypeFile, Resource: &model.ResourceDefinition{Category: "referral"}},
					}},
				},
			},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate([]model.WizardDefinition{validWizard()})
	if len(errs) > 0 {
		for _, e := range errs {
			t.Logf("  %s", e)
		}
		t.Fatalf("Validate() returned %d errors, want 0", len(errs))
	}
}

func TestValidator_required_top_level(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WizardDefinition)
	}{
		{"id", func(d *model.WizardDefinition) { d.ID = "" }},
		{"name", func(d *model.WizardDefinition) { d.Name = "" }},
		{"record table", func(d *model.WizardDefinition) { d.Record.Table = "" }},
		{"steps", func(d *model.WizardDefinition) { d.Steps = nil; d.VariantField = "" }},
		{"default variant", func(d *model.WizardDefinition) { d.DefaultVariant = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validWizard()
			tt.mutate(&def)
			errs := NewValidator().Validate([]model.WizardDefinition{def})
			if !hasCode(errs, "REQUIRED") {
				t.Errorf("expected REQUIRED error, got %v", errs)
			}
		})
	}
}

func TestValidator_unknown_default_variant(t *testing.T) {
	def := validWizard()
	def.DefaultVariant = "vip"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "UNKNOWN_VARIANT") {
		t.Error("expected UNKNOWN_VARIANT error for default_variant")
	}
}

func TestValidator_group_references_unknown_variant(t *testing.T) {
	def := validWizard()
	def.Steps[0].Groups[1].Variants = []string{"referral", "emergency"}
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "UNKNOWN_VARIANT") {
		t.Error("expected UNKNOWN_VARIANT error for group variants")
	}
}

func TestValidator_duplicate_field(t *testing.T) {
	def := validWizard()
	def.Steps[0].Groups[1].Fields = append(def.Steps[0].Groups[1].Fields,
		model.FieldDefinition{Field: "visit_type", Type: model.FieldTypeText})
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "DUPLICATE") {
		t.Error("expected DUPLICATE error for repeated field name")
	}
}

func TestValidator_duplicate_wizard(t *testing.T) {
	errs := NewValidator().Validate([]model.WizardDefinition{validWizard(), validWizard()})
	if !hasCode(errs, "DUPLICATE") {
		t.Error("expected DUPLICATE error for repeated wizard id")
	}
}

func TestValidator_variant_field_must_be_shared(t *testing.T) {
	def := validWizard()
	def.VariantField = "referral_letter"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "NOT_SHARED") {
		t.Error("expected NOT_SHARED error for variant-specific variant field")
	}

	def.VariantField = "missing"
	errs = NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "UNKNOWN_FIELD") {
		t.Error("expected UNKNOWN_FIELD error for unrendered variant field")
	}
}

func TestValidator_rule_values(t *testing.T) {
	tests := []struct {
		name string
		rule model.RuleDefinition
		code string
	}{
		{"unknown rule", model.RuleDefinition{Type: "luhn"}, "UNKNOWN_RULE"},
		{"bad pattern", model.RuleDefinition{Type: model.RulePattern, Value: "[a-"}, "INVALID"},
		{"bad min length", model.RuleDefinition{Type: model.RuleMinLength, Value: "eight"}, "INVALID"},
		{"negative max size", model.RuleDefinition{Type: model.RuleMaxFileSize, Value: "-1"}, "INVALID"},
		{"bad numeric min", model.RuleDefinition{Type: model.RuleNumericMin, Value: "x"}, "INVALID"},
		{"equals without field", model.RuleDefinition{Type: model.RuleEqualsField}, "REQUIRED"},
		{"one_of without value", model.RuleDefinition{Type: model.RuleOneOf}, "REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validWizard()
			f := &def.Steps[0].Groups[0].Fields[1]
			f.Rules = append(f.Rules, tt.rule)
			errs := NewValidator().Validate([]model.WizardDefinition{def})
			if !hasCode(errs, tt.code) {
				t.Errorf("expected %s error, got %v", tt.code, errs)
			}
		})
	}
}

func TestValidator_equals_field_must_be_rendered(t *testing.T) {
	def := validWizard()
	def.Steps[0].Groups[0].Fields[2].Rules[0].Field = "referral_letter"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "NOT_RENDERED") {
		t.Error("expected NOT_RENDERED error for cross-field rule on variant-specific target")
	}
}

func TestValidator_equals_field_forward_reference(t *testing.T) {
	def := validWizard()
	def.Steps = append(def.Steps, model.StepDefinition{
		ID: "later",
		Groups: []model.FieldGroup{{ID: "g", Fields: []model.FieldDefinition{
			{Field: "pin", Type: model.FieldTypeText},
		}}},
	})
	def.Steps[0].Groups[0].Fields[2].Rules[0].Field = "pin"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "FORWARD_REFERENCE") {
		t.Error("expected FORWARD_REFERENCE error")
	}
}

func TestValidator_file_field_requires_category(t *testing.T) {
	def := validWizard()
	def.Steps[0].Groups[1].Fields[0].Resource = nil
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "REQUIRED") {
		t.Error("expected REQUIRED error for file field without resource category")
	}
}

func TestValidator_paid_variant_requires_currency(t *testing.T) {
	def := validWizard()
	def.Variants[1].Payment.Currency = ""
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "REQUIRED") {
		t.Error("expected REQUIRED error for paid variant without currency")
	}
}

func TestValidator_invalid_session_timeout(t *testing.T) {
	def := validWizard()
	def.SessionTimeout = "forever"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "INVALID") {
		t.Error("expected INVALID error for session_timeout")
	}
}

func TestValidator_unknown_field_type(t *testing.T) {
	def := validWizard()
	def.Steps[0].Groups[0].Fields[0].Type = "slider"
	errs := NewValidator().Validate([]model.WizardDefinition{def})
	if !hasCode(errs, "UNKNOWN_TYPE") {
		t.Error("expected UNKNOWN_TYPE error")
	}
}
