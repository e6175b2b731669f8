package model

// Field types.
const (
	FieldTypeText     = "text"
	FieldTypeEmail    = "email"
	FieldTypePhone    = "phone"
	FieldTypePassword = "password"
	FieldTypeCheckbox = "checkbox"
	FieldTypeNumber   = "number"
	FieldTypeSelect   = "select"
	FieldTypeFile     = "file"
	FieldTypeFileList = "file_list"
)

// Rule types understood by the field validator.
const (
	RuleRequired    = "required"
	RuleMinLength   = "min_length"
	RuleMaxLength   = "max_length"
	RulePattern     = "pattern"
	RuleEmail       = "email"
	RulePhone       = "phone"
	RuleNumericMin  = "numeric_min"
	RuleMaxFileSize = "max_file_size"
	RuleContentType = "content_type"
	RuleEqualsField = "equals_field"
	RuleMustBeTrue  = "must_be_true"
	RuleOneOf       = "one_of"
	RuleUnique      = "unique"
)

// WizardDefinition describes one multi-step wizard: its variants, its
// ordered steps, and where the final record is created.
type WizardDefinition struct {
	ID             string              `yaml:"id"              json:"id"`
	Name           string              `yaml:"name"            json:"name"`
	Version        string              `yaml:"version"         json:"version"`
	VariantField   string              `yaml:"variant_field"   json:"variant_field"`
	DefaultVariant string              `yaml:"default_variant" json:"default_variant"`
	Variants       []VariantDefinition `yaml:"variants"        json:"variants"`
	Steps          []StepDefinition    `yaml:"steps"           json:"steps"`
	Record         RecordBinding       `yaml:"record"          json:"record"`
	SessionTimeout string              `yaml:"session_timeout" json:"session_timeout,omitempty"`
	Checksum       string              `yaml:"-"               json:"checksum,omitempty"`
	SourceFile     string              `yaml:"-"               json:"-"`
}

// VariantDefinition is one selectable role or plan.
type VariantDefinition struct {
	ID      string              `yaml:"id"      json:"id"`
	Label   string              `yaml:"label"   json:"label"`
	Payment *PaymentRequirement `yaml:"payment" json:"payment,omitempty"`
}

// RequiresPayment reports whether selecting this variant gates provisioning
// on a payment.
func (v VariantDefinition) RequiresPayment() bool {
	return v.Payment != nil && v.Payment.Amount > 0
}

// PaymentRequirement is the charge attached to a paid variant. Amount is in
// minor currency units.
type PaymentRequirement struct {
	Amount   int64  `yaml:"amount"   json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// StepDefinition is one page of the wizard.
type StepDefinition struct {
	ID     string       `yaml:"id"     json:"id"`
	Name   string       `yaml:"name"   json:"name"`
	Groups []FieldGroup `yaml:"groups" json:"groups"`
}

// FieldGroup is a set of fields rendered together. A group with no variants
// is shared by every variant.
type FieldGroup struct {
	ID       string            `yaml:"id"       json:"id"`
	Variants []string          `yaml:"variants" json:"variants,omitempty"`
	Fields   []FieldDefinition `yaml:"fields"   json:"fields"`
}

// Shared reports whether the group is rendered for every variant.
func (g FieldGroup) Shared() bool {
	return len(g.Variants) == 0
}

// AppliesTo reports whether the group is rendered for the given variant.
func (g FieldGroup) AppliesTo(variant string) bool {
	if g.Shared() {
		return true
	}
	for _, v := range g.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

// FieldDefinition describes a single wizard field.
type FieldDefinition struct {
	Field     string              `yaml:"field"     json:"field"`
	Label     string              `yaml:"label"     json:"label"`
	Type      string              `yaml:"type"      json:"type"`
	Required  bool                `yaml:"required"  json:"required"`
	Rules     []RuleDefinition    `yaml:"rules"     json:"rules,omitempty"`
	Resource  *ResourceDefinition `yaml:"resource"  json:"resource,omitempty"`
	Sensitive bool                `yaml:"sensitive" json:"sensitive,omitempty"`
	Transient bool                `yaml:"transient" json:"transient,omitempty"`
}

// IsResource reports whether the field carries uploaded files.
func (f FieldDefinition) IsResource() bool {
	return f.Type == FieldTypeFile || f.Type == FieldTypeFileList
}

// RuleDefinition is one declarative validation rule.
type RuleDefinition struct {
	Type    string `yaml:"type"    json:"type"`
	Value   string `yaml:"value"   json:"value,omitempty"`
	Field   string `yaml:"field"   json:"field,omitempty"`
	Message string `yaml:"message" json:"message,omitempty"`
}

// ResourceDefinition constrains an uploaded resource.
type ResourceDefinition struct {
	Category     string   `yaml:"category"      json:"category"`
	MaxBytes     int64    `yaml:"max_bytes"     json:"max_bytes,omitempty"`
	ContentTypes []string `yaml:"content_types" json:"content_types,omitempty"`
	MaxFiles     int      `yaml:"max_files"     json:"max_files,omitempty"`
}

// RecordBinding names the record-creation target.
type RecordBinding struct {
	Table string `yaml:"table" json:"table"`
}

// RequiredField is one resolved entry of a StepSchema.
type RequiredField struct {
	Field      string          `json:"field"`
	Definition FieldDefinition `json:"definition"`
}

// StepSchema is the immutable set of fields to validate for a
// (step, variant) pair. It is recomputed whenever the variant changes and
// never mutated after it is built.
type StepSchema struct {
	WizardID  string          `json:"wizard_id"`
	StepIndex int             `json:"step_index"`
	StepID    string          `json:"step_id"`
	Variant   string          `json:"variant"`
	Fields    []RequiredField `json:"fields"`
}

// FieldNames returns the ordered field names of the schema.
func (s StepSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Field
	}
	return names
}

// Has reports whether the schema includes the named field.
func (s StepSchema) Has(field string) bool {
	for _, f := range s.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
