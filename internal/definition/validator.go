package definition

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pitabwire/carewizard/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var knownFieldTypes = map[string]bool{
	model.FieldTypeText:     true,
	model.FieldTypeEmail:    true,
	model.FieldTypePhone:    true,
	model.FieldTypePassword: true,
	model.FieldTypeCheckbox: true,
	model.FieldTypeNumber:   true,
	model.FieldTypeSelect:   true,
	model.FieldTypeFile:     true,
	model.FieldTypeFileList: true,
}

var knownRuleTypes = map[string]bool{
	model.RuleRequired:    true,
	model.RuleMinLength:   true,
	model.RuleMaxLength:   true,
	model.RulePattern:     true,
	model.RuleEmail:       true,
	model.RulePhone:       true,
	model.RuleNumericMin:  true,
	model.RuleMaxFileSize: true,
	model.RuleContentType: true,
	model.RuleEqualsField: true,
	model.RuleMustBeTrue:  true,
	model.RuleOneOf:       true,
	model.RuleUnique:      true,
}

// Validator validates wizard definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions.
func (v *Validator) Validate(defs []model.WizardDefinition) []VError {
	var errs []VError
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("wizards[%d]", i)
		if def.ID != "" && seen[def.ID] {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("wizard %q is defined more than once", def.ID)})
		}
		seen[def.ID] = true
		errs = append(errs, v.validateWizard(prefix, def)...)
	}
	return errs
}

func (v *Validator) validateWizard(prefix string, def model.WizardDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Record.Table == "" {
		errs = append(errs, VError{Path: prefix + ".record.table", Code: "REQUIRED", Message: "record.table is required"})
	}
	if def.SessionTimeout != "" {
		if _, err := time.ParseDuration(def.SessionTimeout); err != nil {
			errs = append(errs, VError{Path: prefix + ".session_timeout", Code: "INVALID", Message: fmt.Sprintf("invalid duration %q", def.SessionTimeout)})
		}
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	variantIDs := make(map[string]bool, len(def.Variants))
	if len(def.Variants) == 0 {
		errs = append(errs, VError{Path: prefix + ".variants", Code: "REQUIRED", Message: "at least one variant is required"})
	}
	for i, variant := range def.Variants {
		vp := fmt.Sprintf("%s.variants[%d]", prefix, i)
		if variant.ID == "" {
			errs = append(errs, VError{Path: vp + ".id", Code: "REQUIRED", Message: "variant id is required"})
			continue
		}
		if variantIDs[variant.ID] {
			errs = append(errs, VError{Path: vp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("variant %q is defined more than once", variant.ID)})
		}
		variantIDs[variant.ID] = true
		if variant.Payment != nil {
			if variant.Payment.Amount < 0 {
				errs = append(errs, VError{Path: vp + ".payment.amount", Code: "INVALID", Message: "amount must not be negative"})
			}
			if variant.Payment.Amount > 0 && variant.Payment.Currency == "" {
				errs = append(errs, VError{Path: vp + ".payment.currency", Code: "REQUIRED", Message: "currency is required for a paid variant"})
			}
		}
	}
	if def.DefaultVariant == "" {
		errs = append(errs, VError{Path: prefix + ".default_variant", Code: "REQUIRED", Message: "default_variant is required"})
	} else if !variantIDs[def.DefaultVariant] {
		errs = append(errs, VError{Path: prefix + ".default_variant", Code: "UNKNOWN_VARIANT", Message: fmt.Sprintf("default variant %q is not declared", def.DefaultVariant)})
	}

	// fieldVariants maps each field to the variants it is rendered for, and
	// fieldStep to the step that renders it.
	fieldVariants := make(map[string]map[string]bool)
	fieldStep := make(map[string]int)
	stepIDs := make(map[string]bool, len(def.Steps))

	for si, step := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, si)
		if step.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[step.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step %q is defined more than once", step.ID)})
		}
		stepIDs[step.ID] = true

		for gi, group := range step.Groups {
			gp := fmt.Sprintf("%s.groups[%d]", sp, gi)
			for _, gv := range group.Variants {
				if !variantIDs[gv] {
					errs = append(errs, VError{Path: gp + ".variants", Code: "UNKNOWN_VARIANT", Message: fmt.Sprintf("variant %q is not declared", gv)})
				}
			}
			for fi, field := range group.Fields {
				fp := fmt.Sprintf("%s.fields[%d]", gp, fi)
				errs = append(errs, v.validateField(fp, field)...)
				if field.Field == "" {
					continue
				}
				if _, dup := fieldVariants[field.Field]; dup {
					errs = append(errs, VError{Path: fp + ".field", Code: "DUPLICATE", Message: fmt.Sprintf("field %q is defined more than once", field.Field)})
					continue
				}
				rendered := make(map[string]bool)
				for id := range variantIDs {
					if group.AppliesTo(id) {
						rendered[id] = true
					}
				}
				fieldVariants[field.Field] = rendered
				fieldStep[field.Field] = si
			}
		}
	}

	if def.VariantField != "" {
		rendered, ok := fieldVariants[def.VariantField]
		if !ok {
			errs = append(errs, VError{Path: prefix + ".variant_field", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("variant field %q is not rendered by any step", def.VariantField)})
		} else if len(rendered) != len(variantIDs) {
			errs = append(errs, VError{Path: prefix + ".variant_field", Code: "NOT_SHARED", Message: fmt.Sprintf("variant field %q must be rendered for every variant", def.VariantField)})
		}
	}

	// A cross-field rule may only compare against a field that is rendered
	// wherever the source field is, at the same step or earlier.
	for si, step := range def.Steps {
		for gi, group := range step.Groups {
			for fi, field := range group.Fields {
				for ri, rule := range field.Rules {
					if rule.Type != model.RuleEqualsField {
						continue
					}
					rp := fmt.Sprintf("%s.steps[%d].groups[%d].fields[%d].rules[%d]", prefix, si, gi, fi, ri)
					target, ok := fieldVariants[rule.Field]
					if !ok {
						errs = append(errs, VError{Path: rp + ".field", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not defined", rule.Field)})
						continue
					}
					if fieldStep[rule.Field] > si {
						errs = append(errs, VError{Path: rp + ".field", Code: "FORWARD_REFERENCE", Message: fmt.Sprintf("field %q is rendered on a later step", rule.Field)})
					}
					for variant := range fieldVariants[field.Field] {
						if !target[variant] {
							errs = append(errs, VError{Path: rp + ".field", Code: "NOT_RENDERED", Message: fmt.Sprintf("field %q is not rendered for variant %q", rule.Field, variant)})
						}
					}
				}
			}
		}
	}

	return errs
}

func (v *Validator) validateField(fp string, field model.FieldDefinition) []VError {
	var errs []VError

	if field.Field == "" {
		errs = append(errs, VError{Path: fp + ".field", Code: "REQUIRED", Message: "field name is required"})
	}
	if !knownFieldTypes[field.Type] {
		errs = append(errs, VError{Path: fp + ".type", Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unknown field type %q", field.Type)})
	}
	if field.IsResource() {
		if field.Resource == nil || field.Resource.Category == "" {
			errs = append(errs, VError{Path: fp + ".resource.category", Code: "REQUIRED", Message: "file fields require a resource category"})
		}
	} else if field.Resource != nil {
		errs = append(errs, VError{Path: fp + ".resource", Code: "INVALID", Message: "resource is only valid on file fields"})
	}

	for ri, rule := range field.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", fp, ri)
		if !knownRuleTypes[rule.Type] {
			errs = append(errs, VError{Path: rp + ".type", Code: "UNKNOWN_RULE", Message: fmt.Sprintf("unknown rule type %q", rule.Type)})
			continue
		}
		switch rule.Type {
		case model.RulePattern:
			if _, err := regexp.Compile(rule.Value); err != nil {
				errs = append(errs, VError{Path: rp + ".value", Code: "INVALID", Message: fmt.Sprintf("invalid pattern: %v", err)})
			}
		case model.RuleMinLength, model.RuleMaxLength, model.RuleMaxFileSize:
			if n, err := strconv.ParseInt(rule.Value, 10, 64); err != nil || n < 0 {
				errs = append(errs, VError{Path: rp + ".value", Code: "INVALID", Message: fmt.Sprintf("%s requires a non-negative integer", rule.Type)})
			}
		case model.RuleNumericMin:
			if _, err := strconv.ParseFloat(rule.Value, 64); err != nil {
				errs = append(errs, VError{Path: rp + ".value", Code: "INVALID", Message: "numeric_min requires a number"})
			}
		case model.RuleEqualsField:
			if rule.Field == "" {
				errs = append(errs, VError{Path: rp + ".field", Code: "REQUIRED", Message: "equals_field requires a field"})
			}
		case model.RuleOneOf, model.RuleContentType:
			if rule.Value == "" {
				errs = append(errs, VError{Path: rp + ".value", Code: "REQUIRED", Message: fmt.Sprintf("%s requires a value", rule.Type)})
			}
		}
	}

	return errs
}
