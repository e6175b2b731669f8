// Package schema resolves which fields a wizard step renders, and therefore
// validates, for a given variant.
package schema

import (
	"fmt"
	"sync"

	"github.com/pitabwire/carewizard/model"
)

type memoKey struct {
	wizardID string
	checksum string
	step     int
	variant  string
}

// Resolver computes step schemas from wizard definitions. Results are
// memoised per definition checksum, so a reloaded definition never serves a
// stale schema.
type Resolver struct {
	mu   sync.RWMutex
	memo map[memoKey]model.StepSchema
}

// NewResolver creates a Resolver with an empty memo.
func NewResolver() *Resolver {
	return &Resolver{memo: make(map[memoKey]model.StepSchema)}
}

// RequiredFieldsFor returns the fields rendered at stepIndex for variant:
// every shared group plus the groups scoped to variant, in declaration
// order.
func (r *Resolver) RequiredFieldsFor(def model.WizardDefinition, stepIndex int, variant string) (model.StepSchema, error) {
	if stepIndex < 0 || stepIndex >= len(def.Steps) {
		return model.StepSchema{}, model.NewBadRequestError(
			fmt.Sprintf("step %d is out of range for wizard %q", stepIndex, def.ID),
		)
	}
	if _, ok := FindVariant(def, variant); !ok {
		return model.StepSchema{}, model.NewBadRequestError(
			fmt.Sprintf("variant %q is not declared by wizard %q", variant, def.ID),
		)
	}

	key := memoKey{wizardID: def.ID, checksum: def.Checksum, step: stepIndex, variant: variant}
	r.mu.RLock()
	cached, ok := r.memo[key]
	r.mu.RUnlock()
	if ok {
		return copySchema(cached), nil
	}

	step := def.Steps[stepIndex]
	schema := model.StepSchema{
		WizardID:  def.ID,
		StepIndex: stepIndex,
		StepID:    step.ID,
		Variant:   variant,
		Fields:    fieldsFor(step, variant),
	}

	r.mu.Lock()
	r.memo[key] = schema
	r.mu.Unlock()

	return copySchema(schema), nil
}

// AllFieldsFor returns the union of every step's schema for variant. It is
// used to re-validate the whole session before submission.
func (r *Resolver) AllFieldsFor(def model.WizardDefinition, variant string) (model.StepSchema, error) {
	all := model.StepSchema{WizardID: def.ID, StepIndex: -1, Variant: variant}
	for i := range def.Steps {
		s, err := r.RequiredFieldsFor(def, i, variant)
		if err != nil {
			return model.StepSchema{}, err
		}
		all.Fields = append(all.Fields, s.Fields...)
	}
	return all, nil
}

// FieldsToClear returns the variant-scoped fields rendered for from that are
// not rendered for to. Shared fields are never cleared.
func (r *Resolver) FieldsToClear(def model.WizardDefinition, from, to string) []string {
	if from == to {
		return nil
	}
	keep := make(map[string]bool)
	for _, step := range def.Steps {
		for _, f := range fieldsFor(step, to) {
			keep[f.Field] = true
		}
	}
	var clear []string
	for _, step := range def.Steps {
		for _, f := range fieldsFor(step, from) {
			if !keep[f.Field] {
				clear = append(clear, f.Field)
			}
		}
	}
	return clear
}

// ResourceFields returns the file and file_list fields active for variant.
func (r *Resolver) ResourceFields(def model.WizardDefinition, variant string) []model.RequiredField {
	var out []model.RequiredField
	for _, step := range def.Steps {
		for _, f := range fieldsFor(step, variant) {
			if f.Definition.IsResource() {
				out = append(out, f)
			}
		}
	}
	return out
}

// Len returns the number of memoised schemas.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memo)
}

// FindVariant looks up a variant definition by ID.
func FindVariant(def model.WizardDefinition, id string) (model.VariantDefinition, bool) {
	for _, v := range def.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return model.VariantDefinition{}, false
}

// FindField looks up a field definition anywhere in the wizard.
func FindField(def model.WizardDefinition, name string) (model.FieldDefinition, bool) {
	for _, step := range def.Steps {
		for _, g := range step.Groups {
			for _, f := range g.Fields {
				if f.Field == name {
					return f, true
				}
			}
		}
	}
	return model.FieldDefinition{}, false
}

func fieldsFor(step model.StepDefinition, variant string) []model.RequiredField {
	var out []model.RequiredField
	for _, g := range step.Groups {
		if !g.AppliesTo(variant) {
			continue
		}
		for _, f := range g.Fields {
			out = append(out, model.RequiredField{Field: f.Field, Definition: f})
		}
	}
	return out
}

func copySchema(s model.StepSchema) model.StepSchema {
	c := s
	c.Fields = append([]model.RequiredField(nil), s.Fields...)
	return c
}
