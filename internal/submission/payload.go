package submission

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pitabwire/carewizard/model"
)

// buildPayload assembles the record from the validated values of every
// field rendered for the variant. Transient fields are dropped, resource
// fields are replaced by their stored references and password fields are
// hashed.
func (o *Orchestrator) buildPayload(s model.Session, fields model.StepSchema, refs map[string][]string, receipt *model.Receipt) (map[string]any, error) {
	payload := make(map[string]any, len(fields.Fields)+3)
	for _, f := range fields.Fields {
		def := f.Definition
		if def.Transient || def.IsResource() {
			continue
		}
		v, ok := s.Values[f.Field]
		if !ok || v == nil {
			continue
		}
		if def.Type == model.FieldTypePassword {
			hashed, err := o.hash(v)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", f.Field, err)
			}
			v = hashed
		}
		payload[f.Field] = v
	}

	if len(refs) > 0 {
		resources := make(map[string]any, len(refs))
		for slot, r := range refs {
			resources[slot] = append([]string(nil), r...)
		}
		payload["resources"] = resources
	}
	if receipt != nil {
		payload["payment"] = map[string]any{
			"reference":      receipt.Reference,
			"transaction_id": receipt.TransactionID,
			"amount":         receipt.Amount,
			"currency":       receipt.Currency,
			"provider":       receipt.Provider,
			"paid_at":        receipt.PaidAt.UTC().Format(time.RFC3339),
		}
	}
	meta := map[string]any{
		"session_id": s.ID,
		"wizard_id":  s.WizardID,
		"variant":    s.Variant,
		"attempt":    s.Attempt,
	}
	if s.SubjectID != "" {
		meta["subject_id"] = s.SubjectID
	}
	payload["submission"] = meta
	return payload, nil
}

func (o *Orchestrator) hash(v any) (string, error) {
	plain, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("password value is %T, not a string", v)
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plain), o.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
