package validate

import (
	"encoding/json"
	"html"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pitabwire/carewizard/model"
)

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

func textSanitizer() *bluemonday.Policy {
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	return textPolicy
}

// sanitizeText trims s and strips any markup. Entities escaped by the policy
// are decoded again so names like O'Neil survive unchanged.
func sanitizeText(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	cleaned := textSanitizer().Sanitize(trimmed)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// typeMismatch is a user-facing message for a value of the wrong shape.
type typeMismatch string

func (e typeMismatch) Error() string { return string(e) }

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// Normalize converts a raw field value into its canonical form for the
// field's type. Empty input normalises to the type's empty value and never
// errors; a non-empty value of the wrong shape does.
func Normalize(field model.FieldDefinition, raw any) (any, error) {
	switch field.Type {
	case model.FieldTypeCheckbox:
		return normalizeBool(raw)
	case model.FieldTypeNumber:
		return normalizeNumber(raw)
	case model.FieldTypeFile:
		return normalizeResource(raw)
	case model.FieldTypeFileList:
		return normalizeResourceList(raw)
	}

	s, err := normalizeString(raw)
	if err != nil {
		return nil, err
	}
	switch field.Type {
	case model.FieldTypePassword:
		return s, nil
	case model.FieldTypeEmail:
		return strings.ToLower(strings.TrimSpace(s)), nil
	case model.FieldTypePhone:
		return phoneSeparators.Replace(strings.TrimSpace(s)), nil
	default:
		return sanitizeText(s), nil
	}
}

func normalizeString(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", typeMismatch("Must be text")
}

func normalizeBool(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "false", "off", "0", "no":
			return false, nil
		case "true", "on", "1", "yes":
			return true, nil
		}
	}
	return nil, typeMismatch("Must be checked or unchecked")
}

// normalizeNumber returns a finite float64. Infinities and NaN, which
// ParseFloat accepts, cannot be encoded as JSON and are rejected.
func normalizeNumber(raw any) (any, error) {
	var n float64
	switch v := raw.(type) {
	case nil:
		return "", nil
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, typeMismatch("Must be a number")
		}
		n = f
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, typeMismatch("Must be a number")
		}
		n = f
	default:
		return nil, typeMismatch("Must be a number")
	}
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return nil, typeMismatch("Must be a number")
	}
	return n, nil
}

func normalizeResource(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return model.Resource{}, nil
	case model.Resource:
		return v, nil
	case *model.Resource:
		if v == nil {
			return model.Resource{}, nil
		}
		return *v, nil
	case []model.Resource:
		if len(v) == 0 {
			return model.Resource{}, nil
		}
		if len(v) == 1 {
			return v[0], nil
		}
		return nil, typeMismatch("Only one file may be attached")
	}
	return nil, typeMismatch("Must be a file")
}

func normalizeResourceList(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return []model.Resource(nil), nil
	case model.Resource:
		return []model.Resource{v}, nil
	case []model.Resource:
		return v, nil
	}
	return nil, typeMismatch("Must be a list of files")
}
