// Package validate implements the field validator: pure, table-driven rule
// predicates plus the normalisation applied to raw field values before any
// rule runs.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pitabwire/carewizard/model"
)

// ruleFunc checks a normalised value. values holds the normalised values of
// the whole session for cross-field rules.
type ruleFunc func(value any, rule model.RuleDefinition, values map[string]any) (ok bool, defaultMsg string)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// ruleTable maps every pure rule type to its predicate. The unique rule is
// not listed: it needs the existence-check boundary and is run by Validator.
var ruleTable = map[string]ruleFunc{
	model.RuleRequired:    checkRequired,
	model.RuleMinLength:   checkMinLength,
	model.RuleMaxLength:   checkMaxLength,
	model.RulePattern:     checkPattern,
	model.RuleEmail:       checkEmail,
	model.RulePhone:       checkPhone,
	model.RuleNumericMin:  checkNumericMin,
	model.RuleMaxFileSize: checkMaxFileSize,
	model.RuleContentType: checkContentType,
	model.RuleEqualsField: checkEqualsField,
	model.RuleMustBeTrue:  checkMustBeTrue,
	model.RuleOneOf:       checkOneOf,
}

// CheckRule evaluates one pure rule against a raw value. It returns the
// normalised value on success or the rule's message on failure. Rules that
// need a boundary (unique) always pass here.
func CheckRule(field model.FieldDefinition, raw any, rule model.RuleDefinition, values map[string]any) (any, error) {
	value, err := Normalize(field, raw)
	if err != nil {
		return nil, &Error{Field: field.Field, Rule: "type", Message: err.Error()}
	}
	fn, ok := ruleTable[rule.Type]
	if !ok {
		return value, nil
	}
	if pass, msg := fn(value, rule, values); !pass {
		return nil, &Error{Field: field.Field, Rule: rule.Type, Message: messageFor(rule, msg)}
	}
	return value, nil
}

func messageFor(rule model.RuleDefinition, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}

// IsEmpty reports whether a normalised value counts as "not provided".
func IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case model.Resource:
		return v.Name == "" && v.Size == 0
	case []model.Resource:
		return len(v) == 0
	}
	return false
}

func checkRequired(value any, _ model.RuleDefinition, _ map[string]any) (bool, string) {
	return !IsEmpty(value), "This field is required"
}

func checkMinLength(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	n, _ := strconv.Atoi(rule.Value)
	s := stringOf(value)
	return utf8.RuneCountInString(s) >= n, fmt.Sprintf("Must be at least %d characters", n)
}

func checkMaxLength(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	n, _ := strconv.Atoi(rule.Value)
	s := stringOf(value)
	return utf8.RuneCountInString(s) <= n, fmt.Sprintf("Must be at most %d characters", n)
}

var patternCache sync.Map

func compiledPattern(expr string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(expr, re)
	return re, nil
}

func checkPattern(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	re, err := compiledPattern(rule.Value)
	if err != nil {
		return false, "Invalid format"
	}
	return re.MatchString(stringOf(value)), "Invalid format"
}

func checkEmail(value any, _ model.RuleDefinition, _ map[string]any) (bool, string) {
	return emailPattern.MatchString(stringOf(value)), "Enter a valid email address"
}

func checkPhone(value any, _ model.RuleDefinition, _ map[string]any) (bool, string) {
	return phonePattern.MatchString(stringOf(value)), "Enter a valid phone number"
}

func checkNumericMin(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	min, _ := strconv.ParseFloat(rule.Value, 64)
	n, ok := value.(float64)
	if !ok {
		return false, "Must be a number"
	}
	return n >= min, fmt.Sprintf("Must be at least %s", rule.Value)
}

func checkMaxFileSize(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	limit, _ := strconv.ParseInt(rule.Value, 10, 64)
	msg := fmt.Sprintf("File must be at most %s", humanBytes(limit))
	for _, r := range resourcesOf(value) {
		if r.Size > limit {
			return false, msg
		}
	}
	return true, msg
}

func checkContentType(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	allowed := splitList(rule.Value)
	msg := "File type is not allowed"
	for _, r := range resourcesOf(value) {
		if !containsFold(allowed, r.ContentType) {
			return false, msg
		}
	}
	return true, msg
}

func checkEqualsField(value any, rule model.RuleDefinition, values map[string]any) (bool, string) {
	other := values[rule.Field]
	return fmt.Sprint(value) == fmt.Sprint(other), fmt.Sprintf("Must match %s", rule.Field)
}

func checkMustBeTrue(value any, _ model.RuleDefinition, _ map[string]any) (bool, string) {
	b, _ := value.(bool)
	return b, "Must be accepted"
}

func checkOneOf(value any, rule model.RuleDefinition, _ map[string]any) (bool, string) {
	options := splitList(rule.Value)
	s := stringOf(value)
	for _, o := range options {
		if o == s {
			return true, ""
		}
	}
	return false, fmt.Sprintf("Must be one of %s", strings.Join(options, ", "))
}

func stringOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(value)
}

func resourcesOf(value any) []model.Resource {
	switch v := value.(type) {
	case model.Resource:
		return []model.Resource{v}
	case []model.Resource:
		return v
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	exp := int(math.Floor(math.Log(float64(n)) / math.Log(unit)))
	if exp > 3 {
		exp = 3
	}
	return fmt.Sprintf("%.0f %cB", float64(n)/math.Pow(unit, float64(exp)), "KMG"[exp-1])
}
