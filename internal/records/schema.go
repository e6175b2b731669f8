package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/carewizard/model"
)

// SchemaIndex holds the record schemas of a records API, keyed by table.
// Each table is a component schema of the API's OpenAPI document.
type SchemaIndex struct {
	schemas map[string]*openapi3.Schema
	baseURL string
}

// LoadSchemaIndex parses and validates the OpenAPI document at path.
func LoadSchemaIndex(path string) (*SchemaIndex, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("records: loading %s: %w", path, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("records: validating %s: %w", path, err)
	}

	idx := &SchemaIndex{schemas: make(map[string]*openapi3.Schema)}
	if len(doc.Servers) > 0 {
		idx.baseURL = doc.Servers[0].URL
	}
	if doc.Components != nil {
		for name, ref := range doc.Components.Schemas {
			if ref != nil && ref.Value != nil {
				idx.schemas[name] = ref.Value
			}
		}
	}
	return idx, nil
}

// BaseURL returns the first server URL of the document, if any.
func (idx *SchemaIndex) BaseURL() string { return idx.baseURL }

// Tables returns the table names with a schema, sorted.
func (idx *SchemaIndex) Tables() []string {
	names := make([]string, 0, len(idx.schemas))
	for name := range idx.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks payload against the schema of table. Tables without a
// schema are not checked. payload must hold plain JSON types.
func (idx *SchemaIndex) Validate(table string, payload map[string]any) []model.FieldError {
	schema, ok := idx.schemas[table]
	if !ok {
		return nil
	}

	err := schema.VisitJSON(payload, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	if !errors.As(err, &multi) {
		return []model.FieldError{schemaFieldError(err)}
	}
	details := make([]model.FieldError, 0, len(multi))
	for _, e := range multi {
		details = append(details, schemaFieldError(e))
	}
	return details
}

func schemaFieldError(err error) model.FieldError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return model.FieldError{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    "SCHEMA",
			Message: se.Reason,
		}
	}
	return model.FieldError{Code: "SCHEMA", Message: err.Error()}
}
