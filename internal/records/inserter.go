// Package records creates the final record of a completed wizard at the
// record-creation boundary.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/carewizard/model"
)

// Inserter is the record-creation boundary.
type Inserter interface {
	Insert(ctx context.Context, table string, payload map[string]any) (model.Record, error)
}

// StoredRecord is a record held by a MemoryInserter.
type StoredRecord struct {
	model.Record
	Payload map[string]any
}

// MemoryInserter keeps records in memory. It also answers existence
// checks against the records it holds.
type MemoryInserter struct {
	mu      sync.Mutex
	records []StoredRecord
	failing []error
	// UniqueFields are compared case-insensitively within a table; a second
	// record with the same value gets a CONFLICT.
	UniqueFields []string
}

// NewMemoryInserter creates an empty in-memory inserter.
func NewMemoryInserter(uniqueFields ...string) *MemoryInserter {
	return &MemoryInserter{UniqueFields: uniqueFields}
}

// FailNext makes the next len(errs) inserts fail with errs, in order.
func (m *MemoryInserter) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = append(m.failing, errs...)
}

// Insert implements Inserter.
func (m *MemoryInserter) Insert(ctx context.Context, table string, payload map[string]any) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failing) > 0 {
		err := m.failing[0]
		m.failing = m.failing[1:]
		return model.Record{}, err
	}
	for _, field := range m.UniqueFields {
		v, ok := payload[field].(string)
		if !ok || v == "" {
			continue
		}
		for _, r := range m.records {
			if r.Table == table && strings.EqualFold(fmt.Sprint(r.Payload[field]), v) {
				return model.Record{}, model.NewConflictError(fmt.Sprintf("%s %q already exists", field, v))
			}
		}
	}

	rec := model.Record{ID: uuid.NewString(), Table: table, CreatedAt: time.Now().UTC()}
	m.records = append(m.records, StoredRecord{Record: rec, Payload: payload})
	return rec, nil
}

// Records returns a copy of every stored record, in insertion order.
func (m *MemoryInserter) Records() []StoredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredRecord(nil), m.records...)
}

// Exists reports whether any stored record carries value in field.
func (m *MemoryInserter) Exists(ctx context.Context, field, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if v, ok := r.Payload[field]; ok && strings.EqualFold(fmt.Sprint(v), value) {
			return true, nil
		}
	}
	return false, nil
}

// jsonValue converts payload to plain JSON types (map[string]any, []any,
// float64, string, bool) so it can be validated and stored uniformly.
func jsonValue(payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("records: encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("records: decode payload: %w", err)
	}
	return out, nil
}
