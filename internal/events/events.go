// Package events publishes a notification for every created record.
// Publishing is best-effort: callers log failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// TypeSubmissionCompleted is the event type of a created record.
const TypeSubmissionCompleted = "wizard.submission.completed"

// SubmissionEvent describes a completed submission.
type SubmissionEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	WizardID   string    `json:"wizard_id"`
	Variant    string    `json:"variant"`
	SubjectID  string    `json:"subject_id,omitempty"`
	RecordID   string    `json:"record_id"`
	Table      string    `json:"table"`
	Reference  string    `json:"payment_reference,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Encode returns the wire form of the event.
func (e SubmissionEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", e.ID, err)
	}
	return data, nil
}

// Publisher sends submission events.
type Publisher interface {
	Publish(ctx context.Context, e SubmissionEvent) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, SubmissionEvent) error { return nil }

// Close implements Publisher.
func (Nop) Close() {}

// MemoryPublisher keeps events in memory. For tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []SubmissionEvent
	// Err, when set, is returned by Publish and the event is not kept.
	Err error
}

// NewMemoryPublisher creates an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (m *MemoryPublisher) Publish(_ context.Context, e SubmissionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

// Close implements Publisher.
func (m *MemoryPublisher) Close() {}

// Events returns a copy of the published events.
func (m *MemoryPublisher) Events() []SubmissionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmissionEvent(nil), m.events...)
}
