// Package provision records paid submissions awaiting record creation, so a
// receipt is never lost between payment and provisioning, and keeps the
// list of uploaded objects left behind by failed submissions.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/carewizard/model"
)

// Status of a ledger entry.
type Status string

// Ledger entry statuses.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Entry is a paid submission. It is written after payment succeeds and
// before the record is created, and holds everything needed to create the
// record again without charging the payer twice.
type Entry struct {
	SessionID string              `json:"session_id"`
	WizardID  string              `json:"wizard_id"`
	Table     string              `json:"table"`
	Receipt   model.Receipt       `json:"receipt"`
	Payload   map[string]any      `json:"payload"`
	Refs      map[string][]string `json:"refs,omitempty"`
	Status    Status              `json:"status"`
	RecordID  string              `json:"record_id,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Orphan lists uploaded objects no record refers to. They are kept until
// ExpiresAt for manual recovery and later cleanup.
type Orphan struct {
	SessionID  string    `json:"session_id"`
	Refs       []string  `json:"refs"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Ledger is the durable store of paid submissions.
type Ledger interface {
	// Put records a pending entry. An existing pending entry keeps its
	// receipt; only payload and refs are replaced. Putting over a completed
	// entry is a CONFLICT.
	Put(ctx context.Context, e Entry) error
	// Get returns the entry of a session.
	Get(ctx context.Context, sessionID string) (Entry, bool, error)
	// Complete marks the entry provisioned with the created record.
	Complete(ctx context.Context, sessionID, recordID string) error
	// ListPending returns entries still awaiting record creation, oldest
	// first.
	ListPending(ctx context.Context) ([]Entry, error)
	// MarkOrphaned records uploaded objects left without a record.
	MarkOrphaned(ctx context.Context, o Orphan) error
	// ListOrphans returns unexpired orphan records.
	ListOrphans(ctx context.Context) ([]Orphan, error)
}

func completedConflict(sessionID string) error {
	return model.NewConflictError(fmt.Sprintf("session %q is already provisioned", sessionID))
}

func entryNotFound(sessionID string) error {
	return model.NewNotFoundError(fmt.Sprintf("no provisioning entry for session %q", sessionID))
}
