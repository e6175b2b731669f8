package wizard

import (
	"context"
	"time"

	"github.com/pitabwire/carewizard/model"
)

// SessionStore holds live wizard sessions. Sessions are never persisted
// outside the process before final submission.
type SessionStore interface {
	// Create stores a new session. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, s model.Session) error

	// Get returns a session by ID, or SESSION_NOT_FOUND.
	Get(ctx context.Context, id string) (model.Session, error)

	// Update replaces a session with optimistic locking. s.Version must
	// match the stored version; the stored version is then incremented.
	// Returns CONFLICT on a stale write.
	Update(ctx context.Context, s model.Session) (model.Session, error)

	// FindExpired returns sessions whose ExpiresAt is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id string) error
}
