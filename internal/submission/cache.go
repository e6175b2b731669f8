package submission

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/internal/upload"
)

// reuse returns, aligned with jobs, the references already stored for the
// session. Cached references whose resource is no longer attached are
// orphaned and dropped.
func (o *Orchestrator) reuse(ctx context.Context, sessionID string, jobs []upload.Job) []string {
	aligned := make([]string, len(jobs))
	wanted := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		wanted[j.Resource.ResourceKey()] = true
	}

	var superseded []string
	o.mu.Lock()
	cached := o.uploaded[sessionID]
	for key, ref := range cached {
		if !wanted[key] {
			superseded = append(superseded, ref)
			delete(cached, key)
		}
	}
	for i, j := range jobs {
		aligned[i] = cached[j.Resource.ResourceKey()]
	}
	o.mu.Unlock()

	o.orphan(ctx, sessionID, superseded, "superseded")
	return aligned
}

func (o *Orchestrator) remember(sessionID, key, ref string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cached, ok := o.uploaded[sessionID]
	if !ok {
		cached = make(map[string]string)
		o.uploaded[sessionID] = cached
	}
	cached[key] = ref
}

// forget drops the cached references of a provisioned session; the record
// now refers to them.
func (o *Orchestrator) forget(sessionID string) {
	o.mu.Lock()
	delete(o.uploaded, sessionID)
	o.mu.Unlock()
}

// release drops the cached references of a session and records them as
// orphans.
func (o *Orchestrator) release(ctx context.Context, sessionID, reason string) {
	o.mu.Lock()
	cached := o.uploaded[sessionID]
	delete(o.uploaded, sessionID)
	o.mu.Unlock()

	refs := make([]string, 0, len(cached))
	for _, ref := range cached {
		refs = append(refs, ref)
	}
	o.orphan(ctx, sessionID, refs, reason)
}

// Discard implements wizard.SessionDiscarder. Uploads kept for a retry
// that will now never happen are recorded as orphans.
func (o *Orchestrator) Discard(ctx context.Context, sessionID string) {
	o.release(ctx, sessionID, "discarded")
}

func (o *Orchestrator) orphan(ctx context.Context, sessionID string, refs []string, reason string) {
	if len(refs) == 0 {
		return
	}
	now := o.now().UTC()
	err := o.ledger.MarkOrphaned(ctx, provision.Orphan{
		SessionID:  sessionID,
		Refs:       refs,
		Reason:     reason,
		RecordedAt: now,
		ExpiresAt:  now.Add(o.orphanTTL),
	})
	logger := observability.RequestLogger(ctx, o.logger).With(
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int("refs", len(refs)),
	)
	if err != nil {
		logger.Error("orphaned uploads not recorded", zap.Strings("paths", refs), zap.Error(err))
		return
	}
	o.metrics.RecordOrphanedUploads(len(refs))
	logger.Info("uploads orphaned")
}
