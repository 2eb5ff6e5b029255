// Package history records the lifecycle trail of every distribution: the
// append-only store entries the API serves, and an optional event stream for
// downstream consumers.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

// Publisher streams history entries beyond the store. Implementations must
// not block the recorder: publish failures are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, entry models.HistoryEntry) error
}

// Recorder appends history entries to the store and fans them out to an
// optional publisher. The store write is the source of truth; the publisher
// is best effort.
type Recorder struct {
	store     store.Store
	publisher Publisher
}

func NewRecorder(st store.Store, pub Publisher) *Recorder {
	return &Recorder{store: st, publisher: pub}
}

// Record persists an entry. Publisher errors never surface to the caller.
func (r *Recorder) Record(ctx context.Context, entry models.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := r.store.AppendHistory(ctx, entry); err != nil {
		return err
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, entry); err != nil {
			log.Printf("[history] publish entry for %s: %v", entry.DistributionID, err)
		}
	}
	return nil
}

// StatusChange is a convenience for the poller's transition entries.
func (r *Recorder) StatusChange(ctx context.Context, d models.Distribution, previous models.Status, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal history details: %w", err)
		}
		raw = b
	}
	return r.Record(ctx, models.HistoryEntry{
		DistributionID: d.ID,
		Action:         models.ActionStatusChanged,
		Actor:          "poller",
		PreviousStatus: previous,
		NewStatus:      d.Status,
		Version:        d.Version,
		Details:        raw,
	})
}
