// Package store persists relayed events and the per-pipeline processing
// records. The event store doubles as the relay ledger: it remembers which
// events still have to reach the sink broker, so a crash between the store
// write and the publish is repaired by the recovery sweep.
package store

import (
	"context"
	"time"

	"github.com/drblury/vehiclerelay/internal/runtime/events"
)

// StoredEvent is an event together with its relay bookkeeping.
type StoredEvent struct {
	Event       events.VehicleEvent
	State       events.RelayState
	Attempts    int
	LastError   string
	PublishedAt time.Time
	UpdatedAt   time.Time
}

// PersistResult is returned by Persist. Inserted is false when the id was
// already stored, in which case the stored copy is returned unchanged.
type PersistResult struct {
	StoredEvent
	Inserted bool
}

// EventPersister writes an event exactly once per id.
type EventPersister interface {
	Persist(ctx context.Context, ev *events.VehicleEvent) (PersistResult, error)
}

// Ledger tracks the publish state of stored events.
type Ledger interface {
	Get(ctx context.Context, id string) (StoredEvent, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkPublishFailed records a failed publish and returns the attempt count.
	MarkPublishFailed(ctx context.Context, id string, cause error) (int, error)
	MarkParked(ctx context.Context, id string, cause error) error
	// ListUnpublished returns STORED and PUBLISH_FAILED events last touched
	// before olderThan, oldest first.
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]StoredEvent, error)
}

// EventStore is the full event store used by the bridge.
type EventStore interface {
	EventPersister
	Ledger
	CountEvents(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	// PurgeExpired deletes events received before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// ProcessedStore records which events a pipeline has already handled.
// Insert returns a *errors.DuplicateEventError when the (event, pipeline)
// pair exists.
type ProcessedStore interface {
	Insert(ctx context.Context, rec *events.ProcessingRecord) error
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
