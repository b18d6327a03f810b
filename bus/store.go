package bus

import (
	"context"

	"github.com/petal-labs/bridgeflow"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event and returns its assigned sequence number.
	Append(ctx context.Context, event bridgeflow.Event) (uint64, error)

	// List returns events for a bridge, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, bridgeID string, afterSeq uint64, limit int) ([]bridgeflow.Event, error)

	// LatestSeq returns the highest Seq for a bridge (0 if no events).
	LatestSeq(ctx context.Context, bridgeID string) (uint64, error)
}
