package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/bridgeflow"
)

// MemEventStore is an in-memory event store, primarily for tests and
// short-lived daemons that do not need replay across restarts.
type MemEventStore struct {
	mu      sync.RWMutex
	events  map[string][]bridgeflow.Event // bridgeID -> ordered events
	nextSeq uint64
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]bridgeflow.Event),
	}
}

// Append stores an event and assigns the next sequence number.
func (s *MemEventStore) Append(_ context.Context, event bridgeflow.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	event.Seq = s.nextSeq
	s.events[event.BridgeID] = append(s.events[event.BridgeID], event)
	return event.Seq, nil
}

// List returns stored events for a bridge after the given sequence number.
func (s *MemEventStore) List(_ context.Context, bridgeID string, afterSeq uint64, limit int) ([]bridgeflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bridgeflow.Event, 0)
	for _, event := range s.events[bridgeID] {
		if event.Seq <= afterSeq {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestSeq returns the highest sequence number stored for a bridge.
func (s *MemEventStore) LatestSeq(_ context.Context, bridgeID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[bridgeID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

var _ EventStore = (*MemEventStore)(nil)
