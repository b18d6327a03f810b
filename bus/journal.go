package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/bridgeflow"
)

// Journal couples an EventStore with an EventBus: every event is appended to
// the store first, picks up its assigned sequence number, and is then fanned
// out to live subscribers carrying that sequence.
type Journal struct {
	store  EventStore
	bus    EventBus
	logger *slog.Logger
}

// NewJournal creates a Journal over the given store and bus.
func NewJournal(store EventStore, eventBus EventBus, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, bus: eventBus, logger: logger}
}

// Handler returns the event handler to hand to event producers.
func (j *Journal) Handler() bridgeflow.EventHandler {
	return j.Publish
}

// Publish journals the event and forwards it to subscribers. A store failure
// is logged and the event still reaches live subscribers, unsequenced.
func (j *Journal) Publish(event bridgeflow.Event) {
	seq, err := j.store.Append(context.Background(), event)
	if err != nil {
		j.logger.Error("journal append failed",
			"kind", event.Kind, "bridge_id", event.BridgeID, "error", err)
	} else {
		event.Seq = seq
	}
	j.bus.Publish(event)
}
