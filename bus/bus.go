// Package bus provides an event distribution system for bridge lifecycle
// events. It allows components to publish and subscribe to registry and
// health events, enabling decoupled communication between the orchestration
// core and observers such as loggers, UIs, and monitoring systems.
package bus

import "github.com/petal-labs/bridgeflow"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event bridgeflow.Event)

	// Subscribe registers a subscriber for a specific bridge.
	// Returns a Subscription that must be closed when done.
	Subscribe(bridgeID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// bridges. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan bridgeflow.Event

	// Close unsubscribes and releases resources.
	Close() error
}
