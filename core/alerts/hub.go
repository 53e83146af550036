// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package alerts

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
)

// Topic is the pubsub topic alert events are published on.
const Topic = "warden.alerts"

// HubSink publishes alert events on a pubsub hub. External delivery
// channels subscribe to the hub; publishing never blocks the emitting
// worker.
type HubSink struct {
	hub   *pubsub.SimpleHub
	clock clock.Clock
}

// NewHub returns a HubSink backed by a fresh SimpleHub.
func NewHub(clock clock.Clock) *HubSink {
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("warden.alerts"),
	})
	return &HubSink{hub: hub, clock: clock}
}

// Publish is part of the Sink interface. A zero timestamp is filled in
// from the hub's clock.
func (h *HubSink) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock.Now()
	}
	_ = h.hub.Publish(Topic, event)
}

// Subscribe registers a handler for every subsequent alert event and
// returns an unsubscribe function.
func (h *HubSink) Subscribe(handler func(Event)) func() {
	return h.hub.Subscribe(Topic, func(_ string, data interface{}) {
		if event, ok := data.(Event); ok {
			handler(event)
		}
	})
}

// Recorder is a Sink that retains every event it sees. It backs tests
// and the introspection surface.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish is part of the Sink interface.
func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
