package testutil

import (
	"context"
	"sync"

	"github.com/MGallo-Code/portcullis/internal/events"
)

// EventRecorder captures emitted events. Implements events.Emitter and events.Publisher.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *EventRecorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *EventRecorder) Publish(ctx context.Context, e events.Event) error {
	r.Emit(ctx, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *EventRecorder) OfType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
