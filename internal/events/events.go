// Package events delivers session lifecycle events.
//
// events.go -- Event types and the in-process Bus.
// Subscribers run synchronously in Emit; the Bus then hands the event to a
// Publisher for delivery outside the process (log, AMQP, or a Redis queue
// in front of AMQP).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event. These are the only two signals emitted.
type Type string

const (
	// SessionRefreshed fires when a session token rotates.
	SessionRefreshed Type = "session_refreshed"
	// LoggedOut fires when one or all of a user's sessions are revoked.
	LoggedOut Type = "logged_out"
)

// Event is the payload delivered to subscribers and publishers.
type Event struct {
	Type      Type      `json:"type"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Emitter accepts events. Satisfied by *Bus.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Publisher delivers events outside the process.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler is an in-process subscriber.
type Handler func(ctx context.Context, e Event)

// Bus fans events out to subscribers and one Publisher. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type]map[int]Handler
	next int
	pub  Publisher
}

// NewBus returns a Bus publishing through pub. pub may be nil.
func NewBus(pub Publisher) *Bus {
	return &Bus{subs: make(map[Type]map[int]Handler), pub: pub}
}

// Subscribe registers h for events of type t. Call the returned func to unsubscribe.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = h
	return func() {
		b.mu.Lock()
		delete(b.subs[t], id)
		b.mu.Unlock()
	}
}

// Emit runs subscribers, then publishes. Delivery failures are logged, never returned:
// a lost event must not fail the request that caused it.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Type]))
	for _, h := range b.subs[e.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.runHandler(ctx, h, e)
	}

	if b.pub == nil {
		return
	}
	if err := b.pub.Publish(ctx, e); err != nil {
		slog.Warn("publishing event failed", "type", e.Type, "user_id", e.UserID, "error", err)
	}
}

// runHandler isolates a panicking subscriber from the request.
func (b *Bus) runHandler(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	h(ctx, e)
}

// LogPublisher writes events to the structured log. Used when no broker is configured.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, e Event) error {
	slog.Info("lifecycle event", "type", e.Type, "user_id", e.UserID, "session_id", e.SessionID, "at", e.At)
	return nil
}
