// Package events provides a small in-process publish/subscribe bus used to
// surface queue and sync lifecycle notifications to interested components.
package events

import (
	"sync"

	"github.com/driftlab/driftsync/internal/logger"
)

// EventType identifies a lifecycle notification
type EventType string

const (
	QueueAdd      EventType = "queue:add"
	QueueComplete EventType = "queue:complete"
	QueueFail     EventType = "queue:fail"

	SyncStart    EventType = "sync:start"
	SyncComplete EventType = "sync:complete"
	SyncConflict EventType = "sync:conflict"
	SyncProgress EventType = "sync:progress"

	ChangeCreated EventType = "change:created"
	ChangeSynced  EventType = "change:synced"
	ChangeFailed  EventType = "change:failed"

	NetworkChanged EventType = "network:changed"
)

// Event carries a notification and an optional payload
type Event struct {
	Type EventType
	Data interface{}
}

// Subscription receives events for the types it was registered with. Close
// by calling Bus.Unsubscribe.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[EventType]bool
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *logger.Logger
	closed bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.GetLogger().WithComponent("events"),
	}
}

// Subscribe registers a subscriber for the given event types. With no types
// given, the subscriber receives every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	ch := make(chan Event, 64)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber without blocking
func (b *Bus) Publish(t EventType, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	ev := Event{Type: t, Data: data}
	for sub := range b.subs {
		if !sub.wants(t) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug().Str("event", string(t)).Msg("Subscriber buffer full, dropping event")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
