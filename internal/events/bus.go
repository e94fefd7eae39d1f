// Package events provides the in-process pub/sub bus that distributes
// engine events to the websocket feed and the async analytics writer.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lerian-regulatory-engine/internal/logging"
)

// EventType names the engine events that cross package boundaries.
type EventType string

const (
	EventConflictDetected   EventType = "conflict.detected"
	EventConflictUpdated    EventType = "conflict.updated"
	EventResolutionApplied  EventType = "resolution.applied"
	EventResolutionReverted EventType = "resolution.reverted"
	EventResolutionFailed   EventType = "resolution.failed"
	EventEscalationOpened   EventType = "escalation.opened"
	EventEscalationAdvanced EventType = "escalation.advanced"
	EventEscalationClosed   EventType = "escalation.closed"
)

// Event is a single engine event. Payload holds the domain object the event
// concerns (a Conflict, ResolutionRecord, or EscalationCase).
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Subscription is one subscriber's event channel. The channel closes when
// the subscription is removed or the bus stops.
type Subscription struct {
	ID      string
	Types   map[EventType]bool
	Channel chan *Event
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.Types) == 0 || s.Types[t]
}

// Metrics counts bus activity.
type Metrics struct {
	Published int64
	Delivered int64
	Dropped   int64
}

type busCounters struct {
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
	running       bool
	counters      busCounters
	logger        logging.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int, logger logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
		running:       true,
		logger:        logger,
	}
}

// Subscribe registers interest in the given event types; no types means all.
func (b *Bus) Subscribe(types ...EventType) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil, errors.New("event bus is stopped")
	}

	sub := &Subscription{
		ID:      uuid.New().String(),
		Types:   make(map[EventType]bool, len(types)),
		Channel: make(chan *Event, b.bufferSize),
	}
	for _, t := range types {
		sub.Types[t] = true
	}
	b.subscriptions[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[id]; ok {
		close(sub.Channel)
		delete(b.subscriptions, id)
	}
}

// Publish delivers an event to every interested subscriber without
// blocking.
func (b *Bus) Publish(eventType EventType, payload interface{}) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return
	}

	b.counters.published.Add(1)
	for _, sub := range b.subscriptions {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.Channel <- event:
			b.counters.delivered.Add(1)
		default:
			b.counters.dropped.Add(1)
			b.logger.Warn("dropping event, subscriber buffer full",
				"event_type", string(eventType), "subscription", sub.ID)
		}
	}
}

// Stop closes every subscription channel and rejects further publishes.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	for id, sub := range b.subscriptions {
		close(sub.Channel)
		delete(b.subscriptions, id)
	}
}

// Snapshot returns the current counters.
func (b *Bus) Snapshot() Metrics {
	return Metrics{
		Published: b.counters.published.Load(),
		Delivered: b.counters.delivered.Load(),
		Dropped:   b.counters.dropped.Load(),
	}
}
