// Package eventbus provides a thread-safe, non-blocking broadcast bus for
// scheduler state changes. Every subscriber receives every event; there is no
// replay for subscribers that join late.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/scaneye/scaneye/internal/models"
)

// Kind names an event on the wire.
type Kind string

// Event kinds
const (
	KindScanStarted    Kind = "scan:started"
	KindScanComplete   Kind = "scan:complete"
	KindDevicesUpdated Kind = "devices:updated"
	KindConfigUpdated  Kind = "config:updated"
)

// Event is a single broadcast message.
type Event struct {
	Kind      Kind
	Payload   any
	Timestamp time.Time
}

// MarshalJSON renders the event as {"event", "data", "timestamp"}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event     Kind   `json:"event"`
		Data      any    `json:"data"`
		Timestamp string `json:"timestamp"`
	}{
		Event:     e.Kind,
		Data:      e.Payload,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ScanStarted is the payload of KindScanStarted.
type ScanStarted struct{}

// ScanComplete is the payload of KindScanComplete. Error is set when the run
// failed or no subnet could be resolved.
type ScanComplete struct {
	DeviceCount int    `json:"deviceCount"`
	Subnet      string `json:"subnet,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DevicesUpdated is the payload of KindDevicesUpdated.
type DevicesUpdated struct {
	Devices []models.Device `json:"devices"`
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID uuid.UUID
	// C delivers events until the subscription is removed or the bus closes.
	C <-chan Event

	ch chan Event
}

// EventBus fans each published event out to every current subscriber.
// Subscribers receive events through channels with bounded buffers. A
// subscriber whose buffer is full is skipped for that event.
type EventBus struct {
	// mu protects subscribers and closed
	mu sync.RWMutex

	subscribers map[uuid.UUID]*Subscription
	closed      bool

	// bufferSize is the capacity of each subscriber channel
	bufferSize int

	dropped atomic.Uint64
}

// NewEventBus creates a new EventBus with the specified per-subscriber buffer.
//
// Parameters:
//   - bufferSize: capacity of each subscriber channel (values below 1 fall back to 16)
//
// Example:
//
//	bus := eventbus.NewEventBus(64)
//	sub := bus.Subscribe()
//	defer bus.Unsubscribe(sub)
//	for ev := range sub.C {
//		// forward ev
//	}
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &EventBus{
		subscribers: make(map[uuid.UUID]*Subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (eb *EventBus) Subscribe() *Subscription {
	ch := make(chan Event, eb.bufferSize)
	sub := &Subscription{ID: uuid.New(), C: ch, ch: ch}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		close(ch)
		return sub
	}
	eb.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Calling it more
// than once, or after Close, is a no-op.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.subscribers[sub.ID]; !ok {
		return
	}
	delete(eb.subscribers, sub.ID)
	close(sub.ch)
}

// Publish delivers an event to all subscribers without blocking. Events for
// subscribers with a full buffer are dropped and counted.
func (eb *EventBus) Publish(kind Kind, payload any) {
	event := Event{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	// The read lock is held while sending so Unsubscribe cannot close a
	// channel mid-send. Sends never block.
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for _, sub := range eb.subscribers {
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber buffer
// was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subscribers {
		close(sub.ch)
		delete(eb.subscribers, id)
	}
}

func (k Kind) String() string {
	return string(k)
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Kind: %s, Timestamp: %s, Payload: %+v}",
		e.Kind,
		e.Timestamp.Format(time.RFC3339Nano),
		e.Payload,
	)
}
