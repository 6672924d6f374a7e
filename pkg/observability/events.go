package observability

import (
	"sync/atomic"
	"time"
)

// EventKind names one discrete dispatcher event.
type EventKind string

const (
	EventDeliveryAttempted EventKind = "delivery_attempted"
	EventDeliverySucceeded EventKind = "delivery_succeeded"
	EventDeliveryFailed    EventKind = "delivery_failed"
	EventFallbackUsed      EventKind = "fallback_used"
	EventRequestQueued     EventKind = "request_queued"
	EventQueueFlushed      EventKind = "queue_flushed"
	EventRequestExpired    EventKind = "request_expired"
	EventRequestCancelled  EventKind = "request_cancelled"
	EventHealthChanged     EventKind = "health_changed"
	EventRecoveryAttempted EventKind = "recovery_attempted"
	EventRecoverySucceeded EventKind = "recovery_succeeded"
	EventRecoveryFailed    EventKind = "recovery_failed"
)

// Event is one entry of the dispatcher's observability stream. Only the
// fields relevant to a given kind are populated.
type Event struct {
	Kind       EventKind
	RequestID  string
	Type       string
	Channel    string
	Err        string
	Count      int
	Healthy    bool
	Suggestion string
	At         time.Time
}

// Bus is a bounded, non-blocking publisher of events. Publish never blocks;
// when the buffer is full the event is dropped and counted. The producer side
// never waits on a consumer.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64
}

// DefaultBuffer is the event buffer size used when none is configured.
const DefaultBuffer = 256

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish stamps the event time (when unset) and enqueues it, dropping the
// event when no buffer space is left.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Events returns the consumer side of the stream.
func (b *Bus) Events() <-chan Event { return b.ch }

// Dropped returns the number of events discarded because the buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
