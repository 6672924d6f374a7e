// Package transport defines the peer transport contract the dispatcher is
// built on: three send primitives with different latency/ordering/durability
// tradeoffs, plus a single inbound event stream.
//
// Exactly one consumer may read Events() at a time. A dispatcher binds to one
// transport instance; binding two dispatchers to the same transport is a
// programming error.
package transport

import "context"

// Channel identifies one of the three delivery primitives.
type Channel int

const (
	// ChannelNone is the zero value; as a fallback it means "no fallback".
	ChannelNone Channel = iota
	// ChannelImmediate is instant but fragile: requires live reachability
	// and carries the transport's own reply path.
	ChannelImmediate
	// ChannelOrdered is queued with guaranteed eventual in-order delivery
	// once the remote side is available. No reply channel.
	ChannelOrdered
	// ChannelLatestValue keeps only the newest value per key; undelivered
	// values are superseded. No reply channel, no ordering guarantee.
	ChannelLatestValue
)

func (c Channel) String() string {
	switch c {
	case ChannelNone:
		return "none"
	case ChannelImmediate:
		return "immediate"
	case ChannelOrdered:
		return "ordered"
	case ChannelLatestValue:
		return "latest-value"
	default:
		return "unknown"
	}
}

// ActivationState mirrors the underlying session lifecycle.
type ActivationState int

const (
	NotActivated ActivationState = iota
	Inactive
	Activated
)

func (s ActivationState) String() string {
	switch s {
	case NotActivated:
		return "not-activated"
	case Inactive:
		return "inactive"
	case Activated:
		return "activated"
	default:
		return "unknown"
	}
}

// Event is one inbound transport event. Concrete types: FrameReceived,
// ReachabilityChanged, ActivationChanged.
type Event interface {
	isEvent()
}

// FrameReceived carries one inbound wire frame. Reply is non-nil when the
// frame arrived via the immediate channel and the sender is awaiting a direct
// reply on the transport's own reply path; it may be called at most once.
type FrameReceived struct {
	Bytes   []byte
	Channel Channel
	Reply   func([]byte) error
}

// ReachabilityChanged reports a live-reachability flip.
type ReachabilityChanged struct {
	Reachable bool
}

// ActivationChanged reports a session lifecycle transition.
type ActivationChanged struct {
	State ActivationState
}

func (FrameReceived) isEvent()       {}
func (ReachabilityChanged) isEvent() {}
func (ActivationChanged) isEvent()   {}

// Transport is the unreliable multi-channel peer link. Implementations report
// failures as *protocol.Error values (not-reachable, delivery-failed,
// reply-failed) so the dispatcher can classify them.
type Transport interface {
	// SendImmediate delivers frame over the immediate channel and returns
	// the peer's direct reply bytes. Requires live reachability.
	SendImmediate(ctx context.Context, frame []byte) ([]byte, error)

	// EnqueueOrdered hands frame to the ordered-queued channel. The call
	// never yields a reply; delivery happens eventually, in order.
	EnqueueOrdered(frame []byte) error

	// SetLatestValue overwrites any previously set, not-yet-delivered value
	// under key.
	SetLatestValue(key string, frame []byte) error

	// Reachable reports best-effort live reachability of the peer.
	Reachable() bool

	// Activation reports the current session lifecycle state.
	Activation() ActivationState

	// Events returns the inbound event stream. Single consumer only.
	Events() <-chan Event

	Close() error
}
