package dispatch

import (
	"time"

	"peerlink/pkg/transport"
)

// Strategy selects the primary delivery channel for a send and an optional
// fallback. The fallback is always tried once after a failed primary attempt,
// regardless of how the primary error is classified.
type Strategy struct {
	Primary  transport.Channel
	Fallback transport.Channel
}

// Common strategies.
var (
	// StrategyImmediate uses the immediate channel only.
	StrategyImmediate = Strategy{Primary: transport.ChannelImmediate}
	// StrategyReliable tries the immediate channel and falls back to the
	// ordered queue, which does not require live reachability.
	StrategyReliable = Strategy{Primary: transport.ChannelImmediate, Fallback: transport.ChannelOrdered}
	// StrategyOrdered queues on the ordered channel directly.
	StrategyOrdered = Strategy{Primary: transport.ChannelOrdered}
	// StrategyLatestValue rides the latest-value channel; an undelivered
	// earlier request is superseded.
	StrategyLatestValue = Strategy{Primary: transport.ChannelLatestValue}
)

// RetryPolicy bounds one send: at most MaxAttempts primary-channel attempts
// within Timeout total. The fixed 200ms inter-attempt delay is a dispatcher
// constant, not part of the policy.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Mode gates a send on transport preconditions.
type Mode int

const (
	// ModeBackground accepts queued delivery while the peer is unreachable.
	ModeBackground Mode = iota
	// ModeInteractive requires live reachability and fails fast with
	// not-reachable otherwise.
	ModeInteractive
)

// SendOptions configures one send. Zero fields are filled from the
// dispatcher's configured defaults.
type SendOptions struct {
	Strategy Strategy
	Mode     Mode
	Retry    RetryPolicy
}
