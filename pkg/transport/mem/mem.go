// Package mem provides an in-process transport: a pair of linked endpoints
// exchanging frames over channels. It implements the full channel contract,
// including reachability flips, ordered buffering while the link is down, and
// latest-value supersession, which makes it the reference implementation for
// integration tests and local demos.
package mem

import (
	"context"
	"errors"
	"sync"

	"peerlink/pkg/protocol"
	"peerlink/pkg/transport"
)

const eventBuffer = 1024

var (
	errClosed = errors.New("peer closed")
	errBusy   = errors.New("peer event buffer full")
)

// link is the shared state of one endpoint pair. Reachability is a property
// of the link, not of either endpoint.
type link struct {
	mu sync.Mutex
	up bool
}

// Endpoint is one side of an in-process pair. Safe for concurrent use.
type Endpoint struct {
	link *link
	peer *Endpoint

	mu         sync.Mutex
	events     chan transport.Event
	outbox     [][]byte          // ordered frames awaiting an up link
	latest     map[string][]byte // latest-value slots awaiting an up link
	latestKeys []string          // slot flush order
	activation transport.ActivationState
	closed     bool
}

// Pair returns two linked endpoints with the link up and both sides
// activated.
func Pair() (*Endpoint, *Endpoint) {
	l := &link{up: true}
	a := newEndpoint(l)
	b := newEndpoint(l)
	a.peer, b.peer = b, a
	return a, b
}

func newEndpoint(l *link) *Endpoint {
	return &Endpoint{
		link:       l,
		events:     make(chan transport.Event, eventBuffer),
		latest:     make(map[string][]byte),
		activation: transport.Activated,
	}
}

// SendImmediate posts the frame to the peer and blocks until the peer's
// consumer answers on the reply path or ctx ends.
func (e *Endpoint) SendImmediate(ctx context.Context, frame []byte) ([]byte, error) {
	if !e.Reachable() {
		return nil, protocol.Errf(protocol.KindNotReachable, "link down")
	}
	replyCh := make(chan []byte, 1)
	var once sync.Once
	ev := transport.FrameReceived{
		Bytes:   frame,
		Channel: transport.ChannelImmediate,
		Reply: func(b []byte) error {
			once.Do(func() { replyCh <- b })
			return nil
		},
	}
	if err := e.peer.post(ev); err != nil {
		if errors.Is(err, errClosed) {
			return nil, protocol.Errf(protocol.KindNotReachable, "%v", err)
		}
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "%v", err)
	}
	select {
	case b := <-replyCh:
		return b, nil
	case <-ctx.Done():
		return nil, protocol.Errf(protocol.KindReplyFailed, "no reply: %v", ctx.Err())
	}
}

// EnqueueOrdered delivers the frame right away when the link is up, otherwise
// buffers it; buffered frames flush in order when the link comes back.
func (e *Endpoint) EnqueueOrdered(frame []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return protocol.Errf(protocol.KindDeliveryFailed, "endpoint closed")
	}
	if !e.linkUp() {
		e.outbox = append(e.outbox, frame)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if err := e.peer.post(transport.FrameReceived{Bytes: frame, Channel: transport.ChannelOrdered}); err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "%v", err)
	}
	return nil
}

// SetLatestValue delivers right away when the link is up; while down it keeps
// only the newest frame per key.
func (e *Endpoint) SetLatestValue(key string, frame []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return protocol.Errf(protocol.KindDeliveryFailed, "endpoint closed")
	}
	if !e.linkUp() {
		if _, seen := e.latest[key]; !seen {
			e.latestKeys = append(e.latestKeys, key)
		}
		e.latest[key] = frame
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if err := e.peer.post(transport.FrameReceived{Bytes: frame, Channel: transport.ChannelLatestValue}); err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "%v", err)
	}
	return nil
}

func (e *Endpoint) Reachable() bool {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	return e.link.up
}

// linkUp is Reachable without the endpoint lock ordering hazard; callers hold
// e.mu.
func (e *Endpoint) linkUp() bool {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	return e.link.up
}

func (e *Endpoint) Activation() transport.ActivationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activation
}

// SetActivation transitions this endpoint's session state and reports it on
// the event stream.
func (e *Endpoint) SetActivation(st transport.ActivationState) {
	e.mu.Lock()
	e.activation = st
	e.mu.Unlock()
	e.post(transport.ActivationChanged{State: st})
}

// SetReachable flips the shared link. Both endpoints observe the change; on
// an up flip each side flushes its buffered ordered and latest-value frames.
func (e *Endpoint) SetReachable(up bool) {
	e.link.mu.Lock()
	changed := e.link.up != up
	e.link.up = up
	e.link.mu.Unlock()
	if !changed {
		return
	}
	for _, ep := range []*Endpoint{e, e.peer} {
		ep.post(transport.ReachabilityChanged{Reachable: up})
	}
	if up {
		e.flush()
		e.peer.flush()
	}
}

// flush drains the ordered outbox in FIFO order, then the latest-value slots.
func (e *Endpoint) flush() {
	e.mu.Lock()
	outbox := e.outbox
	e.outbox = nil
	keys := e.latestKeys
	latest := e.latest
	e.latestKeys = nil
	e.latest = make(map[string][]byte)
	e.mu.Unlock()

	for _, frame := range outbox {
		e.peer.post(transport.FrameReceived{Bytes: frame, Channel: transport.ChannelOrdered})
	}
	for _, key := range keys {
		e.peer.post(transport.FrameReceived{Bytes: latest[key], Channel: transport.ChannelLatestValue})
	}
}

func (e *Endpoint) Events() <-chan transport.Event { return e.events }

// Close marks the endpoint closed. The event channel is never closed; it
// simply goes quiet.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// post delivers an event to this endpoint's stream. It distinguishes a closed
// endpoint from a full buffer so callers can report the real cause.
func (e *Endpoint) post(ev transport.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	select {
	case e.events <- ev:
		return nil
	default:
		return errBusy
	}
}
