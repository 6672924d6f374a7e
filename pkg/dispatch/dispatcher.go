// Package dispatch implements the request dispatcher: correlation of
// asynchronous responses to outstanding requests, the delivery-strategy/
// retry/timeout state machine, the offline queue that reconciles requests and
// responses across different transport channels, and health tracking over
// send outcomes.
//
// All mutable dispatcher state (the pending-call table and the offline queue)
// is confined to a single loop goroutine; transport events and internal
// commands are marshaled into it through channels. Exactly one Dispatcher may
// bind to a given Transport instance.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/pkg/health"
	"peerlink/pkg/observability"
	"peerlink/pkg/protocol"
	"peerlink/pkg/transport"
)

const (
	// retryDelay is the fixed inter-attempt delay. Dispatcher-wide; not part
	// of the retry policy.
	retryDelay = 200 * time.Millisecond

	// latestValueKey is the key request frames ride under on the
	// latest-value channel. One key: a new request supersedes any
	// not-yet-delivered prior one.
	latestValueKey = "peerlink.request"

	// PingType is the built-in recovery probe request type. Every
	// dispatcher answers it.
	PingType = "peerlink.ping"

	recoveryProbeTimeout = 5 * time.Second

	// responseSendTimeout bounds a responder's immediate-channel response
	// send before it falls back to the ordered queue.
	responseSendTimeout = 5 * time.Second
)

// Options configures a Dispatcher. Zero fields get defaults.
type Options struct {
	// DefaultStrategy and DefaultRetry fill unset SendOptions fields.
	DefaultStrategy Strategy
	DefaultRetry    RetryPolicy

	// UnhealthyThreshold is the consecutive-failure count that flips the
	// health tracker; UnhealthySuggestion is the static hint attached to
	// the unhealthy state.
	UnhealthyThreshold  int
	UnhealthySuggestion string

	// EventBuffer sizes the observability bus when Bus is nil.
	EventBuffer int
	Bus         *observability.Bus
}

// Dispatcher turns an unreliable multi-channel transport into a correlated
// request/response protocol with fallback, retry, offline queueing, and
// health monitoring.
type Dispatcher struct {
	tr      transport.Transport
	reg     *Registry
	bus     *observability.Bus
	tracker *health.Tracker

	defaultStrategy Strategy
	defaultRetry    RetryPolicy
	retryDelay      time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state. Touched only from run().
	pending  map[uuid.UUID]*pendingCall
	queue    offlineQueue
	draining bool
}

// New binds a dispatcher to tr and starts its loop. The dispatcher becomes
// the sole consumer of tr's event stream.
func New(tr transport.Transport, opts Options) *Dispatcher {
	if opts.DefaultStrategy.Primary == transport.ChannelNone {
		opts.DefaultStrategy = StrategyReliable
	}
	if opts.DefaultRetry.MaxAttempts < 1 {
		opts.DefaultRetry.MaxAttempts = 3
	}
	if opts.DefaultRetry.Timeout <= 0 {
		opts.DefaultRetry.Timeout = 10 * time.Second
	}
	bus := opts.Bus
	if bus == nil {
		bus = observability.NewBus(opts.EventBuffer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tr:              tr,
		reg:             NewRegistry(),
		bus:             bus,
		tracker:         health.NewTracker(opts.UnhealthyThreshold, opts.UnhealthySuggestion),
		defaultStrategy: opts.DefaultStrategy,
		defaultRetry:    opts.DefaultRetry,
		retryDelay:      retryDelay,
		baseCtx:         ctx,
		cancel:          cancel,
		cmds:            make(chan func(), 64),
		done:            make(chan struct{}),
		pending:         make(map[uuid.UUID]*pendingCall),
	}
	d.reg.Register(PingType, func(context.Context, []byte) ([]byte, error) { return nil, nil })
	go d.run()
	return d
}

// Register adds a handler for inbound requests of the given type.
func (d *Dispatcher) Register(typeName string, h Handler) { d.reg.Register(typeName, h) }

// Unregister removes the handler for the given type.
func (d *Dispatcher) Unregister(typeName string) { d.reg.Unregister(typeName) }

// Events returns the observability event stream. Pure output; the dispatcher
// never blocks on its consumer.
func (d *Dispatcher) Events() <-chan observability.Event { return d.bus.Events() }

// Health returns the current health state and, when unhealthy, the
// configured suggestion.
func (d *Dispatcher) Health() (health.State, string) { return d.tracker.State() }

// Close cancels all pending calls and queued requests, releases timers, and
// stops the loop. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		close(d.done)
	})
	return nil
}

// QueuedRequests returns a snapshot of requests awaiting responses on the
// ordered channel, oldest first.
func (d *Dispatcher) QueuedRequests() []QueuedInfo {
	ch := make(chan []QueuedInfo, 1)
	if !d.do(func() { ch <- d.queue.snapshot() }) {
		return nil
	}
	select {
	case s := <-ch:
		return s
	case <-d.done:
		return nil
	}
}

// CancelQueued cancels a single queued request by id: its pending call
// resolves with cancelled and both entries are removed. Cancelling an absent
// or already-resolved request is a no-op.
func (d *Dispatcher) CancelQueued(id uuid.UUID) {
	d.do(func() { d.cancelQueued(id) })
}

// CancelAllQueued cancels every queued request. Idempotent: a second call in
// a row is a no-op.
func (d *Dispatcher) CancelAllQueued() {
	d.do(func() {
		for _, info := range d.queue.snapshot() {
			d.cancelQueued(info.ID)
		}
	})
}

// do runs fn on the dispatcher loop. Returns false when the dispatcher is
// closed; fn may also be dropped if close wins the race, so callers must not
// depend on fn running for liveness (see await).
func (d *Dispatcher) do(fn func()) bool {
	select {
	case d.cmds <- fn:
		return true
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) run() {
	events := d.tr.Events()
	for {
		select {
		case fn := <-d.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.handleEvent(ev)
		case <-d.done:
			d.failAll()
			return
		}
	}
}

func (d *Dispatcher) handleEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.FrameReceived:
		d.handleFrame(ev)
	case transport.ReachabilityChanged:
		zap.L().Debug("reachability changed", zap.Bool("reachable", ev.Reachable))
		if ev.Reachable {
			d.maybeRecover()
			d.maybeDrain()
		}
	case transport.ActivationChanged:
		zap.L().Info("activation changed", zap.Stringer("state", ev.State))
	}
}

func (d *Dispatcher) handleFrame(ev transport.FrameReceived) {
	f, err := protocol.DecodeFrame(ev.Bytes)
	if err != nil {
		zap.L().Warn("dropping malformed frame",
			zap.Stringer("channel", ev.Channel), zap.Error(err))
		return
	}
	switch f := f.(type) {
	case *protocol.ResponseFrame:
		// Ack the transport-level reply path, if any; the logical answer
		// is the correlation below.
		if ev.Reply != nil {
			_ = ev.Reply(nil)
		}
		d.resolve(f.ID, f)
	case *protocol.RequestFrame:
		go d.serve(f, ev.Reply)
	}
}

// resolve settles the pending call for id with a received response. Runs in
// loop context. Responses with no pending call (late, duplicate) are dropped.
func (d *Dispatcher) resolve(id uuid.UUID, rf *protocol.ResponseFrame) {
	pc, ok := d.pending[id]
	if !ok {
		zap.L().Debug("response without pending call", zap.String("request_id", id.String()))
		return
	}
	delete(d.pending, id)
	d.queue.remove(id)
	if rf.OK() {
		pc.fut.resolve(rf, nil)
	} else {
		pc.fut.resolve(nil, rf.Err())
	}
}

// fail settles the pending call for id with an error and removes its queue
// entry. Runs in loop context. A timed-out queued request additionally emits
// a request-expired event.
func (d *Dispatcher) fail(id uuid.UUID, err error) {
	pc, ok := d.pending[id]
	qr := d.queue.remove(id)
	if !ok {
		return
	}
	delete(d.pending, id)
	if qr != nil && protocol.KindOf(err) == protocol.KindTimeout {
		d.bus.Publish(observability.Event{
			Kind:      observability.EventRequestExpired,
			RequestID: id.String(),
			Type:      qr.req.Type,
		})
	}
	pc.fut.resolve(nil, err)
}

func (d *Dispatcher) cancelQueued(id uuid.UUID) {
	qr := d.queue.remove(id)
	if qr == nil {
		return
	}
	if pc, ok := d.pending[id]; ok {
		delete(d.pending, id)
		pc.fut.resolve(nil, protocol.Errf(protocol.KindCancelled, "queued request cancelled"))
	}
	d.bus.Publish(observability.Event{
		Kind:      observability.EventRequestCancelled,
		RequestID: id.String(),
		Type:      qr.req.Type,
	})
}

func (d *Dispatcher) failAll() {
	for id, pc := range d.pending {
		pc.fut.resolve(nil, protocol.Errf(protocol.KindCancelled, "dispatcher closed"))
		delete(d.pending, id)
	}
	d.queue.clear()
}

// resolvePending and failPending marshal resolutions from off-loop
// goroutines into the loop.
func (d *Dispatcher) resolvePending(id uuid.UUID, rf *protocol.ResponseFrame) {
	d.do(func() { d.resolve(id, rf) })
}

func (d *Dispatcher) failPending(id uuid.UUID, err error) {
	d.do(func() { d.fail(id, err) })
}

// ---- inbound request serving ----

// serve routes one inbound request through the handler registry and answers
// it. Runs off-loop so a slow handler never stalls correlation.
func (d *Dispatcher) serve(req *protocol.RequestFrame, reply func([]byte) error) {
	var resp *protocol.ResponseFrame
	h, ok := d.reg.lookup(req.Type)
	if !ok {
		zap.L().Warn("no handler registered", zap.String("type", req.Type))
		resp = protocol.NewErrorResponse(req.ID, protocol.KindHandlerNotRegistered,
			fmt.Sprintf("no handler for %q", req.Type))
		// Routing failed before any network operation; not a transport
		// health signal.
	} else {
		if d.tracker.RecordSuccess() {
			d.publishHealth()
		}
		out, err := callHandler(d.baseCtx, h, req.Payload)
		if err != nil {
			kind := protocol.KindOf(err)
			if kind == protocol.KindNone {
				kind = protocol.KindHandlerError
			}
			resp = protocol.NewErrorResponse(req.ID, kind, err.Error())
		} else {
			resp = protocol.NewResponse(req.ID, out)
		}
	}

	if req.FireAndForget {
		// Never answer with a response frame; just release the sender's
		// transport-level reply path.
		if reply != nil {
			_ = reply(nil)
		}
		return
	}

	b, err := protocol.EncodeResponse(resp)
	if err != nil {
		zap.L().Error("encode response", zap.String("type", req.Type), zap.Error(err))
		return
	}
	if reply != nil {
		if err := reply(b); err != nil {
			zap.L().Warn("direct reply failed", zap.String("type", req.Type), zap.Error(err))
		}
		return
	}
	// Answer over whichever channel is currently reachable.
	if d.tr.Reachable() {
		ctx, cancel := context.WithTimeout(d.baseCtx, responseSendTimeout)
		_, serr := d.tr.SendImmediate(ctx, b)
		cancel()
		if serr == nil {
			return
		}
		zap.L().Debug("immediate response send failed, queueing", zap.Error(serr))
	}
	if err := d.tr.EnqueueOrdered(b); err != nil {
		zap.L().Warn("failed to send response", zap.String("type", req.Type), zap.Error(err))
	}
}

// callHandler invokes h, converting a panic into a handler-error so a broken
// handler never crashes the responder process.
func callHandler(ctx context.Context, h Handler, payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.Errf(protocol.KindHandlerError, "handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

// ---- queue drain and recovery ----

// maybeDrain starts one drain goroutine when reachability returns and queued
// requests exist. Runs in loop context.
func (d *Dispatcher) maybeDrain() {
	if d.draining || d.queue.len() == 0 || !d.tr.Reachable() {
		return
	}
	d.draining = true
	go d.drain()
}

// maybeRecover launches a recovery probe when the session is unhealthy. Runs
// in loop context.
func (d *Dispatcher) maybeRecover() {
	if st, _ := d.tracker.State(); st == health.Unhealthy {
		go d.recoveryProbe()
	}
}

// drain resends queued requests over the immediate channel in FIFO order.
// Stops early when reachability flips away again; any other failure drops
// just that request. Emits one aggregate queue-flushed event.
func (d *Dispatcher) drain() {
	// Clearing the flag and re-checking must happen in the same loop command:
	// a reachability event handled mid-drain sees draining still set, so the
	// re-check here picks up whatever that event left queued.
	defer d.do(func() {
		d.draining = false
		d.maybeDrain()
	})
	flushed := 0
	for {
		qr, ok := d.oldestQueued()
		if !ok {
			break
		}
		if !qr.deadline.IsZero() && !time.Now().Before(qr.deadline) {
			d.failPending(qr.req.ID, protocol.Errf(protocol.KindTimeout, "expired while queued"))
			continue
		}
		ctx, cancel := context.WithDeadline(d.baseCtx, qr.deadline)
		reply, err := d.tr.SendImmediate(ctx, qr.frame)
		cancel()
		if err != nil {
			if protocol.KindOf(err) == protocol.KindNotReachable {
				// Reachability flipped again; keep the rest queued.
				break
			}
			d.failPending(qr.req.ID, transportErr(err, protocol.KindDeliveryFailed))
			continue
		}
		if len(reply) == 0 {
			// Transport-level ack: the logical response arrives inbound and
			// resolves the pending call there. Just dequeue.
			id := qr.req.ID
			d.do(func() { d.queue.remove(id) })
			flushed++
			continue
		}
		rf, derr := protocol.DecodeResponse(reply)
		if derr != nil {
			d.failPending(qr.req.ID, derr)
			continue
		}
		d.resolvePending(qr.req.ID, rf)
		flushed++
	}
	if flushed > 0 {
		d.bus.Publish(observability.Event{Kind: observability.EventQueueFlushed, Count: flushed})
		zap.L().Info("queue flushed", zap.Int("count", flushed))
	}
}

// oldestQueued fetches the queue front from the loop without removing it.
func (d *Dispatcher) oldestQueued() (*queuedRequest, bool) {
	ch := make(chan *queuedRequest, 1)
	if !d.do(func() {
		qr, _ := d.queue.oldest()
		ch <- qr
	}) {
		return nil, false
	}
	select {
	case qr := <-ch:
		return qr, qr != nil
	case <-d.done:
		return nil, false
	}
}

// recoveryProbe sends the built-in ping over the immediate channel to test
// whether an unhealthy session has come back.
func (d *Dispatcher) recoveryProbe() {
	d.bus.Publish(observability.Event{Kind: observability.EventRecoveryAttempted})
	zap.L().Info("attempting session recovery probe")
	frame, err := protocol.EncodeRequest(protocol.NewRequest(PingType, nil))
	if err == nil {
		ctx, cancel := context.WithTimeout(d.baseCtx, recoveryProbeTimeout)
		_, err = d.tr.SendImmediate(ctx, frame)
		cancel()
	}
	if err != nil {
		zap.L().Warn("recovery probe failed", zap.Error(err))
		d.bus.Publish(observability.Event{Kind: observability.EventRecoveryFailed, Err: err.Error()})
		return
	}
	if d.tracker.RecordSuccess() {
		d.publishHealth()
	}
	d.bus.Publish(observability.Event{Kind: observability.EventRecoverySucceeded})
}

func (d *Dispatcher) publishHealth() {
	st, hint := d.tracker.State()
	d.bus.Publish(observability.Event{
		Kind:       observability.EventHealthChanged,
		Healthy:    st == health.Healthy,
		Suggestion: hint,
	})
	if st == health.Healthy {
		zap.L().Info("session healthy")
	} else {
		zap.L().Warn("session unhealthy", zap.String("suggestion", hint))
	}
}

// transportErr keeps an already-typed error and wraps anything else with the
// given kind.
func transportErr(err error, kind protocol.ErrorKind) error {
	if protocol.KindOf(err) != protocol.KindNone {
		return err
	}
	return protocol.Errf(kind, "%v", err)
}
