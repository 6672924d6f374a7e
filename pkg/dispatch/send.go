package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/pkg/observability"
	"peerlink/pkg/protocol"
	"peerlink/pkg/protocol/codec"
	"peerlink/pkg/transport"
)

// Send delivers one request and blocks until it is answered, fails, times
// out, or ctx is cancelled. It returns the response payload or exactly one
// typed error from the protocol taxonomy; there is no silent failure path.
func (d *Dispatcher) Send(ctx context.Context, typeName string, payload []byte, opts SendOptions) ([]byte, error) {
	rf, err := d.send(ctx, protocol.NewRequest(typeName, payload), opts)
	if err != nil {
		return nil, err
	}
	return rf.Payload, nil
}

// Call sends a typed request and decodes the typed response with c.
func Call[Req, Resp any](ctx context.Context, d *Dispatcher, c codec.Codec, typeName string, in Req, opts SendOptions) (Resp, error) {
	var zero Resp
	payload, err := c.Marshal(in)
	if err != nil {
		return zero, protocol.Errf(protocol.KindEncodingFailed, "marshal %s: %v", typeName, err)
	}
	out, err := d.Send(ctx, typeName, payload, opts)
	if err != nil {
		return zero, err
	}
	var resp Resp
	if err := c.Unmarshal(out, &resp); err != nil {
		return zero, protocol.Errf(protocol.KindDecodingFailed, "unmarshal %s response: %v", typeName, err)
	}
	return resp, nil
}

// Notify sends a fire-and-forget request. All delivery errors are swallowed;
// the caller is never informed of failure, so the method has no results. The
// discarded outcome is logged at debug level only.
func (d *Dispatcher) Notify(ctx context.Context, typeName string, payload []byte, opts SendOptions) {
	opts = d.fillDefaults(opts)
	frame, err := protocol.EncodeRequest(protocol.NewNotification(typeName, payload))
	if err != nil {
		zap.L().Debug("notify dropped", zap.String("type", typeName), zap.Error(err))
		return
	}
	go func() {
		deadline := time.Now().Add(opts.Retry.Timeout)
		err := d.pushFrame(ctx, frame, opts.Strategy.Primary, deadline)
		if err != nil && opts.Strategy.Fallback != transport.ChannelNone {
			err = d.pushFrame(ctx, frame, opts.Strategy.Fallback, deadline)
		}
		if err != nil {
			zap.L().Debug("notify dropped", zap.String("type", typeName), zap.Error(err))
		}
	}()
}

// pushFrame issues one one-way delivery on the given channel.
func (d *Dispatcher) pushFrame(ctx context.Context, frame []byte, ch transport.Channel, deadline time.Time) error {
	switch ch {
	case transport.ChannelImmediate:
		if !d.tr.Reachable() {
			return protocol.Errf(protocol.KindNotReachable, "peer not reachable")
		}
		sctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()
		_, err := d.tr.SendImmediate(sctx, frame)
		return transportErr(err, protocol.KindDeliveryFailed)
	case transport.ChannelOrdered:
		return transportErr(d.tr.EnqueueOrdered(frame), protocol.KindDeliveryFailed)
	case transport.ChannelLatestValue:
		return transportErr(d.tr.SetLatestValue(latestValueKey, frame), protocol.KindDeliveryFailed)
	default:
		return protocol.Errf(protocol.KindDeliveryFailed, "invalid channel %v", ch)
	}
}

func (d *Dispatcher) fillDefaults(opts SendOptions) SendOptions {
	if opts.Strategy.Primary == transport.ChannelNone {
		opts.Strategy = d.defaultStrategy
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = d.defaultRetry.MaxAttempts
	}
	if opts.Retry.Timeout <= 0 {
		opts.Retry.Timeout = d.defaultRetry.Timeout
	}
	return opts
}

// send runs the delivery-strategy/retry/timeout state machine for one
// request frame.
func (d *Dispatcher) send(ctx context.Context, req *protocol.RequestFrame, opts SendOptions) (*protocol.ResponseFrame, error) {
	opts = d.fillDefaults(opts)

	if st := d.tr.Activation(); st != transport.Activated {
		return nil, protocol.Errf(protocol.KindNotActivated, "session %s", st)
	}
	if opts.Mode == ModeInteractive && !d.tr.Reachable() {
		return nil, protocol.Errf(protocol.KindNotReachable, "interactive send requires reachability")
	}

	deadline := time.Now().Add(opts.Retry.Timeout)
	var lastErr error

	for attempt := 1; attempt <= opts.Retry.MaxAttempts; attempt++ {
		if !time.Now().Before(deadline) {
			break
		}
		d.publishDelivery(observability.EventDeliveryAttempted, req, opts.Strategy.Primary, attempt, nil)
		resp, perr := d.deliver(ctx, req, opts.Strategy.Primary, deadline)
		if perr == nil {
			return d.succeed(req, opts.Strategy.Primary, resp), nil
		}
		d.publishDelivery(observability.EventDeliveryFailed, req, opts.Strategy.Primary, attempt, perr)

		// The fallback is always tried before giving up on an attempt,
		// even when the primary error is permanent: "unreachable" and
		// "malformed" both plausibly succeed via a different channel.
		if fb := opts.Strategy.Fallback; fb != transport.ChannelNone {
			d.publishDelivery(observability.EventFallbackUsed, req, fb, attempt, nil)
			resp, ferr := d.deliver(ctx, req, fb, deadline)
			if ferr == nil {
				return d.succeed(req, fb, resp), nil
			}
			d.publishDelivery(observability.EventDeliveryFailed, req, fb, attempt, ferr)
		}

		if d.tracker.RecordFailure() {
			d.publishHealth()
		}
		lastErr = perr

		// Retryability is decided on the primary error alone; the
		// fallback's own error never extends the loop.
		if !protocol.KindOf(perr).Retryable() {
			return nil, perr
		}
		if attempt < opts.Retry.MaxAttempts {
			if !time.Now().Add(d.retryDelay).Before(deadline) {
				return nil, protocol.Errf(protocol.KindTimeout,
					"retry budget exhausted after %d attempts", attempt)
			}
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return nil, protocol.Errf(protocol.KindCancelled, "send cancelled: %v", ctx.Err())
			case <-d.done:
				return nil, protocol.Errf(protocol.KindCancelled, "dispatcher closed")
			}
		}
	}
	if lastErr == nil {
		lastErr = protocol.Errf(protocol.KindTimeout, "no attempt completed within %s", opts.Retry.Timeout)
	}
	return nil, lastErr
}

func (d *Dispatcher) succeed(req *protocol.RequestFrame, ch transport.Channel, resp *protocol.ResponseFrame) *protocol.ResponseFrame {
	if d.tracker.RecordSuccess() {
		d.publishHealth()
	}
	d.publishDelivery(observability.EventDeliverySucceeded, req, ch, 0, nil)
	return resp
}

// deliver makes one delivery attempt on one channel, bounded by deadline.
func (d *Dispatcher) deliver(ctx context.Context, req *protocol.RequestFrame, ch transport.Channel, deadline time.Time) (*protocol.ResponseFrame, error) {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	switch ch {
	case transport.ChannelImmediate:
		return d.deliverImmediate(ctx, req, frame, deadline)
	case transport.ChannelOrdered:
		return d.deliverOrdered(ctx, req, frame, deadline)
	case transport.ChannelLatestValue:
		return d.deliverLatest(ctx, req, frame, deadline)
	default:
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "invalid channel %v", ch)
	}
}

// deliverImmediate registers a pending call, issues the send, and races the
// transport's reply path, any inbound response frame, the deadline, and ctx.
func (d *Dispatcher) deliverImmediate(ctx context.Context, req *protocol.RequestFrame, frame []byte, deadline time.Time) (*protocol.ResponseFrame, error) {
	if !d.tr.Reachable() {
		return nil, protocol.Errf(protocol.KindNotReachable, "peer not reachable")
	}
	fut, err := d.register(req, frame, deadline, transport.ChannelNone)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	go func() {
		reply, serr := d.tr.SendImmediate(sctx, frame)
		if serr != nil {
			d.failPending(req.ID, transportErr(serr, protocol.KindDeliveryFailed))
			return
		}
		if len(reply) == 0 {
			// Transport-level ack only; the response arrives on the
			// inbound stream and resolves the pending call there.
			return
		}
		rf, derr := protocol.DecodeResponse(reply)
		if derr != nil {
			d.failPending(req.ID, derr)
			return
		}
		d.resolvePending(req.ID, rf)
	}()
	return d.await(ctx, req.ID, fut, deadline)
}

// deliverOrdered registers both a pending call and an offline-queue entry,
// hands the frame to the ordered channel, and waits for a response frame to
// arrive on any inbound channel.
func (d *Dispatcher) deliverOrdered(ctx context.Context, req *protocol.RequestFrame, frame []byte, deadline time.Time) (*protocol.ResponseFrame, error) {
	fut, err := d.register(req, frame, deadline, transport.ChannelOrdered)
	if err != nil {
		return nil, err
	}
	d.bus.Publish(observability.Event{
		Kind:      observability.EventRequestQueued,
		RequestID: req.ID.String(),
		Type:      req.Type,
		Channel:   transport.ChannelOrdered.String(),
	})
	if qerr := d.tr.EnqueueOrdered(frame); qerr != nil {
		d.failPending(req.ID, transportErr(qerr, protocol.KindDeliveryFailed))
	}
	return d.await(ctx, req.ID, fut, deadline)
}

// deliverLatest embeds the request under the shared latest-value key, so a
// newer request supersedes an undelivered one, and waits like an ordered
// send. No offline-queue entry: superseded values never need draining.
func (d *Dispatcher) deliverLatest(ctx context.Context, req *protocol.RequestFrame, frame []byte, deadline time.Time) (*protocol.ResponseFrame, error) {
	fut, err := d.register(req, frame, deadline, transport.ChannelNone)
	if err != nil {
		return nil, err
	}
	if serr := d.tr.SetLatestValue(latestValueKey, frame); serr != nil {
		d.failPending(req.ID, transportErr(serr, protocol.KindDeliveryFailed))
	}
	return d.await(ctx, req.ID, fut, deadline)
}

// register installs a pending call (and, for the ordered channel, a queue
// entry) on the loop. At most one pending call may exist per request id.
func (d *Dispatcher) register(req *protocol.RequestFrame, frame []byte, deadline time.Time, queueCh transport.Channel) (*future, error) {
	fut := newFuture()
	ok := d.do(func() {
		if _, dup := d.pending[req.ID]; dup {
			fut.resolve(nil, protocol.Errf(protocol.KindDeliveryFailed,
				"pending call already registered for %s", req.ID))
			return
		}
		d.pending[req.ID] = &pendingCall{id: req.ID, fut: fut}
		if queueCh != transport.ChannelNone {
			d.queue.push(&queuedRequest{
				req:        req,
				frame:      frame,
				channel:    queueCh,
				enqueuedAt: time.Now(),
				deadline:   deadline,
			})
		}
	})
	if !ok {
		return nil, protocol.Errf(protocol.KindCancelled, "dispatcher closed")
	}
	return fut, nil
}

// await blocks until the pending call resolves, the deadline passes, ctx is
// cancelled, or the dispatcher closes. Whichever fires first resolves the
// future exactly once; the losers' resolutions are no-ops.
func (d *Dispatcher) await(ctx context.Context, id uuid.UUID, fut *future, deadline time.Time) (*protocol.ResponseFrame, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-fut.done:
	case <-timer.C:
		d.failPending(id, protocol.Errf(protocol.KindTimeout, "no response within deadline"))
	case <-ctx.Done():
		d.failPending(id, protocol.Errf(protocol.KindCancelled, "send cancelled: %v", ctx.Err()))
	case <-d.done:
	}
	// Make sure the future settles even when the loop is already gone.
	select {
	case <-fut.done:
	case <-d.done:
		fut.resolve(nil, protocol.Errf(protocol.KindCancelled, "dispatcher closed"))
	}
	<-fut.done
	return fut.resp, fut.err
}

func (d *Dispatcher) publishDelivery(kind observability.EventKind, req *protocol.RequestFrame, ch transport.Channel, attempt int, err error) {
	ev := observability.Event{
		Kind:      kind,
		RequestID: req.ID.String(),
		Type:      req.Type,
		Channel:   ch.String(),
		Count:     attempt,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	d.bus.Publish(ev)
}
