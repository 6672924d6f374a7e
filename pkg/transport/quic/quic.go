// Package quic implements the peer transport over a single QUIC connection.
//
// Stream mapping: the immediate channel uses one bidirectional stream per
// exchange (request out, reply back). The ordered channel rides one
// long-lived unidirectional stream per connection; frames buffered while
// disconnected are flushed in order on reconnect. Latest-value sets each open
// a short unidirectional stream carrying the key and the frame; while
// disconnected only the newest frame per key is kept.
//
// Every stream starts with a one-byte channel tag; every frame and key is
// length-prefixed with a little-endian u32.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"peerlink/pkg/protocol"
	"peerlink/pkg/transport"
)

const (
	alpnProto = "peerlink"

	tagImmediate byte = 'I'
	tagOrdered   byte = 'O'
	tagLatest    byte = 'L'

	maxWireFrame = 1 << 24

	eventBuffer = 1024
)

// Options configures one endpoint. Exactly one of Listen or Dial must be set:
// a listening endpoint waits for its peer, a dialing endpoint connects and
// redials with backoff when the connection drops.
type Options struct {
	Listen string
	Dial   string

	// Redial backoff bounds for the dialing role. Zero values get defaults.
	RedialInitial time.Duration
	RedialMax     time.Duration
}

// Transport is the QUIC implementation of transport.Transport. One instance
// talks to exactly one peer.
type Transport struct {
	opts Options

	events chan transport.Event

	mu         sync.Mutex
	conn       quicgo.Connection
	ordered    quicgo.SendStream
	outbox     [][]byte
	latest     map[string][]byte
	latestKeys []string
	reachable  bool
	activation transport.ActivationState

	ln        *quicgo.Listener
	closed    chan struct{}
	closeOnce sync.Once
}

// New starts an endpoint in the role implied by opts and returns immediately;
// connection establishment happens in the background and is reported through
// the event stream.
func New(opts Options) (*Transport, error) {
	if (opts.Listen == "") == (opts.Dial == "") {
		return nil, errors.New("quic: exactly one of Listen or Dial must be set")
	}
	if opts.RedialInitial <= 0 {
		opts.RedialInitial = 500 * time.Millisecond
	}
	if opts.RedialMax <= 0 {
		opts.RedialMax = 15 * time.Second
	}
	t := &Transport{
		opts:       opts,
		events:     make(chan transport.Event, eventBuffer),
		latest:     make(map[string][]byte),
		activation: transport.NotActivated,
		closed:     make(chan struct{}),
	}
	if opts.Listen != "" {
		ln, err := quicgo.ListenAddr(opts.Listen, serverTLS(), quicConfig())
		if err != nil {
			return nil, err
		}
		t.ln = ln
		t.setActivation(transport.Activated)
		go t.acceptPeers()
	} else {
		t.setActivation(transport.Activated)
		go t.redialLoop()
	}
	return t, nil
}

// Addr returns the bound listen address, or nil for a dialing endpoint.
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) acceptPeers() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-t.closed:
			default:
				zap.L().Warn("quic accept failed", zap.Error(err))
			}
			return
		}
		zap.L().Info("peer connected", zap.Stringer("remote", conn.RemoteAddr()))
		t.attach(conn)
	}
}

func (t *Transport) redialLoop() {
	backoff := t.opts.RedialInitial
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := quicgo.DialAddr(ctx, t.opts.Dial, clientTLS(), quicConfig())
		cancel()
		if err != nil {
			zap.L().Debug("quic dial failed", zap.String("addr", t.opts.Dial),
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-t.closed:
				return
			}
			backoff *= 2
			if backoff > t.opts.RedialMax {
				backoff = t.opts.RedialMax
			}
			continue
		}
		backoff = t.opts.RedialInitial
		zap.L().Info("peer connected", zap.Stringer("remote", conn.RemoteAddr()))
		t.attach(conn)
		select {
		case <-conn.Context().Done():
			t.detach(conn)
		case <-t.closed:
			return
		}
	}
}

// attach installs a fresh connection: opens the ordered stream, flips
// reachability, flushes buffered frames, and starts the stream accept loops.
func (t *Transport) attach(conn quicgo.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ordered, err := conn.OpenUniStreamSync(ctx)
	cancel()
	if err == nil {
		_, err = ordered.Write([]byte{tagOrdered})
	}
	if err != nil {
		zap.L().Warn("quic ordered stream setup failed", zap.Error(err))
		_ = conn.CloseWithError(0, "setup failed")
		return
	}

	t.mu.Lock()
	if old := t.conn; old != nil {
		_ = old.CloseWithError(0, "replaced")
	}
	t.conn = conn
	t.ordered = ordered
	t.reachable = true
	t.mu.Unlock()

	t.post(transport.ReachabilityChanged{Reachable: true})

	go t.acceptBidi(conn)
	go t.acceptUni(conn)
	if t.ln != nil {
		go func() {
			select {
			case <-conn.Context().Done():
				t.detach(conn)
			case <-t.closed:
			}
		}()
	}

	t.flushBacklog(conn)
}

// flushBacklog replays frames buffered while disconnected, oldest first. An
// entry leaves its buffer only after the write succeeds, so a mid-flush
// failure keeps the tail (and all latest-value slots) for the next reconnect.
func (t *Transport) flushBacklog(conn quicgo.Connection) {
	for {
		t.mu.Lock()
		if t.conn != conn || t.ordered == nil || len(t.outbox) == 0 {
			t.mu.Unlock()
			break
		}
		if err := writeFrame(t.ordered, t.outbox[0]); err != nil {
			t.mu.Unlock()
			zap.L().Warn("ordered flush failed", zap.Error(err))
			return
		}
		t.outbox = t.outbox[1:]
		t.mu.Unlock()
	}
	for {
		t.mu.Lock()
		if t.conn != conn || len(t.latestKeys) == 0 {
			t.mu.Unlock()
			return
		}
		key := t.latestKeys[0]
		frame := t.latest[key]
		t.latestKeys = t.latestKeys[1:]
		delete(t.latest, key)
		t.mu.Unlock()
		if err := t.sendLatest(conn, key, frame); err != nil {
			zap.L().Warn("latest-value flush failed", zap.String("key", key), zap.Error(err))
			t.mu.Lock()
			if _, superseded := t.latest[key]; !superseded {
				t.latest[key] = frame
				t.latestKeys = append([]string{key}, t.latestKeys...)
			}
			t.mu.Unlock()
			return
		}
	}
}

// detach clears the connection if it is still the current one and flips
// reachability down.
func (t *Transport) detach(conn quicgo.Connection) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.ordered = nil
	t.reachable = false
	t.mu.Unlock()
	zap.L().Info("peer disconnected", zap.Stringer("remote", conn.RemoteAddr()))
	t.post(transport.ReachabilityChanged{Reachable: false})
}

func (t *Transport) current() quicgo.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// SendImmediate opens a bidirectional stream, writes the frame, and reads the
// peer's direct reply.
func (t *Transport) SendImmediate(ctx context.Context, frame []byte) ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, protocol.Errf(protocol.KindNotReachable, "peer not connected")
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "open stream: %v", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	if _, err := st.Write([]byte{tagImmediate}); err != nil {
		st.CancelRead(0)
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "write tag: %v", err)
	}
	if err := writeFrame(st, frame); err != nil {
		st.CancelRead(0)
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "write frame: %v", err)
	}
	// Close the write side so the peer sees the full request.
	if err := st.Close(); err != nil {
		return nil, protocol.Errf(protocol.KindDeliveryFailed, "finish frame: %v", err)
	}
	reply, err := readFrame(st)
	if err != nil {
		return nil, protocol.Errf(protocol.KindReplyFailed, "read reply: %v", err)
	}
	return reply, nil
}

// EnqueueOrdered writes the frame to the long-lived ordered stream, or
// buffers it while disconnected.
func (t *Transport) EnqueueOrdered(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// While a backlog remains, new frames queue behind it so the stream
	// keeps first-in-first-out order across a reconnect flush.
	if t.ordered == nil || len(t.outbox) > 0 {
		t.outbox = append(t.outbox, frame)
		return nil
	}
	if err := writeFrame(t.ordered, frame); err != nil {
		// Keep the frame; the reconnect flush will resend it.
		t.outbox = append(t.outbox, frame)
		return protocol.Errf(protocol.KindDeliveryFailed, "ordered write: %v", err)
	}
	return nil
}

// SetLatestValue ships the frame on a short unidirectional stream, or keeps
// only the newest frame per key while disconnected.
func (t *Transport) SetLatestValue(key string, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	if _, buffered := t.latest[key]; conn == nil || buffered {
		// Disconnected, or an older frame for this key is still awaiting
		// flush: supersede it in place so stale data never wins.
		if !buffered {
			t.latestKeys = append(t.latestKeys, key)
		}
		t.latest[key] = frame
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.sendLatest(conn, key, frame)
}

func (t *Transport) sendLatest(conn quicgo.Connection, key string, frame []byte) error {
	if conn == nil {
		return protocol.Errf(protocol.KindNotReachable, "peer not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "open stream: %v", err)
	}
	if _, err := st.Write([]byte{tagLatest}); err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "write tag: %v", err)
	}
	if err := writeFrame(st, []byte(key)); err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "write key: %v", err)
	}
	if err := writeFrame(st, frame); err != nil {
		return protocol.Errf(protocol.KindDeliveryFailed, "write frame: %v", err)
	}
	return st.Close()
}

func (t *Transport) Reachable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachable
}

func (t *Transport) Activation() transport.ActivationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activation
}

func (t *Transport) setActivation(st transport.ActivationState) {
	t.mu.Lock()
	t.activation = st
	t.mu.Unlock()
	t.post(transport.ActivationChanged{State: st})
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.ln != nil {
			_ = t.ln.Close()
		}
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.ordered = nil
		t.reachable = false
		t.mu.Unlock()
		if conn != nil {
			_ = conn.CloseWithError(0, "closed")
		}
	})
	return nil
}

// ---- inbound streams ----

func (t *Transport) acceptBidi(conn quicgo.Connection) {
	for {
		st, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go t.handleBidi(st)
	}
}

// handleBidi serves one immediate-channel exchange: read the request, hand it
// up with a reply path writing back on the same stream.
func (t *Transport) handleBidi(st quicgo.Stream) {
	var tag [1]byte
	if _, err := io.ReadFull(st, tag[:]); err != nil || tag[0] != tagImmediate {
		st.CancelRead(0)
		_ = st.Close()
		return
	}
	frame, err := readFrame(st)
	if err != nil {
		zap.L().Debug("bad immediate frame", zap.Error(err))
		_ = st.Close()
		return
	}
	t.post(transport.FrameReceived{
		Bytes:   frame,
		Channel: transport.ChannelImmediate,
		Reply: func(b []byte) error {
			defer st.Close()
			if err := writeFrame(st, b); err != nil {
				return protocol.Errf(protocol.KindReplyFailed, "write reply: %v", err)
			}
			return nil
		},
	})
}

func (t *Transport) acceptUni(conn quicgo.Connection) {
	for {
		st, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go t.handleUni(st)
	}
}

func (t *Transport) handleUni(st quicgo.ReceiveStream) {
	var tag [1]byte
	if _, err := io.ReadFull(st, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case tagOrdered:
		// The peer's ordered stream: frames arrive back to back for the
		// lifetime of the connection.
		for {
			frame, err := readFrame(st)
			if err != nil {
				return
			}
			t.post(transport.FrameReceived{Bytes: frame, Channel: transport.ChannelOrdered})
		}
	case tagLatest:
		key, err := readFrame(st)
		if err != nil {
			return
		}
		frame, err := readFrame(st)
		if err != nil {
			return
		}
		zap.L().Debug("latest value received", zap.String("key", string(key)))
		t.post(transport.FrameReceived{Bytes: frame, Channel: transport.ChannelLatestValue})
	default:
		st.CancelRead(0)
	}
}

func (t *Transport) post(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// ---- wire helpers ----

func writeFrame(w io.Writer, b []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > maxWireFrame {
		return nil, errors.New("frame exceeds size limit")
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ---- TLS ----

func quicConfig() *quicgo.Config {
	return &quicgo.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

func serverTLS() *tls.Config {
	cert, err := selfSignedCert()
	if err != nil {
		zap.L().Fatal("generate certificate", zap.Error(err))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
		MinVersion:   tls.VersionTLS13,
	}
}

func clientTLS() *tls.Config {
	// The link is point-to-point between own devices; peer identity is not
	// verified at the TLS layer.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
}

// selfSignedCert generates a short-lived self-signed certificate for the
// listening side.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
