package quic

import (
	"context"
	"testing"
	"time"

	"peerlink/pkg/transport"
)

func startPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	server, err := New(Options{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := New(Options{Dial: server.Addr().String(), RedialInitial: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	waitReachable(t, client)
	waitReachable(t, server)
	return server, client
}

func waitReachable(t *testing.T, tr *Transport) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !tr.Reachable() {
		if !time.Now().Before(deadline) {
			t.Fatalf("transport never became reachable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func awaitFrame(t *testing.T, tr *Transport, ch transport.Channel) transport.FrameReceived {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if fr, ok := ev.(transport.FrameReceived); ok && fr.Channel == ch {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %s frame within 5s", ch)
		}
	}
}

func TestRolesAreExclusive(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("empty options accepted")
	}
	if _, err := New(Options{Listen: ":0", Dial: "x"}); err == nil {
		t.Fatalf("both roles accepted")
	}
}

func TestImmediateExchange(t *testing.T) {
	server, client := startPair(t)

	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-server.Events():
				if fr, ok := ev.(transport.FrameReceived); ok && fr.Channel == transport.ChannelImmediate {
					_ = fr.Reply(append([]byte("re:"), fr.Bytes...))
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.SendImmediate(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(reply) != "re:ping" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestOrderedFramesArriveInOrder(t *testing.T) {
	server, client := startPair(t)

	for _, p := range []string{"1", "2", "3"} {
		if err := client.EnqueueOrdered([]byte(p)); err != nil {
			t.Fatalf("enqueue %s: %v", p, err)
		}
	}
	for _, want := range []string{"1", "2", "3"} {
		fr := awaitFrame(t, server, transport.ChannelOrdered)
		if string(fr.Bytes) != want {
			t.Fatalf("frame = %q, want %q", fr.Bytes, want)
		}
	}
}

func TestLatestValueDelivered(t *testing.T) {
	server, client := startPair(t)

	if err := client.SetLatestValue("slot", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	fr := awaitFrame(t, server, transport.ChannelLatestValue)
	if string(fr.Bytes) != "v1" {
		t.Fatalf("frame = %q", fr.Bytes)
	}
}

func TestOrderedBuffersBeforeConnect(t *testing.T) {
	server, err := New(Options{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()
	addr := server.Addr().String()
	server.Close()

	// Dial a dead address: frames must buffer, not fail.
	client, err := New(Options{Dial: addr, RedialInitial: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if err := client.EnqueueOrdered([]byte("early")); err != nil {
		t.Fatalf("enqueue while disconnected: %v", err)
	}
	if client.Reachable() {
		t.Fatalf("client reachable with no server")
	}

	// Bring a server up on the same port; the redial loop should connect and
	// flush the buffered frame.
	server2, err := New(Options{Listen: addr})
	if err != nil {
		t.Skipf("cannot rebind %s: %v", addr, err)
	}
	defer server2.Close()

	fr := awaitFrame(t, server2, transport.ChannelOrdered)
	if string(fr.Bytes) != "early" {
		t.Fatalf("frame = %q", fr.Bytes)
	}
}
