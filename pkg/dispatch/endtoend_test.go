package dispatch_test

import (
	"context"
	"testing"
	"time"

	"peerlink/pkg/dispatch"
	"peerlink/pkg/protocol/codec"
	"peerlink/pkg/transport/mem"
)

type greetReq struct {
	Name string `json:"name"`
}

type greetResp struct {
	Greeting string `json:"greeting"`
}

func newPeerPair(t *testing.T) (*mem.Endpoint, *dispatch.Dispatcher, *dispatch.Dispatcher) {
	t.Helper()
	a, b := mem.Pair()
	da := dispatch.New(a, dispatch.Options{})
	db := dispatch.New(b, dispatch.Options{})
	t.Cleanup(func() {
		da.Close()
		db.Close()
		a.Close()
		b.Close()
	})
	db.Register("greet", dispatch.Typed(codec.JSON(),
		func(_ context.Context, req greetReq) (greetResp, error) {
			return greetResp{Greeting: "hello " + req.Name}, nil
		}))
	return a, da, db
}

func TestEchoRoundtripOverPair(t *testing.T) {
	_, da, _ := newPeerPair(t)

	resp, err := dispatch.Call[greetReq, greetResp](
		context.Background(), da, codec.JSON(), "greet", greetReq{Name: "watch"},
		dispatch.SendOptions{
			Strategy: dispatch.StrategyImmediate,
			Retry:    dispatch.RetryPolicy{MaxAttempts: 1, Timeout: 2 * time.Second},
		})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Greeting != "hello watch" {
		t.Fatalf("greeting = %q", resp.Greeting)
	}
}

func TestOfflineSendDeliversAfterReconnect(t *testing.T) {
	a, da, _ := newPeerPair(t)
	a.SetReachable(false)

	done := make(chan error, 1)
	var got greetResp
	go func() {
		resp, err := dispatch.Call[greetReq, greetResp](
			context.Background(), da, codec.JSON(), "greet", greetReq{Name: "offline"},
			dispatch.SendOptions{
				Strategy: dispatch.StrategyReliable,
				Retry:    dispatch.RetryPolicy{MaxAttempts: 1, Timeout: 5 * time.Second},
			})
		got = resp
		done <- err
	}()

	// Wait until the request has fallen back to the ordered queue.
	deadline := time.Now().Add(2 * time.Second)
	for len(da.QueuedRequests()) == 0 {
		if !time.Now().Before(deadline) {
			t.Fatalf("request never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.SetReachable(true)
	if err := <-done; err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.Greeting != "hello offline" {
		t.Fatalf("greeting = %q", got.Greeting)
	}
}

func TestLatestValueSendOverPair(t *testing.T) {
	_, da, _ := newPeerPair(t)

	resp, err := dispatch.Call[greetReq, greetResp](
		context.Background(), da, codec.JSON(), "greet", greetReq{Name: "ctx"},
		dispatch.SendOptions{
			Strategy: dispatch.StrategyLatestValue,
			Retry:    dispatch.RetryPolicy{MaxAttempts: 1, Timeout: 2 * time.Second},
		})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Greeting != "hello ctx" {
		t.Fatalf("greeting = %q", resp.Greeting)
	}
}

func TestNotifyReachesPeer(t *testing.T) {
	_, da, db := newPeerPair(t)
	seen := make(chan string, 1)
	db.Register("fyi", func(_ context.Context, payload []byte) ([]byte, error) {
		seen <- string(payload)
		return nil, nil
	})

	da.Notify(context.Background(), "fyi", []byte("heads up"), dispatch.SendOptions{
		Strategy: dispatch.StrategyImmediate,
	})

	select {
	case p := <-seen:
		if p != "heads up" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification never arrived")
	}
}

func TestBuiltinPingAnswered(t *testing.T) {
	_, da, _ := newPeerPair(t)

	out, err := da.Send(context.Background(), dispatch.PingType, nil, dispatch.SendOptions{
		Strategy: dispatch.StrategyImmediate,
		Retry:    dispatch.RetryPolicy{MaxAttempts: 1, Timeout: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("ping reply payload = %q", out)
	}
}
