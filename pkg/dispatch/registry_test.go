package dispatch

import (
	"context"
	"errors"
	"testing"

	"peerlink/pkg/protocol"
	"peerlink/pkg/protocol/codec"
)

func TestRegistryRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(context.Context, []byte) ([]byte, error) { return nil, nil })
	if _, ok := r.lookup("a"); !ok {
		t.Fatalf("handler not found after register")
	}
	r.Unregister("a")
	if _, ok := r.lookup("a"); ok {
		t.Fatalf("handler still found after unregister")
	}
}

func TestTypedHandlerRoundtrip(t *testing.T) {
	type addReq struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	type addResp struct {
		Sum int `json:"sum"`
	}
	c := codec.JSON()
	h := Typed(c, func(_ context.Context, in addReq) (addResp, error) {
		return addResp{Sum: in.A + in.B}, nil
	})

	payload, err := c.Marshal(addReq{A: 2, B: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := h(context.Background(), payload)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var resp addResp
	if err := c.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Sum != 5 {
		t.Fatalf("sum = %d, want 5", resp.Sum)
	}
}

func TestTypedHandlerDecodeFailure(t *testing.T) {
	h := Typed(codec.JSON(), func(_ context.Context, in struct{ N int }) (int, error) {
		return in.N, nil
	})
	_, err := h(context.Background(), []byte("{not json"))
	if protocol.KindOf(err) != protocol.KindDecodingFailed {
		t.Fatalf("error kind = %s, want decoding-failed", protocol.KindOf(err))
	}
}

func TestTypedHandlerPropagatesError(t *testing.T) {
	sentinel := errors.New("nope")
	h := Typed(codec.JSON(), func(context.Context, struct{}) (struct{}, error) {
		return struct{}{}, sentinel
	})
	_, err := h(context.Background(), []byte("{}"))
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}
