package protocol

import (
	"bytes"
	"testing"
)

func TestRequestFrameRoundtrip(t *testing.T) {
	in := NewRequest("demo.echo", []byte("hello"))
	b, err := EncodeRequest(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := f.(*RequestFrame)
	if !ok {
		t.Fatalf("decoded %T, want *RequestFrame", f)
	}
	if out.ID != in.ID || out.Type != in.Type || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
	if out.FireAndForget {
		t.Fatalf("fire-and-forget flag set on plain request")
	}
}

func TestNotificationFlag(t *testing.T) {
	b, err := EncodeRequest(NewNotification("demo.tick", nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !f.(*RequestFrame).FireAndForget {
		t.Fatalf("fire-and-forget flag lost")
	}
}

func TestResponseFrameRoundtrip(t *testing.T) {
	req := NewRequest("demo.echo", nil)
	b, err := EncodeResponse(NewResponse(req.ID, []byte("world")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rf, err := DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rf.ID != req.ID || !rf.OK() || string(rf.Payload) != "world" {
		t.Fatalf("roundtrip mismatch: %#v", rf)
	}
	if rf.Err() != nil {
		t.Fatalf("unexpected error outcome: %v", rf.Err())
	}
}

func TestFailureResponseCarriesKind(t *testing.T) {
	req := NewRequest("demo.echo", nil)
	b, err := EncodeResponse(NewErrorResponse(req.ID, KindHandlerNotRegistered, "no handler for demo.echo"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rf, err := DecodeResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rf.OK() {
		t.Fatalf("failure response decoded as success")
	}
	if KindOf(rf.Err()) != KindHandlerNotRegistered {
		t.Fatalf("kind = %v, want handler-not-registered", KindOf(rf.Err()))
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, err := DecodeFrame([]byte{1, 2, 3}); KindOf(err) != KindDecodingFailed {
		t.Fatalf("short frame: err = %v", err)
	}
	b, _ := EncodeRequest(NewRequest("x", nil))
	b[0] ^= 0xff
	if _, err := DecodeFrame(b); KindOf(err) != KindDecodingFailed {
		t.Fatalf("bad magic: err = %v", err)
	}
	b, _ = EncodeRequest(NewRequest("x", nil))
	b[32] = 0xff // body length beyond buffer
	if _, err := DecodeFrame(b); KindOf(err) != KindDecodingFailed {
		t.Fatalf("bad body length: err = %v", err)
	}
}

func TestDecodeResponseRejectsRequest(t *testing.T) {
	b, _ := EncodeRequest(NewRequest("x", nil))
	if _, err := DecodeResponse(b); KindOf(err) != KindReplyFailed {
		t.Fatalf("err = %v, want reply-failed", err)
	}
}
