package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableSplit(t *testing.T) {
	retryable := []ErrorKind{KindNotReachable, KindDeliveryFailed, KindReplyFailed}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%v should be retryable", k)
		}
	}
	permanent := []ErrorKind{
		KindEncodingFailed, KindDecodingFailed, KindHandlerNotRegistered,
		KindHandlerError, KindCancelled, KindTimeout, KindNotActivated, KindUnhealthySession,
	}
	for _, k := range permanent {
		if k.Retryable() {
			t.Fatalf("%v should not be retryable", k)
		}
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("send: %w", Errf(KindTimeout, "no response within 5s"))
	if !errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Fatalf("errors.Is failed to match wrapped timeout")
	}
	if errors.Is(err, &Error{Kind: KindCancelled}) {
		t.Fatalf("errors.Is matched wrong kind")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestKindOfUntyped(t *testing.T) {
	if KindOf(nil) != KindNone {
		t.Fatalf("KindOf(nil) = %v", KindOf(nil))
	}
	if KindOf(errors.New("plain")) != KindNone {
		t.Fatalf("untyped error should map to KindNone")
	}
}
