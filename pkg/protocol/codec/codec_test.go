package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONRoundtrip(t *testing.T) {
	c := JSON()
	b, err := c.Marshal(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORRoundtrip(t *testing.T) {
	c := CBOR()
	b, err := c.Marshal(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	switch n := out["n"].(type) {
	case uint64:
		if n != 42 {
			t.Fatalf("n = %d", n)
		}
	case int64:
		if n != 42 {
			t.Fatalf("n = %d", n)
		}
	default:
		t.Fatalf("unexpected number type %T", out["n"])
	}
}

func TestProtoRoundtrip(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestProtoRejectsNonMessage(t *testing.T) {
	c := Proto()
	if _, err := c.Marshal(42); err == nil {
		t.Fatalf("expected error for non proto.Message value")
	}
	if err := c.Unmarshal(nil, &struct{}{}); err == nil {
		t.Fatalf("expected error for non proto.Message target")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{ContentJSON, ContentCBOR, ContentProto} {
		if _, ok := r.Get(ct); !ok {
			t.Fatalf("missing built-in codec %s", ct)
		}
	}
	if _, ok := r.Get("application/xml"); ok {
		t.Fatalf("unexpected codec for unregistered type")
	}
}
