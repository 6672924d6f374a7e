// Package codec provides payload codecs used by typed handlers and typed
// callers to move between Go values and the opaque payload bytes carried
// inside request/response frames.
package codec

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
)

// Codec marshals typed payload values. Implementations must be deterministic
// and safe for cross-peer exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Well-known content types.
const (
	ContentJSON  = "application/json"
	ContentCBOR  = "application/cbor"
	ContentProto = "application/x-protobuf"
)

// Registry maps content types to codecs. The zero registry is not usable;
// construct with NewRegistry, which preloads all built-ins.
type Registry struct {
	byType map[string]Codec
}

func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	r.Register(Proto())
	return r
}

func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

func (r *Registry) Get(contentType string) (Codec, bool) {
	c, ok := r.byType[contentType]
	return c, ok
}

// ---- JSON ----

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259).
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string               { return ContentJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error   { return json.Unmarshal(b, v) }

// ---- CBOR ----

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborDefault cborCodec

func init() {
	// Canonical options are static, so building the modes cannot fail.
	cborDefault.enc, _ = cbor.CanonicalEncOptions().EncMode()
	cborDefault.dec, _ = cbor.DecOptions{}.DecMode()
}

// CBOR returns a deterministic CBOR codec (RFC 8949, canonical encoding).
func CBOR() Codec { return cborDefault }

func (c cborCodec) ContentType() string             { return ContentCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(b []byte, v any) error { return c.dec.Unmarshal(b, v) }

// ---- Protocol Buffers ----

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Values must implement proto.Message.
func Proto() Codec {
	return protoCodec{mo: proto.MarshalOptions{Deterministic: true}}
}

func (p protoCodec) ContentType() string { return ContentProto }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return p.mo.Marshal(msg)
}

func (p protoCodec) Unmarshal(b []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T does not implement proto.Message", v)
	}
	return p.uo.Unmarshal(b, msg)
}
