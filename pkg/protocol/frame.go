// Package protocol defines the request/response wire frames exchanged between
// peers and the typed error taxonomy that travels with them. A frame is a
// fixed binary header followed by a CBOR body; the header carries everything
// needed to correlate a response to its request without decoding the body.
package protocol

import (
	"encoding/binary"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Fixed header layout (36 bytes). All integer fields are little-endian.
//
//	0 ..1   Magic   'P''L' (0x4c50 LE)
//	2       Version u8
//	3       Kind    u8 (1 request, 2 response)
//	4 ..7   Flags   u32
//	8 ..23  RequestID [16]byte
//	24..31  CreatedAt unix ms u64
//	32..35  BodyLen u32
const (
	headerSize = 36
	magicWord  = uint16(0x4c50) // 'P''L'

	// Version is the current frame format version.
	Version = 1

	kindRequest  uint8 = 1
	kindResponse uint8 = 2

	flagFireAndForget uint32 = 1 << 0
	flagFailure       uint32 = 1 << 1

	maxBodyLen = 1 << 26 // guard against absurd sizes
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Options are static, so EncMode/DecMode cannot fail here.
	encMode, _ = cbor.CanonicalEncOptions().EncMode()
	decMode, _ = cbor.DecOptions{}.DecMode()
}

// Frame is either a *RequestFrame or a *ResponseFrame.
type Frame interface {
	frameKind() uint8
}

// RequestFrame is one outbound call. Immutable once created; the dispatcher
// hands a fresh encoding to the transport for each send attempt.
type RequestFrame struct {
	ID            uuid.UUID
	Type          string
	Payload       []byte
	FireAndForget bool
	CreatedAt     time.Time
}

func (*RequestFrame) frameKind() uint8 { return kindRequest }

// ResponseFrame correlates to exactly one RequestFrame by ID. A failure
// outcome carries an ErrorKind plus message instead of a payload.
type ResponseFrame struct {
	ID        uuid.UUID
	Payload   []byte
	ErrKind   ErrorKind
	ErrMsg    string
	CreatedAt time.Time
}

func (*ResponseFrame) frameKind() uint8 { return kindResponse }

// OK reports whether the response carries a success outcome.
func (r *ResponseFrame) OK() bool { return r.ErrKind == KindNone }

// Err returns the failure outcome as a typed error, or nil for success.
func (r *ResponseFrame) Err() error {
	if r.ErrKind == KindNone {
		return nil
	}
	return &Error{Kind: r.ErrKind, Message: r.ErrMsg}
}

// NewRequest builds a request frame with a fresh random ID.
func NewRequest(typeName string, payload []byte) *RequestFrame {
	return &RequestFrame{
		ID:        uuid.New(),
		Type:      typeName,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// NewNotification builds a fire-and-forget request frame.
func NewNotification(typeName string, payload []byte) *RequestFrame {
	f := NewRequest(typeName, payload)
	f.FireAndForget = true
	return f
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id uuid.UUID, payload []byte) *ResponseFrame {
	return &ResponseFrame{ID: id, Payload: payload, CreatedAt: time.Now()}
}

// NewErrorResponse builds a failure response for the given request ID.
func NewErrorResponse(id uuid.UUID, kind ErrorKind, msg string) *ResponseFrame {
	return &ResponseFrame{ID: id, ErrKind: kind, ErrMsg: msg, CreatedAt: time.Now()}
}

type requestBody struct {
	Type    string `cbor:"t"`
	Payload []byte `cbor:"p,omitempty"`
}

type responseBody struct {
	Payload []byte `cbor:"p,omitempty"`
	Kind    uint8  `cbor:"k,omitempty"`
	Msg     string `cbor:"m,omitempty"`
}

// EncodeRequest marshals a request frame to wire bytes.
func EncodeRequest(f *RequestFrame) ([]byte, error) {
	body, err := encMode.Marshal(requestBody{Type: f.Type, Payload: f.Payload})
	if err != nil {
		return nil, Errf(KindEncodingFailed, "request body: %v", err)
	}
	var flags uint32
	if f.FireAndForget {
		flags |= flagFireAndForget
	}
	return encodeFrame(kindRequest, flags, f.ID, f.CreatedAt, body), nil
}

// EncodeResponse marshals a response frame to wire bytes.
func EncodeResponse(f *ResponseFrame) ([]byte, error) {
	body, err := encMode.Marshal(responseBody{Payload: f.Payload, Kind: uint8(f.ErrKind), Msg: f.ErrMsg})
	if err != nil {
		return nil, Errf(KindEncodingFailed, "response body: %v", err)
	}
	var flags uint32
	if f.ErrKind != KindNone {
		flags |= flagFailure
	}
	return encodeFrame(kindResponse, flags, f.ID, f.CreatedAt, body), nil
}

func encodeFrame(kind uint8, flags uint32, id uuid.UUID, at time.Time, body []byte) []byte {
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = Version
	buf[3] = kind
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	copy(buf[8:24], id[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(at.UnixMilli()))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf
}

// DecodeFrame parses one frame from buf and returns either a *RequestFrame or
// a *ResponseFrame. Malformed input yields a decoding-failed error.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return nil, Errf(KindDecodingFailed, "short frame: %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return nil, Errf(KindDecodingFailed, "bad magic")
	}
	if v := buf[2]; v != Version {
		return nil, Errf(KindDecodingFailed, "unsupported version %d", v)
	}
	kind := buf[3]
	flags := binary.LittleEndian.Uint32(buf[4:8])
	var id uuid.UUID
	copy(id[:], buf[8:24])
	createdAt := time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[24:32])))
	bodyLen := binary.LittleEndian.Uint32(buf[32:36])
	if bodyLen > maxBodyLen || headerSize+int(bodyLen) > len(buf) {
		return nil, Errf(KindDecodingFailed, "body length %d exceeds frame", bodyLen)
	}
	body := buf[headerSize : headerSize+int(bodyLen)]

	switch kind {
	case kindRequest:
		var rb requestBody
		if err := decMode.Unmarshal(body, &rb); err != nil {
			return nil, Errf(KindDecodingFailed, "request body: %v", err)
		}
		return &RequestFrame{
			ID:            id,
			Type:          rb.Type,
			Payload:       rb.Payload,
			FireAndForget: flags&flagFireAndForget != 0,
			CreatedAt:     createdAt,
		}, nil
	case kindResponse:
		var rb responseBody
		if err := decMode.Unmarshal(body, &rb); err != nil {
			return nil, Errf(KindDecodingFailed, "response body: %v", err)
		}
		return &ResponseFrame{
			ID:        id,
			Payload:   rb.Payload,
			ErrKind:   ErrorKind(rb.Kind),
			ErrMsg:    rb.Msg,
			CreatedAt: createdAt,
		}, nil
	default:
		return nil, Errf(KindDecodingFailed, "unknown frame kind %d", kind)
	}
}

// DecodeResponse parses buf and requires it to be a response frame.
func DecodeResponse(buf []byte) (*ResponseFrame, error) {
	f, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}
	rf, ok := f.(*ResponseFrame)
	if !ok {
		return nil, Errf(KindReplyFailed, "expected response frame, got request")
	}
	return rf, nil
}
