package dispatch

import (
	"context"
	"sync"

	"peerlink/pkg/protocol"
	"peerlink/pkg/protocol/codec"
)

// Handler processes one inbound request payload and returns the reply
// payload. Returning a *protocol.Error preserves its kind in the failure
// response; any other error is reported as handler-error.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps request type names to handlers. Read-mostly: registration
// normally happens during setup, but runtime registration is synchronized.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(typeName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeName] = h
}

func (r *Registry) Unregister(typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, typeName)
}

func (r *Registry) lookup(typeName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeName]
	return h, ok
}

// Typed adapts a typed handler function into a Handler by decoding the
// request payload and encoding the result with the given codec.
func Typed[Req, Resp any](c codec.Codec, fn func(context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var in Req
		if err := c.Unmarshal(payload, &in); err != nil {
			return nil, protocol.Errf(protocol.KindDecodingFailed, "decode request: %v", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := c.Marshal(out)
		if err != nil {
			return nil, protocol.Errf(protocol.KindEncodingFailed, "encode response: %v", err)
		}
		return b, nil
	}
}
