package dispatch

import (
	"time"

	"github.com/google/uuid"

	"peerlink/pkg/protocol"
	"peerlink/pkg/transport"
)

// queuedRequest is the queue-side bookkeeping entry for a request sent via
// the ordered channel while its response is still pending. The encoded frame
// is retained so the drain path can resend without re-encoding.
type queuedRequest struct {
	req        *protocol.RequestFrame
	frame      []byte
	channel    transport.Channel
	enqueuedAt time.Time
	deadline   time.Time
}

// offlineQueue is a FIFO holding area owned exclusively by the dispatcher
// loop; no locking, single-writer discipline.
type offlineQueue struct {
	items []*queuedRequest
}

func (q *offlineQueue) push(qr *queuedRequest) {
	q.items = append(q.items, qr)
}

// remove deletes the entry with the given request id and returns it, or nil
// when absent. Relative order of the remaining entries is preserved.
func (q *offlineQueue) remove(id uuid.UUID) *queuedRequest {
	for i, qr := range q.items {
		if qr.req.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return qr
		}
	}
	return nil
}

// oldest returns the front entry without removing it.
func (q *offlineQueue) oldest() (*queuedRequest, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *offlineQueue) len() int { return len(q.items) }

func (q *offlineQueue) clear() { q.items = nil }

// QueuedInfo is the externally visible snapshot of one queued request.
type QueuedInfo struct {
	ID         uuid.UUID
	Type       string
	Channel    transport.Channel
	EnqueuedAt time.Time
}

func (q *offlineQueue) snapshot() []QueuedInfo {
	out := make([]QueuedInfo, 0, len(q.items))
	for _, qr := range q.items {
		out = append(out, QueuedInfo{
			ID:         qr.req.ID,
			Type:       qr.req.Type,
			Channel:    qr.channel,
			EnqueuedAt: qr.enqueuedAt,
		})
	}
	return out
}
