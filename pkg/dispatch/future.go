package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"peerlink/pkg/protocol"
)

// future is a one-shot result slot. It is completed exactly once; duplicate
// or late resolutions are no-ops. Waiters select on done.
type future struct {
	once sync.Once
	done chan struct{}
	resp *protocol.ResponseFrame
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve completes the future. Reports whether this call won the race.
func (f *future) resolve(resp *protocol.ResponseFrame, err error) bool {
	won := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		won = true
	})
	return won
}

// pendingCall is one outstanding awaiting-response registration. It exists
// from the moment a request begins sending until exactly one terminal
// resolution (success, failure, timeout, or cancellation) occurs.
type pendingCall struct {
	id  uuid.UUID
	fut *future
}
