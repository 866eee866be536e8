package store

import (
	"sync"

	"github.com/roxdb/rox"
)

// outbox is the commit-side queue of outbound delta batches. add never blocks,
// whatever the transport is doing; the drainer goroutine pops batches and feeds
// the bounded publish workers. Batches stay in commit order.
type outbox struct {
	mu     sync.Mutex
	queue  [][]rox.Delta
	wake   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) add(deltas []rox.Delta) {
	o.mu.Lock()
	o.queue = append(o.queue, deltas)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close stops intake; pop keeps answering until the queue is empty.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a batch is queued, returning false once the outbox is closed
// and fully drained.
func (o *outbox) pop() ([]rox.Delta, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			batch := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return batch, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, false
		}
		<-o.wake
	}
}
