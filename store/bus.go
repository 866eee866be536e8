package store

// The internal event bus decouples change origin from notification: local commits
// and inbound replica deltas both publish the same records-changed event, and all
// observable collections consume it on the store's single dispatcher goroutine.
// Channel FIFO plus publication under pubMu makes delivery order equal commit order.

type eventKind int

const (
	// evCommit announces that a set of records changed (local commit or remote fold).
	evCommit eventKind = iota
	// evInitial requests the one-time registration delivery for a new subscription.
	evInitial
)

type event struct {
	kind eventKind
	// seq is the commit sequence number, strictly increasing per store.
	seq uint64
	// changes maps schema name to the set of affected record keys.
	changes map[string]map[string]bool
	// col/sub target an evInitial delivery.
	col *Collection
	sub *Subscription
}

type eventBus struct {
	ch   chan event
	done chan struct{}
}

func newEventBus() *eventBus {
	return &eventBus{
		ch:   make(chan event, 1024),
		done: make(chan struct{}),
	}
}

func (b *eventBus) publish(ev event) {
	b.ch <- ev
}

// close stops intake and waits for the dispatcher to drain what was published.
func (b *eventBus) close() {
	close(b.ch)
	<-b.done
}
