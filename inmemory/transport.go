// Package inmemory provides loopback collaborators for single-process setups and
// tests: a Hub acting as the remote replica, per-store transports over it, and a
// permissive credential provider. Two stores sharing one Hub exercise the exact
// remote-origin delta path a networked replica would.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/roxdb/rox"
)

// Hub is an in-process remote replica: it holds the replica record set per sync
// scope and fans published delta batches out to every subscribed transport.
type Hub struct {
	mu       sync.Mutex
	replicas map[string]map[string]rox.Delta
	subs     map[string]map[int]func([]rox.Delta)
	nextSub  int
}

// NewHub instantiates an empty replica hub.
func NewHub() *Hub {
	return &Hub{
		replicas: make(map[string]map[string]rox.Delta),
		subs:     make(map[string]map[int]func([]rox.Delta)),
	}
}

func recordKey(d rox.Delta) string {
	return fmt.Sprintf("%s/%s", d.Schema, d.Key)
}

// apply folds a delta batch into the replica record set (last writer wins per
// record) and returns the subscriber callbacks to notify.
func (h *Hub) apply(scope string, deltas []rox.Delta) []func([]rox.Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replica := h.replicas[scope]
	if replica == nil {
		replica = make(map[string]rox.Delta)
		h.replicas[scope] = replica
	}
	for _, d := range deltas {
		k := recordKey(d)
		if prior, ok := replica[k]; ok && prior.UpsertTime > d.UpsertTime {
			continue
		}
		if d.Kind == rox.DeltaDelete {
			delete(replica, k)
			continue
		}
		replica[k] = d
	}
	fns := make([]func([]rox.Delta), 0, len(h.subs[scope]))
	for _, fn := range h.subs[scope] {
		fns = append(fns, fn)
	}
	return fns
}

// Transport is one store's loopback rox.Transport over a shared Hub.
type Transport struct {
	hub    *Hub
	mu     sync.Mutex
	subIDs map[string]int
}

// NewTransport returns a Transport bound to the hub. Each store should get its own.
func (h *Hub) NewTransport() *Transport {
	return &Transport{
		hub:    h,
		subIDs: make(map[string]int),
	}
}

// Snapshot copies the replica's current record set for the scope.
func (t *Transport) Snapshot(ctx context.Context, scope string) ([]rox.Delta, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	replica := t.hub.replicas[scope]
	records := make([]rox.Delta, 0, len(replica))
	for _, d := range replica {
		records = append(records, d)
	}
	return records, nil
}

// Publish folds the batch into the replica and fans it out to all subscribers of
// the scope, the publisher's own included; stores drop self-echoes by Origin.
func (t *Transport) Publish(ctx context.Context, scope string, deltas []rox.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	for _, fn := range t.hub.apply(scope, deltas) {
		fn(deltas)
	}
	return nil
}

// Subscribe registers fn for inbound delta batches on the scope.
func (t *Transport) Subscribe(ctx context.Context, scope string, fn func([]rox.Delta)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subIDs[scope]; ok {
		return fmt.Errorf("scope %s already has a subscription", scope)
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.hub.nextSub++
	id := t.hub.nextSub
	if t.hub.subs[scope] == nil {
		t.hub.subs[scope] = make(map[int]func([]rox.Delta))
	}
	t.hub.subs[scope][id] = fn
	t.subIDs[scope] = id
	return nil
}

// Unsubscribe stops inbound delivery for the scope. Safe to call twice.
func (t *Transport) Unsubscribe(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.subIDs[scope]
	if !ok {
		return
	}
	delete(t.subIDs, scope)
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	delete(t.hub.subs[scope], id)
}
