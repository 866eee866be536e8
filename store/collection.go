package store

import (
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roxdb/rox"
)

// QueryOptions configures an observable collection's projection.
type QueryOptions struct {
	// SortKey names the field to order by; empty sorts by primary key alone.
	SortKey string
	// Descending inverts the sort-key comparison; ties still break by ascending
	// primary key so materializations stay deterministic.
	Descending bool
	// Filter keeps only matching records; nil keeps all. cel.NewPredicate builds one
	// from a CEL expression.
	Filter rox.Filter
	// Comparer overrides SortKey ordering entirely when set. cel.NewComparer builds
	// one from a CEL expression.
	Comparer rox.Comparer
}

// Collection is a named, optionally sorted/filtered view over all live handles of
// one schema. It holds no copy of the data: every materialization is recomputed
// from the store's current record set, deterministically ordered.
type Collection struct {
	store *Store
	sch   rox.Schema
	opts  QueryOptions

	mu      sync.Mutex
	subs    []*Subscription
	lastFP  []fpEntry
	fpValid bool
}

// Subscription identifies one registered change listener of a collection.
type Subscription struct {
	id rox.UUID
	cb func([]Handle)
	// sinceSeq is the store's commit sequence at registration; commit events at or
	// below it are already covered by the initial delivery.
	sinceSeq uint64
	active   atomic.Bool
	// run is held across every callback invocation; RemoveListener takes it so an
	// in-flight delivery finishes before removal returns.
	run sync.Mutex
}

// deliver invokes the callback unless the subscription was removed, under the
// run mutex so removal can wait out an in-flight invocation.
func (sub *Subscription) deliver(handles []Handle) {
	sub.run.Lock()
	defer sub.run.Unlock()
	if sub.active.Load() {
		sub.cb(handles)
	}
}

// fpEntry is one element of a materialization fingerprint: result membership and
// order come from the keys, in-set field changes from the slot versions.
type fpEntry struct {
	key     string
	version uint64
}

// Query constructs an observable collection over a schema. Pure and side-effect
// free: no data is fetched until the first materialization.
func (s *Store) Query(schemaName string, opts QueryOptions) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		return nil, rox.Error{Code: rox.StoreClosed, Err: fmt.Errorf("store on scope %s is %s", s.scope, s.state)}
	}
	sch, ok := s.schemas[schemaName]
	if !ok {
		return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("store has no schema %s", schemaName)}
	}
	if opts.SortKey != "" {
		if _, ok := sch.FieldByName(opts.SortKey); !ok {
			return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("schema %s has no sort key field %s", schemaName, opts.SortKey)}
		}
	}
	c := &Collection{store: s, sch: sch, opts: opts}
	s.colMu.Lock()
	s.collections = append(s.collections, c)
	s.colMu.Unlock()
	return c, nil
}

// Materialize returns the ordered sequence of live handles currently in the view.
// Two consecutive materializations with no intervening commit return identical
// sequences.
func (c *Collection) Materialize() ([]Handle, error) {
	handles, _, err := c.materialize()
	return handles, err
}

type matRow struct {
	handle  Handle
	fields  map[string]any
	sortVal any
	version uint64
}

func (c *Collection) materialize() ([]Handle, []fpEntry, error) {
	s := c.store
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return nil, nil, rox.Error{Code: rox.StoreClosed, Err: fmt.Errorf("store on scope %s is %s", s.scope, s.state)}
	}
	var rows []matRow
	for key, sl := range s.records[c.sch.Name] {
		if sl.deleted {
			continue
		}
		if c.opts.Filter != nil {
			match, err := c.opts.Filter.Match(sl.fields)
			if err != nil {
				s.mu.Unlock()
				return nil, nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("filter failed on %s/%s: %w", c.sch.Name, key, err)}
			}
			if !match {
				continue
			}
		}
		rows = append(rows, matRow{
			handle:  Handle{store: s, schema: c.sch.Name, key: key, generation: sl.generation},
			fields:  sl.fields,
			sortVal: sl.fields[c.opts.SortKey],
			version: sl.version,
		})
	}
	s.mu.Unlock()

	// Committed field maps are replaced wholesale, never mutated in place, so the
	// captured references are stable snapshots and sorting can run unlocked.
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		var r int
		if c.opts.Comparer != nil {
			var err error
			r, err = c.opts.Comparer.Compare(rows[i].fields, rows[j].fields)
			if err != nil && sortErr == nil {
				sortErr = err
			}
		} else if c.opts.SortKey != "" {
			r = rox.CompareFieldValues(rows[i].sortVal, rows[j].sortVal)
			if c.opts.Descending {
				r = -r
			}
		}
		if r != 0 {
			return r < 0
		}
		// Deterministic tie-break by primary key.
		return rows[i].handle.key < rows[j].handle.key
	})
	if sortErr != nil {
		return nil, nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("comparer failed on %s: %w", c.sch.Name, sortErr)}
	}

	handles := make([]Handle, len(rows))
	fp := make([]fpEntry, len(rows))
	for i, row := range rows {
		handles[i] = row.handle
		fp[i] = fpEntry{key: row.handle.key, version: row.version}
	}
	return handles, fp, nil
}

// AddListener registers a change callback. The callback is invoked once at
// registration time with the current materialization, then after every commit
// (local or remote origin) that changes the materialized result. Invocations are
// serialized on the store's dispatcher goroutine, delivered in commit order, never
// duplicated for one commit and never skipped.
func (c *Collection) AddListener(cb func([]Handle)) (*Subscription, error) {
	s := c.store
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return nil, rox.Error{Code: rox.StoreClosed, Err: fmt.Errorf("store on scope %s is %s", s.scope, s.state)}
	}
	sub := &Subscription{id: rox.NewUUID(), cb: cb, sinceSeq: s.seq}
	sub.active.Store(true)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	s.publishAndUnlock(event{kind: evInitial, col: c, sub: sub})
	return sub, nil
}

// RemoveListener deregisters a subscription. Idempotent, and after it returns the
// callback never fires again: an in-flight delivery is waited out. Must not be
// called from inside the subscription's own callback.
func (c *Collection) RemoveListener(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)
	c.mu.Lock()
	for i, cand := range c.subs {
		if cand == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	// Wait out an in-flight delivery to this subscription.
	sub.run.Lock()
	sub.run.Unlock()
}

func (c *Collection) activeSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.active.Load() {
			out = append(out, sub)
		}
	}
	return out
}

// deliverInitial runs on the dispatcher goroutine: the one-time registration
// delivery, which also primes the collection's fingerprint.
func (c *Collection) deliverInitial(sub *Subscription) {
	handles, fp, err := c.materialize()
	if err != nil {
		log.Debug(fmt.Sprintf("skipping initial delivery on %s: %v", c.sch.Name, err))
		return
	}
	c.mu.Lock()
	c.lastFP = fp
	c.fpValid = true
	c.mu.Unlock()
	sub.deliver(handles)
}

// handleCommit runs on the dispatcher goroutine for every commit event, in commit
// order. It rematerializes when the commit touches this schema and notifies
// listeners only when the materialized result actually changed.
func (c *Collection) handleCommit(ev event) {
	if ev.changes[c.sch.Name] == nil {
		return
	}
	subs := c.activeSubs()
	if len(subs) == 0 {
		// Nobody listening: drop the fingerprint so the next registration reprimes it.
		c.mu.Lock()
		c.fpValid = false
		c.mu.Unlock()
		return
	}
	handles, fp, err := c.materialize()
	if err != nil {
		if rox.CodeOf(err) != rox.StoreClosed {
			log.Warn(fmt.Sprintf("skipping change delivery on %s: %v", c.sch.Name, err))
		}
		return
	}
	c.mu.Lock()
	changed := !c.fpValid || !equalFP(c.lastFP, fp)
	c.lastFP = fp
	c.fpValid = true
	c.mu.Unlock()
	if !changed {
		return
	}
	for _, sub := range subs {
		if sub.sinceSeq >= ev.seq {
			// Registered after this commit; its initial delivery already showed this state.
			continue
		}
		sub.deliver(handles)
	}
}

func equalFP(a []fpEntry, b []fpEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
