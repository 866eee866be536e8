// Package store implements the ROX engine: a transactionally-consistent local
// record set bound to one sync scope of a remote replica, with live object handles
// and observable collections notified on every committed change, local or remote.
package store

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/roxdb/rox"
)

// State enumerates the store lifecycle states.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	// StateFailed is terminal for the open attempt; the store must be reopened, not retried internally.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Options carries everything Open needs to assemble a store.
type Options struct {
	// Scope is the sync scope (partition) of the remote replica this store binds to,
	// e.g. a per-user partition name.
	Scope string
	// Credentials are exchanged for a session via the Authenticator.
	Credentials rox.Credentials
	// Authenticator is the external credential/session provider.
	Authenticator rox.CredentialProvider
	// Transport is the sync session with the remote replica.
	Transport rox.Transport
	// Persistence is the local on-device store file; optional (nil keeps records
	// memory-only, which suits tests and throwaway scopes).
	Persistence rox.Persistence
	// Schemas declares the record types this store manages.
	Schemas []rox.Schema
	// PropagationWorkers bounds concurrent outbound delta publishes; defaults to 4.
	PropagationWorkers int
}

// Store is the process-wide handle to one sync scope's record set. It owns all
// live object handles and observable collections derived from it.
type Store struct {
	id          rox.UUID
	scope       string
	session     rox.Session
	transport   rox.Transport
	persistence rox.Persistence
	schemas     map[string]rox.Schema

	mu      sync.Mutex
	state   State
	records map[string]map[string]*slot
	curTx   *Transaction
	seq     uint64

	// pubMu serializes bus publication so event order matches commit order without
	// holding mu across a channel send (the dispatcher needs mu to materialize).
	pubMu     sync.Mutex
	busClosed bool
	bus       *eventBus

	colMu       sync.Mutex
	collections []*Collection

	out      *outbox
	outDone  chan struct{}
	runner   *rox.TaskRunner
	bg       context.Context
	bgCancel context.CancelFunc

	persistMu    sync.Mutex
	lastSavedSeq uint64
}

// At most one Open store exists per sync scope within the process.
var openStores = make(map[string]*Store)
var openMu sync.Mutex

// Open authenticates, establishes the sync session scoped to opts.Scope, loads the
// local persistence file, downloads the replica snapshot and returns a store in
// Open state. Fails with Authentication or SyncSession coded errors; it never
// retries internally - retry policy belongs to the caller.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Scope == "" {
		return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("sync scope can't be empty string")}
	}
	if opts.Authenticator == nil || opts.Transport == nil {
		return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("authenticator and transport are required to open a store")}
	}
	if len(opts.Schemas) == 0 {
		return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("at least one schema is required to open a store")}
	}

	workers := opts.PropagationWorkers
	if workers <= 0 {
		workers = 4
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &Store{
		id:          rox.NewUUID(),
		scope:       opts.Scope,
		transport:   opts.Transport,
		persistence: opts.Persistence,
		schemas:     make(map[string]rox.Schema, len(opts.Schemas)),
		state:       StateOpening,
		records:     make(map[string]map[string]*slot),
		bus:         newEventBus(),
		out:         newOutbox(),
		outDone:     make(chan struct{}),
		runner:      rox.NewTaskRunner(bg, workers),
		bg:          bg,
		bgCancel:    cancel,
	}
	for _, sch := range opts.Schemas {
		if _, ok := s.schemas[sch.Name]; ok {
			cancel()
			return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("schema %s declared twice", sch.Name)}
		}
		s.schemas[sch.Name] = sch
		s.records[sch.Name] = make(map[string]*slot)
	}

	openMu.Lock()
	if _, ok := openStores[opts.Scope]; ok {
		openMu.Unlock()
		cancel()
		return nil, rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("a store is already open for sync scope %s", opts.Scope)}
	}
	openStores[opts.Scope] = s
	openMu.Unlock()

	fail := func(code rox.ErrorCode, err error) (*Store, error) {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		unregister(opts.Scope, s)
		cancel()
		if rox.CodeOf(err) == code {
			return nil, err
		}
		return nil, rox.Error{Code: code, Err: err, UserData: opts.Scope}
	}

	session, err := opts.Authenticator.Authenticate(ctx, opts.Credentials)
	if err != nil {
		return fail(rox.Authentication, err)
	}
	s.session = session

	if s.persistence != nil {
		persisted, err := s.persistence.Load(ctx)
		if err != nil {
			return fail(rox.SyncSession, err)
		}
		s.foldDeltas(persisted)
	}

	snapshot, err := s.transport.Snapshot(ctx, s.scope)
	if err != nil {
		return fail(rox.SyncSession, err)
	}
	s.foldDeltas(snapshot)

	if err := s.transport.Subscribe(s.bg, s.scope, s.applyRemote); err != nil {
		return fail(rox.SyncSession, err)
	}

	go s.dispatch()
	go s.drainOutbound()

	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()
	log.Debug(fmt.Sprintf("store %s opened on sync scope %s for principal %s", s.id, s.scope, session.Principal))
	return s, nil
}

func unregister(scope string, s *Store) {
	openMu.Lock()
	if openStores[scope] == s {
		delete(openStores, scope)
	}
	openMu.Unlock()
}

// ID returns this store instance's identifier (the Origin of its outbound deltas).
func (s *Store) ID() rox.UUID {
	return s.id
}

// Scope returns the sync scope the store is bound to.
func (s *Store) Scope() string {
	return s.scope
}

// Session returns the authenticated session the store was opened with.
func (s *Store) Session() rox.Session {
	return s.session
}

// GetState returns the current lifecycle state.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Schema returns the declared schema of the given name.
func (s *Store) Schema(name string) (rox.Schema, bool) {
	sch, ok := s.schemas[name]
	return sch, ok
}

// Close transitions Open -> Closing -> Closed: it force-aborts a trailing open
// transaction (never silently committing it), flushes outbound propagation, tears
// down the sync subscription, drains listener dispatch and writes the final
// persistence snapshot. Idempotent; a closed store and everything derived from it
// answer StoreClosed coded errors afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateClosing, StateFailed:
		s.mu.Unlock()
		return nil
	case StateOpening:
		s.mu.Unlock()
		return rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("store on scope %s is still opening", s.scope)}
	}
	s.state = StateClosing
	if s.curTx != nil {
		// Reject-then-abort: the trailing transaction is aborted, never committed.
		s.curTx.state = txAborted
		s.curTx = nil
		log.Warn(fmt.Sprintf("store %s closed with an open transaction, force-aborted", s.id))
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	unregister(s.scope, s)
	s.transport.Unsubscribe(s.scope)

	// Flush outbound propagation before cutting the background context: drain the
	// outbox queue, then wait out the publish workers.
	s.out.close()
	<-s.outDone
	if err := s.runner.Wait(); err != nil {
		log.Warn(fmt.Sprintf("outbound propagation ended with error on close: %v", err))
	}
	s.bgCancel()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.pubMu.Lock()
	s.busClosed = true
	s.pubMu.Unlock()
	s.bus.close()

	var persistErr error
	if s.persistence != nil {
		persistErr = s.persistence.Save(ctx, snapshot)
		if cerr := s.persistence.Close(); persistErr == nil {
			persistErr = cerr
		}
	}
	return persistErr
}

// foldDeltas applies a record snapshot into the arena, last writer wins per record.
// Only used while Opening, before the dispatcher runs.
func (s *Store) foldDeltas(deltas []rox.Delta) {
	for _, d := range deltas {
		s.foldDelta(d)
	}
}

func (s *Store) foldDelta(d rox.Delta) bool {
	bySchema, ok := s.records[d.Schema]
	if !ok {
		// Replica may carry schemas this store doesn't declare; ignore them.
		return false
	}
	sl := bySchema[d.Key]
	if sl != nil && sl.upsertTime > d.UpsertTime {
		return false
	}
	if d.Kind == rox.DeltaDelete {
		if sl == nil {
			// Keep a tombstone even for records never seen live, so a late upsert
			// with an older timestamp still loses.
			sl = newSlot(d.Schema, d.Key, nil, d.UpsertTime)
			sl.tombstone(d.UpsertTime)
			bySchema[d.Key] = sl
			return true
		}
		if sl.deleted {
			return false
		}
		sl.tombstone(d.UpsertTime)
		return true
	}
	fields := s.normalizeFields(s.schemas[d.Schema], d.FieldMap())
	if sl == nil {
		bySchema[d.Key] = newSlot(d.Schema, d.Key, fields, d.UpsertTime)
		return true
	}
	sl.upsert(fields, d.UpsertTime)
	return true
}

// normalizeFields coerces wire-decoded field values (strings, float64) back to
// their canonical schema representations. Values that don't coerce are kept raw
// rather than dropping the record.
func (s *Store) normalizeFields(sch rox.Schema, fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		if f, ok := sch.FieldByName(name); ok {
			if nv, err := rox.NormalizeValue(f, v); err == nil {
				out[name] = nv
				continue
			}
		}
		out[name] = v
	}
	return out
}

// applyRemote folds an inbound replica delta batch through the same notification
// pipeline as local commits; observers cannot distinguish origin.
func (s *Store) applyRemote(deltas []rox.Delta) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	changes := make(map[string]map[string]bool)
	for _, d := range deltas {
		if d.Origin == s.id {
			// Self-echo from the replica fan-out.
			continue
		}
		if s.foldDelta(d) {
			if changes[d.Schema] == nil {
				changes[d.Schema] = make(map[string]bool)
			}
			changes[d.Schema][d.Key] = true
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	snapshot := s.snapshotLocked()
	s.publishAndUnlock(event{kind: evCommit, seq: seq, changes: changes})
	s.savePersistence(seq, snapshot)
}

// publishAndUnlock hands the event to the dispatcher in commit order. pubMu is
// taken before mu is released so two committers can't swap their events; mu is
// released before the channel send so the dispatcher can materialize.
func (s *Store) publishAndUnlock(ev event) {
	s.pubMu.Lock()
	s.mu.Unlock()
	if !s.busClosed {
		s.bus.publish(ev)
	}
	s.pubMu.Unlock()
}

// snapshotLocked renders the arena (tombstones included, so last-writer-wins holds
// across restarts) as the persistence record set. Caller holds mu.
func (s *Store) snapshotLocked() []rox.Delta {
	var out []rox.Delta
	for _, bySchema := range s.records {
		for _, sl := range bySchema {
			out = append(out, sl.toDelta(s.id))
		}
	}
	return out
}

func (s *Store) savePersistence(seq uint64, snapshot []rox.Delta) {
	if s.persistence == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq < s.lastSavedSeq {
		return
	}
	if err := s.persistence.Save(s.bg, snapshot); err != nil {
		// Local snapshot lag is recoverable on next save; the commit stands.
		log.Warn(fmt.Sprintf("store %s failed persisting snapshot: %v", s.id, err))
		return
	}
	s.lastSavedSeq = seq
}

// propagate queues committed deltas for outbound delivery. Fire-and-forget with
// backoff: a propagation failure never unwinds the local commit. Enqueueing never
// blocks, so a stalled transport backs up the outbox, not the commit path or any
// reader waiting on the store mutex.
func (s *Store) propagate(deltas []rox.Delta) {
	s.out.add(deltas)
}

// drainOutbound feeds queued batches to the bounded publish workers, at whatever
// pace the transport sustains. Runs until Close drains the outbox.
func (s *Store) drainOutbound() {
	defer close(s.outDone)
	for {
		batch, ok := s.out.pop()
		if !ok {
			return
		}
		s.runner.Go(func() error {
			err := rox.Retry(s.bg, func(ctx context.Context) error {
				if err := s.transport.Publish(ctx, s.scope, batch); err != nil {
					if rox.ShouldRetry(err) {
						log.Warn(err.Error() + ", will retry")
						return retry.RetryableError(err)
					}
					return err
				}
				return nil
			}, nil)
			if err != nil {
				log.Warn(fmt.Sprintf("store %s gave up propagating %d delta(s): %v", s.id, len(batch), err))
			}
			// Swallow so one stuck publish doesn't cancel sibling propagation tasks.
			return nil
		})
	}
}

func (s *Store) dispatch() {
	defer close(s.bus.done)
	for ev := range s.bus.ch {
		switch ev.kind {
		case evInitial:
			ev.col.deliverInitial(ev.sub)
		case evCommit:
			s.colMu.Lock()
			cols := make([]*Collection, len(s.collections))
			copy(cols, s.collections)
			s.colMu.Unlock()
			for _, col := range cols {
				col.handleCommit(ev)
			}
		}
	}
}

// errIfNotOpenLocked maps the lifecycle state to the proper coded error. Caller holds mu.
func (s *Store) errIfNotOpenLocked() error {
	switch s.state {
	case StateOpen:
		return nil
	case StateClosing:
		return rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("store on scope %s is closing", s.scope)}
	default:
		return rox.Error{Code: rox.StoreClosed, Err: fmt.Errorf("store on scope %s is %s", s.scope, s.state)}
	}
}
