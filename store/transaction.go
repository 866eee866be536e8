package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roxdb/rox"
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txAborted
)

// stagedRecord is one record's pending state inside an open transaction.
type stagedRecord struct {
	// fields is the record's full field set as it will read after commit; nil when deleted.
	fields map[string]any
	// created marks a record that did not exist (live) when first staged.
	created bool
	// deleted marks a staged delete.
	deleted bool
	// recreated marks delete-then-create of a live record within the same transaction;
	// commit bumps the generation so pre-transaction handles invalidate.
	recreated bool
	// base records whether a live committed slot existed when the record was first staged.
	base bool
}

// Transaction is an atomic, all-or-nothing unit of mutations scoped to one store.
// It is owned exclusively by the caller that opened it; the store permits at most
// one open transaction at a time, enforced by Begin. All staged mutations are
// invisible to observers until Commit.
type Transaction struct {
	store  *Store
	id     rox.UUID
	state  txState
	staged map[string]map[string]*stagedRecord
}

// Begin opens a transaction. Fails with a Concurrency coded error when another
// transaction is already open on this store (transactions are not reentrant or
// nested) or when closing has begun; StoreClosed after close.
func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfNotOpenLocked(); err != nil {
		return nil, err
	}
	if s.curTx != nil {
		return nil, rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("another transaction is already open on store scope %s", s.scope)}
	}
	tx := &Transaction{
		store:  s,
		id:     rox.NewUUID(),
		state:  txOpen,
		staged: make(map[string]map[string]*stagedRecord),
	}
	s.curTx = tx
	return tx, nil
}

// GetID returns the transaction ID.
func (t *Transaction) GetID() rox.UUID {
	return t.id
}

// HasBegun reports whether the transaction is still open.
func (t *Transaction) HasBegun() bool {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.state == txOpen
}

// Execute runs the mutation body synchronously with exclusive write access. Any
// error raised inside the body rolls the transaction back and is re-raised to the
// caller, leaving the store exactly as it was before Begin.
func (t *Transaction) Execute(fn func() error) error {
	t.store.mu.Lock()
	if t.state != txOpen {
		t.store.mu.Unlock()
		return rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("transaction %s is not open", t.id)}
	}
	t.store.mu.Unlock()
	if err := fn(); err != nil {
		t.Rollback()
		return err
	}
	return nil
}

func (t *Transaction) ensureOpenLocked() error {
	if t.state != txOpen || t.store.curTx != t {
		return rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("transaction %s is not open", t.id)}
	}
	return nil
}

func (t *Transaction) stagedFor(schema string, key string) *stagedRecord {
	byKey := t.staged[schema]
	if byKey == nil {
		return nil
	}
	return byKey[key]
}

func (t *Transaction) stage(schema string, key string, entry *stagedRecord) {
	if t.staged[schema] == nil {
		t.staged[schema] = make(map[string]*stagedRecord)
	}
	t.staged[schema][key] = entry
}

// Create stages a new record of the given schema. Field values are the caller's
// input completed by the schema's default generators; the primary key must be
// present afterwards. Returns a handle that becomes readable immediately within
// this transaction and permanent on commit.
func (t *Transaction) Create(schemaName string, fields map[string]any) (Handle, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return Handle{}, err
	}
	sch, ok := s.schemas[schemaName]
	if !ok {
		return Handle{}, rox.Error{Code: rox.Validation, Err: fmt.Errorf("store has no schema %s", schemaName)}
	}
	full, err := sch.GenerateDefaults(fields)
	if err != nil {
		return Handle{}, err
	}
	pk := sch.PrimaryKey()
	pkVal := full[pk.Name]
	if pkVal == nil {
		return Handle{}, rox.Error{Code: rox.Validation, Err: fmt.Errorf("schema %s primary key %s has no value and no generator", schemaName, pk.Name)}
	}
	key := rox.FormatKey(pkVal)

	entry := t.stagedFor(schemaName, key)
	if entry != nil && !entry.deleted {
		return Handle{}, rox.Error{Code: rox.Validation, Err: fmt.Errorf("record %s/%s already created in this transaction", schemaName, key)}
	}
	live := s.lookupSlot(schemaName, key)
	if live != nil && entry == nil {
		return Handle{}, rox.Error{Code: rox.Validation, Err: fmt.Errorf("record %s/%s already exists", schemaName, key)}
	}

	// Predict the generation the slot will carry after commit so the returned
	// handle stays valid across it.
	var gen uint64 = 1
	if raw := s.records[schemaName][key]; raw != nil {
		gen = raw.generation + 1
	}
	staged := &stagedRecord{fields: full, created: true}
	if entry != nil {
		// Delete-then-create of a live record within this transaction.
		staged.recreated = entry.base
		staged.base = entry.base
	}
	t.stage(schemaName, key, staged)
	return Handle{store: s, schema: schemaName, key: key, generation: gen}, nil
}

// Delete stages removal of the record behind the handle. The handle (and any other
// handle to the same record) invalidates on commit.
func (t *Transaction) Delete(h Handle) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}
	if entry := t.stagedFor(h.schema, h.key); entry != nil {
		if entry.deleted {
			return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is already deleted", h.schema, h.key)}
		}
		if !entry.base {
			// Created earlier in this same transaction; net effect is nothing.
			delete(t.staged[h.schema], h.key)
			return nil
		}
		entry.fields = nil
		entry.created = false
		entry.recreated = false
		entry.deleted = true
		return nil
	}
	sl := s.lookupSlot(h.schema, h.key)
	if sl == nil || sl.generation != h.generation {
		return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is gone", h.schema, h.key)}
	}
	t.stage(h.schema, h.key, &stagedRecord{deleted: true, base: true})
	return nil
}

// Commit makes all staged mutations visible atomically, notifies every observable
// collection whose materialized result changed, writes the persistence snapshot and
// schedules outbound sync propagation (fire-and-forget; propagation failures do not
// unwind the local commit).
func (t *Transaction) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	if err := t.ensureOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	t.state = txCommitted
	s.curTx = nil

	if len(t.staged) == 0 {
		s.mu.Unlock()
		return nil
	}

	now := time.Now().UnixMilli()
	changes := make(map[string]map[string]bool)
	var deltas []rox.Delta
	for schemaName, byKey := range t.staged {
		for key, entry := range byKey {
			raw := s.records[schemaName][key]
			if entry.deleted {
				if raw == nil || raw.deleted {
					// Already gone, e.g. a remote delete folded in mid-transaction.
					continue
				}
				raw.tombstone(now)
				deltas = append(deltas, raw.toDelta(s.id))
			} else {
				if raw == nil {
					raw = newSlot(schemaName, key, entry.fields, now)
					s.records[schemaName][key] = raw
				} else {
					if entry.recreated && !raw.deleted {
						raw.generation++
					}
					raw.upsert(entry.fields, now)
				}
				deltas = append(deltas, raw.toDelta(s.id))
			}
			if changes[schemaName] == nil {
				changes[schemaName] = make(map[string]bool)
			}
			changes[schemaName][key] = true
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	seq := s.seq
	snapshot := s.snapshotLocked()
	// Enqueued under mu so a concurrent Close's outbox drain observes this batch.
	s.propagate(deltas)
	s.publishAndUnlock(event{kind: evCommit, seq: seq, changes: changes})
	s.savePersistence(seq, snapshot)
	return nil
}

// Rollback discards all staged mutations. Idempotent; a committed transaction
// can't be rolled back.
func (t *Transaction) Rollback() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == txCommitted {
		return rox.Error{Code: rox.Concurrency, Err: fmt.Errorf("transaction %s already committed", t.id)}
	}
	if t.state == txAborted {
		return nil
	}
	t.state = txAborted
	if s.curTx == t {
		s.curTx = nil
	}
	t.staged = nil
	return nil
}
