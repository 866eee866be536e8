package store

import (
	"fmt"

	"github.com/roxdb/rox"
)

// Handle is a live reference to a single persisted record, identified by
// (schema name, primary key). Reads always reflect the most recently committed
// state, whether committed locally or folded in from the sync session - handles
// are never stale snapshots. Inside the owning open transaction, reads observe
// that transaction's staged writes. A handle invalidates once its record is
// deleted; reads and writes through it then fail with an InvalidHandle coded
// error rather than answering dead data.
type Handle struct {
	store      *Store
	schema     string
	key        string
	generation uint64
}

// Schema returns the record's schema name.
func (h Handle) Schema() string {
	return h.schema
}

// Key returns the record's canonical primary key string.
func (h Handle) Key() string {
	return h.key
}

func (h Handle) errIfUnreadableLocked() error {
	s := h.store
	if s == nil {
		return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("zero-value handle")}
	}
	if s.state == StateClosed || s.state == StateFailed {
		return rox.Error{Code: rox.StoreClosed, Err: fmt.Errorf("store on scope %s is %s", s.scope, s.state)}
	}
	return nil
}

// resolveLocked returns the handle's visible field map: the owning transaction's
// staged state when one is open, the committed slot otherwise. Caller holds mu.
func (h Handle) resolveLocked() (map[string]any, error) {
	s := h.store
	if s.curTx != nil {
		if entry := s.curTx.stagedFor(h.schema, h.key); entry != nil {
			if entry.deleted {
				return nil, rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is deleted", h.schema, h.key)}
			}
			return entry.fields, nil
		}
	}
	sl := s.lookupSlot(h.schema, h.key)
	if sl == nil || sl.generation != h.generation {
		return nil, rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is gone", h.schema, h.key)}
	}
	return sl.fields, nil
}

// Get reads one field's latest committed value (or this transaction's staged value
// when called inside the open transaction).
func (h Handle) Get(field string) (any, error) {
	s := h.store
	if s == nil {
		return nil, rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("zero-value handle")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.errIfUnreadableLocked(); err != nil {
		return nil, err
	}
	sch := s.schemas[h.schema]
	if _, ok := sch.FieldByName(field); !ok {
		return nil, rox.Error{Code: rox.Validation, Err: fmt.Errorf("schema %s has no field %s", h.schema, field)}
	}
	fields, err := h.resolveLocked()
	if err != nil {
		return nil, err
	}
	return fields[field], nil
}

// Fields returns a copy of the record's full visible field map.
func (h Handle) Fields() (map[string]any, error) {
	s := h.store
	if s == nil {
		return nil, rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("zero-value handle")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := h.errIfUnreadableLocked(); err != nil {
		return nil, err
	}
	fields, err := h.resolveLocked()
	if err != nil {
		return nil, err
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp, nil
}

// Set stages a field write on the record. Only legal inside an open transaction on
// the owning store; outside one it fails with a NotInTransaction coded error.
// Writes apply in place to the same identity: any other handle referencing the same
// primary key observes the new value immediately after commit. The primary key
// field is immutable.
func (h Handle) Set(field string, value any) error {
	s := h.store
	if s == nil {
		return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("zero-value handle")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errIfNotOpenLocked(); err != nil {
		return err
	}
	tx := s.curTx
	if tx == nil {
		return rox.Error{Code: rox.NotInTransaction, Err: fmt.Errorf("write to %s/%s outside a transaction", h.schema, h.key)}
	}
	sch := s.schemas[h.schema]
	f, ok := sch.FieldByName(field)
	if !ok {
		return rox.Error{Code: rox.Validation, Err: fmt.Errorf("schema %s has no field %s", h.schema, field)}
	}
	if f.IsPrimaryKey {
		return rox.Error{Code: rox.Validation, Err: fmt.Errorf("primary key %s.%s is immutable", h.schema, field)}
	}
	nv, err := rox.NormalizeValue(f, value)
	if err != nil {
		return err
	}

	if entry := tx.stagedFor(h.schema, h.key); entry != nil {
		if entry.deleted {
			return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is deleted", h.schema, h.key)}
		}
		entry.fields[field] = nv
		return nil
	}
	sl := s.lookupSlot(h.schema, h.key)
	if sl == nil || sl.generation != h.generation {
		return rox.Error{Code: rox.InvalidHandle, Err: fmt.Errorf("record %s/%s is gone", h.schema, h.key)}
	}
	staged := &stagedRecord{fields: sl.copyFields(), base: true}
	staged.fields[field] = nv
	tx.stage(h.schema, h.key, staged)
	return nil
}

// IsValid reports whether the handle still resolves to a live record.
func (h Handle) IsValid() bool {
	_, err := h.Fields()
	return err == nil
}
