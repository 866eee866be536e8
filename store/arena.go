package store

import (
	"sort"

	"github.com/roxdb/rox"
)

// slot is one record's cell in the store's arena. Handles reference slots by
// (schema, key, generation); the generation bumps on delete and on re-create so
// reads through a stale handle are detected rather than answered with dead data.
// Deleted records stay as tombstones carrying their deletion time, keeping
// last-writer-wins stable against late remote upserts and across restarts.
type slot struct {
	schema     string
	key        string
	generation uint64
	// version bumps on every applied change to the slot, however close in time;
	// collections fingerprint on it to detect in-set field changes.
	version    uint64
	fields     map[string]any
	upsertTime int64
	deleted    bool
}

func newSlot(schema string, key string, fields map[string]any, upsertTime int64) *slot {
	return &slot{
		schema:     schema,
		key:        key,
		generation: 1,
		version:    1,
		fields:     fields,
		upsertTime: upsertTime,
	}
}

// upsert replaces the slot's fields; a tombstoned slot is revived under a fresh
// generation so handles from before the delete stay invalid.
func (sl *slot) upsert(fields map[string]any, upsertTime int64) {
	if sl.deleted {
		sl.generation++
		sl.deleted = false
	}
	sl.version++
	sl.fields = fields
	sl.upsertTime = upsertTime
}

func (sl *slot) tombstone(upsertTime int64) {
	sl.generation++
	sl.version++
	sl.deleted = true
	sl.fields = nil
	sl.upsertTime = upsertTime
}

func (sl *slot) copyFields() map[string]any {
	cp := make(map[string]any, len(sl.fields))
	for k, v := range sl.fields {
		cp[k] = v
	}
	return cp
}

func (sl *slot) toDelta(origin rox.UUID) rox.Delta {
	d := rox.Delta{
		Origin:     origin,
		Schema:     sl.schema,
		Key:        sl.key,
		UpsertTime: sl.upsertTime,
	}
	if sl.deleted {
		d.Kind = rox.DeltaDelete
		return d
	}
	d.Kind = rox.DeltaUpsert
	d.Fields = fieldPairs(sl.fields)
	return d
}

// fieldPairs renders a field map in the schema-independent, deterministic order
// expected on the wire (sorted by field name).
func fieldPairs(fields map[string]any) []rox.KeyValuePair[string, any] {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]rox.KeyValuePair[string, any], 0, len(names))
	for _, name := range names {
		pairs = append(pairs, rox.KeyValuePair[string, any]{Key: name, Value: fields[name]})
	}
	return pairs
}

// lookupSlot returns the live slot for a schema/key, nil when absent or tombstoned.
// Caller holds mu.
func (s *Store) lookupSlot(schema string, key string) *slot {
	bySchema, ok := s.records[schema]
	if !ok {
		return nil
	}
	sl := bySchema[key]
	if sl == nil || sl.deleted {
		return nil
	}
	return sl
}
