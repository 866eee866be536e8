package rox

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// DeltaKind enumerates the kinds of record changes carried over the sync session.
type DeltaKind int

const (
	// DeltaUpsert carries the full committed field set of a created or updated record.
	DeltaUpsert DeltaKind = iota
	// DeltaDelete carries only the record identity of a deletion.
	DeltaDelete
)

// Delta is one record change as propagated between the local store and the remote
// replica. It doubles as the record snapshot format of the local persistence file.
// UpsertTime (milliseconds) is the last-writer-wins fold key when local and remote
// changes race on the same record.
type Delta struct {
	// Origin identifies the store instance that produced the delta, used to drop
	// self-echoes on fan-out transports.
	Origin UUID `json:"origin"`
	// Schema is the record's schema (entity type) name.
	Schema string `json:"schema"`
	// Key is the record's canonical primary key string.
	Key string `json:"key"`
	// Kind tells whether this is an upsert or a delete.
	Kind DeltaKind `json:"kind"`
	// Fields holds the record's field values for upserts, nil for deletes.
	Fields []KeyValuePair[string, any] `json:"fields,omitempty"`
	// UpsertTime is the change timestamp in milliseconds, used for conflict resolution.
	UpsertTime int64 `json:"upsert_time"`
}

// FieldMap converts the delta's field pairs into a map for record application.
func (d Delta) FieldMap() map[string]any {
	if d.Fields == nil {
		return nil
	}
	m := make(map[string]any, len(d.Fields))
	for _, kv := range d.Fields {
		m[kv.Key] = kv.Value
	}
	return m
}

// Credentials are the opaque application credentials handed to a CredentialProvider.
type Credentials struct {
	// Principal names the identity requesting the session, e.g. a user id.
	Principal string
	// Secret is the proof of identity, e.g. a bearer access token.
	Secret string
}

// Session is an authenticated session produced by a CredentialProvider. The store
// treats it as opaque beyond its expiry.
type Session struct {
	ID        UUID      `json:"id"`
	Principal string    `json:"principal"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialProvider exchanges application credentials for an authenticated session.
// It is an external collaborator of the store lifecycle; auth failures surface to the
// caller of store.Open as an Authentication coded error.
type CredentialProvider interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)
}

// Transport is the sync session with the remote replica. It delivers outbound
// committed deltas and surfaces inbound ones; inbound application is folded by the
// store through the same commit/notify pipeline as local commits.
type Transport interface {
	// Snapshot returns the replica's current record set for the sync scope,
	// expressed as upsert deltas. Called once during store open.
	Snapshot(ctx context.Context, scope string) ([]Delta, error)
	// Publish sends committed deltas to the replica. Callers own retry policy.
	Publish(ctx context.Context, scope string, deltas []Delta) error
	// Subscribe registers fn to receive inbound deltas for the scope until
	// Unsubscribe. fn may be invoked from a transport-owned goroutine.
	Subscribe(ctx context.Context, scope string, fn func([]Delta)) error
	// Unsubscribe tears down the scope's inbound delivery. Safe to call twice.
	Unsubscribe(scope string)
}

// Persistence is the local on-device store file. The binary layout is owned by the
// implementation; the engine only round-trips record snapshots through it.
type Persistence interface {
	// Load reads the persisted record set, nil if the file does not exist yet.
	Load(ctx context.Context) ([]Delta, error)
	// Save replaces the persisted record set with the given snapshot.
	Save(ctx context.Context, records []Delta) error
	Close() error
}

// Filter is a predicate over a record's field map, used by observable collections.
type Filter interface {
	Match(rec map[string]any) (bool, error)
}

// Comparer orders two records by their field maps: negative if x sorts before y,
// positive if after, zero if equal.
type Comparer interface {
	Compare(x map[string]any, y map[string]any) (int, error)
}

// InferType returns the simplified type name (e.g. "string", "int", "uuid") and whether it's an array.
// This is used for loose type checking of record field values.
func InferType(v any) (string, bool) {
	if v == nil {
		return "string", false
	}

	// Handle rox.UUID and uuid.UUID explicitly
	switch v.(type) {
	case UUID, uuid.UUID:
		return "uuid", false
	case time.Time:
		return "time", false
	case string:
		s := v.(string)
		if _, err := ParseUUID(s); err == nil {
			return "uuid", false
		}
		return "string", false
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, uintptr:
		return "int", false
	case float32, float64:
		// Handle JSON number (float64) which might be int
		if f, ok := v.(float64); ok {
			if float64(int64(f)) == f {
				return "int", false
			}
			return "float64", false
		}
		return "float64", false
	case bool:
		return "bool", false
	}

	val := reflect.ValueOf(v)
	kind := val.Kind()

	if kind == reflect.Map {
		return "map", false
	}

	if kind == reflect.Slice || kind == reflect.Array {
		// Check for byte slice -> blob
		if val.Type().Elem().Kind() == reflect.Uint8 {
			return "blob", false // Blob is treated as a type, not array of bytes
		}
		// Otherwise it's an array of something
		if val.Len() > 0 {
			elem := val.Index(0).Interface()
			t, _ := InferType(elem)
			return t, true
		}
		return "string", true
	}

	return "string", false
}
