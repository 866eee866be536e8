package store

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roxdb/rox"
	"github.com/roxdb/rox/fs"
	"github.com/roxdb/rox/inmemory"
)

// remoteUpsert crafts the delta another replica peer would publish, field values in
// their wire form (strings for timestamps and ids).
func remoteUpsert(key rox.UUID, description string, ts int64) rox.Delta {
	return rox.Delta{
		Origin: rox.NewUUID(),
		Schema: "Task",
		Key:    key.String(),
		Kind:   rox.DeltaUpsert,
		Fields: []rox.KeyValuePair[string, any]{
			{Key: "id", Value: key.String()},
			{Key: "description", Value: description},
			{Key: "isComplete", Value: false},
			{Key: "createdAt", Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		UpsertTime: ts,
	}
}

func remoteDelete(key rox.UUID, ts int64) rox.Delta {
	return rox.Delta{
		Origin:     rox.NewUUID(),
		Schema:     "Task",
		Key:        key.String(),
		Kind:       rox.DeltaDelete,
		UpsertTime: ts,
	}
}

func TestRemoteDeltasFlowThroughListeners(t *testing.T) {
	hub := inmemory.NewHub()
	s := openTestStore(t, hub, t.Name())
	col, err := s.Query("Task", QueryOptions{SortKey: "createdAt"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	cap := newCaptor()
	if _, err := col.AddListener(cap.cb); err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	cap.wait(t)

	// A peer on the same scope publishes an upsert.
	peer := hub.NewTransport()
	key := rox.NewUUID()
	if err := peer.Publish(ctx, t.Name(), []rox.Delta{remoteUpsert(key, "from afar", time.Now().UnixMilli())}); err != nil {
		t.Fatalf("peer Publish failed: %v", err)
	}
	got := cap.wait(t)
	if len(got) != 1 {
		t.Fatalf("after remote upsert: got %d handle(s)", len(got))
	}
	h := got[0]
	if mustGet(t, h, "description") != "from afar" {
		t.Errorf("description = %v", mustGet(t, h, "description"))
	}
	// Wire-form values come back in their canonical types.
	if _, ok := mustGet(t, h, "createdAt").(time.Time); !ok {
		t.Errorf("createdAt should normalize to time.Time, got %T", mustGet(t, h, "createdAt"))
	}
	if id, ok := mustGet(t, h, "id").(rox.UUID); !ok || id != key {
		t.Errorf("id should normalize to UUID %s, got %v", key, mustGet(t, h, "id"))
	}

	// And a delete: same pipeline, handle invalidates.
	if err := peer.Publish(ctx, t.Name(), []rox.Delta{remoteDelete(key, time.Now().UnixMilli()+1)}); err != nil {
		t.Fatalf("peer Publish failed: %v", err)
	}
	if got := cap.wait(t); len(got) != 0 {
		t.Fatalf("after remote delete: got %d handle(s)", len(got))
	}
	if h.IsValid() {
		t.Errorf("handle should invalidate on a remote delete")
	}
}

func TestRemoteOlderTimestampLoses(t *testing.T) {
	hub := inmemory.NewHub()
	s := openTestStore(t, hub, t.Name())
	id := rox.NewUUID()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	h, err := tx.Create("Task", map[string]any{"id": id, "description": "fresh"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	col, err := s.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	cap := newCaptor()
	if _, err := col.AddListener(cap.cb); err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	cap.wait(t)

	// Last writer wins: a peer change carrying an older timestamp folds to nothing.
	peer := hub.NewTransport()
	stale := time.Now().UnixMilli() - 10_000
	if err := peer.Publish(ctx, t.Name(), []rox.Delta{remoteUpsert(id, "stale", stale)}); err != nil {
		t.Fatalf("peer Publish failed: %v", err)
	}
	cap.expectNone(t)
	if mustGet(t, h, "description") != "fresh" {
		t.Errorf("older remote write must not overwrite: got %v", mustGet(t, h, "description"))
	}
}

func TestLocalCommitSelfEchoDropped(t *testing.T) {
	hub := inmemory.NewHub()
	s := openTestStore(t, hub, t.Name())
	col, err := s.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	cap := newCaptor()
	if _, err := col.AddListener(cap.cb); err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	cap.wait(t)

	// The hub fans published deltas back to the publisher's own subscription; the
	// store must drop that echo, so one commit means one delivery.
	createTask(t, s, "buy milk")
	cap.wait(t)
	cap.expectNone(t)
}

func TestCommitReachesReplicaSnapshot(t *testing.T) {
	hub := inmemory.NewHub()
	s := openTestStore(t, hub, t.Name())
	createTask(t, s, "buy milk")
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A later store on the same scope bootstraps from the replica snapshot.
	s2 := openTestStore(t, hub, t.Name())
	col, err := s2.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	handles, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(handles) != 1 || mustGet(t, handles[0], "description") != "buy milk" {
		t.Fatalf("replica snapshot should carry the committed record, got %v", handles)
	}
}

// gatedTransport delays every publish until the gate opens, standing in for a
// replica that stopped answering.
type gatedTransport struct {
	rox.Transport
	gate chan struct{}
}

func (g *gatedTransport) Publish(ctx context.Context, scope string, deltas []rox.Delta) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Transport.Publish(ctx, scope, deltas)
}

func TestStalledPublishKeepsStoreResponsive(t *testing.T) {
	hub := inmemory.NewHub()
	gate := make(chan struct{})
	var once sync.Once
	openGate := func() { once.Do(func() { close(gate) }) }
	s, err := Open(ctx, Options{
		Scope:              t.Name(),
		Credentials:        rox.Credentials{Principal: "tester"},
		Authenticator:      inmemory.CredentialProvider{},
		Transport:          &gatedTransport{Transport: hub.NewTransport(), gate: gate},
		Schemas:            []rox.Schema{taskSchema()},
		PropagationWorkers: 1,
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	t.Cleanup(openGate)

	// With the only publish worker wedged, commits and reads must still go through.
	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			col, err := s.Query("Task", QueryOptions{})
			if err != nil {
				return err
			}
			for i := 0; i < 3; i++ {
				tx, err := s.Begin(ctx)
				if err != nil {
					return err
				}
				if _, err := tx.Create("Task", map[string]any{"description": fmt.Sprintf("task %d", i)}); err != nil {
					return err
				}
				if err := tx.Commit(ctx); err != nil {
					return err
				}
			}
			handles, err := col.Materialize()
			if err != nil {
				return err
			}
			if len(handles) != 3 {
				return fmt.Errorf("materialized %d of 3 records", len(handles))
			}
			return nil
		}()
	}()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("store operation failed behind a stalled transport: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store wedged behind a stalled transport")
	}

	// Once the transport recovers, Close flushes the backed-up batches.
	openGate()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	snap, err := hub.NewTransport().Snapshot(ctx, t.Name())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("replica holds %d delta(s) after close, want 3", len(snap))
	}
}

func TestPersistenceBytesRoundTrip(t *testing.T) {
	attachment := rox.MustSchema("Attachment",
		rox.Field{Name: "id", Type: rox.UUIDField, IsPrimaryKey: true, Default: rox.DefaultNewUUID},
		rox.Field{Name: "payload", Type: rox.BytesField},
	)
	path := filepath.Join(t.TempDir(), "attachments.rox")
	open := func() *Store {
		t.Helper()
		s, err := Open(ctx, Options{
			Scope:         t.Name(),
			Credentials:   rox.Credentials{Principal: "tester"},
			Authenticator: inmemory.CredentialProvider{},
			Transport:     inmemory.NewHub().NewTransport(),
			Persistence:   fs.NewStoreFile(path),
			Schemas:       []rox.Schema{attachment},
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	}

	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'r', 'o', 'x'}
	s := open()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.Create("Attachment", map[string]any{"payload": payload}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := open()
	t.Cleanup(func() { s2.Close(ctx) })
	col, err := s2.Query("Attachment", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	handles, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("reloaded store holds %d record(s), want 1", len(handles))
	}
	got, ok := mustGet(t, handles[0], "payload").([]byte)
	if !ok {
		t.Fatalf("payload reloaded as %T, want []byte", mustGet(t, handles[0], "payload"))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload round trip: got %x want %x", got, payload)
	}
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.rox")
	scope := t.Name()

	open := func(hub *inmemory.Hub) *Store {
		t.Helper()
		s, err := Open(ctx, Options{
			Scope:         scope,
			Credentials:   rox.Credentials{Principal: "tester"},
			Authenticator: inmemory.CredentialProvider{},
			Transport:     hub.NewTransport(),
			Persistence:   fs.NewStoreFile(path),
			Schemas:       []rox.Schema{taskSchema()},
		})
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	}

	s := open(inmemory.NewHub())
	keep := createTask(t, s, "keep me")
	drop := createTask(t, s, "drop me")
	dropKey := mustGet(t, drop, "id").(rox.UUID)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Delete(drop); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	keepFields, err := keep.Fields()
	if err != nil {
		t.Fatalf("Fields failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Fresh hub: the replica is empty, so everything below comes from the file.
	hub := inmemory.NewHub()
	s2 := open(hub)
	t.Cleanup(func() { s2.Close(ctx) })
	col, err := s2.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	handles, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("reloaded store should hold one live record, got %d", len(handles))
	}
	h := handles[0]
	if mustGet(t, h, "description") != "keep me" {
		t.Errorf("description = %v", mustGet(t, h, "description"))
	}
	if got := mustGet(t, h, "id"); got != keepFields["id"] {
		t.Errorf("id should round-trip through the file: %v vs %v", got, keepFields["id"])
	}
	if created, ok := mustGet(t, h, "createdAt").(time.Time); !ok || !created.Equal(keepFields["createdAt"].(time.Time)) {
		t.Errorf("createdAt should round-trip through the file: %v vs %v", mustGet(t, h, "createdAt"), keepFields["createdAt"])
	}

	// The deletion's tombstone survives the restart too: an older peer upsert of the
	// deleted record still loses.
	peer := hub.NewTransport()
	stale := time.Now().UnixMilli() - 60_000
	if err := peer.Publish(ctx, scope, []rox.Delta{remoteUpsert(dropKey, "zombie", stale)}); err != nil {
		t.Fatalf("peer Publish failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	handles, err = col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("tombstoned record must stay deleted, got %d record(s)", len(handles))
	}
}
