package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roxdb/rox"
	"github.com/roxdb/rox/inmemory"
)

var ctx = context.Background()

func taskSchema() rox.Schema {
	return rox.MustSchema("Task",
		rox.Field{Name: "id", Type: rox.UUIDField, IsPrimaryKey: true, Default: rox.DefaultNewUUID},
		rox.Field{Name: "description", Type: rox.StringField},
		rox.Field{Name: "isComplete", Type: rox.BoolField, Default: rox.DefaultLiteral, Literal: false},
		rox.Field{Name: "createdAt", Type: rox.TimeField, Default: rox.DefaultNowUTC},
	)
}

func openTestStore(t *testing.T, hub *inmemory.Hub, scope string) *Store {
	t.Helper()
	s, err := Open(ctx, Options{
		Scope:         scope,
		Credentials:   rox.Credentials{Principal: "tester"},
		Authenticator: inmemory.CredentialProvider{},
		Transport:     hub.NewTransport(),
		Schemas:       []rox.Schema{taskSchema()},
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func createTask(t *testing.T, s *Store, description string) Handle {
	t.Helper()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	h, err := tx.Create("Task", map[string]any{"description": description})
	if err != nil {
		t.Fatalf("Create %q failed: %v", description, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return h
}

func mustGet(t *testing.T, h Handle, field string) any {
	t.Helper()
	v, err := h.Get(field)
	if err != nil {
		t.Fatalf("Get %s failed: %v", field, err)
	}
	return v
}

func TestOpenValidation(t *testing.T) {
	hub := inmemory.NewHub()
	cases := []struct {
		name string
		opts Options
	}{
		{"empty scope", Options{Authenticator: inmemory.CredentialProvider{}, Transport: hub.NewTransport(), Schemas: []rox.Schema{taskSchema()}}},
		{"nil transport", Options{Scope: "s", Authenticator: inmemory.CredentialProvider{}, Schemas: []rox.Schema{taskSchema()}}},
		{"nil authenticator", Options{Scope: "s", Transport: hub.NewTransport(), Schemas: []rox.Schema{taskSchema()}}},
		{"no schemas", Options{Scope: "s", Authenticator: inmemory.CredentialProvider{}, Transport: hub.NewTransport()}},
	}
	for _, tt := range cases {
		if _, err := Open(ctx, tt.opts); rox.CodeOf(err) != rox.Validation {
			t.Errorf("%s: expected Validation, got %v", tt.name, err)
		}
	}
}

func TestOpenBadCredentials(t *testing.T) {
	hub := inmemory.NewHub()
	opts := Options{
		Scope:         t.Name(),
		Credentials:   rox.Credentials{Principal: "tester", Secret: "wrong"},
		Authenticator: inmemory.CredentialProvider{Token: "s3cret"},
		Transport:     hub.NewTransport(),
		Schemas:       []rox.Schema{taskSchema()},
	}
	if _, err := Open(ctx, opts); rox.CodeOf(err) != rox.Authentication {
		t.Fatalf("expected Authentication, got %v", err)
	}

	// The failed attempt must release the scope.
	opts.Credentials.Secret = "s3cret"
	s, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("reopen with valid token failed: %v", err)
	}
	if s.Session().Principal != "tester" {
		t.Errorf("session principal = %q", s.Session().Principal)
	}
	s.Close(ctx)
}

func TestSingleOpenStorePerScope(t *testing.T) {
	hub := inmemory.NewHub()
	s := openTestStore(t, hub, t.Name())

	if _, err := Open(ctx, Options{
		Scope:         t.Name(),
		Authenticator: inmemory.CredentialProvider{},
		Transport:     hub.NewTransport(),
		Schemas:       []rox.Schema{taskSchema()},
	}); rox.CodeOf(err) != rox.Concurrency {
		t.Fatalf("second open on same scope: expected Concurrency, got %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s2 := openTestStore(t, hub, t.Name())
	if s2.GetState() != StateOpen {
		t.Errorf("reopened store state = %s", s2.GetState())
	}
}

func TestCreateRoundTrip(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	before := time.Now().UTC()
	h := createTask(t, s, "buy milk")

	if mustGet(t, h, "description") != "buy milk" {
		t.Errorf("description = %v", mustGet(t, h, "description"))
	}
	if mustGet(t, h, "isComplete") != false {
		t.Errorf("isComplete should default false")
	}
	id, ok := mustGet(t, h, "id").(rox.UUID)
	if !ok || id.IsNil() {
		t.Errorf("id should be generated, got %v", mustGet(t, h, "id"))
	}
	created, ok := mustGet(t, h, "createdAt").(time.Time)
	if !ok || created.Before(before) {
		t.Errorf("createdAt = %v, want >= %v", mustGet(t, h, "createdAt"), before)
	}
	if !h.IsValid() {
		t.Errorf("fresh handle should be valid")
	}
	if _, err := h.Get("nope"); rox.CodeOf(err) != rox.Validation {
		t.Errorf("unknown field read: expected Validation, got %v", err)
	}
}

func TestSecondBeginConcurrency(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := s.Begin(ctx); rox.CodeOf(err) != rox.Concurrency {
		t.Fatalf("second Begin: expected Concurrency, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after commit failed: %v", err)
	}
	tx2.Rollback()
}

func TestWriteOutsideTransaction(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")
	if err := h.Set("isComplete", true); rox.CodeOf(err) != rox.NotInTransaction {
		t.Fatalf("expected NotInTransaction, got %v", err)
	}
	if mustGet(t, h, "isComplete") != false {
		t.Errorf("rejected write must not leak")
	}
}

func TestSetVisibleThroughEveryHandle(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")
	col, err := s.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	handles, err := col.Materialize()
	if err != nil || len(handles) != 1 {
		t.Fatalf("Materialize: %v, %v", handles, err)
	}
	other := handles[0]

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.Set("isComplete", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Inside the owning transaction the staged value is already visible.
	if mustGet(t, h, "isComplete") != true {
		t.Errorf("staged write should read back inside the transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Same identity: the independently obtained handle observes the commit.
	if mustGet(t, other, "isComplete") != true {
		t.Errorf("commit should be visible through every handle to the record")
	}
}

func TestPrimaryKeyImmutable(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()
	if err := h.Set("id", rox.NewUUID()); rox.CodeOf(err) != rox.Validation {
		t.Fatalf("primary key write: expected Validation, got %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	id := rox.NewUUID()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.Create("Task", map[string]any{"id": id, "description": "one"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := tx.Create("Task", map[string]any{"id": id, "description": "two"}); rox.CodeOf(err) != rox.Validation {
		t.Fatalf("same-transaction duplicate: expected Validation, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx2.Rollback()
	if _, err := tx2.Create("Task", map[string]any{"id": id, "description": "three"}); rox.CodeOf(err) != rox.Validation {
		t.Fatalf("committed duplicate: expected Validation, got %v", err)
	}
}

func TestExecuteRollsBackOnError(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")
	col, err := s.Query("Task", QueryOptions{SortKey: "createdAt"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	before, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	boom := errors.New("boom")
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	err = tx.Execute(func() error {
		if _, err := tx.Create("Task", map[string]any{"description": "walk dog"}); err != nil {
			return err
		}
		if err := h.Set("isComplete", true); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Execute should re-raise the body error, got %v", err)
	}
	if tx.HasBegun() {
		t.Errorf("transaction should be rolled back")
	}

	after, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(after) != len(before) || after[0] != before[0] {
		t.Errorf("rollback must leave the materialization unchanged: %v vs %v", before, after)
	}
	if mustGet(t, h, "isComplete") != false {
		t.Errorf("staged write must not survive rollback")
	}

	// The store accepts a fresh transaction afterwards.
	createTask(t, s, "write report")
}

func TestRollbackIdempotentCommitRejected(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("second Rollback should be a no-op, got %v", err)
	}
	if err := tx.Commit(ctx); rox.CodeOf(err) != rox.Concurrency {
		t.Fatalf("Commit after Rollback: expected Concurrency, got %v", err)
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("empty Commit failed: %v", err)
	}
	if err := tx2.Rollback(); rox.CodeOf(err) != rox.Concurrency {
		t.Fatalf("Rollback after Commit: expected Concurrency, got %v", err)
	}
}

func TestDeleteInvalidatesHandle(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Delete(h); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// Already unreadable inside the deleting transaction.
	if _, err := h.Get("description"); rox.CodeOf(err) != rox.InvalidHandle {
		t.Errorf("read of staged-deleted record: expected InvalidHandle, got %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if h.IsValid() {
		t.Errorf("handle should invalidate after the delete commits")
	}
	if _, err := h.Get("description"); rox.CodeOf(err) != rox.InvalidHandle {
		t.Errorf("expected InvalidHandle, got %v", err)
	}
	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx2.Rollback()
	if err := h.Set("isComplete", true); rox.CodeOf(err) != rox.InvalidHandle {
		t.Errorf("write through dead handle: expected InvalidHandle, got %v", err)
	}
	if err := tx2.Delete(h); rox.CodeOf(err) != rox.InvalidHandle {
		t.Errorf("second delete: expected InvalidHandle, got %v", err)
	}
}

func TestDeleteThenRecreateInvalidatesOldHandles(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	id := rox.NewUUID()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	old, err := tx.Create("Task", map[string]any{"id": id, "description": "first life"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx2.Delete(old); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	fresh, err := tx2.Create("Task", map[string]any{"id": id, "description": "second life"})
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if old.IsValid() {
		t.Errorf("pre-recreate handle must invalidate")
	}
	if mustGet(t, fresh, "description") != "second life" {
		t.Errorf("recreated record lost its fields")
	}
}

func TestDeleteUncommittedCreateIsNetNothing(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	col, err := s.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	h, err := tx.Create("Task", map[string]any{"description": "ephemeral"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tx.Delete(h); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	handles, err := col.Materialize()
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if len(handles) != 0 {
		t.Errorf("create+delete in one transaction should leave nothing, got %d", len(handles))
	}
}

func TestCloseLifecycle(t *testing.T) {
	s := openTestStore(t, inmemory.NewHub(), t.Name())
	h := createTask(t, s, "buy milk")
	col, err := s.Query("Task", QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	// Close with a trailing open transaction: it is aborted, never committed.
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := h.Set("isComplete", true); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.GetState() != StateClosed {
		t.Fatalf("state after close = %s", s.GetState())
	}
	if tx.HasBegun() {
		t.Errorf("trailing transaction should be force-aborted")
	}
	if err := tx.Commit(ctx); rox.CodeOf(err) != rox.Concurrency {
		t.Errorf("commit of force-aborted transaction: expected Concurrency, got %v", err)
	}

	// Idempotent.
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	// Everything derived from the store answers StoreClosed.
	if _, err := s.Begin(ctx); rox.CodeOf(err) != rox.StoreClosed {
		t.Errorf("Begin after close: expected StoreClosed, got %v", err)
	}
	if _, err := s.Query("Task", QueryOptions{}); rox.CodeOf(err) != rox.StoreClosed {
		t.Errorf("Query after close: expected StoreClosed, got %v", err)
	}
	if _, err := col.Materialize(); rox.CodeOf(err) != rox.StoreClosed {
		t.Errorf("Materialize after close: expected StoreClosed, got %v", err)
	}
	if _, err := col.AddListener(func([]Handle) {}); rox.CodeOf(err) != rox.StoreClosed {
		t.Errorf("AddListener after close: expected StoreClosed, got %v", err)
	}
	if _, err := h.Get("description"); rox.CodeOf(err) != rox.StoreClosed {
		t.Errorf("handle read after close: expected StoreClosed, got %v", err)
	}
}
