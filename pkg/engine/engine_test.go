package engine_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobboyms/docstore/pkg/document"
	"github.com/bobboyms/docstore/pkg/engine"
	docerrors "github.com/bobboyms/docstore/pkg/errors"
	"github.com/bobboyms/docstore/pkg/wal"
)

func openEngine(t *testing.T) (*engine.StorageEngine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.Open(dir, engine.DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e, dir
}

// Scenario 1: sequential patches compose.
func TestSequentialPatchesCompose(t *testing.T) {
	e, _ := openEngine(t)

	t1, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Write(t1, "u", map[string]document.Value{"a": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(t1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Write(t2, "u", map[string]document.Value{"b": float64(2)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t3, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := e.Read(t3, "u")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := map[string]document.Value{"a": float64(1), "b": float64(2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected value (-want +got):\n%s", diff)
	}
}

// Scenario 3: rollback restores.
func TestRollbackRestoresPriorValue(t *testing.T) {
	e, _ := openEngine(t)

	setup, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Write(setup, "acct", map[string]document.Value{"balance": float64(1000)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t1, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Write(t1, "acct", map[string]document.Value{"balance": float64(-1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Rollback(t1); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	t2, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := e.Read(t2, "acct")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	obj, ok := document.Object(got)
	if !ok || obj["balance"] != float64(1000) {
		t.Fatalf("expected balance to remain 1000, got %v", got)
	}
}

// Scenario 6: deep-merge preserves siblings.
func TestDeepMergePreservesSiblings(t *testing.T) {
	e, _ := openEngine(t)

	t1, _ := e.BeginTransaction()
	if err := e.Write(t1, "doc", map[string]document.Value{
		"user": map[string]document.Value{
			"profile": map[string]document.Value{"name": "John", "age": float64(30)},
		},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(t1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2, _ := e.BeginTransaction()
	if err := e.Write(t2, "doc", map[string]document.Value{
		"user": map[string]document.Value{
			"profile":     map[string]document.Value{"age": float64(31)},
			"preferences": map[string]document.Value{"lang": "en"},
		},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t3, _ := e.BeginTransaction()
	got, err := e.Read(t3, "doc")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := map[string]document.Value{
		"user": map[string]document.Value{
			"profile":     map[string]document.Value{"name": "John", "age": float64(31)},
			"preferences": map[string]document.Value{"lang": "en"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected value (-want +got):\n%s", diff)
	}
}

// Scenario 2: concurrent disjoint writes never clash.
func TestConcurrentDisjointWritesBothSurvive(t *testing.T) {
	e, _ := openEngine(t)

	ta, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin ta: %v", err)
	}
	tb, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("Begin tb: %v", err)
	}

	if err := e.Write(ta, "u", map[string]document.Value{"f0": "v0"}); err != nil {
		t.Fatalf("Write ta: %v", err)
	}
	if err := e.Commit(ta); err != nil {
		t.Fatalf("Commit ta: %v", err)
	}

	if err := e.Write(tb, "u", map[string]document.Value{"f1": "v1"}); err != nil {
		t.Fatalf("Write tb: %v", err)
	}
	if err := e.Commit(tb); err != nil {
		t.Fatalf("Commit tb: %v", err)
	}

	t3, _ := e.BeginTransaction()
	got, err := e.Read(t3, "u")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := map[string]document.Value{"f0": "v0", "f1": "v1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected value (-want +got):\n%s", diff)
	}
}

func TestDelete_RemovesDocument(t *testing.T) {
	e, dir := openEngine(t)

	t1, _ := e.BeginTransaction()
	if err := e.Write(t1, "k", map[string]document.Value{"x": float64(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Commit(t1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "k.json")); err != nil {
		t.Fatalf("expected k.json to exist: %v", err)
	}

	t2, _ := e.BeginTransaction()
	if err := e.Delete(t2, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "k.json")); !os.IsNotExist(err) {
		t.Fatalf("expected k.json to be gone, stat err = %v", err)
	}

	t3, _ := e.BeginTransaction()
	got, err := e.Read(t3, "k")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %v", got)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	e, _ := openEngine(t)

	t1, _ := e.BeginTransaction()
	err := e.Write(t1, "../escape", map[string]document.Value{"a": float64(1)})

	var invalidErr *docerrors.InvalidKeyError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidKeyError, got %v", err)
	}
}

func TestOperationOnNonActiveTransactionFails(t *testing.T) {
	e, _ := openEngine(t)

	t1, _ := e.BeginTransaction()
	if err := e.Commit(t1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err := e.Write(t1, "k", map[string]document.Value{"a": float64(1)})
	var invalidErr *docerrors.InvalidTransactionError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidTransactionError, got %v", err)
	}
}

// Scenario 4: crash between WRITE and COMMIT leaves pre-transaction state.
// The WAL is built directly so the engine is opened straight into the
// post-crash state, rather than relying on timing an in-process crash.
func TestRecovery_UncommittedTransactionLeavesNoEffect(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.DefaultOptions())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	if _, err := w.Append(wal.Entry{TransactionID: "crash-1", Operation: wal.OpBegin}); err != nil {
		t.Fatalf("Append BEGIN: %v", err)
	}
	if _, err := w.Append(wal.Entry{
		TransactionID: "crash-1",
		Operation:     wal.OpWrite,
		Key:           "k",
		BeforeImage:   json.RawMessage("null"),
		AfterImage:    json.RawMessage(`{"a":1}`),
	}); err != nil {
		t.Fatalf("Append WRITE: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e, err := engine.Open(dir, engine.DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Shutdown()

	if _, err := os.Stat(filepath.Join(dir, "k.json")); !os.IsNotExist(err) {
		t.Fatalf("expected k.json absent after recovery of an uncommitted txn, stat err = %v", err)
	}
}

// Scenario 5: crash after COMMIT but before apply is redone on recovery.
func TestRecovery_RedoesCommittedEffectsMissingFromDisk(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, wal.DefaultOptions())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	if _, err := w.Append(wal.Entry{TransactionID: "crash-2", Operation: wal.OpBegin}); err != nil {
		t.Fatalf("Append BEGIN: %v", err)
	}
	if _, err := w.Append(wal.Entry{
		TransactionID: "crash-2",
		Operation:     wal.OpWrite,
		Key:           "k",
		BeforeImage:   json.RawMessage("null"),
		AfterImage:    json.RawMessage(`{"a":1}`),
	}); err != nil {
		t.Fatalf("Append WRITE: %v", err)
	}
	if _, err := w.Append(wal.Entry{TransactionID: "crash-2", Operation: wal.OpCommit}); err != nil {
		t.Fatalf("Append COMMIT: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "k.json")); !os.IsNotExist(err) {
		t.Fatalf("expected k.json to not yet exist before recovery")
	}

	e, err := engine.Open(dir, engine.DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e.Shutdown()

	data, err := os.ReadFile(filepath.Join(dir, "k.json"))
	if err != nil {
		t.Fatalf("expected k.json to exist after redo: %v", err)
	}
	val, err := document.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	obj, ok := document.Object(val)
	if !ok || obj["a"] != float64(1) {
		t.Fatalf("expected {a:1} after redo, got %v", val)
	}
}
