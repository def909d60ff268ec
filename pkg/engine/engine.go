// Package engine implements the document store's StorageEngine: the
// component that ties the write-ahead log, lock manager, and transaction
// registry together into begin/write/read/delete/commit/rollback, plus
// the ARIES-style crash recovery driver run at Open.
package engine

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	cockroacherrors "github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/bobboyms/docstore/pkg/diagnostics"
	"github.com/bobboyms/docstore/pkg/document"
	docerrors "github.com/bobboyms/docstore/pkg/errors"
	"github.com/bobboyms/docstore/pkg/identifiers"
	"github.com/bobboyms/docstore/pkg/lockmgr"
	"github.com/bobboyms/docstore/pkg/txn"
	"github.com/bobboyms/docstore/pkg/wal"
)

// StorageEngine is the single-process owner of a data directory: the WAL,
// the lock table, and the transaction registry are each a process-wide
// singleton, initialized once at construction.
type StorageEngine struct {
	dir      string
	wal      *wal.WAL
	locks    *lockmgr.Manager
	registry *txn.Registry

	logger   zerolog.Logger
	reporter diagnostics.Reporter
	metrics  *diagnostics.Metrics
}

// Open opens dbRoot (creating it if necessary), replays its WAL with the
// three-pass ARIES recovery algorithm, and returns a ready engine.
func Open(dbRoot string, opts Options) (*StorageEngine, error) {
	opts = opts.withDefaults()

	w, err := wal.Open(dbRoot, opts.WAL)
	if err != nil {
		return nil, err
	}

	e := &StorageEngine{
		dir:      dbRoot,
		wal:      w,
		locks:    lockmgr.NewManager(opts.Lock),
		registry: txn.NewRegistry(),
		logger:   *opts.Logger,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
	}

	if err := e.recover(); err != nil {
		w.Close()
		return nil, err
	}
	return e, nil
}

// BeginTransaction starts a new transaction, appending its BEGIN record to
// the WAL buffer (flushed with the next forced or threshold flush), and
// never blocks.
func (e *StorageEngine) BeginTransaction() (string, error) {
	id := identifiers.NewTransactionID()
	lsn, err := e.wal.Append(wal.Entry{TransactionID: id, Operation: wal.OpBegin})
	if err != nil {
		return "", docerrors.NewWalIOError("begin", err)
	}
	e.registry.Begin(id, lsn)
	if e.metrics != nil {
		e.metrics.ActiveTransactions.Inc()
	}
	return id, nil
}

// Write applies patch to key within txnId via deep merge, appending a
// WRITE record. The change is not applied to the data file until commit.
func (e *StorageEngine) Write(txnID, key string, patch document.Value) error {
	if err := identifiers.ValidateKey(key); err != nil {
		return err
	}
	key = identifiers.NormalizeKey(key)
	tx, err := e.registry.RequireActive(txnID)
	if err != nil {
		return err
	}
	if err := e.locks.Acquire(key, txnID, lockmgr.Exclusive); err != nil {
		return err
	}

	current, err := e.currentValueForWrite(tx, key)
	if err != nil {
		return err
	}
	merged := document.Merge(current, patch)

	beforeRaw, err := document.Encode(current)
	if err != nil {
		return cockroacherrors.Wrapf(err, "encode before-image for %q", key)
	}
	afterRaw, err := document.Encode(merged)
	if err != nil {
		return cockroacherrors.Wrapf(err, "encode after-image for %q", key)
	}

	if _, err := e.wal.Append(wal.Entry{
		TransactionID: txnID,
		Operation:     wal.OpWrite,
		Key:           key,
		BeforeImage:   beforeRaw,
		AfterImage:    afterRaw,
	}); err != nil {
		return docerrors.NewWalIOError("write", err)
	}
	return nil
}

// Read returns the value visible to txnId for key: its own pending
// WRITE/DELETE effect if any, else the on-disk value, or nil if absent.
func (e *StorageEngine) Read(txnID, key string) (document.Value, error) {
	if err := identifiers.ValidateKey(key); err != nil {
		return nil, err
	}
	key = identifiers.NormalizeKey(key)
	tx, err := e.registry.RequireActive(txnID)
	if err != nil {
		return nil, err
	}
	if err := e.locks.Acquire(key, txnID, lockmgr.Shared); err != nil {
		return nil, err
	}
	return e.currentValueForRead(tx, key)
}

// Delete removes key within txnId, appending a DELETE record whose
// before-image is the current on-disk value.
func (e *StorageEngine) Delete(txnID, key string) error {
	if err := identifiers.ValidateKey(key); err != nil {
		return err
	}
	key = identifiers.NormalizeKey(key)
	if _, err := e.registry.RequireActive(txnID); err != nil {
		return err
	}
	if err := e.locks.Acquire(key, txnID, lockmgr.Exclusive); err != nil {
		return err
	}

	current, err := e.readOnDisk(key)
	if err != nil {
		return cockroacherrors.Wrapf(err, "read %q before delete", key)
	}
	beforeRaw, err := document.Encode(current)
	if err != nil {
		return cockroacherrors.Wrapf(err, "encode before-image for %q", key)
	}

	if _, err := e.wal.Append(wal.Entry{
		TransactionID: txnID,
		Operation:     wal.OpDelete,
		Key:           key,
		BeforeImage:   beforeRaw,
		AfterImage:    json.RawMessage("null"),
	}); err != nil {
		return docerrors.NewWalIOError("delete", err)
	}
	return nil
}

// Commit durably appends COMMIT, applies the transaction's buffered
// WRITE/DELETE effects to the data directory, trims its WAL records, and
// releases its locks.
func (e *StorageEngine) Commit(txnID string) error {
	tx, err := e.registry.RequireActive(txnID)
	if err != nil {
		return err
	}

	if _, err := e.wal.Append(wal.Entry{TransactionID: txnID, Operation: wal.OpCommit}); err != nil {
		e.rollbackBestEffort(txnID)
		return e.failCommit(txnID, "commit-append", err)
	}
	if err := e.registry.Finalize(txnID, txn.StatusCommitted); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ActiveTransactions.Dec()
	}

	entries, err := e.wal.Scan(tx.StartLSN)
	if err != nil {
		// COMMIT is already durable; a scan failure here cannot undo that.
		// The next restart's Redo pass reconciles the data directory.
		e.locks.ReleaseAll(txnID)
		return e.failCommit(txnID, "commit-apply-scan", err)
	}

	for i := range entries {
		en := entries[i]
		if en.TransactionID != txnID || !en.IsDataOp() {
			continue
		}
		if err := e.applyEntry(en); err != nil {
			// Same reasoning: COMMIT already flushed, so recovery's Redo
			// will complete the apply on next start.
			e.locks.ReleaseAll(txnID)
			return e.failCommit(txnID, "commit-apply", err)
		}
	}

	e.wal.TrimCommittedTransaction(txnID)
	e.locks.ReleaseAll(txnID)
	return nil
}

// Rollback appends ROLLBACK and releases the transaction's locks. No file
// modifications are required since no effects were ever applied between
// BEGIN and COMMIT.
func (e *StorageEngine) Rollback(txnID string) error {
	if _, err := e.registry.RequireActive(txnID); err != nil {
		return err
	}
	if _, err := e.wal.Append(wal.Entry{TransactionID: txnID, Operation: wal.OpRollback}); err != nil {
		return docerrors.NewWalIOError("rollback", err)
	}
	if err := e.registry.Finalize(txnID, txn.StatusAborted); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ActiveTransactions.Dec()
	}
	e.locks.ReleaseAll(txnID)
	return nil
}

// rollbackBestEffort is used when a COMMIT append itself fails: the
// transaction is still active in the registry, so a normal Rollback
// should still be attempted, but its own failure is swallowed — the
// caller already sees CommitFailed.
func (e *StorageEngine) rollbackBestEffort(txnID string) {
	if err := e.Rollback(txnID); err != nil {
		e.swallow("rollback-after-commit-failure", err)
	}
}

// failCommit logs op at Error level — the caller is about to see a
// CommitFailedError, an error that propagates rather than being
// swallowed — and builds that error. op tells whether the COMMIT append
// itself failed ("commit-append") or the apply after it ("commit-apply*").
func (e *StorageEngine) failCommit(txnID, op string, err error) error {
	e.logger.Error().Err(err).Str("op", op).Str("transactionId", txnID).Msg("engine: commit failed")
	return docerrors.NewCommitFailedError(txnID, err)
}

// ActiveTransactions returns a snapshot of every currently active
// transaction ID.
func (e *StorageEngine) ActiveTransactions() []string {
	active := e.registry.ActiveTransactions()
	ids := make([]string, len(active))
	for i, t := range active {
		ids[i] = t.ID
	}
	return ids
}

// ForceCheckpoint appends a CHECKPOINT record and forces a flush.
func (e *StorageEngine) ForceCheckpoint() error {
	if _, err := e.wal.Append(wal.Entry{TransactionID: wal.SystemTransactionID, Operation: wal.OpCheckpoint}); err != nil {
		return docerrors.NewWalIOError("checkpoint", err)
	}
	return e.wal.ForceFlush()
}

// Shutdown best-effort rolls back every active transaction, then flushes
// and closes the WAL.
func (e *StorageEngine) Shutdown() error {
	for _, id := range e.ActiveTransactions() {
		if err := e.Rollback(id); err != nil {
			e.swallow("shutdown-rollback", err)
		}
	}
	return e.wal.Close()
}

func (e *StorageEngine) swallow(op string, err error) {
	e.logger.Trace().Err(err).Str("op", op).Msg("engine: swallowed error")
	e.reporter.ReportSwallowedError("engine", op, err, nil)
}

func (e *StorageEngine) docPath(key string) string {
	return filepath.Join(e.dir, key+".json")
}

// readOnDisk strictly parses <key>.json, propagating a parse error to the
// caller.
func (e *StorageEngine) readOnDisk(key string) (document.Value, error) {
	data, err := os.ReadFile(e.docPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return document.Decode(data)
}

// currentValueForRead resolves the value read(txn, key) must return: the
// most recent in-transaction effect, else the strict on-disk value.
func (e *StorageEngine) currentValueForRead(tx *txn.Transaction, key string) (document.Value, error) {
	value, found, err := e.pendingEffect(tx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}
	return e.readOnDisk(key)
}

// currentValueForWrite resolves write(txn, key, patch)'s before-image: the
// most recent in-transaction effect, else the on-disk value with a parse
// error downgraded to an empty object rather than propagated.
func (e *StorageEngine) currentValueForWrite(tx *txn.Transaction, key string) (document.Value, error) {
	value, found, err := e.pendingEffect(tx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}

	data, err := os.ReadFile(e.docPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	decoded, decodeErr := document.Decode(data)
	if decodeErr != nil {
		e.swallow("parse-on-disk", decodeErr)
		return nil, nil
	}
	return decoded, nil
}

// pendingEffect scans the WAL from tx.StartLSN for the most recent
// WRITE/DELETE this transaction made to key. A WAL scan rather than an
// in-memory overlay map, trading a little CPU for one fewer data structure
// to keep consistent with the log.
func (e *StorageEngine) pendingEffect(tx *txn.Transaction, key string) (value document.Value, found bool, err error) {
	entries, err := e.wal.Scan(tx.StartLSN)
	if err != nil {
		return nil, false, err
	}

	var last *wal.Entry
	for i := range entries {
		en := &entries[i]
		if en.TransactionID == tx.ID && en.Key == key && en.IsDataOp() {
			last = en
		}
	}
	if last == nil {
		return nil, false, nil
	}
	if last.Operation == wal.OpDelete {
		return nil, true, nil
	}
	v, err := document.Decode(last.AfterImage)
	return v, true, err
}

// applyEntry applies a single WRITE/DELETE's after-image to the data
// directory. Idempotent: re-writing identical content or unlinking an
// absent file are both no-ops, which is what lets Redo replay it freely.
func (e *StorageEngine) applyEntry(en wal.Entry) error {
	switch en.Operation {
	case wal.OpWrite:
		return e.writeDocumentFile(en.Key, en.AfterImage)
	case wal.OpDelete:
		return e.removeDocumentFile(en.Key)
	default:
		return nil
	}
}

// restoreBeforeImage undoes a single WRITE/DELETE by writing its
// before-image back (or unlinking if the before-image is null), the
// shape Undo needs regardless of the entry's original operation.
func (e *StorageEngine) restoreBeforeImage(en wal.Entry) error {
	if isNullRaw(en.BeforeImage) {
		return e.removeDocumentFile(en.Key)
	}
	return e.writeDocumentFile(en.Key, en.BeforeImage)
}

func (e *StorageEngine) writeDocumentFile(key string, raw json.RawMessage) error {
	if isNullRaw(raw) {
		return e.removeDocumentFile(key)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return err
	}
	path := e.docPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pretty.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *StorageEngine) removeDocumentFile(key string) error {
	err := os.Remove(e.docPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
