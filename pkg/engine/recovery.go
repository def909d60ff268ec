package engine

import (
	"github.com/bobboyms/docstore/pkg/txn"
	"github.com/bobboyms/docstore/pkg/wal"
)

// recover runs a three-pass ARIES-style algorithm: Analysis partitions
// transaction IDs into committed/aborted, Redo re-applies committed
// effects in LSN order, Undo restores before-images for everything left
// over in reverse LSN order.
func (e *StorageEngine) recover() error {
	entries, err := e.wal.Scan(0)
	if err != nil {
		return err
	}

	committed := make(map[string]bool)
	seen := make(map[string]bool)
	for _, en := range entries {
		if en.TransactionID == wal.SystemTransactionID {
			continue
		}
		seen[en.TransactionID] = true
		if en.Operation == wal.OpCommit {
			committed[en.TransactionID] = true
		}
	}

	aborted := make(map[string]bool)
	for _, en := range entries {
		if en.Operation == wal.OpRollback && !committed[en.TransactionID] {
			aborted[en.TransactionID] = true
		}
	}

	for _, en := range entries {
		if !en.IsDataOp() || !committed[en.TransactionID] {
			continue
		}
		if err := e.applyEntry(en); err != nil {
			e.swallow("recovery-redo", err)
		}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		en := entries[i]
		if !en.IsDataOp() {
			continue
		}
		if committed[en.TransactionID] || aborted[en.TransactionID] {
			continue
		}
		if err := e.restoreBeforeImage(en); err != nil {
			e.swallow("recovery-undo", err)
		}
	}

	for id := range seen {
		switch {
		case committed[id]:
			e.registry.Adopt(id, txn.StatusCommitted, 0)
		default:
			// Explicitly rolled back, or neither committed nor rolled back
			// (Undo already restored the pre-transaction state above): the
			// status machine records both as aborted — there is no live
			// caller left to finalize them.
			e.registry.Adopt(id, txn.StatusAborted, 0)
		}
	}

	return nil
}
