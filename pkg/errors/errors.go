// Package errors defines the closed error taxonomy the engine surfaces to
// callers (see spec §6/§7): InvalidKey, InvalidTransaction, LockTimeout,
// TransactionAborted, WalIoError, CommitFailed. Each kind is its own struct
// so a caller can pull the offending key/transaction id back out with
// errors.As, instead of matching on a sentinel.
package errors

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// InvalidKeyError is returned when a document key fails the key-safety
// check (empty, contains '/', '\', or a ".." substring).
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

// InvalidTransactionError is returned when an operation targets a
// transaction id that is unknown or no longer active.
type InvalidTransactionError struct {
	TransactionID string
	Status        string
}

func (e *InvalidTransactionError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("transaction %q not found", e.TransactionID)
	}
	return fmt.Sprintf("transaction %q is %s, not active", e.TransactionID, e.Status)
}

// LockTimeoutError is returned when a lock acquire waits longer than the
// deadlock timeout.
type LockTimeoutError struct {
	Key           string
	TransactionID string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("transaction %q timed out waiting for lock on key %q", e.TransactionID, e.Key)
}

// TransactionAbortedError is returned to a queued waiter whose transaction
// released all its locks (commit or rollback) while it was still waiting.
type TransactionAbortedError struct {
	TransactionID string
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %q was aborted while waiting for a lock", e.TransactionID)
}

// WalIOError wraps an I/O failure on a WAL critical path (append, forced
// flush). The underlying error is preserved for errors.Is/As.
type WalIOError struct {
	Op  string
	Err error
}

func (e *WalIOError) Error() string {
	return fmt.Sprintf("wal %s failed: %v", e.Op, e.Err)
}

func (e *WalIOError) Unwrap() error { return e.Err }

// NewWalIOError wraps err with a stack trace and the failing operation name.
func NewWalIOError(op string, err error) *WalIOError {
	return &WalIOError{Op: op, Err: cockroacherrors.Wrapf(err, "wal: %s", op)}
}

// CommitFailedError is returned when a commit fails. Either appending the
// COMMIT record failed (the engine then attempts a rollback), or the
// COMMIT record was flushed durably but applying its effects to the key
// files failed. In the second case the transaction is in an observably
// inconsistent state (durable-but-not-yet-applied); the next Open()'s Redo
// pass reconciles it.
type CommitFailedError struct {
	TransactionID string
	Err           error
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("transaction %q: commit failed: %v", e.TransactionID, e.Err)
}

func (e *CommitFailedError) Unwrap() error { return e.Err }

// NewCommitFailedError wraps err with a stack trace.
func NewCommitFailedError(txnID string, err error) *CommitFailedError {
	return &CommitFailedError{TransactionID: txnID, Err: cockroacherrors.Wrapf(err, "commit")}
}
