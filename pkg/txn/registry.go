// Package txn tracks transaction lifecycle state: every transaction the
// engine has begun, its current status, and the WAL watermark it started
// from. It replaces the teacher's LSN-watermark/MVCC-GC tracker with a
// plain status machine, since this spec has no historical-version
// compaction to gate (spec.md §3, §4.3).
package txn

import (
	"sync"
	"time"

	docerrors "github.com/bobboyms/docstore/pkg/errors"
)

// Status is a transaction's place in the active -> {committed, aborted}
// state machine (spec §3). Both terminal states are, well, terminal: no
// further transition out of them is legal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

// Transaction is the registry's view of one in-flight or finished
// transaction.
type Transaction struct {
	ID        string
	Status    Status
	StartLSN  uint64
	StartedAt time.Time
}

// Registry is a `sync.Mutex`-guarded map of transaction state, the same
// shape as the teacher's TransactionRegistry (pkg/storage/transaction_manager.go)
// with Register/Unregister renamed to Begin/Finalize and retargeted at a
// status machine instead of an LSN watermark.
type Registry struct {
	mu   sync.Mutex
	txns map[string]*Transaction
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{txns: make(map[string]*Transaction)}
}

// Begin registers a new active transaction under id, starting at startLSN
// (the WAL LSN its BEGIN record was assigned), and returns it. The caller
// generates id and appends the BEGIN record before calling Begin, since
// the WAL entry must carry the transaction id the registry is keyed by.
func (r *Registry) Begin(id string, startLSN uint64) *Transaction {
	t := &Transaction{
		ID:        id,
		Status:    StatusActive,
		StartLSN:  startLSN,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.txns[t.ID] = t
	r.mu.Unlock()

	return t
}

// Get returns the registered transaction, or InvalidTransactionError if
// no such transaction was ever begun.
func (r *Registry) Get(id string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return nil, &docerrors.InvalidTransactionError{TransactionID: id, Status: "UNKNOWN"}
	}
	return t, nil
}

// RequireActive is the guard every write/read/commit/rollback operation
// runs first (spec §3: "any operation against a non-active transaction ID
// fails").
func (r *Registry) RequireActive(id string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return nil, &docerrors.InvalidTransactionError{TransactionID: id, Status: "UNKNOWN"}
	}
	if t.Status != StatusActive {
		return nil, &docerrors.InvalidTransactionError{TransactionID: id, Status: string(t.Status)}
	}
	return t, nil
}

// Finalize transitions id from active to status (committed or aborted).
// It is an error to finalize a transaction that is not currently active,
// since both terminal states are one-way (spec §3).
func (r *Registry) Finalize(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return &docerrors.InvalidTransactionError{TransactionID: id, Status: "UNKNOWN"}
	}
	if t.Status != StatusActive {
		return &docerrors.InvalidTransactionError{TransactionID: id, Status: string(t.Status)}
	}
	t.Status = status
	return nil
}

// Adopt registers a transaction recovered from the WAL (spec §4.3's
// ARIES Analysis pass, where status is already known from the log rather
// than assigned by Begin). Used only by the recovery driver.
func (r *Registry) Adopt(id string, status Status, startLSN uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txns[id] = &Transaction{
		ID:       id,
		Status:   status,
		StartLSN: startLSN,
	}
}

// ActiveTransactions returns every transaction currently in StatusActive,
// sorted by ID is not guaranteed; callers that need a stable order sort
// themselves.
func (r *Registry) ActiveTransactions() []*Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]*Transaction, 0, len(r.txns))
	for _, t := range r.txns {
		if t.Status == StatusActive {
			active = append(active, t)
		}
	}
	return active
}
