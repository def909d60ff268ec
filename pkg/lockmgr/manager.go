// Package lockmgr implements a two-phase lock manager: per-key
// shared/exclusive locks with FIFO wait queues and deadlock-timeout abort.
// There is no wait-for graph; a request that has waited past the timeout
// simply aborts itself.
package lockmgr

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	docerrors "github.com/bobboyms/docstore/pkg/errors"
	"github.com/bobboyms/docstore/pkg/diagnostics"
)

// Mode is the lock mode a holder or waiter requests.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// DefaultTimeout is the fixed deadlock timeout applied when a caller
// doesn't override it.
const DefaultTimeout = 30 * time.Second

// SuspiciousQueueDepth is the waiter-count threshold past which the
// manager flags a key purely for observability.
const SuspiciousQueueDepth = 8

type waiter struct {
	txnID   string
	mode    Mode
	granted chan error
	done    bool // set by sendGrant so a waiter is never resumed twice
}

type keyLock struct {
	mode    Mode
	holders map[string]struct{}
	waiters []*waiter
}

// Manager is a per-process lock table. A single mutex guards every field
// below; continuations (the waiter's channel) are only ever sent to
// outside the critical section.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration

	reporter diagnostics.Reporter
	metrics  *diagnostics.Metrics
}

// Options configures a Manager.
type Options struct {
	Timeout  time.Duration
	Reporter diagnostics.Reporter
	Metrics  *diagnostics.Metrics
}

// NewManager constructs an empty lock table.
func NewManager(opts Options) *Manager {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = diagnostics.NoopReporter{}
	}
	return &Manager{
		locks:    make(map[string]*keyLock),
		timeout:  timeout,
		reporter: reporter,
		metrics:  opts.Metrics,
	}
}

// Acquire blocks until key is granted to txnID in mode, or fails with
// LockTimeoutError after the deadlock timeout elapses. Re-entrant: a
// transaction that already holds the lock is granted immediately,
// including an upgrade to Exclusive if it is the sole holder. An upgrade
// with other shared holders present queues like any other exclusive
// request.
func (m *Manager) Acquire(key, txnID string, mode Mode) error {
	start := time.Now()

	m.mu.Lock()

	lk := m.locks[key]
	if lk == nil {
		lk = &keyLock{holders: make(map[string]struct{})}
		m.locks[key] = lk
	}

	if granted := m.tryGrantLocked(lk, txnID, mode); granted {
		m.mu.Unlock()
		m.observeWait(time.Since(start))
		return nil
	}

	w := &waiter{txnID: txnID, mode: mode, granted: make(chan error, 1)}
	lk.waiters = append(lk.waiters, w)
	m.recordQueueDepthLocked(key, len(lk.waiters))
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-w.granted:
		m.observeWait(time.Since(start))
		return err
	case <-timer.C:
		m.cancelWaiterOnTimeout(key, w)
		if m.metrics != nil {
			m.metrics.LockTimeouts.Inc()
		}
		m.observeWait(time.Since(start))
		return &docerrors.LockTimeoutError{Key: key, TransactionID: txnID}
	}
}

// tryGrantLocked grants the request immediately if the grant policy
// allows it (re-entrance/upgrade, no holders, or shared-on-shared),
// returning true, and false if it must queue instead. Caller holds m.mu.
func (m *Manager) tryGrantLocked(lk *keyLock, txnID string, mode Mode) bool {
	if _, already := lk.holders[txnID]; already {
		if mode == Exclusive && lk.mode == Shared {
			if len(lk.holders) != 1 {
				// Multiple shared holders: an upgrade must queue like any
				// other exclusive request, not grant in place — otherwise
				// two holders upgrading "simultaneously" would both
				// believe they hold Exclusive while lk.mode never left
				// Shared.
				return false
			}
			lk.mode = Exclusive
		}
		// Re-entrant acquire of a mode already held (or a shared hold
		// requesting shared again, or the sole-holder upgrade above) is a
		// no-op grant.
		return true
	}

	if len(lk.holders) == 0 {
		lk.mode = mode
		lk.holders[txnID] = struct{}{}
		return true
	}

	if mode == Shared && lk.mode == Shared {
		lk.holders[txnID] = struct{}{}
		return true
	}

	return false
}

// Release releases txnID's single hold on key and drains the waiter queue
// head under the fairness rule: the full shared prefix, or the lone
// exclusive head.
func (m *Manager) Release(key, txnID string) {
	m.mu.Lock()
	lk := m.locks[key]
	if lk == nil {
		m.mu.Unlock()
		return
	}
	delete(lk.holders, txnID)

	var toGrant []*waiter
	if len(lk.holders) == 0 {
		toGrant = m.drainQueueLocked(lk)
	}

	m.deleteIfEmptyLocked(key, lk)
	m.mu.Unlock()

	for _, w := range toGrant {
		m.sendGrant(w, nil)
	}
}

// ReleaseAll releases every hold key held by txnID and cancels every
// queued request of txnID across every key, failing each cancelled waiter
// with TransactionAbortedError.
func (m *Manager) ReleaseAll(txnID string) {
	m.mu.Lock()
	var toGrant []*waiter
	var toAbort []*waiter

	for key, lk := range m.locks {
		if _, held := lk.holders[txnID]; held {
			delete(lk.holders, txnID)
			if len(lk.holders) == 0 {
				toGrant = append(toGrant, m.drainQueueLocked(lk)...)
			}
		}

		idx := 0
		for _, w := range lk.waiters {
			if w.txnID == txnID {
				toAbort = append(toAbort, w)
				continue
			}
			lk.waiters[idx] = w
			idx++
		}
		lk.waiters = lk.waiters[:idx]

		m.deleteIfEmptyLocked(key, lk)
	}
	m.mu.Unlock()

	for _, w := range toGrant {
		m.sendGrant(w, nil)
	}
	for _, w := range toAbort {
		m.sendGrant(w, &docerrors.TransactionAbortedError{TransactionID: w.txnID})
	}
}

// drainQueueLocked grants the waiter queue's head: the whole consecutive
// shared prefix, or the lone exclusive head. Caller holds m.mu and
// guarantees lk.holders is currently empty.
func (m *Manager) drainQueueLocked(lk *keyLock) []*waiter {
	if len(lk.waiters) == 0 {
		return nil
	}

	head := lk.waiters[0]
	if head.mode == Exclusive {
		lk.mode = Exclusive
		lk.holders[head.txnID] = struct{}{}
		lk.waiters = lk.waiters[1:]
		return []*waiter{head}
	}

	lk.mode = Shared
	i := 0
	for i < len(lk.waiters) && lk.waiters[i].mode == Shared {
		lk.holders[lk.waiters[i].txnID] = struct{}{}
		i++
	}
	granted := append([]*waiter(nil), lk.waiters[:i]...)
	lk.waiters = lk.waiters[i:]
	return granted
}

func (m *Manager) cancelWaiterOnTimeout(key string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk := m.locks[key]
	if lk == nil {
		return
	}
	if idx := slices.IndexFunc(lk.waiters, func(other *waiter) bool { return other == w }); idx >= 0 {
		lk.waiters = slices.Delete(lk.waiters, idx, idx+1)
	}
	m.deleteIfEmptyLocked(key, lk)
}

func (m *Manager) deleteIfEmptyLocked(key string, lk *keyLock) {
	if len(lk.holders) == 0 && len(lk.waiters) == 0 {
		delete(m.locks, key)
	}
}

// sendGrant resumes a suspended waiter exactly once. It must never be
// called while m.mu is held: continuations resumed from the queue must
// not run while the manager lock is held.
func (m *Manager) sendGrant(w *waiter, err error) {
	if w.done {
		return
	}
	w.done = true
	w.granted <- err
}

func (m *Manager) recordQueueDepthLocked(key string, depth int) {
	if m.metrics != nil {
		m.metrics.WaiterQueueDepth.WithLabelValues(key).Set(float64(depth))
	}
	if depth > SuspiciousQueueDepth {
		m.reporter.ReportDiagnostic("lockmgr", "waiter queue depth crossed suspicious threshold", map[string]string{
			"key": key,
		})
	}
}

func (m *Manager) observeWait(d time.Duration) {
	if m.metrics != nil {
		m.metrics.LockWaitLatency.Observe(d.Seconds())
	}
}
