// Package lock implements the transactional lock manager: hierarchical
// intention locks over arbitrary lockable names (containers, pages,
// keys), held for instant/manual/commit duration, with wait-for-graph
// deadlock detection.
//
// This sits above, and is independent of, package latch: a latch
// protects a page's in-memory bytes for the few instructions of a
// traversal step, while a lock protects a logical resource (most often
// a B-link tree key, for next-key locking) for the life of a
// transaction. The per-lockable wait queue reuses the teacher's
// BLTRWLock ticket discipline (hmarui66-blink-tree-go/latchmgr.go) —
// first-come-first-served admission avoids the writer starvation a
// naive condition-variable broadcast would allow under contention.
package lock

import (
	"context"
	"sync"

	"github.com/simpledbm/rss/internal/common"
)

// Mode is a lock mode in the standard six-mode hierarchical lattice.
type Mode uint8

const (
	None Mode = iota
	IS        // intention shared
	IX        // intention exclusive
	S         // shared
	SIX       // shared + intention exclusive
	U         // update (upgradable shared)
	X         // exclusive
)

// compatible reports whether a request for `want` can be granted to a
// new holder while `held` is already held by another transaction.
var compatMatrix = map[Mode]map[Mode]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, U: true},
	IX:  {IS: true, IX: true},
	S:   {IS: true, S: true, U: true},
	SIX: {IS: true},
	U:   {IS: true, S: true},
	X:   {},
}

func compatible(held, want Mode) bool {
	if held == None || want == None {
		return true
	}
	row, ok := compatMatrix[held]
	if !ok {
		return false
	}
	return row[want]
}

// Duration controls when a granted lock is released.
type Duration uint8

const (
	Instant Duration = iota // released the instant the request returns
	Manual                  // released by an explicit Release call
	Commit                  // released by ReleaseAll at transaction end
)

// TxnID identifies the lock requester; callers pass their
// transaction's identity (internal/txn uses a uuid.UUID stringified).
type TxnID string

type holder struct {
	txn      TxnID
	mode     Mode
	duration Duration
}

type waiter struct {
	txn    TxnID
	mode   Mode
	granted chan struct{}
}

type entry struct {
	mu      sync.Mutex
	holders []holder
	queue   []*waiter
}

// Manager is the lock table.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	waitsFor map[TxnID]map[TxnID]bool // txn -> set of txns it is waiting on
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{
		entries:  make(map[string]*entry),
		waitsFor: make(map[TxnID]map[TxnID]bool),
	}
}

func (m *Manager) getEntry(lockable string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[lockable]
	if !ok {
		e = &entry{}
		m.entries[lockable] = e
	}
	return e
}

// Acquire requests mode on lockable for txn, blocking until granted,
// ctx is done, or a deadlock is detected. A transaction that already
// holds a compatible-or-stronger mode on the same lockable returns
// immediately (lock conversion).
func (m *Manager) Acquire(ctx context.Context, txn TxnID, lockable string, mode Mode, duration Duration) error {
	e := m.getEntry(lockable)

	e.mu.Lock()
	for i, h := range e.holders {
		if h.txn == txn {
			if covers(h.mode, mode) {
				if duration > h.duration {
					e.holders[i].duration = duration
				}
				e.mu.Unlock()
				return nil
			}
			break
		}
	}

	if m.canGrantLocked(e, txn, mode) {
		e.holders = append(e.holders, holder{txn: txn, mode: mode, duration: duration})
		e.mu.Unlock()
		if duration == Instant {
			m.Release(txn, lockable)
		}
		return nil
	}

	w := &waiter{txn: txn, mode: mode, granted: make(chan struct{})}
	e.queue = append(e.queue, w)
	m.recordWait(txn, e)
	e.mu.Unlock()

	if m.hasDeadlock(txn) {
		m.removeWaiter(e, w)
		m.clearWait(txn)
		return common.ErrDeadlock
	}

	select {
	case <-w.granted:
		m.clearWait(txn)
		e.mu.Lock()
		e.holders = append(e.holders, holder{txn: txn, mode: mode, duration: duration})
		e.mu.Unlock()
		if duration == Instant {
			m.Release(txn, lockable)
		}
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		m.removeWaiter(e, w)
		e.mu.Unlock()
		m.clearWait(txn)
		return common.Wrap(common.ErrLockTimeout, "Acquire: context done")
	}
}

// AcquireConditional attempts to grant mode on lockable for txn without
// ever blocking or enqueueing: it reports false immediately if the
// request cannot be satisfied right now instead of waiting. The B-link
// tree's next-key locking protocol calls this while still holding a
// page latch, falling back to a blocking Acquire (after releasing that
// latch) only when this fails.
func (m *Manager) AcquireConditional(txn TxnID, lockable string, mode Mode, duration Duration) (bool, error) {
	e := m.getEntry(lockable)
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.holders {
		if h.txn == txn {
			if covers(h.mode, mode) {
				if duration > h.duration {
					e.holders[i].duration = duration
				}
				return true, nil
			}
			break
		}
	}

	if !m.canGrantLocked(e, txn, mode) {
		return false, nil
	}
	e.holders = append(e.holders, holder{txn: txn, mode: mode, duration: duration})
	if duration == Instant {
		for i, h := range e.holders {
			if h.txn == txn && h.mode == mode && h.duration == duration {
				e.holders = append(e.holders[:i], e.holders[i+1:]...)
				break
			}
		}
		m.wakeWaitersLocked(e)
	}
	return true, nil
}

// covers reports whether holding `have` already satisfies a request
// for `want` without needing a separate grant (e.g. X covers S).
func covers(have, want Mode) bool {
	rank := map[Mode]int{None: 0, IS: 1, IX: 2, S: 3, SIX: 4, U: 4, X: 5}
	if have == U && want == S {
		return true
	}
	return rank[have] >= rank[want]
}

func (m *Manager) canGrantLocked(e *entry, txn TxnID, mode Mode) bool {
	if len(e.queue) > 0 {
		return false // first-come-first-served: don't jump the queue
	}
	for _, h := range e.holders {
		if h.txn == txn {
			continue
		}
		if !compatible(h.mode, mode) {
			return false
		}
	}
	return true
}

// Release drops any lock txn holds on lockable and wakes waiters that
// can now be granted.
func (m *Manager) Release(txn TxnID, lockable string) {
	e := m.getEntry(lockable)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.holders {
		if h.txn == txn {
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
	m.wakeWaitersLocked(e)
}

// ReleaseAll drops every lock held by txn with Manual or Commit
// duration across every lockable, called at transaction end.
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	all := make([]string, 0, len(m.entries))
	for name := range m.entries {
		all = append(all, name)
	}
	m.mu.Unlock()
	for _, name := range all {
		m.Release(txn, name)
	}
	m.clearWait(txn)
}

func (m *Manager) wakeWaitersLocked(e *entry) {
	for len(e.queue) > 0 {
		w := e.queue[0]
		// Check compatibility against current holders only (an empty
		// queue view), since the head-of-queue waiter is by definition
		// allowed to jump its own empty-queue check.
		if !m.canGrantLocked(&entry{holders: e.holders}, w.txn, w.mode) {
			break
		}
		e.queue = e.queue[1:]
		close(w.granted)
	}
}

func (m *Manager) removeWaiter(e *entry, w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.queue {
		if q == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) recordWait(txn TxnID, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.waitsFor[txn]
	if set == nil {
		set = make(map[TxnID]bool)
		m.waitsFor[txn] = set
	}
	for _, h := range e.holders {
		if h.txn != txn {
			set[h.txn] = true
		}
	}
}

func (m *Manager) clearWait(txn TxnID) {
	m.mu.Lock()
	delete(m.waitsFor, txn)
	m.mu.Unlock()
}

// hasDeadlock runs a depth-first search over the wait-for graph
// starting at txn, reporting true if it can reach back to txn — a
// cycle, meaning granting this wait would deadlock.
func (m *Manager) hasDeadlock(txn TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	visited := make(map[TxnID]bool)
	var dfs func(t TxnID) bool
	dfs = func(t TxnID) bool {
		for next := range m.waitsFor[t] {
			if next == txn {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(txn)
}
