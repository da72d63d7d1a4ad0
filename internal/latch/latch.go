// Package latch implements the short-term page latches used to protect
// in-memory page contents during a traversal or mutation, as distinct
// from the long-term transactional locks in package lock.
//
// The three-mode scheme (shared / update / exclusive) generalises the
// teacher's five-mode BLTRWLock-based scheme (access/delete/read/write/
// parent) from hmarui66-blink-tree-go/latchmgr.go down to the minimal
// set spec.md §4.D requires: readers never block readers, an updater
// holds the right to eventually write without blocking concurrent
// readers until it actually upgrades, and only one writer (update or
// exclusive) is admitted at a time. The phase-fair ticket algorithm
// itself — the rin/rout/ticket/serving dance — is lifted unchanged from
// the teacher's BLTRWLock.WriteLock/ReadLock.
package latch

import (
	"runtime"
	"sync/atomic"
)

const (
	phaseIDMask = 0x1
	present     = 0x2
	mask        = 0x3
	readIncr    = 0x4
)

// Mode names the three admission levels a caller can request.
type Mode int

const (
	Shared Mode = iota
	Update
	Exclusive
)

// Latch is a phase-fair reader/writer/updater lock for a single page.
// Zero value is ready to use.
type Latch struct {
	rin     uint32
	rout    uint32
	ticket  uint32
	serving uint32
}

// ticket is returned by LockUpdate/LockExclusive so the matching
// Unlock call can be paired correctly; it is opaque to callers.
type Ticket uint32

// LockShared blocks until no writer holds or is upgrading to
// Exclusive, then admits the reader. Any number of readers may hold
// the latch simultaneously, including alongside a single Update
// holder.
func (l *Latch) LockShared() {
	w := (atomic.AddUint32(&l.rin, readIncr) - readIncr) & mask
	if w > 0 {
		for w == atomic.LoadUint32(&l.rin)&mask {
			runtime.Gosched()
		}
	}
}

// UnlockShared releases a shared hold acquired via LockShared.
func (l *Latch) UnlockShared() {
	atomic.AddUint32(&l.rout, readIncr)
}

// LockUpdate admits at most one updater at a time but does not wait
// for existing readers to drain — it only excludes other updaters and
// exclusive waiters. Returns a ticket to hand to UpgradeToExclusive or
// UnlockUpdate.
func (l *Latch) LockUpdate() Ticket {
	tix := atomic.AddUint32(&l.ticket, 1) - 1
	for tix != atomic.LoadUint32(&l.serving) {
		runtime.Gosched()
	}
	return Ticket(tix)
}

// UnlockUpdate releases an Update hold without ever having upgraded to
// Exclusive.
func (l *Latch) UnlockUpdate() {
	fetchAndAndUint32(&l.rin, ^uint32(mask))
	atomic.AddUint32(&l.serving, 1)
}

// UpgradeToExclusive blocks until all readers admitted before this
// updater have released, then returns with the latch held exclusively.
// Call with the ticket returned by the LockUpdate that preceded it.
func (l *Latch) UpgradeToExclusive(tix Ticket) {
	w := present | (uint32(tix) & phaseIDMask)
	r := atomic.AddUint32(&l.rin, w) - w
	for r != atomic.LoadUint32(&l.rout) {
		runtime.Gosched()
	}
}

// LockExclusive is LockUpdate immediately followed by
// UpgradeToExclusive — the common case of a mutation that never needs
// the brief "intend to write, still allow readers" window.
func (l *Latch) LockExclusive() Ticket {
	tix := l.LockUpdate()
	l.UpgradeToExclusive(tix)
	return tix
}

// UnlockExclusive releases a hold acquired via LockExclusive or
// UpgradeToExclusive.
func (l *Latch) UnlockExclusive() {
	l.UnlockUpdate()
}

// DowngradeToShared releases the exclusive hold but immediately
// re-admits the caller as one of the shared readers, avoiding a window
// where another writer could slip in between. Used when a split
// finishes adjusting a page and the caller wants to re-read it before
// releasing entirely.
func (l *Latch) DowngradeToShared() {
	atomic.AddUint32(&l.rin, readIncr) // join the readers while the writer bits are still set
	l.UnlockExclusive()
}

func fetchAndAndUint32(val *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(val)
		if atomic.CompareAndSwapUint32(val, old, old&mask) {
			return old
		}
	}
}
