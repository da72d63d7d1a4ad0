package blink

import (
	"context"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/lock"
)

// Cursor iterates a tree's leaf level in key order, crossing right
// siblings as it exhausts each page — grounded on the teacher's
// nextKey/startKey cursor walk (hmarui66-blink-tree-go/bltree.go),
// generalised to skip tombstoned slots rather than relying on a
// separately maintained "dead" bit meaning something different. Every
// candidate key is locked in the cursor's declared mode before it is
// returned (spec.md §4.E.8 step 4), the same conditional-acquire,
// fall-back-to-blocking, recheck-or-retraverse discipline Insert and
// Delete use for their next-key lock — this is what lets a concurrent
// delete block a scanner that is about to return the very key being
// removed (spec.md §8 scenario 5) instead of the two racing past each
// other unlocked.
type Cursor struct {
	ctx      context.Context
	tree     *Tree
	lockTxn  lock.TxnID
	mode     lock.Mode
	duration lock.Duration
	h        *buffer.Handle
	slot     uint32
	done     bool
}

// NewScan opens a cursor positioned at the first key >= start (or the
// very first key in the tree if start is nil), locking every key it
// returns in mode for duration under txnID — typically lock.S with
// lock.Instant for a read-committed scan, or lock.S with lock.Manual
// for a repeatable-read one that must hold the gap locks until commit.
func (t *Tree) NewScan(ctx context.Context, txnID lock.TxnID, mode lock.Mode, duration lock.Duration, start interface{}) (*Cursor, error) {
	var encKey []byte
	if start != nil {
		encKey = t.keyCodec.Encode(start)
	}
	h, err := t.findLeafForRead(ctx, encKey)
	if err != nil {
		return nil, err
	}
	slot, _ := h.Page().FindSlot(encKey, t.leafCmp)
	return &Cursor{ctx: ctx, tree: t, lockTxn: txnID, mode: mode, duration: duration, h: h, slot: slot}, nil
}

// Next advances the cursor, returning ok=false once the tree is
// exhausted.
func (c *Cursor) Next() (key, value interface{}, ok bool, err error) {
	if c.done {
		return nil, nil, false, nil
	}
	for {
		p := c.h.Page()
		if p.PageType() == pageTypeDead {
			// A concurrent merge folded this page away after we crossed onto
			// it; nothing useful survives, so the scan simply ends rather
			// than guessing where to resume — callers needing a gap-free scan
			// across concurrent deletes should hold commit-duration locks,
			// which prevents this case from arising in the first place.
			c.done = true
			return nil, nil, false, nil
		}
		n := p.GetNumberOfSlots()
		for c.slot < n {
			if p.IsSlotDeleted(c.slot) {
				c.slot++
				continue
			}
			k, v := decodeLeafEntry(p.Get(c.slot))
			locked, err := c.lockCandidate(k)
			if err != nil {
				c.done = true
				return nil, nil, false, err
			}
			if !locked {
				// the candidate vanished (or moved) while we waited for the
				// lock; re-evaluate this page from scratch rather than trust
				// the slot index we started with
				p = c.h.Page()
				n = p.GetNumberOfSlots()
				continue
			}
			key = c.tree.keyCodec.Decode(append([]byte(nil), k...))
			value = c.tree.locCodec.Decode(append([]byte(nil), v...))
			c.slot++
			return key, value, true, nil
		}

		right := p.RightSibling()
		c.h.Unfix()
		if right == 0 {
			c.done = true
			return nil, nil, false, nil
		}
		c.h, err = c.tree.buf.FixShared(c.ctx, right)
		if err != nil {
			c.done = true
			return nil, nil, false, err
		}
		c.slot = 0
	}
}

// lockCandidate acquires the cursor's declared lock on the key-th
// candidate, conditionally first while still holding the page latch,
// falling back to a blocking acquire and a recheck exactly like
// Insert/Delete's next-key protocol. It reports locked=false if the
// candidate needs to be re-evaluated (the page changed underneath the
// blocking wait) rather than returned as-is.
func (c *Cursor) lockCandidate(key []byte) (locked bool, err error) {
	name := lockName(key)
	granted, err := c.tree.locks.AcquireConditional(c.lockTxn, name, c.mode, c.duration)
	if err != nil {
		return false, err
	}
	if granted {
		return true, nil
	}

	pageNo := c.h.PageNumber()
	pageLSN := c.h.Page().GetPageLsn()
	c.h.Unfix()
	if err := c.tree.locks.Acquire(c.ctx, c.lockTxn, name, c.mode, c.duration); err != nil {
		return false, err
	}
	rh, err := c.tree.buf.FixShared(c.ctx, pageNo)
	if err != nil {
		return false, err
	}
	if rh.Page().GetPageLsn() == pageLSN {
		c.h = rh
		return true, nil
	}
	rh.Unfix()

	// The page changed while we waited: retraverse by key and resume
	// from whatever now covers it, rather than assume our old slot index
	// still means anything.
	nh, err := c.tree.findLeafForRead(c.ctx, key)
	if err != nil {
		return false, err
	}
	c.h = nh
	c.slot, _ = nh.Page().FindSlot(key, c.tree.leafCmp)
	return false, nil
}

// Close releases the cursor's currently held page, if any. Safe to
// call once the cursor has already run to exhaustion.
func (c *Cursor) Close() {
	if !c.done {
		c.h.Unfix()
		c.done = true
	}
}
