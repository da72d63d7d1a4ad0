package blink

import (
	"context"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/latch"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/txn"
)

// Insert adds key->value to the tree under tx. The key lock is taken
// for commit duration before any page is touched, so it is held for
// the whole transaction exactly as ordinary two-phase locking requires
// — the structural work below (locating the leaf, splitting on the way
// if full) happens entirely under that protection. Beyond the key
// itself, spec.md's phantom-prevention rule also requires an instant
// EXCLUSIVE lock on the *next* key (the slot immediately following the
// insertion point) before the entry is installed; insertAtLevel below
// reports when that next-key lock's conditional acquire lost a race
// with a concurrent structural change and the whole insert must be
// retried from the top.
func (t *Tree) Insert(ctx context.Context, tx *txn.Transaction, key, value interface{}) error {
	encKey := t.keyCodec.Encode(key)
	encVal := t.locCodec.Encode(value)
	lockTxn := lock.TxnID(tx.ID.String())
	if err := t.locks.Acquire(ctx, lockTxn, lockName(encKey), lock.X, lock.Commit); err != nil {
		return err
	}
	entry := encodeLeafEntry(encKey, encVal)
	for {
		restart, err := t.insertAtLevel(ctx, lockTxn, tx, 0, encKey, entry)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// insertAtLevel installs entry, already encoded for level, into the
// page that should hold key — splitting first and retrying if the page
// currently has no room. Only level 0 (leaf) entries are checked for
// uniqueness and next-key locked; internal-level entries are separator
// keys, which may legitimately repeat a descendant's boundary and are
// never visible to a scan, so they need neither check. restart reports
// that the next-key lock's conditional acquire raced a concurrent
// change and Insert must retraverse from the root.
func (t *Tree) insertAtLevel(ctx context.Context, lockTxn lock.TxnID, tx *txn.Transaction, level uint16, key, entry []byte) (restart bool, err error) {
	h, err := t.locate(ctx, key, level, latch.Update)
	if err != nil {
		return false, err
	}
	p := h.Page()
	cmp := t.cmpForLevel(level)
	slot, exact := p.FindSlot(key, cmp)
	if level == 0 && exact && !p.IsSlotDeleted(slot) {
		h.Unfix()
		return false, common.ErrUniqueViolation
	}

	if level == 0 {
		name, err := t.peekNextKeyLock(ctx, h, slot)
		if err != nil {
			h.Unfix()
			return false, err
		}
		granted, err := t.locks.AcquireConditional(lockTxn, name, lock.X, lock.Instant)
		if err != nil {
			h.Unfix()
			return false, err
		}
		if !granted {
			pageNo := h.PageNumber()
			pageLSN := p.GetPageLsn()
			h.Unfix()
			if err := t.locks.Acquire(ctx, lockTxn, name, lock.X, lock.Instant); err != nil {
				return false, err
			}
			rh, err := t.buf.FixShared(ctx, pageNo)
			if err != nil {
				return false, err
			}
			changed := rh.Page().GetPageLsn() != pageLSN
			rh.Unfix()
			if changed {
				return true, nil // the candidate next key may have moved; restart the insert
			}
			h, err = t.buf.FixForUpdate(ctx, pageNo)
			if err != nil {
				return false, err
			}
			p = h.Page()
			slot, exact = p.FindSlot(key, cmp)
			if exact && !p.IsSlotDeleted(slot) {
				h.Unfix()
				return false, common.ErrUniqueViolation
			}
		}
	}

	if p.GetFreeSpace() < uint32(len(entry)) {
		pageNo := h.PageNumber()
		h.Unfix()
		if err := t.split(ctx, tx, pageNo, level); err != nil {
			return false, err
		}
		return t.insertAtLevel(ctx, lockTxn, tx, level, key, entry) // retry, now against whichever half has room
	}

	h.UpgradeUpdateLatch()
	defer h.Unfix()
	slot, exact = p.FindSlot(key, cmp)
	if exact && p.IsSlotDeleted(slot) {
		p.Purge(slot) // reclaim the tombstoned slot outright rather than leaving it behind a resurrected key
		slot, _ = p.FindSlot(key, cmp)
	}
	l, err := t.txns.LogUpdate(tx, h.PageNumber(), t.moduleTag, encodeOpPayload(opInsertEntry, level, entry))
	if err != nil {
		return false, err
	}
	if !p.InsertAt(slot, entry) {
		return false, common.Wrap(common.ErrRecordTooLarge, "blink: insert does not fit despite preceding split")
	}
	h.SetDirty(l)
	return false, nil
}

// split moves the upper half of pageNo's entries into a freshly
// allocated right sibling, logging both pages' after-images as a
// single nested top action (spec.md's SMOs are redo-only: a split is
// never individually undone, only ever replayed forward). Per the
// Lehman & Yao discipline this implementation follows, an ordinary
// split does not have to touch the parent at all — the old parent
// entry pointing at pageNo stays valid because findLeafForUpdate keeps
// crossing right-sibling links until it reaches whichever page (old or
// new) truly holds the search key. Only a root split needs a new
// parent page, since there is no existing parent entry to rely on. The
// new right page's number comes from the space map, not a bare
// monotonic counter, so it can be freed and reused once a later merge
// reclaims it.
func (t *Tree) split(ctx context.Context, tx *txn.Transaction, pageNo uint64, level uint16) error {
	h, err := t.buf.FixExclusive(ctx, pageNo, false)
	if err != nil {
		return err
	}
	defer h.Unfix()
	p := h.Page()

	n := p.GetNumberOfSlots()
	if n < 2 {
		return common.Wrap(common.ErrInvalidState, "blink: cannot split a page with fewer than two live entries")
	}
	mid := n / 2

	begin := t.txns.BeginNestedTopAction(tx)
	rightPageNo, err := t.space.Allocate(ctx, tx)
	if err != nil {
		return err
	}
	rh, err := t.buf.FixExclusive(ctx, rightPageNo, true)
	if err != nil {
		return err
	}
	defer rh.Unfix()
	rp := rh.Page()
	rp.SetPageType(p.PageType())
	rp.SetLevel(level)

	for i := mid; i < n; i++ {
		last := rp.GetNumberOfSlots()
		if rp.InsertAt(last, append([]byte(nil), p.Get(i)...)) && p.IsSlotDeleted(i) {
			rp.SetSlotDeleted(last, true) // a moved tombstone stays a tombstone
		}
	}
	for i := n - 1; i >= mid; i-- {
		p.Purge(i)
	}
	p.Compact()

	rp.SetRightSibling(p.RightSibling())
	rp.SetLeftSibling(pageNo)
	p.SetRightSibling(rh.PageNumber())

	l1, err := t.txns.LogUpdate(tx, pageNo, t.moduleTag, encodeOpPayload(opSnapshot, level, append([]byte(nil), p.Bytes()...)))
	if err != nil {
		return err
	}
	h.SetDirty(l1)
	l2, err := t.txns.LogUpdate(tx, rh.PageNumber(), t.moduleTag, encodeOpPayload(opSnapshot, level, append([]byte(nil), rp.Bytes()...)))
	if err != nil {
		return err
	}
	rh.SetDirty(l2)

	isRoot := t.isRoot(pageNo)
	var rootErr error
	if isRoot {
		// p is still the left page's content as it stands right after the
		// split above; its own last live slot is the new left-hand fence.
		// Deriving it here, rather than re-fixing pageNo from newRoot,
		// matters: h's exclusive latch on pageNo is still held at this
		// point, and a second fix of the same page would deadlock against
		// it.
		n := p.GetNumberOfSlots()
		leftHigh := t.keyCodec.MaxValue()
		if n > 0 {
			leftHigh = append([]byte(nil), entryKeyForLevel(level, p.Get(n-1))...)
		}
		rootErr = t.newRoot(ctx, tx, level, leftHigh, pageNo, rh.PageNumber())
	}
	if err := t.txns.EndNestedTopAction(tx, begin); err != nil {
		return err
	}
	return rootErr
}

// newRoot installs a fresh two-entry internal page above left and
// right, ending the height increase that happens whenever the current
// root itself needs to split. leftHigh is left's highest surviving key,
// the new fence separating it from right.
func (t *Tree) newRoot(ctx context.Context, tx *txn.Transaction, childLevel uint16, leftHigh []byte, left, right uint64) error {
	pageNo, err := t.space.Allocate(ctx, tx)
	if err != nil {
		return err
	}
	h, err := t.buf.FixExclusive(ctx, pageNo, true)
	if err != nil {
		return err
	}
	defer h.Unfix()
	p := h.Page()
	p.SetPageType(pageTypeInternal)
	p.SetLevel(childLevel + 1)
	p.InsertAt(0, encodeInternalEntry(leftHigh, left))
	p.InsertAt(1, encodeInternalEntry(t.keyCodec.MaxValue(), right))

	l, err := t.txns.LogUpdate(tx, h.PageNumber(), t.moduleTag, encodeOpPayload(opSnapshot, childLevel+1, append([]byte(nil), p.Bytes()...)))
	if err != nil {
		return err
	}
	h.SetDirty(l)

	t.setRoot(h.PageNumber())
	return nil
}
