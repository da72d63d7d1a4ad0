package blink

import (
	"context"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/page"
	"github.com/simpledbm/rss/internal/txn"
)

// Delete removes key from the tree under tx. Past tombstoning the
// slot, spec.md's next-key locking rule (§4.E.6 step 3) requires a
// manual-duration EXCLUSIVE lock on the key immediately following the
// deleted one, held until the caller releases it (normally at commit)
// — this is what stops a concurrent repeatable-read scanner from
// treating the gap this delete just opened up as stable. If tombstoning
// leaves the page with no live entries left, mergeIfEmpty folds its
// right sibling's content into it so chronic delete-heavy workloads
// don't leave the tree arbitrarily sparse.
func (t *Tree) Delete(ctx context.Context, tx *txn.Transaction, key interface{}) error {
	encKey := t.keyCodec.Encode(key)
	lockTxn := lock.TxnID(tx.ID.String())
	if err := t.locks.Acquire(ctx, lockTxn, lockName(encKey), lock.X, lock.Commit); err != nil {
		return err
	}

	for {
		restart, err := t.deleteOnce(ctx, lockTxn, tx, encKey)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// deleteOnce performs the tombstone plus next-key locking protocol
// once, reporting restart=true when the conditional next-key lock
// acquire lost a race and the caller must retraverse and try again.
func (t *Tree) deleteOnce(ctx context.Context, lockTxn lock.TxnID, tx *txn.Transaction, encKey []byte) (restart bool, err error) {
	h, err := t.findLeafForUpdate(ctx, encKey)
	if err != nil {
		return false, err
	}

	p := h.Page()
	slot, ok := p.FindSlot(encKey, t.leafCmp)
	if !ok || p.IsSlotDeleted(slot) {
		h.Unfix()
		return false, common.ErrKeyNotFound
	}

	name, err := t.peekNextKeyLock(ctx, h, slot+1)
	if err != nil {
		h.Unfix()
		return false, err
	}
	granted, err := t.locks.AcquireConditional(lockTxn, name, lock.X, lock.Manual)
	if err != nil {
		h.Unfix()
		return false, err
	}
	if !granted {
		pageNo := h.PageNumber()
		pageLSN := p.GetPageLsn()
		h.Unfix()
		if err := t.locks.Acquire(ctx, lockTxn, name, lock.X, lock.Manual); err != nil {
			return false, err
		}
		rh, err := t.buf.FixShared(ctx, pageNo)
		if err != nil {
			return false, err
		}
		changed := rh.Page().GetPageLsn() != pageLSN
		rh.Unfix()
		if changed {
			return true, nil // the next key may have moved; restart the delete
		}
		h, err = t.buf.FixForUpdate(ctx, pageNo)
		if err != nil {
			return false, err
		}
		p = h.Page()
		slot, ok = p.FindSlot(encKey, t.leafCmp)
		if !ok || p.IsSlotDeleted(slot) {
			h.Unfix()
			return false, common.ErrKeyNotFound
		}
	}

	entry := append([]byte(nil), p.Get(slot)...) // full key+value, so undo can reinsert it verbatim

	h.UpgradeUpdateLatch()
	l, err := t.txns.LogUpdate(tx, h.PageNumber(), t.moduleTag, encodeOpPayload(opDeleteEntry, 0, entry))
	if err != nil {
		h.Unfix()
		return false, err
	}
	p.SetSlotDeleted(slot, true)
	h.SetDirty(l)

	if err := t.mergeIfEmpty(ctx, tx, h, 0); err != nil {
		h.Unfix()
		return false, err
	}
	h.Unfix()
	return false, nil
}

// mergeIfEmpty implements the one structure modification operation
// this tree performs on delete: when a tombstone leaves a leaf with no
// live entries at all, it is cheaper and simpler to fold its right
// sibling's content into it (keeping the now-absorbing page's identity,
// so nothing that ever pointed at it — a parent entry, a left
// sibling's right-link — needs to change) than to go looking for the
// page's parent to rewrite fence keys, which this tree's lazy,
// parent-untouched splits (see split, in insert.go) don't keep precise
// enough to make that rewrite safe without a great deal more
// bookkeeping. This is grounded on the teacher's bltree.go deletePage,
// scoped down to the one direction (absorb right) that this tree's
// split discipline can support correctly; general redistribute and
// indirect-child link/unlink (spec.md §4.E.4) are not implemented — see
// DESIGN.md.
//
// h must already be latched Exclusive. The absorbed page is marked
// pageTypeDead so a reader that still holds its old page number
// (because it read the right-sibling pointer before this merge ran)
// retraverses instead of trusting stale content; its space-map bit is
// freed afterward, as its own separately logged action, once no fresh
// traversal can reach it anymore.
func (t *Tree) mergeIfEmpty(ctx context.Context, tx *txn.Transaction, h *buffer.Handle, level uint16) error {
	p := h.Page()
	if p.Header().ActiveCount > 0 {
		return nil // still has live entries; nothing to reclaim
	}
	right := p.RightSibling()
	if right == 0 {
		return nil // rightmost page at this level: nothing to absorb, leave it empty
	}

	rh, err := t.buf.FixExclusive(ctx, right, false)
	if err != nil {
		return err
	}
	defer rh.Unfix()
	rp := rh.Page()
	if rp.PageType() == pageTypeDead {
		return nil // already merged away by a racing delete; nothing left to absorb
	}

	for i := uint32(0); i < rp.GetNumberOfSlots(); i++ {
		last := p.GetNumberOfSlots()
		if p.InsertAt(last, append([]byte(nil), rp.Get(i)...)) && rp.IsSlotDeleted(i) {
			p.SetSlotDeleted(last, true) // a moved tombstone stays a tombstone
		}
	}
	p.SetRightSibling(rp.RightSibling())

	freedPageNo := rh.PageNumber()
	rp.SetHeader(page.Header{PageNumber: freedPageNo, PageType: pageTypeDead, FreeSpaceOffset: rp.Size()})

	begin := t.txns.BeginNestedTopAction(tx)
	l1, err := t.txns.LogUpdate(tx, h.PageNumber(), t.moduleTag, encodeOpPayload(opSnapshot, level, append([]byte(nil), p.Bytes()...)))
	if err != nil {
		return err
	}
	h.SetDirty(l1)
	l2, err := t.txns.LogUpdate(tx, freedPageNo, t.moduleTag, encodeOpPayload(opSnapshot, level, append([]byte(nil), rp.Bytes()...)))
	if err != nil {
		return err
	}
	rh.SetDirty(l2)
	if err := t.txns.EndNestedTopAction(tx, begin); err != nil {
		return err
	}

	// Freeing the reclaimed page is logged separately, not nested inside
	// the merge's top action, per spec.md §4.E.4: the space-map bit flip
	// is bracketed by a nested top action of its own, so it is never
	// undone even if something later rolls back past this merge.
	freeBegin := t.txns.BeginNestedTopAction(tx)
	if err := t.space.Free(ctx, tx, freedPageNo); err != nil {
		return err
	}
	return t.txns.EndNestedTopAction(tx, freeBegin)
}
