// Package blink implements the B-link tree index manager: a concurrent
// B-tree where every node carries a right-sibling pointer, so a reader
// that arrives at a node mid-split can always walk right to find the
// key it is looking for instead of blocking on or retrying through the
// parent.
//
// The traversal and structure-modification skeleton — binary search
// within a page, "if the search key is past this page's highest key
// and it has a right sibling, follow the sibling instead of going back
// up to the parent", split-then-new-root-on-root-split — is lifted
// from the teacher's hmarui66-blink-tree-go/bltree.go (FindSlot,
// findNext, splitPage/splitRoot/splitKeys, insertKey's clean-or-split
// loop). Unlike the teacher, an ordinary split posts no new fence key
// into the parent; only a root split adds a page above the two halves.
// What changes end to end: every mutation is logged through
// internal/txn before it is applied, page latches come from
// internal/latch via internal/buffer's Handle instead of the teacher's
// raw LatchSet, and key/value representation is pluggable through
// internal/codec instead of the teacher's fixed byte-string keys.
package blink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/codec"
	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/latch"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/space"
	"github.com/simpledbm/rss/internal/txn"
)

const (
	// pageTypeDead (the zero value) marks a page a merge has folded away:
	// its content is no longer meaningful and any reader that lands on it
	// directly (because it already held the page number before the merge
	// relinked around it) must retraverse from the root instead of
	// trusting its slots.
	pageTypeDead     uint16 = 0
	pageTypeLeaf     uint16 = 1
	pageTypeInternal uint16 = 2
)

// Log record opcodes carried in the first byte of every update
// record's payload this module logs.
const (
	opSnapshot     byte = 1 // whole-page after-image; used only inside a nested top action (SMOs)
	opInsertEntry  byte = 2 // logical: insert(key,value); undo deletes key wherever it now lives
	opDeleteEntry  byte = 3 // logical: delete(key), carrying the deleted value; undo re-inserts it
)

// Tree is one B-link tree index.
type Tree struct {
	buf       *buffer.Manager
	txns      *txn.Manager
	locks     *lock.Manager
	space     *space.Map
	keyCodec  codec.KeyCodec
	locCodec  codec.LocationCodec
	rootMu    sync.RWMutex
	root      uint64
	moduleTag byte
	logger    *zap.SugaredLogger
}

// RootPageNumber returns the tree's root page number, needed to Open
// it again after a restart.
func (t *Tree) RootPageNumber() uint64 {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

func (t *Tree) isRoot(pageNo uint64) bool {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root == pageNo
}

func (t *Tree) setRoot(pageNo uint64) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	t.root = pageNo
}

// Create allocates a fresh single-page (root = leaf) tree through sm,
// the container's space map, and registers the tree's redo/undo
// handlers under moduleTag with txns. Every index in a database needs a
// distinct moduleTag so recovery can route each logged record to the
// right tree. The root page's initial image is logged like any other
// page content change (a single-record nested top action), rather than
// left as an unlogged bootstrap frame, so that a crash between Create
// and the caller's first commit still redoes the empty root correctly.
func Create(ctx context.Context, buf *buffer.Manager, txns *txn.Manager, locks *lock.Manager, sm *space.Map, kc codec.KeyCodec, lc codec.LocationCodec, moduleTag byte, tx *txn.Transaction, logger *zap.SugaredLogger) (*Tree, error) {
	pageNo, err := sm.Allocate(ctx, tx)
	if err != nil {
		return nil, common.Wrap(err, "allocating root page")
	}
	h, err := buf.FixExclusive(ctx, pageNo, true)
	if err != nil {
		return nil, common.Wrap(err, "fixing root page")
	}
	defer h.Unfix()
	p := h.Page()
	p.SetPageType(pageTypeLeaf)
	p.SetLevel(0)

	t := &Tree{buf: buf, txns: txns, locks: locks, space: sm, keyCodec: kc, locCodec: lc, root: pageNo, moduleTag: moduleTag, logger: logger}
	txns.RegisterModule(moduleTag, t.redo, t.undo)

	begin := txns.BeginNestedTopAction(tx)
	l, err := txns.LogUpdate(tx, pageNo, moduleTag, encodeOpPayload(opSnapshot, 0, append([]byte(nil), p.Bytes()...)))
	if err != nil {
		return nil, err
	}
	h.SetDirty(l)
	if err := txns.EndNestedTopAction(tx, begin); err != nil {
		return nil, err
	}
	return t, nil
}

// Open resumes a tree whose root already exists at rootPageNo (used
// after restart, where Create would instead allocate a fresh page).
func Open(buf *buffer.Manager, txns *txn.Manager, locks *lock.Manager, sm *space.Map, kc codec.KeyCodec, lc codec.LocationCodec, rootPageNo uint64, moduleTag byte, logger *zap.SugaredLogger) *Tree {
	t := &Tree{buf: buf, txns: txns, locks: locks, space: sm, keyCodec: kc, locCodec: lc, root: rootPageNo, moduleTag: moduleTag, logger: logger}
	txns.RegisterModule(moduleTag, t.redo, t.undo)
	return t
}

func (t *Tree) leafCmp(a, b []byte) int {
	return t.keyCodec.Compare(entryKey(a), b)
}

func (t *Tree) internalCmp(a, b []byte) int {
	key, _ := decodeInternalEntry(a)
	return t.keyCodec.Compare(key, b)
}

// descend walks from the root down to the page at level `level`
// (0 = leaf) that should contain key, following right-sibling links
// whenever the search key is past the page's last slot and a sibling
// exists — the defining B-link move that lets this traversal avoid
// coordinating with any in-flight split above it.
func (t *Tree) descend(ctx context.Context, key []byte, level uint16, mode latch.Mode) (*buffer.Handle, error) {
	pageNo := t.RootPageNumber()
	for {
		var h *buffer.Handle
		var err error
		switch mode {
		case latch.Shared:
			h, err = t.buf.FixShared(ctx, pageNo)
		case latch.Update:
			h, err = t.buf.FixForUpdate(ctx, pageNo)
		default:
			h, err = t.buf.FixExclusive(ctx, pageNo, false)
		}
		if err != nil {
			return nil, err
		}

		p := h.Page()
		if p.Level() == level {
			return h, nil
		}

		slot, _ := p.FindSlot(key, t.internalCmp)
		if slot >= p.GetNumberOfSlots() {
			if right := p.RightSibling(); right != 0 {
				h.Unfix()
				pageNo = right
				continue
			}
			// Rightmost page at this level with no match: descend via
			// its last child, which covers "everything higher".
			slot = p.GetNumberOfSlots() - 1
		}
		_, child := decodeInternalEntry(p.Get(slot))
		h.Unfix()
		pageNo = child
	}
}

func (t *Tree) cmpForLevel(level uint16) func(a, b []byte) int {
	if level == 0 {
		return t.leafCmp
	}
	return t.internalCmp
}

func (t *Tree) fixMode(ctx context.Context, pageNo uint64, mode latch.Mode) (*buffer.Handle, error) {
	switch mode {
	case latch.Shared:
		return t.buf.FixShared(ctx, pageNo)
	case latch.Update:
		return t.buf.FixForUpdate(ctx, pageNo)
	default:
		return t.buf.FixExclusive(ctx, pageNo, false)
	}
}

// locate descends to, then crosses right siblings of, the page at
// level that should contain key — the full B-link lookup, generalised
// over tree level so the redo and undo paths can reach whatever level a
// logged record names; Insert, Delete and Find use it at the leaf
// level. A reader
// that was already mid-crossing when a concurrent merge folded its
// target away lands on a page marked pageTypeDead; rather than trust
// that page's now-meaningless content, it retraverses from the root.
func (t *Tree) locate(ctx context.Context, key []byte, level uint16, mode latch.Mode) (*buffer.Handle, error) {
	cmp := t.cmpForLevel(level)
retraverse:
	for {
		h, err := t.descend(ctx, key, level, mode)
		if err != nil {
			return nil, err
		}
		for {
			p := h.Page()
			if p.PageType() == pageTypeDead {
				h.Unfix()
				continue retraverse
			}
			slot, _ := p.FindSlot(key, cmp)
			if slot >= p.GetNumberOfSlots() && p.RightSibling() != 0 {
				right := p.RightSibling()
				h.Unfix()
				h, err = t.fixMode(ctx, right, mode)
				if err != nil {
					return nil, err
				}
				continue
			}
			return h, nil
		}
	}
}

// findLeafForRead locates the leaf that should contain key under a
// shared latch.
func (t *Tree) findLeafForRead(ctx context.Context, key []byte) (*buffer.Handle, error) {
	return t.locate(ctx, key, 0, latch.Shared)
}

// findLeafForUpdate is the update-mode counterpart, used by Insert and
// Delete.
func (t *Tree) findLeafForUpdate(ctx context.Context, key []byte) (*buffer.Handle, error) {
	return t.locate(ctx, key, 0, latch.Update)
}

// Find performs a point lookup, first taking an instant-duration shared
// lock on the key itself: the lookup waits for any transaction holding
// the key exclusively to finish, but the lock is released at once, so
// it does not keep a later transaction from deleting the key.
func (t *Tree) Find(ctx context.Context, txnID lock.TxnID, key interface{}) (interface{}, bool, error) {
	encKey := t.keyCodec.Encode(key)
	if err := t.locks.Acquire(ctx, txnID, lockName(encKey), lock.S, lock.Instant); err != nil {
		return nil, false, err
	}
	h, err := t.findLeafForRead(ctx, encKey)
	if err != nil {
		return nil, false, err
	}
	defer h.Unfix()

	p := h.Page()
	slot, ok := p.FindSlot(encKey, t.leafCmp)
	if !ok || slot >= p.GetNumberOfSlots() || p.IsSlotDeleted(slot) {
		return nil, false, nil
	}
	_, value := decodeLeafEntry(p.Get(slot))
	return t.locCodec.Decode(value), true, nil
}

func lockName(encodedKey []byte) string {
	return "key:" + string(encodedKey)
}

// peekNextKeyLock returns the lock name for the "next key" relative to
// slot on h's page (spec.md §4.E.5/§4.E.6's next-key rule): the entry
// at slot if there is one, otherwise the first entry of the right
// sibling, otherwise the INFINITY sentinel for a rightmost page with no
// match at all. h must already be latched at least Shared; this never
// changes that latch, only (transiently) takes a Shared latch on the
// right sibling when it has to look there.
func (t *Tree) peekNextKeyLock(ctx context.Context, h *buffer.Handle, slot uint32) (string, error) {
	p := h.Page()
	if slot < p.GetNumberOfSlots() {
		return lockName(entryKeyForLevel(p.Level(), p.Get(slot))), nil
	}
	right := p.RightSibling()
	if right == 0 {
		return lockName(t.keyCodec.MaxValue()), nil
	}
	rh, err := t.buf.FixShared(ctx, right)
	if err != nil {
		return "", err
	}
	defer rh.Unfix()
	rp := rh.Page()
	if rp.GetNumberOfSlots() == 0 {
		return lockName(t.keyCodec.MaxValue()), nil
	}
	return lockName(entryKeyForLevel(rp.Level(), rp.Get(0))), nil
}
