package blink

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/latch"
	"github.com/simpledbm/rss/internal/lsn"
)

// Every record this module logs carries, past the opcode byte, the
// tree level the entry belongs to and the full entry bytes (key plus
// value or child pointer) — never just the key — so that undoing a
// delete has the value on hand to reinsert, and so a CLR produced by
// undoing an insert can swap its own opcode to opDeleteEntry and be
// replayed by exactly the same redo path as a live delete.
func encodeOpPayload(op byte, level uint16, entry []byte) []byte {
	buf := make([]byte, 3+len(entry))
	buf[0] = op
	binary.BigEndian.PutUint16(buf[1:3], level)
	copy(buf[3:], entry)
	return buf
}

func decodeOpPayload(payload []byte) (op byte, level uint16, entry []byte) {
	op = payload[0]
	level = binary.BigEndian.Uint16(payload[1:3])
	entry = payload[3:]
	return
}

// redo re-applies a logged change during the redo pass (or when a CLR
// written during an earlier undo is itself replayed after a second
// crash). Insert and delete records are logical: they name a level and
// a key, not a physical slot offset, so redo relocates the target page
// itself rather than trusting the hinted pageID — the same retraversal
// undo already has to do, here applied uniformly so a CLR needs no
// special case. Snapshot records are whole-page images and are copied
// onto pageID as logged.
func (t *Tree) redo(ctx context.Context, pageID uint64, payload []byte, recordLSN lsn.LSN) error {
	op, level, entry := decodeOpPayload(payload)
	switch op {
	case opSnapshot:
		return t.redoSnapshot(ctx, pageID, entry, recordLSN)
	case opInsertEntry:
		return t.applyInsert(ctx, level, entry, recordLSN)
	case opDeleteEntry:
		return t.applyDelete(ctx, level, entryKeyForLevel(level, entry), recordLSN)
	}
	return common.Wrapf(common.ErrCorrupt, "blink: unknown opcode %d", op)
}

func (t *Tree) redoSnapshot(ctx context.Context, pageID uint64, image []byte, recordLSN lsn.LSN) error {
	h, err := t.buf.FixForUpdate(ctx, pageID)
	if err != nil {
		return err
	}
	defer h.Unfix()
	h.UpgradeUpdateLatch()
	copy(h.Page().Bytes(), image)
	stampDirty(h, recordLSN)
	return nil
}

func entryKeyForLevel(level uint16, entry []byte) []byte {
	if level == 0 {
		return entryKey(entry)
	}
	key, _ := decodeInternalEntry(entry)
	return key
}

// applyInsert installs entry at the page that should hold its key,
// unless it is already there (redo must be idempotent: the same
// record can be replayed more than once across successive crashes).
func (t *Tree) applyInsert(ctx context.Context, level uint16, entry []byte, recordLSN lsn.LSN) error {
	key := entryKeyForLevel(level, entry)
	h, err := t.locate(ctx, key, level, latch.Update)
	if err != nil {
		return err
	}
	defer h.Unfix()
	p := h.Page()
	cmp := t.cmpForLevel(level)
	slot, ok := p.FindSlot(key, cmp)
	if ok && !p.IsSlotDeleted(slot) {
		return nil // already applied
	}
	h.UpgradeUpdateLatch()
	if ok && p.IsSlotDeleted(slot) {
		p.Purge(slot)
		slot, _ = p.FindSlot(key, cmp)
	}
	if !p.InsertAt(slot, entry) {
		p.Compact()
		if !p.InsertAt(slot, entry) {
			return common.Wrap(common.ErrRecordTooLarge, "blink: redo insert does not fit after compaction")
		}
	}
	stampDirty(h, recordLSN)
	return nil
}

// stampDirty marks h dirty, advancing the page's LSN when recordLSN is
// known (the redo path); undo calls this with lsn.Zero since the CLR's
// LSN isn't assigned until after undo returns, and falls back to
// MarkDirty instead (see its doc comment).
func stampDirty(h *buffer.Handle, recordLSN lsn.LSN) {
	if recordLSN.IsZero() {
		h.MarkDirty()
		return
	}
	h.SetDirty(recordLSN)
}

// applyDelete tombstones the slot holding key at level, if any.
func (t *Tree) applyDelete(ctx context.Context, level uint16, key []byte, recordLSN lsn.LSN) error {
	h, err := t.locate(ctx, key, level, latch.Update)
	if err != nil {
		return err
	}
	defer h.Unfix()
	p := h.Page()
	slot, ok := p.FindSlot(key, t.cmpForLevel(level))
	if !ok || p.IsSlotDeleted(slot) {
		return nil // already applied
	}
	h.UpgradeUpdateLatch()
	p.SetSlotDeleted(slot, true)
	stampDirty(h, recordLSN)
	return nil
}

// undo reverses a logged change during transaction abort or a
// savepoint rollback, returning the payload for the compensating log
// record. Undoing an insert performs a logical delete by key; undoing
// a delete performs a logical re-insert of the entry it had removed.
// Both retraverse from the root rather than trusting pageID, since an
// intervening split may have physically relocated the key since the
// original record was written.
func (t *Tree) undo(ctx context.Context, txnID uuid.UUID, pageID uint64, payload []byte) ([]byte, error) {
	op, level, entry := decodeOpPayload(payload)
	switch op {
	case opSnapshot:
		return nil, nil // SMOs live inside a nested top action and are never individually undone
	case opInsertEntry:
		key := entryKeyForLevel(level, entry)
		if err := t.applyDelete(ctx, level, key, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeOpPayload(opDeleteEntry, level, entry), nil
	case opDeleteEntry:
		if err := t.applyInsert(ctx, level, entry, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeOpPayload(opInsertEntry, level, entry), nil
	}
	return nil, common.Wrapf(common.ErrCorrupt, "blink: unknown opcode %d", op)
}
