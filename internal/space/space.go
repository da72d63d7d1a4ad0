// Package space implements the space map: a per-container bitmap of
// page allocation state, logged through internal/txn independently of
// whatever page-content change an allocation or deallocation serves.
//
// The teacher (hmarui66-blink-tree-go/bufmgr.go) tracks free pages with
// a singly-linked chain threaded through page zero (BufMgr.PageZero,
// NewPage/PageFree): freeing a page pushes it onto the chain,
// allocating pops the head or extends the file. That design ties
// allocation to whatever page last happened to be freed, which is fine
// for an in-process free list but awkward to log: a pop/push is a
// pointer rewrite on an arbitrary, possibly far away, page. A bitmap
// makes an allocation a local bit flip on a page computable directly
// from the page number (spec.md §4.E.4's "allocate/deallocate pages via
// the space-map cursor" are themselves logged as undoable so the SMO's
// own CLR can jump straight over them on abort without knowing
// anything about their representation).
//
// Bitmap pages chain together through the same page.Page right-sibling
// field internal/blink uses for its own sibling links — reusing the one
// page type for two unrelated purposes rather than inventing a second
// "next bitmap page" field. Page numbers are self-describing: the
// bitmap page for range r owns the pages in
// [r*bitsPerPage, (r+1)*bitsPerPage), and is itself always the first
// page of that range (bit 0), so locating the bitmap page that owns an
// arbitrary page number is arithmetic, never a chain walk. The chain is
// only walked once, by Open, to recover how many ranges already exist
// after a restart.
package space

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lsn"
	"github.com/simpledbm/rss/internal/txn"
)

const pageTypeSpaceMap uint16 = 3

// dataOffset is where bitmap bits start, immediately past the header
// and the right/left sibling fields page.Page reserves for every page
// type (see internal/page's headerSize + siblingsSize).
const dataOffset = 64

const (
	opSetBit   byte = 1
	opClearBit byte = 2
	opLink     byte = 3
	opUnlink   byte = 4
)

// Map is one container's space map.
type Map struct {
	buf         *buffer.Manager
	txns        *txn.Manager
	moduleTag   byte
	logger      *zap.SugaredLogger
	mu          sync.Mutex
	bitsPerPage uint32
	ranges      int
}

// Create bootstraps a fresh space map at page 0, reserving that page
// for itself, and registers its redo/undo handlers under moduleTag.
// Unlike internal/blink's root page, whose initial image blink.Create
// logs, the map's own bootstrap page is never logged (there is nothing
// to redo it against before the map itself exists) — it is simply
// marked dirty and flushed on its own merits.
func Create(ctx context.Context, buf *buffer.Manager, txns *txn.Manager, moduleTag byte, logger *zap.SugaredLogger) (*Map, error) {
	h, err := buf.FixExclusive(ctx, 0, true)
	if err != nil {
		return nil, common.Wrap(err, "allocating space map header page")
	}
	p := h.Page()
	p.SetPageType(pageTypeSpaceMap)
	bitsPerPage := (p.Size() - dataOffset) * 8
	setBit(p.Bytes()[dataOffset:], 0, true) // reserve self
	h.MarkDirty()
	h.Unfix()

	m := &Map{buf: buf, txns: txns, moduleTag: moduleTag, logger: logger, bitsPerPage: bitsPerPage, ranges: 1}
	txns.RegisterModule(moduleTag, m.redo, m.undo)
	return m, nil
}

// Open resumes a space map after restart, walking the bitmap-page
// chain from page 0 to recover how many ranges already exist.
func Open(ctx context.Context, buf *buffer.Manager, txns *txn.Manager, moduleTag byte, logger *zap.SugaredLogger) (*Map, error) {
	h, err := buf.FixShared(ctx, 0)
	if err != nil {
		return nil, common.Wrap(err, "opening space map header page")
	}
	bitsPerPage := (h.Page().Size() - dataOffset) * 8
	ranges := 1
	next := h.Page().RightSibling()
	h.Unfix()
	for next != 0 {
		rh, err := buf.FixShared(ctx, next)
		if err != nil {
			return nil, err
		}
		ranges++
		next = rh.Page().RightSibling()
		rh.Unfix()
	}

	m := &Map{buf: buf, txns: txns, moduleTag: moduleTag, logger: logger, bitsPerPage: bitsPerPage, ranges: ranges}
	txns.RegisterModule(moduleTag, m.redo, m.undo)
	return m, nil
}

// Allocate returns a fresh page number under tx, scanning existing
// ranges for a clear bit before growing the chain with a new bitmap
// page.
func (m *Map) Allocate(ctx context.Context, tx *txn.Transaction) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for r := 0; r < m.ranges; r++ {
		base := uint64(r) * uint64(m.bitsPerPage)
		h, err := m.buf.FixForUpdate(ctx, base)
		if err != nil {
			return 0, err
		}
		bit, found := firstClearBit(h.Page().Bytes()[dataOffset:], m.bitsPerPage)
		if !found {
			h.Unfix()
			continue
		}
		pageNo := base + uint64(bit)
		h.UpgradeUpdateLatch()
		l, err := m.txns.LogUpdate(tx, base, m.moduleTag, encodeBitPayload(opSetBit, bit))
		if err != nil {
			h.Unfix()
			return 0, err
		}
		setBit(h.Page().Bytes()[dataOffset:], bit, true)
		h.SetDirty(l)
		h.Unfix()
		return pageNo, nil
	}

	return m.grow(ctx, tx)
}

// grow appends a new bitmap page to the chain and hands out its first
// free bit (bit 1; bit 0 is reserved for the page itself), called with
// m.mu already held.
func (m *Map) grow(ctx context.Context, tx *txn.Transaction) (uint64, error) {
	newBase := uint64(m.ranges) * uint64(m.bitsPerPage)
	h, err := m.buf.FixExclusive(ctx, newBase, true)
	if err != nil {
		return 0, err
	}
	defer h.Unfix()
	p := h.Page()
	p.SetPageType(pageTypeSpaceMap)

	l0, err := m.txns.LogUpdate(tx, newBase, m.moduleTag, encodeBitPayload(opSetBit, 0))
	if err != nil {
		return 0, err
	}
	setBit(p.Bytes()[dataOffset:], 0, true)
	h.SetDirty(l0)

	if m.ranges > 0 {
		prevBase := uint64(m.ranges-1) * uint64(m.bitsPerPage)
		ph, err := m.buf.FixForUpdate(ctx, prevBase)
		if err != nil {
			return 0, err
		}
		ph.UpgradeUpdateLatch()
		lp, err := m.txns.LogUpdate(tx, prevBase, m.moduleTag, encodeLinkPayload(opLink, newBase))
		if err != nil {
			ph.Unfix()
			return 0, err
		}
		ph.Page().SetRightSibling(newBase)
		ph.SetDirty(lp)
		ph.Unfix()
	}
	m.ranges++

	l1, err := m.txns.LogUpdate(tx, newBase, m.moduleTag, encodeBitPayload(opSetBit, 1))
	if err != nil {
		return 0, err
	}
	setBit(p.Bytes()[dataOffset:], 1, true)
	h.SetDirty(l1)
	return newBase + 1, nil
}

// Free clears pageNo's bit, making it available to a future Allocate.
// It does not touch pageNo's own content — callers that merge pages
// together are responsible for having already moved anything worth
// keeping off of it first.
func (m *Map) Free(ctx context.Context, tx *txn.Transaction, pageNo uint64) error {
	base := (pageNo / uint64(m.bitsPerPage)) * uint64(m.bitsPerPage)
	bit := uint32(pageNo - base)
	h, err := m.buf.FixForUpdate(ctx, base)
	if err != nil {
		return err
	}
	defer h.Unfix()
	h.UpgradeUpdateLatch()
	l, err := m.txns.LogUpdate(tx, base, m.moduleTag, encodeBitPayload(opClearBit, bit))
	if err != nil {
		return err
	}
	setBit(h.Page().Bytes()[dataOffset:], bit, false)
	h.SetDirty(l)
	return nil
}

func encodeBitPayload(op byte, bit uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:5], bit)
	return buf
}

func decodeBitPayload(payload []byte) (op byte, bit uint32) {
	return payload[0], binary.BigEndian.Uint32(payload[1:5])
}

func encodeLinkPayload(op byte, target uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = op
	binary.BigEndian.PutUint64(buf[1:9], target)
	return buf
}

func decodeLinkPayload(payload []byte) (op byte, target uint64) {
	return payload[0], binary.BigEndian.Uint64(payload[1:9])
}

func setBit(bits []byte, n uint32, v bool) {
	if v {
		bits[n/8] |= 1 << (n % 8)
	} else {
		bits[n/8] &^= 1 << (n % 8)
	}
}

func getBit(bits []byte, n uint32) bool {
	return bits[n/8]&(1<<(n%8)) != 0
}

// firstClearBit scans up to n bits for the first clear one.
func firstClearBit(bits []byte, n uint32) (uint32, bool) {
	for i := uint32(0); i < n; i++ {
		if !getBit(bits, i) {
			return i, true
		}
	}
	return 0, false
}

func stampDirty(h *buffer.Handle, recordLSN lsn.LSN) {
	if recordLSN.IsZero() {
		h.MarkDirty()
		return
	}
	h.SetDirty(recordLSN)
}

// redo re-applies a logged bitmap or link change during the redo pass
// (or a CLR replay). Both bit flips and link/unlink are idempotent:
// setting an already-set bit, or linking an already-linked pointer, is
// a no-op.
func (m *Map) redo(ctx context.Context, pageID uint64, payload []byte, recordLSN lsn.LSN) error {
	op := payload[0]
	switch op {
	case opSetBit, opClearBit:
		_, bit := decodeBitPayload(payload)
		return m.applyBit(ctx, pageID, bit, op == opSetBit, recordLSN)
	case opLink, opUnlink:
		_, target := decodeLinkPayload(payload)
		if op == opUnlink {
			target = 0
		}
		return m.applyLink(ctx, pageID, target, recordLSN)
	}
	return common.Wrapf(common.ErrCorrupt, "space: unknown opcode %d", op)
}

// undo reverses a logged bitmap or link change, returning the payload
// for the compensating record. A set bit is undone by clearing it (and
// vice versa); a link is undone by unlinking.
func (m *Map) undo(ctx context.Context, txnID uuid.UUID, pageID uint64, payload []byte) ([]byte, error) {
	op := payload[0]
	switch op {
	case opSetBit:
		_, bit := decodeBitPayload(payload)
		if err := m.applyBit(ctx, pageID, bit, false, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeBitPayload(opClearBit, bit), nil
	case opClearBit:
		_, bit := decodeBitPayload(payload)
		if err := m.applyBit(ctx, pageID, bit, true, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeBitPayload(opSetBit, bit), nil
	case opLink:
		_, target := decodeLinkPayload(payload)
		if err := m.applyLink(ctx, pageID, 0, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeLinkPayload(opUnlink, target), nil
	case opUnlink:
		_, target := decodeLinkPayload(payload)
		if err := m.applyLink(ctx, pageID, target, lsn.Zero); err != nil {
			return nil, err
		}
		return encodeLinkPayload(opLink, target), nil
	}
	return nil, common.Wrapf(common.ErrCorrupt, "space: unknown opcode %d", op)
}

func (m *Map) applyBit(ctx context.Context, pageID uint64, bit uint32, value bool, recordLSN lsn.LSN) error {
	h, err := m.buf.FixForUpdate(ctx, pageID)
	if err != nil {
		return err
	}
	defer h.Unfix()
	if getBit(h.Page().Bytes()[dataOffset:], bit) == value {
		return nil // already applied
	}
	h.UpgradeUpdateLatch()
	setBit(h.Page().Bytes()[dataOffset:], bit, value)
	stampDirty(h, recordLSN)
	return nil
}

func (m *Map) applyLink(ctx context.Context, pageID uint64, target uint64, recordLSN lsn.LSN) error {
	h, err := m.buf.FixForUpdate(ctx, pageID)
	if err != nil {
		return err
	}
	defer h.Unfix()
	if h.Page().RightSibling() == target {
		return nil // already applied
	}
	h.UpgradeUpdateLatch()
	h.Page().SetRightSibling(target)
	stampDirty(h, recordLSN)
	return nil
}
