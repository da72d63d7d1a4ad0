// Package page implements the slotted page layout shared by every page
// type in the storage subsystem: a fixed header, a low-growing slot
// directory, and high-growing slot data, with a garbage watermark so
// deletes can be deferred until a compaction pass.
//
// The layout is adapted from the teacher's hmarui66-blink-tree-go
// page.go, generalised from its fixed single-byte key/value length
// prefixes to variable two-byte lengths (spec.md records can exceed 255
// bytes) and extended with an LSN field so every page mutation can be
// tied back to the log record that produced it.
package page

import (
	"encoding/binary"

	"github.com/simpledbm/rss/internal/lsn"
)

// Slot flags.
const (
	FlagDeleted uint8 = 1 << iota
	FlagCompensation
)

const (
	headerSize = 48 // fixed-size header, see Page.Header/SetHeader
	slotSize   = 8  // 4 bytes offset, 2 bytes length, 1 byte flags, 1 pad
)

// Header is the fixed-size prefix of every page.
type Header struct {
	LSN                lsn.LSN
	PageNumber          uint64
	SpaceMapPageNumber  uint64
	PageType            uint16
	Level               uint16 // tree level; 0 = leaf
	SlotCount           uint32
	ActiveCount         uint32
	FreeSpaceOffset     uint32 // low watermark of the high-growing data area
	GarbageBytes        uint32
	RightSibling        uint64
	LeftSibling         uint64 // opportunistic hint only, never relied on
}

// Page is a fixed-size byte buffer interpreted as Header + slot
// directory + slot data, all addressed through the accessor methods
// below so callers never compute offsets by hand.
type Page struct {
	size uint32
	buf  []byte
}

// New allocates a zeroed page of the given size (spec.md §6 requires a
// single fixed page size per database, configured via Config.PageSize).
func New(size uint32, pageNumber uint64) *Page {
	p := &Page{size: size, buf: make([]byte, size)}
	h := Header{PageNumber: pageNumber, FreeSpaceOffset: size}
	p.SetHeader(h)
	return p
}

// Wrap interprets an existing buffer (e.g. one owned by the buffer
// pool) as a Page without copying.
func Wrap(buf []byte) *Page {
	return &Page{size: uint32(len(buf)), buf: buf}
}

// Bytes returns the page's backing buffer.
func (p *Page) Bytes() []byte { return p.buf }

// Size returns the page size in bytes.
func (p *Page) Size() uint32 { return p.size }

func (p *Page) Header() Header {
	var h Header
	b := p.buf[:headerSize]
	h.LSN.FileIndex = int32(binary.BigEndian.Uint32(b[0:4]))
	h.LSN.Offset = int64(binary.BigEndian.Uint64(b[4:12]))
	h.PageNumber = binary.BigEndian.Uint64(b[12:20])
	h.SpaceMapPageNumber = binary.BigEndian.Uint64(b[20:28])
	h.PageType = binary.BigEndian.Uint16(b[28:30])
	h.Level = binary.BigEndian.Uint16(b[30:32])
	h.SlotCount = binary.BigEndian.Uint32(b[32:36])
	h.ActiveCount = binary.BigEndian.Uint32(b[36:40])
	h.FreeSpaceOffset = binary.BigEndian.Uint32(b[40:44])
	h.GarbageBytes = binary.BigEndian.Uint32(b[44:48])
	h.RightSibling, h.LeftSibling = p.getSiblings()
	return h
}

// SetHeader writes h back into the page. RightSibling/LeftSibling are
// stored past the fixed 48-byte prefix reserved above so the struct can
// grow without reshuffling the slot directory; see siblingsOffset.
func (p *Page) SetHeader(h Header) {
	b := p.buf[:headerSize]
	binary.BigEndian.PutUint32(b[0:4], uint32(h.LSN.FileIndex))
	binary.BigEndian.PutUint64(b[4:12], uint64(h.LSN.Offset))
	binary.BigEndian.PutUint64(b[12:20], h.PageNumber)
	binary.BigEndian.PutUint64(b[20:28], h.SpaceMapPageNumber)
	binary.BigEndian.PutUint16(b[28:30], h.PageType)
	binary.BigEndian.PutUint16(b[30:32], h.Level)
	binary.BigEndian.PutUint32(b[32:36], h.SlotCount)
	binary.BigEndian.PutUint32(b[36:40], h.ActiveCount)
	binary.BigEndian.PutUint32(b[40:44], h.FreeSpaceOffset)
	binary.BigEndian.PutUint32(b[44:48], h.GarbageBytes)
	p.putSiblings(h.RightSibling, h.LeftSibling)
}

// siblingsOffset sits immediately after the fixed header, before the
// slot directory begins.
const siblingsOffset = headerSize
const siblingsSize = 16

func (p *Page) putSiblings(right, left uint64) {
	b := p.buf[siblingsOffset : siblingsOffset+siblingsSize]
	binary.BigEndian.PutUint64(b[0:8], right)
	binary.BigEndian.PutUint64(b[8:16], left)
}

func (p *Page) getSiblings() (right, left uint64) {
	b := p.buf[siblingsOffset : siblingsOffset+siblingsSize]
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])
}

func (p *Page) slotDirStart() uint32 {
	return siblingsOffset + siblingsSize
}

func (p *Page) slotBytes(slot uint32) []byte {
	off := p.slotDirStart() + slot*slotSize
	return p.buf[off : off+slotSize]
}

// GetNumberOfSlots returns the number of slots, including dead ones
// still occupying the directory.
func (p *Page) GetNumberOfSlots() uint32 {
	return p.Header().SlotCount
}

// GetPageLsn / SetPageLsn track the LSN of the last update applied to
// this page; the buffer manager refuses to flush a page to disk until
// the log has been forced past this LSN (spec.md §4.B's WAL-coupling
// rule).
func (p *Page) GetPageLsn() lsn.LSN {
	return p.Header().LSN
}

func (p *Page) SetPageLsn(l lsn.LSN) {
	h := p.Header()
	h.LSN = l
	p.SetHeader(h)
}

func (p *Page) PageNumber() uint64 { return p.Header().PageNumber }

func (p *Page) SpaceMapPageNumber() uint64 { return p.Header().SpaceMapPageNumber }

func (p *Page) SetSpaceMapPageNumber(n uint64) {
	h := p.Header()
	h.SpaceMapPageNumber = n
	p.SetHeader(h)
}

func (p *Page) PageType() uint16 { return p.Header().PageType }

func (p *Page) SetPageType(t uint16) {
	h := p.Header()
	h.PageType = t
	p.SetHeader(h)
}

func (p *Page) Level() uint16 { return p.Header().Level }

func (p *Page) SetLevel(l uint16) {
	h := p.Header()
	h.Level = l
	p.SetHeader(h)
}

func (p *Page) RightSibling() uint64 {
	r, _ := p.getSiblings()
	return r
}

func (p *Page) LeftSibling() uint64 {
	_, l := p.getSiblings()
	return l
}

func (p *Page) SetRightSibling(pageNo uint64) {
	_, l := p.getSiblings()
	p.putSiblings(pageNo, l)
}

func (p *Page) SetLeftSibling(pageNo uint64) {
	r, _ := p.getSiblings()
	p.putSiblings(r, pageNo)
}

// GetFreeSpace returns the number of data bytes a new slot can hold:
// the gap between the end of the slot directory and the low watermark
// of the data area, less the room the new slot's directory entry takes.
func (p *Page) GetFreeSpace() uint32 {
	h := p.Header()
	dirEnd := p.slotDirStart() + h.SlotCount*slotSize
	if dirEnd >= h.FreeSpaceOffset {
		return 0
	}
	return h.FreeSpaceOffset - dirEnd - slotSize // reserve room for the new slot entry itself
}

// GetSlotLength returns the length of the data stored at slot.
func (p *Page) GetSlotLength(slot uint32) uint32 {
	b := p.slotBytes(slot)
	return uint32(binary.BigEndian.Uint16(b[4:6]))
}

func (p *Page) slotOffset(slot uint32) uint32 {
	b := p.slotBytes(slot)
	return binary.BigEndian.Uint32(b[0:4])
}

func (p *Page) slotFlags(slot uint32) uint8 {
	b := p.slotBytes(slot)
	return b[6]
}

func (p *Page) setSlotFlags(slot uint32, flags uint8) {
	b := p.slotBytes(slot)
	b[6] = flags
}

// IsSlotDeleted reports whether slot has been logically deleted
// (tombstoned) but not yet purged from the directory.
func (p *Page) IsSlotDeleted(slot uint32) bool {
	return p.slotFlags(slot)&FlagDeleted != 0
}

func (p *Page) SetSlotDeleted(slot uint32, deleted bool) {
	flags := p.slotFlags(slot)
	h := p.Header()
	if deleted && flags&FlagDeleted == 0 {
		flags |= FlagDeleted
		h.ActiveCount--
		h.GarbageBytes += p.GetSlotLength(slot)
	} else if !deleted && flags&FlagDeleted != 0 {
		flags &^= FlagDeleted
		h.ActiveCount++
		h.GarbageBytes -= p.GetSlotLength(slot)
	}
	p.setSlotFlags(slot, flags)
	p.SetHeader(h)
}

func (p *Page) GetFlags(slot uint32) uint8 {
	return p.slotFlags(slot)
}

func (p *Page) SetFlags(slot uint32, flags uint8) {
	p.setSlotFlags(slot, flags)
}

// Get returns the data bytes stored at slot.
func (p *Page) Get(slot uint32) []byte {
	off := p.slotOffset(slot)
	length := p.GetSlotLength(slot)
	return p.buf[off : off+length]
}

// InsertAt inserts data as a new slot at position slot, shifting the
// slots at and after it to the right (mirrors the teacher's slot-table
// insertion, generalised to arbitrary data lengths). Returns false if
// there is not enough free space.
func (p *Page) InsertAt(slot uint32, data []byte) bool {
	h := p.Header()
	needed := uint32(len(data)) + slotSize
	if needed > p.GetFreeSpace()+slotSize {
		return false
	}
	newOff := h.FreeSpaceOffset - uint32(len(data))
	copy(p.buf[newOff:newOff+uint32(len(data))], data)

	// Shift slot directory entries at [slot, SlotCount) one position
	// to the right to make room.
	for i := h.SlotCount; i > slot; i-- {
		copy(p.slotBytes(i), p.slotBytes(i-1))
	}
	b := p.slotBytes(slot)
	binary.BigEndian.PutUint32(b[0:4], newOff)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(data)))
	b[6] = 0
	b[7] = 0

	h.SlotCount++
	h.ActiveCount++
	h.FreeSpaceOffset = newOff
	p.SetHeader(h)
	return true
}

// Purge physically removes slot from the directory, shifting
// subsequent slots left. It does not reclaim the slot's data bytes from
// the data area; call Compact to reclaim garbage.
func (p *Page) Purge(slot uint32) {
	h := p.Header()
	if p.slotFlags(slot)&FlagDeleted == 0 {
		h.ActiveCount--
	} else {
		h.GarbageBytes -= p.GetSlotLength(slot)
	}
	for i := slot; i < h.SlotCount-1; i++ {
		copy(p.slotBytes(i), p.slotBytes(i+1))
	}
	h.SlotCount--
	p.SetHeader(h)
}

// Compact rewrites the data area, dropping the data of purged slots and
// packing the data of every slot still in the directory contiguously
// from the top of the page down. Tombstoned slots are kept, flags and
// data included. It is an in-page-only operation — it never changes the
// LSN itself and logs nothing; the caller's own log record covers it.
func (p *Page) Compact() {
	h := p.Header()
	type entry struct {
		slot uint32
		data []byte
		flag uint8
	}
	entries := make([]entry, 0, h.SlotCount)
	for i := uint32(0); i < h.SlotCount; i++ {
		entries = append(entries, entry{i, append([]byte(nil), p.Get(i)...), p.slotFlags(i)})
	}
	off := p.size
	for _, e := range entries {
		off -= uint32(len(e.data))
		copy(p.buf[off:off+uint32(len(e.data))], e.data)
		b := p.slotBytes(e.slot)
		binary.BigEndian.PutUint32(b[0:4], off)
		binary.BigEndian.PutUint16(b[4:6], uint16(len(e.data)))
		b[6] = e.flag
	}
	h.FreeSpaceOffset = off
	h.GarbageBytes = 0
	p.SetHeader(h)
}

// FindSlot performs a binary search for key among the page's slots,
// using cmp to compare key against the data stored at each slot.
// Mirrors the teacher's Page.FindSlot low/high narrowing. It returns
// the index of the first slot whose data is >= key, and ok=true only
// when that slot's data equals key exactly.
func (p *Page) FindSlot(key []byte, cmp func(a, b []byte) int) (slot uint32, ok bool) {
	h := p.Header()
	lo, hi := uint32(0), h.SlotCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		c := cmp(p.Get(mid), key)
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}
