package codec

import (
	"bytes"
	"encoding/binary"
)

// BytesKeyCodec treats keys as opaque byte strings ordered by
// bytes.Compare, matching the teacher's KeyCmp in page.go. This is the
// default codec for indexes created without an explicit typed key.
type BytesKeyCodec struct{}

func (BytesKeyCodec) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (BytesKeyCodec) Encode(key interface{}) []byte {
	switch k := key.(type) {
	case []byte:
		return k
	case string:
		return []byte(k)
	default:
		panic("codec: BytesKeyCodec.Encode expects []byte or string")
	}
}

func (BytesKeyCodec) Decode(data []byte) interface{} {
	return append([]byte(nil), data...)
}

// MaxValue returns a run of 0xFF bytes long enough to sort after any
// realistic key; the tree only ever compares it, never decodes it.
func (BytesKeyCodec) MaxValue() []byte {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

// RowIDLocationCodec encodes a location as a fixed 8-byte big-endian
// page number, mirroring the teacher's BtId-sized page number encoding
// (page.go's PutID/GetID).
type RowIDLocationCodec struct{}

func (RowIDLocationCodec) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (RowIDLocationCodec) Encode(loc interface{}) []byte {
	id, ok := loc.(uint64)
	if !ok {
		panic("codec: RowIDLocationCodec.Encode expects uint64")
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (RowIDLocationCodec) Decode(data []byte) interface{} {
	return binary.BigEndian.Uint64(data)
}
