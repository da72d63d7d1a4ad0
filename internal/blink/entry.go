package blink

import "encoding/binary"

// Leaf pages store entries as [2-byte key length][key][value]; internal
// pages store [2-byte key length][key][8-byte child page number]. Both
// shapes reuse the same page.Page slot directory, so FindSlot's binary
// search works identically at every level — only the bytes past the
// key differ.

func encodeLeafEntry(key, value []byte) []byte {
	buf := make([]byte, 2+len(key)+len(value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	copy(buf[2+len(key):], value)
	return buf
}

func decodeLeafEntry(entry []byte) (key, value []byte) {
	keyLen := binary.BigEndian.Uint16(entry[0:2])
	key = entry[2 : 2+keyLen]
	value = entry[2+keyLen:]
	return
}

func entryKey(entry []byte) []byte {
	keyLen := binary.BigEndian.Uint16(entry[0:2])
	return entry[2 : 2+keyLen]
}

func encodeInternalEntry(key []byte, child uint64) []byte {
	buf := make([]byte, 2+len(key)+8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	binary.BigEndian.PutUint64(buf[2+len(key):], child)
	return buf
}

func decodeInternalEntry(entry []byte) (key []byte, child uint64) {
	keyLen := binary.BigEndian.Uint16(entry[0:2])
	key = entry[2 : 2+keyLen]
	child = binary.BigEndian.Uint64(entry[2+int(keyLen):])
	return
}
