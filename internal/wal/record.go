package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/simpledbm/rss/internal/common"
)

// Every log record is framed as:
//
//	[4-byte length][4-byte crc32][payload][4-byte length]
//
// The trailing length duplicate lets BackwardScan step from one
// record to the previous one without a separate index — the same
// technique the standalone dreamsxin-wal/wal.go and cobaltdb
// storage/wal.go reference files use for their log frames.
const frameOverhead = 4 + 4 + 4

func frameSize(payloadLen int) int64 {
	return int64(payloadLen) + frameOverhead
}

func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameSize(len(payload)))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[8:8+len(payload)], payload)
	binary.BigEndian.PutUint32(buf[8+len(payload):], uint32(len(payload)))
	return buf
}

// decodeFrameForward reads one frame starting at buf[0] and returns
// its payload and total on-disk size.
func decodeFrameForward(buf []byte) (payload []byte, size int64, err error) {
	if len(buf) < 8 {
		return nil, 0, common.ErrCorrupt
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	wantCRC := binary.BigEndian.Uint32(buf[4:8])
	end := 8 + int(length)
	if len(buf) < end+4 {
		return nil, 0, common.ErrCorrupt
	}
	payload = buf[8:end]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, common.ErrCorrupt
	}
	return payload, int64(end) + 4, nil
}

// decodeFrameBackward reads the frame whose trailing length field ends
// at buf[len(buf)-1].
func decodeFrameBackward(buf []byte) (payload []byte, size int64, err error) {
	if len(buf) < 4 {
		return nil, 0, common.ErrCorrupt
	}
	length := binary.BigEndian.Uint32(buf[len(buf)-4:])
	total := int64(length) + frameOverhead
	if total > int64(len(buf)) {
		return nil, 0, common.ErrCorrupt
	}
	start := int64(len(buf)) - total
	return decodeFrameForward(buf[start:])
}
