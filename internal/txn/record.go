package txn

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lsn"
)

// RecordType distinguishes the handful of log record shapes the
// transaction manager itself understands; everything past the fixed
// header is opaque payload dispatched to a registered module handler
// keyed by ModuleTag, mirroring how storemy's recovery_manager.go
// switches on record.{BeginRecord,CommitRecord,...} before delegating
// to the page store.
type RecordType uint8

const (
	RecBegin RecordType = iota
	RecCommit
	RecAbort
	RecUpdate
	RecCLR
	RecNestedTopAction
	RecCheckpointBegin
	RecCheckpointEnd
)

// Record is a single decoded log record.
type Record struct {
	LSN         lsn.LSN
	PrevLSN     lsn.LSN
	TxnID       uuid.UUID
	Type        RecordType
	PageID      uint64
	ModuleTag   byte
	UndoNextLSN lsn.LSN // set on CLRs and nested-top-action end markers
	Payload     []byte
}

// header layout (big-endian):
//
//	[1]type [16]txnid [4]prevFileIdx [8]prevOffset
//	[8]pageID [1]moduleTag
//	[4]undoNextFileIdx [8]undoNextOffset
//	[payload...]
const headerLen = 1 + 16 + 4 + 8 + 8 + 1 + 4 + 8

func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen+len(r.Payload))
	buf[0] = byte(r.Type)
	copy(buf[1:17], r.TxnID[:])
	binary.BigEndian.PutUint32(buf[17:21], uint32(r.PrevLSN.FileIndex))
	binary.BigEndian.PutUint64(buf[21:29], uint64(r.PrevLSN.Offset))
	binary.BigEndian.PutUint64(buf[29:37], r.PageID)
	buf[37] = r.ModuleTag
	binary.BigEndian.PutUint32(buf[38:42], uint32(r.UndoNextLSN.FileIndex))
	binary.BigEndian.PutUint64(buf[42:50], uint64(r.UndoNextLSN.Offset))
	copy(buf[headerLen:], r.Payload)
	return buf
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) < headerLen {
		return Record{}, common.Wrap(common.ErrCorrupt, "log record shorter than header")
	}
	var r Record
	r.Type = RecordType(data[0])
	copy(r.TxnID[:], data[1:17])
	r.PrevLSN = lsn.LSN{
		FileIndex: int32(binary.BigEndian.Uint32(data[17:21])),
		Offset:    int64(binary.BigEndian.Uint64(data[21:29])),
	}
	r.PageID = binary.BigEndian.Uint64(data[29:37])
	r.ModuleTag = data[37]
	r.UndoNextLSN = lsn.LSN{
		FileIndex: int32(binary.BigEndian.Uint32(data[38:42])),
		Offset:    int64(binary.BigEndian.Uint64(data[42:50])),
	}
	r.Payload = append([]byte(nil), data[headerLen:]...)
	return r, nil
}
