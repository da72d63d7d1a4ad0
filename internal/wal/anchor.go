package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/simpledbm/rss/internal/common"
)

const anchorFileName = "anchor.dat"
const anchorTempName = "anchor.dat.tmp"

// readAnchor loads the persisted checkpoint LSN, returning the zero
// anchor if no control file exists yet (a brand-new database).
func readAnchor(dir string) (anchor, error) {
	path := filepath.Join(dir, anchorFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return anchor{}, nil
	}
	if err != nil {
		return anchor{}, common.Wrap(err, "reading anchor file")
	}
	if len(data) < 16 {
		return anchor{}, common.Wrap(common.ErrCorrupt, "truncated anchor file")
	}
	return anchor{
		CheckpointFileIndex: int32(binary.BigEndian.Uint32(data[0:4])),
		CheckpointOffset:    int64(binary.BigEndian.Uint64(data[4:12])),
		OldestArchivedIndex: int32(binary.BigEndian.Uint32(data[12:16])),
	}, nil
}

// writeAnchor persists a to dir via write-temp-then-rename, which is
// atomic on the same filesystem and avoids ever exposing a half-written
// control file to a crash.
func writeAnchor(dir string, a anchor) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a.CheckpointFileIndex))
	binary.BigEndian.PutUint64(buf[4:12], uint64(a.CheckpointOffset))
	binary.BigEndian.PutUint32(buf[12:16], uint32(a.OldestArchivedIndex))

	tmpPath := filepath.Join(dir, anchorTempName)
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return common.Wrap(err, "creating temp anchor file")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return common.Wrap(err, "writing temp anchor file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return common.Wrap(err, "syncing temp anchor file")
	}
	if err := f.Close(); err != nil {
		return common.Wrap(err, "closing temp anchor file")
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, anchorFileName)); err != nil {
		return common.Wrap(err, "renaming anchor file")
	}
	return nil
}
