package buffer

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/simpledbm/rss/internal/common"
)

// Storage is the durable page store the buffer manager reads from and
// writes to. The teacher (hmarui66-blink-tree-go/bufmgr.go) maps the
// whole file with syscall.Mmap and relies on the OS to page data in and
// out; that precludes the selective, WAL-ordered flushing spec.md §4.B
// requires (a dirty page may not reach disk before the log record that
// produced it is durable), so this is generalised to explicit
// ReadAt/WriteAt on an *os.File, with allocation tracked by a simple
// high-water mark next to the teacher's AllocPage page-zero counter.
type Storage interface {
	ReadPage(pageNo uint64, buf []byte) error
	WritePage(pageNo uint64, buf []byte) error
	Allocate() (uint64, error)
	Sync() error
	Close() error
}

type fileStorage struct {
	f        *os.File
	pageSize uint32
	nextPage uint64 // highest allocated page number + 1
	mu       sync.Mutex
}

// OpenFileStorage opens (creating if necessary) a flat page file where
// page N lives at byte offset N*pageSize.
func OpenFileStorage(path string, pageSize uint32) (Storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, common.Wrap(err, "opening page file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.Wrap(err, "stat page file")
	}
	next := uint64(info.Size()) / uint64(pageSize)
	return &fileStorage{f: f, pageSize: pageSize, nextPage: next}, nil
}

func (s *fileStorage) ReadPage(pageNo uint64, buf []byte) error {
	off := int64(pageNo) * int64(s.pageSize)
	n, err := s.f.ReadAt(buf, off)
	if err != nil && n == 0 {
		// A page that has never been written reads as all-zero; the
		// caller is responsible for recognising an uninitialised page
		// via its header rather than treating this as corruption.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return common.Wrap(err, "reading page")
	}
	return nil
}

func (s *fileStorage) WritePage(pageNo uint64, buf []byte) error {
	off := int64(pageNo) * int64(s.pageSize)
	if _, err := s.f.WriteAt(buf, off); err != nil {
		return common.Wrap(err, "writing page")
	}
	return nil
}

func (s *fileStorage) Allocate() (uint64, error) {
	return atomic.AddUint64(&s.nextPage, 1) - 1, nil
}

func (s *fileStorage) Sync() error {
	if err := s.f.Sync(); err != nil {
		return common.Wrap(err, "fsync page file")
	}
	return nil
}

func (s *fileStorage) Close() error {
	return s.f.Close()
}
