// Package wal implements the write-ahead log: a ring of pre-allocated
// online log files per group, an archiver that copies sealed files out
// before they are recycled, and an anchor (control) file recording the
// durable checkpoint LSN so restart recovery knows where to begin.
//
// The teacher (hmarui66-blink-tree-go) has no log at all — its B-link
// tree mutates pages in place with no recovery story — so this package
// is new, grounded on the WAL-specific repos retrieved alongside it:
// the fuzzy-checkpoint and background-daemon shape follows
// therealutkarshpriyadarshi-mydb's pkg/log/wal/{checkpoint.go,
// checkpoint_daemon.go}, and the file-group-plus-archive-directory
// layout follows the standalone dreamsxin-wal/wal.go and
// cobaltdb/pkg/storage/wal.go reference files.
package wal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lsn"
)

// Config controls the log's on-disk layout and background behaviour.
type Config struct {
	Dir           string
	ArchiveDir    string
	FileSize      int64
	GroupFiles    int32
	FlushInterval time.Duration
	CleanInterval time.Duration
}

// Manager is the write-ahead log. All durability-relevant writes to
// the database go through Insert before the corresponding page change
// is allowed to reach disk (internal/buffer enforces the converse: no
// page flush before the log is forced past the page's LSN).
type Manager struct {
	cfg Config

	mu         sync.Mutex
	curFile    *os.File
	curWriter  *bufio.Writer
	curIndex   int32
	curOffset  int64
	flushedLSN lsn.LSN
	lastLSN    lsn.LSN

	anchorMu      sync.Mutex
	checkpointLSN lsn.LSN

	logger *zap.SugaredLogger

	eg     *errgroup.Group
	cancel context.CancelFunc
}

type anchor struct {
	CheckpointFileIndex int32
	CheckpointOffset    int64
	OldestArchivedIndex int32
}

// Open opens or creates the log group rooted at cfg.Dir, reading the
// anchor file (if present) to recover the last known checkpoint LSN,
// then scanning forward from there to the true end of the log — the
// same "scanToEof" step every ARIES-style recovery log performs at
// restart to account for a crash between the last fsync'd anchor write
// and the log's actual tail.
func Open(cfg Config, logger *zap.SugaredLogger) (*Manager, error) {
	if cfg.GroupFiles <= 0 {
		cfg.GroupFiles = 3
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, common.Wrap(err, "creating log dir")
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		return nil, common.Wrap(err, "creating archive dir")
	}

	m := &Manager{cfg: cfg, logger: logger}

	a, err := readAnchor(cfg.Dir)
	if err != nil {
		return nil, err
	}
	m.checkpointLSN = lsn.LSN{FileIndex: a.CheckpointFileIndex, Offset: a.CheckpointOffset}

	if err := m.scanToEof(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) logFileName(index int32) string {
	slot := index % m.cfg.GroupFiles
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("log-%d.dat", slot))
}

func (m *Manager) archiveFileName(index int32) string {
	return filepath.Join(m.cfg.ArchiveDir, fmt.Sprintf("log-%010d.arc", index))
}

// scanToEof opens the log file holding the checkpoint LSN (or file 0
// if the log is brand new) and reads forward, frame by frame, until it
// hits a short or corrupt frame — the true end of a log that may have
// been torn mid-write by a crash.
func (m *Manager) scanToEof() error {
	index := m.checkpointLSN.FileIndex
	path := m.logFileName(index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return common.Wrap(err, "opening current log file")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return common.Wrap(err, "scanning log file to eof")
	}
	var offset int64
	var last lsn.LSN
	for offset < int64(len(data)) {
		_, size, err := decodeFrameForward(data[offset:])
		if err != nil {
			break // torn write at the tail; this is where we resume appending
		}
		last = lsn.LSN{FileIndex: index, Offset: offset}
		offset += size
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return common.Wrap(err, "seeking to log tail")
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return common.Wrap(err, "truncating torn log tail")
	}
	m.curFile = f
	m.curWriter = bufio.NewWriter(f)
	m.curIndex = index
	m.curOffset = offset
	if !last.IsZero() || offset > 0 {
		m.flushedLSN = last
		m.lastLSN = last
	}
	return nil
}

// Insert appends payload as a new record and returns its LSN. The
// record is buffered; callers that need durability call Flush.
func (m *Manager) Insert(payload []byte) (lsn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := encodeFrame(payload)
	if int64(len(frame)) > m.cfg.FileSize {
		return lsn.Zero, common.Wrap(common.ErrRecordTooLarge, "log record larger than a log file")
	}
	if m.curOffset+int64(len(frame)) > m.cfg.FileSize {
		if err := m.rotateLocked(); err != nil {
			return lsn.Zero, err
		}
	}
	recordLSN := lsn.LSN{FileIndex: m.curIndex, Offset: m.curOffset}
	if _, err := m.curWriter.Write(frame); err != nil {
		return lsn.Zero, common.Wrap(err, "appending log record")
	}
	m.curOffset += int64(len(frame))
	m.lastLSN = recordLSN
	return recordLSN, nil
}

// rotateLocked seals the current file, archives the file about to be
// recycled (if any occupies the next ring slot), and opens the next
// logical file. Caller must hold m.mu.
func (m *Manager) rotateLocked() error {
	if err := m.curWriter.Flush(); err != nil {
		return common.Wrap(err, "flushing log file before rotation")
	}
	if err := m.curFile.Sync(); err != nil {
		return common.Wrap(err, "syncing log file before rotation")
	}
	sealedIndex := m.curIndex
	if err := m.archive(sealedIndex); err != nil {
		return err
	}
	m.curFile.Close()

	nextIndex := m.curIndex + 1
	path := m.logFileName(nextIndex)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return common.Wrap(err, "opening next log file")
	}
	m.curFile = f
	m.curWriter = bufio.NewWriter(f)
	m.curIndex = nextIndex
	m.curOffset = 0
	return nil
}

// archive copies the sealed file's bytes into the archive directory
// before its ring slot is reused. It is performed synchronously during
// rotation (rather than by a separate daemon) so the ring can never
// overwrite data that has not yet been archived.
func (m *Manager) archive(index int32) error {
	src := m.logFileName(index)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return common.Wrap(err, "reading log file to archive")
	}
	dst := m.archiveFileName(index)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return common.Wrap(err, "writing archive file")
	}
	return nil
}

// Flush forces the log durable at least up to upTo. A zero upTo forces
// everything buffered. If upTo is at or before the last flushed LSN,
// this is a no-op.
func (m *Manager) Flush(ctx context.Context, upTo lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !upTo.IsZero() && upTo.LessOrEqual(m.flushedLSN) {
		return nil
	}
	if err := m.curWriter.Flush(); err != nil {
		return common.Wrap(err, "flushing log buffer")
	}
	if err := m.curFile.Sync(); err != nil {
		return common.Wrap(err, "syncing log file")
	}
	m.flushedLSN = m.lastLSN
	return nil
}

// LastLSN returns the LSN of the most recently inserted record.
func (m *Manager) LastLSN() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLSN
}

// Read returns the payload of the record at l.
func (m *Manager) Read(l lsn.LSN) ([]byte, error) {
	data, err := m.readFile(l.FileIndex)
	if err != nil {
		return nil, err
	}
	if l.Offset >= int64(len(data)) {
		return nil, common.Wrap(common.ErrCorrupt, "lsn past end of file")
	}
	payload, _, err := decodeFrameForward(data[l.Offset:])
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

func (m *Manager) readFile(index int32) ([]byte, error) {
	m.mu.Lock()
	if index == m.curIndex {
		if err := m.curWriter.Flush(); err != nil {
			m.mu.Unlock()
			return nil, common.Wrap(err, "flushing before read")
		}
		path := m.logFileName(index)
		m.mu.Unlock()
		return os.ReadFile(path)
	}
	m.mu.Unlock()

	if data, err := os.ReadFile(m.archiveFileName(index)); err == nil {
		return data, nil
	}
	return os.ReadFile(m.logFileName(index))
}

// Scanner walks records forward or backward from a starting LSN.
type Scanner struct {
	mgr     *Manager
	data    []byte
	index   int32
	offset  int64
	forward bool
	done    bool
}

// ForwardScan returns a Scanner that yields records starting at from,
// in ascending LSN order.
func (m *Manager) ForwardScan(from lsn.LSN) (*Scanner, error) {
	data, err := m.readFile(from.FileIndex)
	if err != nil {
		return nil, err
	}
	return &Scanner{mgr: m, data: data, index: from.FileIndex, offset: from.Offset, forward: true}, nil
}

// BackwardScan returns a Scanner that yields records starting at from,
// in descending LSN order — used by the undo pass to walk a
// transaction's PrevLSN chain.
func (m *Manager) BackwardScan(from lsn.LSN) (*Scanner, error) {
	data, err := m.readFile(from.FileIndex)
	if err != nil {
		return nil, err
	}
	offset := from.Offset
	if offset == 0 {
		offset = int64(len(data))
	} else {
		// from.Offset points at the start of a frame; to read that
		// very frame backward we need the position just past its end.
		_, size, err := decodeFrameForward(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += size
	}
	return &Scanner{mgr: m, data: data, index: from.FileIndex, offset: offset, forward: false}, nil
}

// Next returns the next record and its LSN, or ok=false at the scan's
// boundary (end of data going forward, file index 0 offset 0 going
// backward).
func (s *Scanner) Next() (payload []byte, at lsn.LSN, ok bool, err error) {
	if s.done {
		return nil, lsn.Zero, false, nil
	}
	if s.forward {
		if s.offset >= int64(len(s.data)) {
			s.done = true
			return nil, lsn.Zero, false, nil
		}
		p, size, err := decodeFrameForward(s.data[s.offset:])
		if err != nil {
			s.done = true
			return nil, lsn.Zero, false, err
		}
		at = lsn.LSN{FileIndex: s.index, Offset: s.offset}
		s.offset += size
		return p, at, true, nil
	}

	if s.offset <= 0 {
		if s.index == 0 {
			s.done = true
			return nil, lsn.Zero, false, nil
		}
		data, err := s.mgr.readFile(s.index - 1)
		if err != nil {
			s.done = true
			return nil, lsn.Zero, false, err
		}
		s.index--
		s.data = data
		s.offset = int64(len(data))
		if s.offset == 0 {
			s.done = true
			return nil, lsn.Zero, false, nil
		}
	}
	p, size, err := decodeFrameBackward(s.data[:s.offset])
	if err != nil {
		s.done = true
		return nil, lsn.Zero, false, err
	}
	at = lsn.LSN{FileIndex: s.index, Offset: s.offset - size}
	s.offset -= size
	return p, at, true, nil
}

// SetCheckpointLSN records l as the oldest LSN recovery still needs to
// care about, persists it to the anchor (control) file, and triggers
// archive cleanup of anything older. The anchor is written and fsynced
// synchronously on every call that advances the checkpoint; calls are
// serialised by anchorMu, not coalesced. An l older than the current
// checkpoint is ignored.
func (m *Manager) SetCheckpointLSN(l lsn.LSN) error {
	m.anchorMu.Lock()
	defer m.anchorMu.Unlock()
	if l.Less(m.checkpointLSN) {
		return nil
	}
	m.checkpointLSN = l
	if err := writeAnchor(m.cfg.Dir, anchor{CheckpointFileIndex: l.FileIndex, CheckpointOffset: l.Offset}); err != nil {
		return err
	}
	return m.cleanArchives(l.FileIndex)
}

// CheckpointLSN returns the last LSN passed to SetCheckpointLSN.
func (m *Manager) CheckpointLSN() lsn.LSN {
	m.anchorMu.Lock()
	defer m.anchorMu.Unlock()
	return m.checkpointLSN
}

// cleanArchives deletes archive files strictly older than the
// checkpoint's file index minus one, resolving the spec's open
// question on archive retention in favour of "keep exactly one file of
// slack" with no point-in-time-recovery override.
func (m *Manager) cleanArchives(checkpointIndex int32) error {
	entries, err := os.ReadDir(m.cfg.ArchiveDir)
	if err != nil {
		return common.Wrap(err, "listing archive dir")
	}
	for _, e := range entries {
		var idx int32
		if _, err := fmt.Sscanf(e.Name(), "log-%010d.arc", &idx); err != nil {
			continue
		}
		if idx < checkpointIndex-1 {
			_ = os.Remove(filepath.Join(m.cfg.ArchiveDir, e.Name()))
		}
	}
	return nil
}

// Start launches the background flush and archive-cleanup daemons
// inside one errgroup.Group, so Close can cancel both and wait for them
// — grounded on the pack's use of errgroup to supervise a fixed set of
// long-running goroutines (akashsharma95-dgraph/worker,
// bobanetwork-v3-erigon/eth/stagedsync). Neither daemon returns an
// error: a failed flush or cleanup is logged and retried on the next
// tick.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.eg = eg

	flushInterval := m.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	cleanInterval := m.cfg.CleanInterval
	if cleanInterval <= 0 {
		cleanInterval = time.Minute
	}

	eg.Go(func() error {
		t := time.NewTicker(flushInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := m.Flush(ctx, m.LastLSN()); err != nil {
					m.logger.Warnw("background flush failed", "error", err)
				}
			}
		}
	})

	eg.Go(func() error {
		t := time.NewTicker(cleanInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := m.cleanArchives(m.CheckpointLSN().FileIndex); err != nil {
					m.logger.Warnw("archive cleanup failed", "error", err)
				}
			}
		}
	})
}

// Close stops the background daemons and closes the current log file.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		_ = m.eg.Wait()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.curWriter.Flush(); err != nil {
		return common.Wrap(err, "final log flush")
	}
	if err := m.curFile.Sync(); err != nil {
		return common.Wrap(err, "final log sync")
	}
	return m.curFile.Close()
}
