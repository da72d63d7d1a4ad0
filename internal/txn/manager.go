// Package txn implements the transaction manager: begin/commit/abort,
// savepoints, nested top actions, and ARIES-style restart recovery
// (analysis, redo, undo) over the write-ahead log.
//
// The transaction table and the three recovery phases are grounded on
// therealutkarshpriyadarshi-mydb/pkg/recovery/recovery_manager.go —
// its TransactionInfo{TID,Status,FirstLSN,LastLSN,UndoNextLSN} struct,
// its dirtyPageTable, and its analysisPhase/redoPhase/undoPhase shape
// are kept, with its placeholder "would delegate to the page store"
// redo/undo bodies replaced by real dispatch onto handlers registered
// by the index manager (internal/blink) and space map
// (internal/space). Transaction identity uses google/uuid, matching
// the same corpus's recovery managers (Nancy0221, huhu99-BumbleBase,
// akslaym-recovery-stencil all key their transaction table by
// uuid.UUID).
package txn

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/lsn"
	"github.com/simpledbm/rss/internal/wal"
)

// Status is a transaction's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// DirtyPageSource reports the buffer pool's dirty-page table, used by
// Checkpoint to find the oldest LSN recovery still needs. The redo
// phase does not read it; it rebuilds its own table during analysis.
type DirtyPageSource interface {
	DirtyPageTable() map[uint64]lsn.LSN
}

// RedoHandler re-applies a logged change to a page during the redo
// pass. pageID and payload come straight from the Record that produced
// them; recordLSN is that record's LSN, which the handler must stamp
// onto the page so the buffer pool's WAL-coupling rule has something
// to compare against.
type RedoHandler func(ctx context.Context, pageID uint64, payload []byte, recordLSN lsn.LSN) error

// UndoHandler reverses a logged change during the undo pass (or a
// Savepoint rollback) and returns the payload for the CLR that
// documents the compensation, or nil if no CLR is needed.
type UndoHandler func(ctx context.Context, txnID uuid.UUID, pageID uint64, payload []byte) ([]byte, error)

// Transaction tracks one in-flight transaction's position in the log.
type Transaction struct {
	ID      uuid.UUID
	Status  Status
	FirstLSN lsn.LSN
	LastLSN  lsn.LSN
}

// Manager is the transaction manager.
type Manager struct {
	mu     sync.Mutex
	log    *wal.Manager
	locks  *lock.Manager
	dirty  DirtyPageSource
	logger *zap.SugaredLogger

	active map[uuid.UUID]*Transaction

	redoHandlers map[byte]RedoHandler
	undoHandlers map[byte]UndoHandler
}

// NewManager builds a transaction manager over log, using locks for
// lock release at commit/abort and dirty for checkpoint bookkeeping.
func NewManager(log *wal.Manager, locks *lock.Manager, dirty DirtyPageSource, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		log:          log,
		locks:        locks,
		dirty:        dirty,
		logger:       logger,
		active:       make(map[uuid.UUID]*Transaction),
		redoHandlers: make(map[byte]RedoHandler),
		undoHandlers: make(map[byte]UndoHandler),
	}
}

// RegisterModule wires a module's redo/undo handlers under tag, the
// single byte every log record produced by that module stamps into
// its ModuleTag field.
func (m *Manager) RegisterModule(tag byte, redo RedoHandler, undo UndoHandler) {
	m.redoHandlers[tag] = redo
	m.undoHandlers[tag] = undo
}

// Begin starts a new transaction and logs its begin record.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	id := uuid.New()
	rec := Record{Type: RecBegin, TxnID: id}
	l, err := m.log.Insert(encodeRecord(rec))
	if err != nil {
		return nil, common.Wrap(err, "logging begin record")
	}
	t := &Transaction{ID: id, Status: StatusActive, FirstLSN: l, LastLSN: l}
	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

// LogUpdate appends an update record for pageID tagged with moduleTag,
// chaining it to the transaction's previous record via PrevLSN.
func (m *Manager) LogUpdate(t *Transaction, pageID uint64, moduleTag byte, payload []byte) (lsn.LSN, error) {
	rec := Record{
		Type:      RecUpdate,
		TxnID:     t.ID,
		PrevLSN:   t.LastLSN,
		PageID:    pageID,
		ModuleTag: moduleTag,
		Payload:   payload,
	}
	l, err := m.log.Insert(encodeRecord(rec))
	if err != nil {
		return lsn.Zero, common.Wrap(err, "logging update record")
	}
	t.LastLSN = l
	return l, nil
}

// Savepoint returns a token identifying the transaction's current
// position, to later pass to RollbackTo.
func (m *Manager) Savepoint(t *Transaction) lsn.LSN {
	return t.LastLSN
}

// BeginNestedTopAction returns a token marking the position before a
// multi-record structure modification begins; pass it to
// EndNestedTopAction once the SMO's log records have all been written.
func (m *Manager) BeginNestedTopAction(t *Transaction) lsn.LSN {
	return t.LastLSN
}

// EndNestedTopAction writes a single marker record whose UndoNextLSN
// points at begin, so that if the transaction later aborts, undo skips
// over the entire nested action in one step instead of undoing each of
// its records individually (spec.md §9's nested-top-action pattern).
func (m *Manager) EndNestedTopAction(t *Transaction, begin lsn.LSN) error {
	rec := Record{
		Type:        RecNestedTopAction,
		TxnID:       t.ID,
		PrevLSN:     t.LastLSN,
		UndoNextLSN: begin,
	}
	l, err := m.log.Insert(encodeRecord(rec))
	if err != nil {
		return common.Wrap(err, "logging nested top action marker")
	}
	t.LastLSN = l
	return nil
}

// Commit writes a commit record, forces the log through it, releases
// every lock the transaction holds, and forgets the transaction.
func (m *Manager) Commit(ctx context.Context, t *Transaction) error {
	rec := Record{Type: RecCommit, TxnID: t.ID, PrevLSN: t.LastLSN}
	l, err := m.log.Insert(encodeRecord(rec))
	if err != nil {
		return common.Wrap(err, "logging commit record")
	}
	if err := m.log.Flush(ctx, l); err != nil {
		return common.Wrap(err, "forcing commit record durable")
	}
	t.LastLSN = l
	t.Status = StatusCommitted
	m.locks.ReleaseAll(lock.TxnID(t.ID.String()))
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

// Abort undoes every update t has made, writing a CLR for each, then
// writes an abort record and releases locks.
func (m *Manager) Abort(ctx context.Context, t *Transaction) error {
	if err := m.rollbackTo(ctx, t, lsn.Zero); err != nil {
		return err
	}
	rec := Record{Type: RecAbort, TxnID: t.ID, PrevLSN: t.LastLSN}
	l, err := m.log.Insert(encodeRecord(rec))
	if err != nil {
		return common.Wrap(err, "logging abort record")
	}
	if err := m.log.Flush(ctx, l); err != nil {
		return common.Wrap(err, "forcing abort record durable")
	}
	t.LastLSN = l
	t.Status = StatusAborted
	m.locks.ReleaseAll(lock.TxnID(t.ID.String()))
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

// RollbackTo undoes every update t has made since savepoint, without
// ending the transaction.
func (m *Manager) RollbackTo(ctx context.Context, t *Transaction, savepoint lsn.LSN) error {
	return m.rollbackTo(ctx, t, savepoint)
}

// rollbackTo walks t's PrevLSN chain backward from t.LastLSN down to
// (but not including) stopAt, undoing each update record and writing a
// CLR, and following UndoNextLSN shortcuts past nested top actions.
func (m *Manager) rollbackTo(ctx context.Context, t *Transaction, stopAt lsn.LSN) error {
	cursor := t.LastLSN
	for !cursor.IsZero() && cursor != stopAt {
		payload, err := m.readAt(cursor)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return err
		}

		switch rec.Type {
		case RecNestedTopAction:
			cursor = rec.UndoNextLSN
			continue
		case RecUpdate:
			undo, ok := m.undoHandlers[rec.ModuleTag]
			if !ok {
				return common.Wrapf(common.ErrInvalidState, "no undo handler registered for module tag %d", rec.ModuleTag)
			}
			clrPayload, err := undo(ctx, t.ID, rec.PageID, rec.Payload)
			if err != nil {
				return common.Wrapf(err, "undoing update at lsn %v", rec.LSN)
			}
			clr := Record{
				Type:        RecCLR,
				TxnID:       t.ID,
				PrevLSN:     t.LastLSN,
				PageID:      rec.PageID,
				ModuleTag:   rec.ModuleTag,
				UndoNextLSN: rec.PrevLSN,
				Payload:     clrPayload,
			}
			l, err := m.log.Insert(encodeRecord(clr))
			if err != nil {
				return common.Wrap(err, "logging CLR")
			}
			t.LastLSN = l
		}
		cursor = rec.PrevLSN
	}
	return nil
}

func (m *Manager) readAt(l lsn.LSN) ([]byte, error) {
	scanner, err := m.log.ForwardScan(l)
	if err != nil {
		return nil, err
	}
	payload, _, ok, err := scanner.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.Wrap(common.ErrCorrupt, "no record at lsn")
	}
	return payload, nil
}
