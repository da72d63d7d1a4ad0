package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lsn"
)

type txnTableEntry struct {
	status  Status
	lastLSN lsn.LSN
}

// Restart runs the three-pass ARIES recovery algorithm from the last
// checkpoint to the end of the log: analysis rebuilds the transaction
// and dirty-page tables, redo replays every logged change from the
// oldest dirty page's LSN forward, and undo rolls back every
// transaction that was still active when the crash happened.
func (m *Manager) Restart(ctx context.Context) error {
	checkpoint := m.log.CheckpointLSN()

	txnTable, dirtyTable, err := m.analysisPhase(checkpoint)
	if err != nil {
		return common.Wrap(err, "analysis phase")
	}
	if err := m.redoPhase(ctx, dirtyTable); err != nil {
		return common.Wrap(err, "redo phase")
	}
	if err := m.undoPhase(ctx, txnTable); err != nil {
		return common.Wrap(err, "undo phase")
	}
	return nil
}

// analysisPhase scans forward from checkpoint, reconstructing which
// transactions were active and which pages were dirty (and since when)
// at the moment the log ends.
func (m *Manager) analysisPhase(checkpoint lsn.LSN) (map[uuid.UUID]*txnTableEntry, map[uint64]lsn.LSN, error) {
	txnTable := make(map[uuid.UUID]*txnTableEntry)
	dirtyTable := make(map[uint64]lsn.LSN)

	scanner, err := m.log.ForwardScan(checkpoint)
	if err != nil {
		return nil, nil, err
	}
	for {
		payload, at, ok, err := scanner.Next()
		if err != nil || !ok {
			if err != nil {
				m.logger.Warnw("analysis scan stopped short", "error", err)
			}
			break
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			m.logger.Warnw("analysis scan hit undecodable record, stopping", "lsn", at)
			break
		}
		switch rec.Type {
		case RecBegin:
			txnTable[rec.TxnID] = &txnTableEntry{status: StatusActive, lastLSN: at}
		case RecCommit:
			if e, ok := txnTable[rec.TxnID]; ok {
				e.status = StatusCommitted
				e.lastLSN = at
			}
		case RecAbort:
			if e, ok := txnTable[rec.TxnID]; ok {
				e.status = StatusAborted
				e.lastLSN = at
			}
		case RecUpdate, RecCLR, RecNestedTopAction:
			if e, ok := txnTable[rec.TxnID]; ok {
				e.lastLSN = at
			} else {
				txnTable[rec.TxnID] = &txnTableEntry{status: StatusActive, lastLSN: at}
			}
			if rec.PageID != 0 {
				if _, dirty := dirtyTable[rec.PageID]; !dirty {
					dirtyTable[rec.PageID] = at
				}
			}
		}
	}
	return txnTable, dirtyTable, nil
}

// redoPhase replays every update from the oldest dirty page's LSN
// forward through the end of the log, regardless of which transaction
// produced it — including updates made by transactions that will be
// undone in the next phase, per ARIES's "repeating history" rule.
func (m *Manager) redoPhase(ctx context.Context, dirtyTable map[uint64]lsn.LSN) error {
	if len(dirtyTable) == 0 {
		return nil
	}
	start := lsn.Zero
	for _, l := range dirtyTable {
		start = lsn.Min(start, l)
	}

	scanner, err := m.log.ForwardScan(start)
	if err != nil {
		return err
	}
	for {
		payload, at, ok, err := scanner.Next()
		if err != nil || !ok {
			if err != nil {
				m.logger.Warnw("redo scan stopped short", "error", err)
			}
			break
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			break
		}
		if rec.Type != RecUpdate && rec.Type != RecCLR {
			continue
		}
		firstDirty, tracked := dirtyTable[rec.PageID]
		if tracked && at.Less(firstDirty) {
			continue
		}
		handler, ok := m.redoHandlers[rec.ModuleTag]
		if !ok {
			continue
		}
		if err := handler(ctx, rec.PageID, rec.Payload, at); err != nil {
			return common.Wrapf(err, "redoing record at lsn %v", at)
		}
	}
	return nil
}

// undoPhase rolls back every transaction left StatusActive by the
// analysis phase, in parallel (logically — this implementation does it
// transaction by transaction, which is equivalent for correctness
// though not for maximal concurrency), writing CLRs exactly as a live
// Abort would.
func (m *Manager) undoPhase(ctx context.Context, txnTable map[uuid.UUID]*txnTableEntry) error {
	for id, e := range txnTable {
		if e.status != StatusActive {
			continue
		}
		t := &Transaction{ID: id, Status: StatusActive, LastLSN: e.lastLSN}
		if err := m.rollbackTo(ctx, t, lsn.Zero); err != nil {
			return common.Wrapf(err, "undoing transaction %s", id)
		}
		rec := Record{Type: RecAbort, TxnID: id, PrevLSN: t.LastLSN}
		l, err := m.log.Insert(encodeRecord(rec))
		if err != nil {
			return common.Wrap(err, "logging recovery abort record")
		}
		if err := m.log.Flush(ctx, l); err != nil {
			return common.Wrap(err, "forcing recovery abort record durable")
		}
	}
	return nil
}

// Checkpoint computes the oldest LSN still needed for recovery — the
// minimum of every active transaction's FirstLSN and every dirty page's
// first-dirty LSN — writes a checkpoint marker record, then stores that
// oldest LSN as the log's persisted checkpoint (SetCheckpointLSN),
// unblocking archive cleanup for anything
// older (spec.md §4.C's fuzzy checkpoint: nothing here blocks
// concurrent transactions, the snapshot is taken under a brief lock
// and the checkpoint record itself carries no per-page content).
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	oldest := m.log.LastLSN()
	for _, t := range m.active {
		oldest = lsn.Min(oldest, t.FirstLSN)
	}
	m.mu.Unlock()

	for _, l := range m.dirty.DirtyPageTable() {
		oldest = lsn.Min(oldest, l)
	}

	rec := Record{Type: RecCheckpointBegin}
	if _, err := m.log.Insert(encodeRecord(rec)); err != nil {
		return common.Wrap(err, "logging checkpoint begin")
	}
	return m.log.SetCheckpointLSN(oldest)
}
