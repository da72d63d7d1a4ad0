package txn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/lsn"
	"github.com/simpledbm/rss/internal/wal"
)

const testModuleTag byte = 1

// fakeStore is a tiny in-memory key-value "page" store standing in for
// internal/blink, just enough to exercise redo/undo dispatch end to
// end without pulling in the whole tree.
type fakeStore struct {
	mu   sync.Mutex
	vals map[uint64]string
}

func newFakeStore() *fakeStore { return &fakeStore{vals: make(map[uint64]string)} }

// update payload is "old|new"; redo sets to new, undo sets back to old.
func encodeUpdate(old, new string) []byte { return []byte(old + "|" + new) }

func (s *fakeStore) redo(ctx context.Context, pageID uint64, payload []byte, recordLSN lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, new, _ := splitPayload(payload)
	s.vals[pageID] = new
	return nil
}

func (s *fakeStore) undo(ctx context.Context, txnID uuid.UUID, pageID uint64, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, new, _ := splitPayload(payload)
	s.vals[pageID] = old
	return encodeUpdate(new, old), nil
}

func splitPayload(payload []byte) (old, new string, ok bool) {
	for i, b := range payload {
		if b == '|' {
			return string(payload[:i]), string(payload[i+1:]), true
		}
	}
	return "", "", false
}

type fakeDirty struct{}

func (fakeDirty) DirtyPageTable() map[uint64]lsn.LSN { return nil }

func newTestSystem(t *testing.T) (*Manager, *fakeStore, *wal.Manager) {
	t.Helper()
	dir := t.TempDir()
	cfg := wal.Config{
		Dir:        filepath.Join(dir, "log"),
		ArchiveDir: filepath.Join(dir, "archive"),
		FileSize:   1 << 20,
		GroupFiles: 3,
	}
	w, err := wal.Open(cfg, common.NewNopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	locks := lock.NewManager()
	store := newFakeStore()
	mgr := NewManager(w, locks, fakeDirty{}, common.NewNopLogger())
	mgr.RegisterModule(testModuleTag, store.redo, store.undo)
	return mgr, store, w
}

func TestCommitPersists(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestSystem(t)

	txn, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := mgr.LogUpdate(txn, 1, testModuleTag, encodeUpdate("", "v1")); err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}
	store.redo(ctx, 1, encodeUpdate("", "v1"), lsn.Zero) // apply in place, as the caller would before logging returns
	if err := mgr.Commit(ctx, txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.vals[1] != "v1" {
		t.Errorf("vals[1] = %q, want v1", store.vals[1])
	}
}

func TestAbortUndoes(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestSystem(t)

	txn, err := mgr.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mgr.LogUpdate(txn, 1, testModuleTag, encodeUpdate("orig", "changed"))
	store.vals[1] = "changed"

	if err := mgr.Abort(ctx, txn); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if store.vals[1] != "orig" {
		t.Errorf("vals[1] = %q, want orig after abort", store.vals[1])
	}
}

func TestRollbackToSavepoint(t *testing.T) {
	ctx := context.Background()
	mgr, store, _ := newTestSystem(t)

	txn, _ := mgr.Begin(ctx)
	mgr.LogUpdate(txn, 1, testModuleTag, encodeUpdate("a", "b"))
	store.vals[1] = "b"
	sp := mgr.Savepoint(txn)
	mgr.LogUpdate(txn, 1, testModuleTag, encodeUpdate("b", "c"))
	store.vals[1] = "c"

	if err := mgr.RollbackTo(ctx, txn, sp); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if store.vals[1] != "b" {
		t.Errorf("vals[1] = %q, want b after rollback to savepoint", store.vals[1])
	}
	mgr.Commit(ctx, txn)
}

func TestRestartRedoesCommittedAndUndoesActive(t *testing.T) {
	ctx := context.Background()
	mgr, store, w := newTestSystem(t)

	committed, _ := mgr.Begin(ctx)
	mgr.LogUpdate(committed, 1, testModuleTag, encodeUpdate("", "committed-value"))
	store.vals[1] = "committed-value"
	if err := mgr.Commit(ctx, committed); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	uncommitted, _ := mgr.Begin(ctx)
	mgr.LogUpdate(uncommitted, 2, testModuleTag, encodeUpdate("", "uncommitted-value"))
	store.vals[2] = "uncommitted-value"
	// Crash: no Commit/Abort for `uncommitted`.

	// Simulate restart against a fresh store that has "forgotten"
	// everything but what made it to the log.
	freshStore := newFakeStore()
	mgr2 := NewManager(w, lock.NewManager(), fakeDirty{}, common.NewNopLogger())
	mgr2.RegisterModule(testModuleTag, freshStore.redo, freshStore.undo)

	if err := mgr2.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if freshStore.vals[1] != "committed-value" {
		t.Errorf("vals[1] = %q, want committed-value after redo", freshStore.vals[1])
	}
	if freshStore.vals[2] != "" {
		t.Errorf("vals[2] = %q, want empty after undo of uncommitted txn", freshStore.vals[2])
	}
}
