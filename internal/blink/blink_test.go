package blink

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/simpledbm/rss/internal/buffer"
	"github.com/simpledbm/rss/internal/codec"
	"github.com/simpledbm/rss/internal/common"
	"github.com/simpledbm/rss/internal/lock"
	"github.com/simpledbm/rss/internal/space"
	"github.com/simpledbm/rss/internal/txn"
	"github.com/simpledbm/rss/internal/wal"
)

const (
	testTag      byte = 7
	spaceTestTag byte = 8
)

type testEnv struct {
	dir   string
	buf   *buffer.Manager
	locks *lock.Manager
	txns  *txn.Manager
	sm    *space.Map
	tree  *Tree
}

func newTestEnv(t *testing.T, pageSize uint32, numFrames int) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	w, err := wal.Open(wal.Config{
		Dir:        filepath.Join(dir, "log"),
		ArchiveDir: filepath.Join(dir, "archive"),
		FileSize:   1 << 20,
		GroupFiles: 3,
	}, common.NewNopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	store, err := buffer.OpenFileStorage(filepath.Join(dir, "pages.dat"), pageSize)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	buf := buffer.NewManager(store, w, pageSize, numFrames, common.NewNopLogger())
	locks := lock.NewManager()
	txns := txn.NewManager(w, locks, buf, common.NewNopLogger())

	sm, err := space.Create(ctx, buf, txns, spaceTestTag, common.NewNopLogger())
	if err != nil {
		t.Fatalf("space.Create: %v", err)
	}

	bootstrap, err := txns.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin (bootstrap): %v", err)
	}
	tree, err := Create(ctx, buf, txns, locks, sm, codec.BytesKeyCodec{}, codec.RowIDLocationCodec{}, testTag, bootstrap, common.NewNopLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := txns.Commit(ctx, bootstrap); err != nil {
		t.Fatalf("Commit (bootstrap): %v", err)
	}

	e := &testEnv{dir: dir, buf: buf, locks: locks, txns: txns, sm: sm, tree: tree}
	t.Cleanup(func() { w.Close() })
	return e
}

// reopen simulates a crash: it drops the in-memory buffer pool and log
// writer without flushing, then reconstructs everything from the same
// on-disk files and runs recovery, exactly as a real process restart
// would.
func (e *testEnv) reopen(t *testing.T, pageSize uint32, numFrames int) *testEnv {
	t.Helper()
	ctx := context.Background()
	w, err := wal.Open(wal.Config{
		Dir:        filepath.Join(e.dir, "log"),
		ArchiveDir: filepath.Join(e.dir, "archive"),
		FileSize:   1 << 20,
		GroupFiles: 3,
	}, common.NewNopLogger())
	if err != nil {
		t.Fatalf("wal.Open (reopen): %v", err)
	}
	store, err := buffer.OpenFileStorage(filepath.Join(e.dir, "pages.dat"), pageSize)
	if err != nil {
		t.Fatalf("OpenFileStorage (reopen): %v", err)
	}
	buf := buffer.NewManager(store, w, pageSize, numFrames, common.NewNopLogger())
	locks := lock.NewManager()
	txns := txn.NewManager(w, locks, buf, common.NewNopLogger())

	sm, err := space.Open(ctx, buf, txns, spaceTestTag, common.NewNopLogger())
	if err != nil {
		t.Fatalf("space.Open: %v", err)
	}
	rootPageNo := e.tree.RootPageNumber()
	tree := Open(buf, txns, locks, sm, codec.BytesKeyCodec{}, codec.RowIDLocationCodec{}, rootPageNo, testTag, common.NewNopLogger())

	if err := txns.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	n := &testEnv{dir: e.dir, buf: buf, locks: locks, txns: txns, sm: sm, tree: tree}
	t.Cleanup(func() { w.Close() })
	return n
}

func newTestTree(t *testing.T, pageSize uint32, numFrames int) (*Tree, *txn.Manager) {
	t.Helper()
	e := newTestEnv(t, pageSize, numFrames)
	return e.tree, e.txns
}

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)

	tx, err := txns.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tree.Insert(ctx, tx, []byte("alpha"), uint64(1)); err != nil {
		t.Fatalf("Insert(alpha): %v", err)
	}
	if err := tree.Insert(ctx, tx, []byte("beta"), uint64(2)); err != nil {
		t.Fatalf("Insert(beta): %v", err)
	}
	if err := txns.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("alpha"))
	if err != nil {
		t.Fatalf("Find(alpha): %v", err)
	}
	if !ok || v.(uint64) != 1 {
		t.Errorf("Find(alpha) = (%v, %v), want (1, true)", v, ok)
	}

	_, ok, err = tree.Find(ctx, lock.TxnID("reader"), []byte("missing"))
	if err != nil {
		t.Fatalf("Find(missing): %v", err)
	}
	if ok {
		t.Errorf("Find(missing) = ok, want not found")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)
	tx, _ := txns.Begin(ctx)
	if err := tree.Insert(ctx, tx, []byte("k"), uint64(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(ctx, tx, []byte("k"), uint64(2)); err == nil {
		t.Error("second Insert of the same key succeeded, want ErrUniqueViolation")
	}
	txns.Commit(ctx, tx)
}

// TestUniqueViolationThenRetryAfterAbort exercises spec.md §8 scenario
// 3: after a first transaction commits a key, a second transaction's
// insert of the same key fails with a unique violation and that
// transaction aborts (releasing its commit-duration key lock); a third
// transaction can then delete the key and insert it again cleanly.
func TestUniqueViolationThenRetryAfterAbort(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)

	tx1, _ := txns.Begin(ctx)
	if err := tree.Insert(ctx, tx1, []byte("dup"), uint64(1)); err != nil {
		t.Fatalf("Insert(dup) tx1: %v", err)
	}
	if err := txns.Commit(ctx, tx1); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}

	tx2, _ := txns.Begin(ctx)
	if err := tree.Insert(ctx, tx2, []byte("dup"), uint64(2)); err != common.ErrUniqueViolation {
		t.Fatalf("Insert(dup) tx2 = %v, want ErrUniqueViolation", err)
	}
	if err := txns.Abort(ctx, tx2); err != nil {
		t.Fatalf("Abort tx2: %v", err)
	}

	tx3, _ := txns.Begin(ctx)
	if err := tree.Delete(ctx, tx3, []byte("dup")); err != nil {
		t.Fatalf("Delete(dup) tx3: %v", err)
	}
	if err := tree.Insert(ctx, tx3, []byte("dup"), uint64(3)); err != nil {
		t.Fatalf("Insert(dup) tx3 after delete: %v", err)
	}
	if err := txns.Commit(ctx, tx3); err != nil {
		t.Fatalf("Commit tx3: %v", err)
	}

	v, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("dup"))
	if err != nil || !ok || v.(uint64) != 3 {
		t.Fatalf("Find(dup) = (%v, %v, %v), want (3, true, nil)", v, ok, err)
	}
}

// TestSplitsAcrossManyKeys drives enough inserts through a small page
// to force repeated leaf splits and at least one root split, then
// checks every key is still reachable both by point lookup and by a
// full forward scan.
func TestSplitsAcrossManyKeys(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 256, 64)

	tx, err := txns.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := tree.Insert(ctx, tx, key, uint64(i)); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}
	if err := txns.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		v, ok, err := tree.Find(ctx, lock.TxnID("reader"), key)
		if err != nil {
			t.Fatalf("Find(%s): %v", key, err)
		}
		if !ok || v.(uint64) != uint64(i) {
			t.Fatalf("Find(%s) = (%v, %v), want (%d, true)", key, v, ok, i)
		}
	}

	cursor, err := tree.NewScan(ctx, lock.TxnID("scanner"), lock.S, lock.Instant, nil)
	if err != nil {
		t.Fatalf("NewScan: %v", err)
	}
	defer cursor.Close()
	count := 0
	for {
		_, _, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != n {
		t.Errorf("scan visited %d entries, want %d", count, n)
	}
}

// TestSplitThenAbortUndoesInsertedKeys exercises spec.md §8 scenario
// 2: inserts that force a split, then an abort, must leave no trace of
// the inserted keys — a fresh point lookup across the whole former
// range finds nothing. The split itself is a nested top action and
// stays in place; only the inserts are undone.
func TestSplitThenAbortUndoesInsertedKeys(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 256, 64)

	tx, _ := txns.Begin(ctx)
	const n = 80
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("s-%04d", i))
		if err := tree.Insert(ctx, tx, key, uint64(i)); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}
	if err := txns.Abort(ctx, tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("s-%04d", i))
		_, ok, err := tree.Find(ctx, lock.TxnID("reader"), key)
		if err != nil {
			t.Fatalf("Find(%s): %v", key, err)
		}
		if ok {
			t.Fatalf("Find(%s) found a key from an aborted, split-driven insert", key)
		}
	}
}

func TestDeleteThenFindMisses(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)
	tx, _ := txns.Begin(ctx)
	tree.Insert(ctx, tx, []byte("gone"), uint64(9))
	txns.Commit(ctx, tx)

	tx2, _ := txns.Begin(ctx)
	if err := tree.Delete(ctx, tx2, []byte("gone")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	txns.Commit(ctx, tx2)

	_, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("gone"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Error("Find found a deleted key")
	}
}

// TestDeleteEmptiesPageIntoRightSibling drives enough keys through a
// small-paged tree to force a split, deletes every key that landed on
// the left page, and checks the resulting merge (mergeIfEmpty) still
// leaves every surviving key reachable.
func TestDeleteEmptiesPageIntoRightSibling(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 256, 64)

	tx, _ := txns.Begin(ctx)
	const n = 40
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("m-%04d", i))
		if err := tree.Insert(ctx, tx, keys[i], uint64(i)); err != nil {
			t.Fatalf("Insert(%s): %v", keys[i], err)
		}
	}
	if err := txns.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := txns.Begin(ctx)
	half := n / 2
	for i := 0; i < half; i++ {
		if err := tree.Delete(ctx, tx2, keys[i]); err != nil {
			t.Fatalf("Delete(%s): %v", keys[i], err)
		}
	}
	if err := txns.Commit(ctx, tx2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < half; i++ {
		_, ok, err := tree.Find(ctx, lock.TxnID("reader"), keys[i])
		if err != nil {
			t.Fatalf("Find(%s): %v", keys[i], err)
		}
		if ok {
			t.Fatalf("Find(%s) found a deleted key after merge", keys[i])
		}
	}
	for i := half; i < n; i++ {
		v, ok, err := tree.Find(ctx, lock.TxnID("reader"), keys[i])
		if err != nil || !ok || v.(uint64) != uint64(i) {
			t.Fatalf("Find(%s) = (%v, %v, %v), want (%d, true, nil)", keys[i], v, ok, err, i)
		}
	}
}

func TestAbortUndoesInsert(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)
	tx, _ := txns.Begin(ctx)
	if err := tree.Insert(ctx, tx, []byte("temp"), uint64(3)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := txns.Abort(ctx, tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	_, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("temp"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ok {
		t.Error("key inserted by an aborted transaction is still visible")
	}
}

func TestAbortUndoesDelete(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)
	tx, _ := txns.Begin(ctx)
	tree.Insert(ctx, tx, []byte("stays"), uint64(4))
	txns.Commit(ctx, tx)

	tx2, _ := txns.Begin(ctx)
	if err := tree.Delete(ctx, tx2, []byte("stays")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := txns.Abort(ctx, tx2); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	v, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("stays"))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !ok || v.(uint64) != 4 {
		t.Errorf("Find(stays) after abort = (%v, %v), want (4, true)", v, ok)
	}
}

// TestConcurrentDeleteAndInsertSerialize exercises spec.md §8 scenario
// 4: a deleter of "race" and a concurrent inserter of the adjacent key
// "race2" on the same page both succeed — the delete's next-key lock
// and the insert's locks serialize them without either failing — and
// afterwards "race" is gone while "race2" is present.
func TestConcurrentDeleteAndInsertSerialize(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)

	tx0, _ := txns.Begin(ctx)
	if err := tree.Insert(ctx, tx0, []byte("race"), uint64(1)); err != nil {
		t.Fatalf("seed Insert: %v", err)
	}
	if err := txns.Commit(ctx, tx0); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tx, err := txns.Begin(ctx)
		if err != nil {
			errs <- err
			return
		}
		if err := tree.Delete(ctx, tx, []byte("race")); err != nil {
			errs <- err
			return
		}
		errs <- txns.Commit(ctx, tx)
	}()
	go func() {
		defer wg.Done()
		tx, err := txns.Begin(ctx)
		if err != nil {
			errs <- err
			return
		}
		if err := tree.Insert(ctx, tx, []byte("race2"), uint64(2)); err != nil {
			errs <- err
			return
		}
		errs <- txns.Commit(ctx, tx)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent goroutine failed: %v", err)
		}
	}

	_, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("race"))
	if err != nil {
		t.Fatalf("Find(race): %v", err)
	}
	if ok {
		t.Error("Find(race) found a key the concurrent delete should have removed")
	}
	v, ok, err := tree.Find(ctx, lock.TxnID("reader"), []byte("race2"))
	if err != nil || !ok || v.(uint64) != 2 {
		t.Fatalf("Find(race2) = (%v, %v, %v), want (2, true, nil)", v, ok, err)
	}
}

// TestScanBlocksOnConcurrentDelete exercises spec.md §8 scenario 5: a
// repeatable-read scanner that has already locked a key for manual
// duration keeps a concurrent deleter from touching that key until the
// scanner's transaction ends.
func TestScanBlocksOnConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)

	seed, _ := txns.Begin(ctx)
	for _, k := range []string{"a", "b", "c"} {
		if err := tree.Insert(ctx, seed, []byte(k), uint64(1)); err != nil {
			t.Fatalf("seed Insert(%s): %v", k, err)
		}
	}
	if err := txns.Commit(ctx, seed); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	scanTx, _ := txns.Begin(ctx)
	scanTxn := lock.TxnID(scanTx.ID.String())
	cursor, err := tree.NewScan(ctx, scanTxn, lock.S, lock.Manual, nil)
	if err != nil {
		t.Fatalf("NewScan: %v", err)
	}
	k, _, ok, err := cursor.Next()
	if err != nil || !ok {
		t.Fatalf("Next: (%v, %v, %v)", k, ok, err)
	}
	if string(k.([]byte)) != "a" {
		t.Fatalf("first scanned key = %q, want \"a\"", k)
	}
	cursor.Close()

	deleteStarted := make(chan struct{})
	deleteDone := make(chan error, 1)
	go func() {
		deleteTx, err := txns.Begin(ctx)
		if err != nil {
			deleteDone <- err
			return
		}
		close(deleteStarted)
		deleteDone <- tree.Delete(ctx, deleteTx, []byte("a"))
		if err == nil {
			txns.Commit(ctx, deleteTx)
		}
	}()
	<-deleteStarted

	// Delete takes a commit-duration exclusive lock on "a" itself before
	// touching any page, so it waits behind the scanner's manual-duration
	// shared lock on "a" and finishes only once the scanning transaction
	// commits.
	select {
	case err := <-deleteDone:
		t.Fatalf("concurrent Delete finished (%v) while the scanner still held its lock on \"a\"", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := txns.Commit(ctx, scanTx); err != nil {
		t.Fatalf("Commit scanTx: %v", err)
	}
	if err := <-deleteDone; err != nil {
		t.Fatalf("concurrent Delete: %v", err)
	}
}

// TestCrashAndRestartRecoversTree exercises spec.md §8 scenario 6: a
// committed insert survives a simulated crash (dropping the in-memory
// buffer pool without flushing) and restart recovery, while an insert
// left active at crash time is rolled back by the undo phase.
func TestCrashAndRestartRecoversTree(t *testing.T) {
	ctx := context.Background()
	const pageSize, frames = 4096, 16
	e := newTestEnv(t, pageSize, frames)

	committed, _ := e.txns.Begin(ctx)
	if err := e.tree.Insert(ctx, committed, []byte("durable"), uint64(42)); err != nil {
		t.Fatalf("Insert(durable): %v", err)
	}
	if err := e.txns.Commit(ctx, committed); err != nil {
		t.Fatalf("Commit(durable): %v", err)
	}

	active, _ := e.txns.Begin(ctx)
	if err := e.tree.Insert(ctx, active, []byte("lost"), uint64(99)); err != nil {
		t.Fatalf("Insert(lost): %v", err)
	}
	// active is never committed or aborted: this simulates a crash while
	// it was still in flight.

	restarted := e.reopen(t, pageSize, frames)

	v, ok, err := restarted.tree.Find(ctx, lock.TxnID("reader"), []byte("durable"))
	if err != nil || !ok || v.(uint64) != 42 {
		t.Fatalf("Find(durable) after restart = (%v, %v, %v), want (42, true, nil)", v, ok, err)
	}
	_, ok, err = restarted.tree.Find(ctx, lock.TxnID("reader"), []byte("lost"))
	if err != nil {
		t.Fatalf("Find(lost) after restart: %v", err)
	}
	if ok {
		t.Error("Find(lost) after restart found a key from a transaction active at crash time")
	}
}

// TestScanVisits34PairDataset exercises spec.md §8 scenario 1's literal
// dataset: 34 two-character keys, a1 through k2, each with its own
// value, inserted in one transaction and all visible to a full forward
// scan.
func TestScanVisits34PairDataset(t *testing.T) {
	ctx := context.Background()
	tree, txns := newTestTree(t, 4096, 16)

	type pair struct {
		key   string
		value uint64
	}
	pairs := []pair{
		{"a1", 10}, {"a2", 11},
		{"b1", 21}, {"b2", 22}, {"b3", 23}, {"b4", 24},
		{"c1", 31}, {"c2", 32},
		{"d1", 41}, {"d2", 42}, {"d3", 43}, {"d4", 44},
		{"e1", 51}, {"e2", 52}, {"e3", 53}, {"e4", 54},
		{"f1", 61}, {"f2", 62}, {"f3", 63}, {"f4", 64},
		{"g1", 71}, {"g2", 72},
		{"h1", 81}, {"h2", 82}, {"h3", 83}, {"h4", 84},
		{"i1", 91}, {"i2", 92},
		{"j1", 101}, {"j2", 102}, {"j3", 103}, {"j4", 104},
		{"k1", 111}, {"k2", 112},
	}

	tx, _ := txns.Begin(ctx)
	for _, pr := range pairs {
		if err := tree.Insert(ctx, tx, []byte(pr.key), pr.value); err != nil {
			t.Fatalf("Insert(%s): %v", pr.key, err)
		}
	}
	if err := txns.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cursor, err := tree.NewScan(ctx, lock.TxnID("scanner"), lock.S, lock.Instant, nil)
	if err != nil {
		t.Fatalf("NewScan: %v", err)
	}
	defer cursor.Close()
	got := make(map[string]uint64)
	for {
		k, v, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got[string(k.([]byte))] = v.(uint64)
	}
	if len(got) != len(pairs) {
		t.Fatalf("scan visited %d entries, want %d", len(got), len(pairs))
	}
	for _, pr := range pairs {
		if got[pr.key] != pr.value {
			t.Errorf("scan[%s] = %d, want %d", pr.key, got[pr.key], pr.value)
		}
	}
}
