package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/store"
)

var testShard = model.ShardID{Index: "articles", ID: 0}

func newTestStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.New(testShard, nil, dir)
	require.NoError(t, err)
	return st
}

func newTestEngine(t *testing.T) (*InternalEngine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := NewInternalEngine(newTestStore(t, dir), NewMemoryTranslog())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close("test cleanup") })
	return e, dir
}

func testDoc(id string, kv ...string) model.Document {
	fields := make(map[string]string)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return model.Document{ID: model.DocID(id), Fields: fields}
}

func testDocV(id string, version uint64, kv ...string) model.Document {
	d := testDoc(id, kv...)
	d.Version = model.SeqNo(version)
	return d
}

func TestIndexRefreshGet(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1", "title", "hello")))

	// Not visible before refresh.
	res, err := e.Get("doc1")
	require.NoError(t, err)
	assert.False(t, res.Found)

	require.NoError(t, e.Refresh("test"))

	res, err = e.Get("doc1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "hello", res.Document.Fields["title"])
	assert.Equal(t, model.SeqNo(1), res.Document.Version)
}

func TestRefreshIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Refresh("first"))

	snap, err := e.AcquireSnapshot()
	require.NoError(t, err)
	gen := snap.Generation()
	snap.Release()

	require.NoError(t, e.Refresh("second"))

	snap, err = e.AcquireSnapshot()
	require.NoError(t, err)
	assert.Equal(t, gen, snap.Generation())
	snap.Release()
}

func TestSnapshotAcquiredBeforeRefreshIsStable(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Refresh("setup"))

	before, err := e.AcquireSnapshot()
	require.NoError(t, err)
	defer before.Release()

	require.NoError(t, e.Index(testDoc("doc2")))
	require.NoError(t, e.Refresh("second"))

	_, found, err := before.Reader().Get("doc2")
	require.NoError(t, err)
	assert.False(t, found, "old snapshot must not observe the later write")

	res, err := e.Get("doc2")
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestCreateConflict(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Create(testDoc("doc1", "v", "1")))
	assert.ErrorIs(t, e.Create(testDoc("doc1", "v", "2")), ErrDocExists)

	// Visible via the snapshot after refresh, still a conflict.
	require.NoError(t, e.Refresh("test"))
	assert.ErrorIs(t, e.Create(testDoc("doc1", "v", "3")), ErrDocExists)

	// A delete frees the id.
	require.NoError(t, e.Delete("doc1"))
	require.NoError(t, e.Create(testDoc("doc1", "v", "4")))
}

func TestDeleteByQuery(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1", "lang", "go")))
	require.NoError(t, e.Index(testDoc("doc2", "lang", "go")))
	require.NoError(t, e.Index(testDoc("doc3", "lang", "java")))

	n, err := e.DeleteByQuery("lang", "go")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.Refresh("test"))
	res, err := e.Get("doc1")
	require.NoError(t, err)
	assert.False(t, res.Found)
	res, err = e.Get("doc3")
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestFlushSurvivesReopen(t *testing.T) {
	e, dir := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1", "title", "durable")))
	require.NoError(t, e.Flush(false, true))
	require.NoError(t, e.Close("test"))

	e2, err := NewInternalEngine(newTestStore(t, dir), NewMemoryTranslog())
	require.NoError(t, err)
	defer e2.Close("test")

	res, err := e2.Get("doc1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "durable", res.Document.Fields["title"])
}

func TestFlushTrimsTranslog(t *testing.T) {
	dir := t.TempDir()
	tl := NewMemoryTranslog()
	e, err := NewInternalEngine(newTestStore(t, dir), tl)
	require.NoError(t, err)
	defer e.Close("test")

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Index(testDoc("doc2")))
	assert.Equal(t, 2, tl.Len())

	require.NoError(t, e.Flush(false, true))
	assert.Equal(t, 0, tl.Len())
}

func TestFlushOngoing(t *testing.T) {
	e, _ := newTestEngine(t)

	e.flushMu.Lock()
	err := e.Flush(false, false)
	e.flushMu.Unlock()
	assert.ErrorIs(t, err, ErrFlushOngoing)

	require.NoError(t, e.Flush(false, false))
}

func TestForceMergeKeepsLiveDocs(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Refresh("one"))
	require.NoError(t, e.Index(testDoc("doc2")))
	require.NoError(t, e.Delete("doc1"))
	require.NoError(t, e.Refresh("two"))

	require.NoError(t, e.ForceMerge())

	segs, err := e.Segments()
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Committed)

	res, err := e.Get("doc2")
	require.NoError(t, err)
	assert.True(t, res.Found)
	res, err = e.Get("doc1")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestSegmentsCommittedFlag(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Flush(false, true))
	require.NoError(t, e.Index(testDoc("doc2")))
	require.NoError(t, e.Refresh("test"))

	segs, err := e.Segments()
	require.NoError(t, err)
	require.Len(t, segs, 2)

	var committed, uncommitted int
	for _, s := range segs {
		assert.True(t, s.Searchable)
		if s.Committed {
			committed++
		} else {
			uncommitted++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, uncommitted)
}

func TestSnapshotIndexPinsCommit(t *testing.T) {
	e, dir := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	pinned, err := e.SnapshotIndex(true)
	require.NoError(t, err)
	defer pinned.Release()

	require.NotZero(t, pinned.Generation)
	require.NotEmpty(t, pinned.Files)
	for _, f := range pinned.Files {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, "pinned file %s must exist", f)
	}

	// Merging away the pinned segments must not remove them.
	require.NoError(t, e.Index(testDoc("doc2")))
	require.NoError(t, e.ForceMerge())
	for _, f := range pinned.Files {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, "pinned file %s removed during merge", f)
	}

	pinned.Release()
}

func TestRecoverReplaysTranslog(t *testing.T) {
	dir := t.TempDir()
	tl := NewMemoryTranslog()
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 1, ID: "doc1", Fields: map[string]string{"title": "replayed"}}))
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 2, ID: "doc2"}))
	require.NoError(t, tl.Add(Operation{Type: OpDelete, SeqNo: 3, ID: "doc2"}))

	e, err := NewInternalEngine(newTestStore(t, dir), tl)
	require.NoError(t, err)
	defer e.Close("test")

	require.NoError(t, e.Recover(nil))

	res, err := e.Get("doc1")
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "replayed", res.Document.Fields["title"])

	res, err = e.Get("doc2")
	require.NoError(t, err)
	assert.False(t, res.Found)

	// The next assigned sequence number continues past the replayed ones.
	require.NoError(t, e.Index(testDoc("doc3")))
	require.NoError(t, e.Refresh("test"))
	res, err = e.Get("doc3")
	require.NoError(t, err)
	assert.Equal(t, model.SeqNo(4), res.Document.Version)
}

func TestCloseRejectsOperations(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Close("test"))
	require.NoError(t, e.Close("again"))

	assert.ErrorIs(t, e.Index(testDoc("doc1")), ErrClosed)
	assert.ErrorIs(t, e.Refresh("test"), ErrClosed)
	assert.ErrorIs(t, e.Flush(false, true), ErrClosed)
	_, err := e.Get("doc1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Segments()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseReleasesStoreReference(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t, dir)
	e, err := NewInternalEngine(st, NewMemoryTranslog())
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.RefCount())
	require.NoError(t, e.Close("test"))
	assert.Equal(t, int64(0), st.RefCount())
	assert.True(t, st.Closed())
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	e, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := e.Index(testDoc("doc1", "n", "x")); err != nil {
					return
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := e.Get("doc1"); err != nil {
					return
				}
				if j%10 == 0 {
					e.Refresh("background")
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, e.Refresh("final"))
	res, err := e.Get("doc1")
	require.NoError(t, err)
	assert.True(t, res.Found)
}

func TestCloseWaitsForInFlightOperations(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Index(testDoc("doc1")))
	require.NoError(t, e.Refresh("setup"))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		e.mu.RLock()
		close(started)
		<-release
		e.mu.RUnlock()
		done <- nil
	}()

	<-started
	closed := make(chan struct{})
	go func() {
		e.Close("test")
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a shared-lock holder was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not complete after shared lock release")
	}
}
