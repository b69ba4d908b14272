package searcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/index"
	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/model"
)

type writerSource struct {
	w   *index.Writer
	dir string
}

func (s *writerSource) Generation() (uint64, error) {
	return s.w.VisibleGen(), nil
}

func (s *writerSource) OpenReader() (*index.Reader, error) {
	m, gen := s.w.VisibleManifest()
	return index.OpenReader(s.dir, m, gen)
}

func newTestView(t *testing.T) (*View, *index.Writer) {
	t.Helper()
	dir := t.TempDir()
	w, err := index.OpenWriter(fs.Default, dir)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	v, err := NewView(&writerSource{w: w, dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, w
}

func addDoc(t *testing.T, w *index.Writer, id string, version uint64) {
	t.Helper()
	require.NoError(t, w.AddDocument(model.Document{
		ID:      model.DocID(id),
		Fields:  map[string]string{"title": id},
		Version: model.SeqNo(version),
	}))
}

func TestAcquireRelease(t *testing.T) {
	v, _ := newTestView(t)

	snap, err := v.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Reader().LiveCount())
	snap.Release()
}

func TestRefreshAdvancesSnapshot(t *testing.T) {
	v, w := newTestView(t)

	addDoc(t, w, "doc1", 1)
	_, err := w.Refresh()
	require.NoError(t, err)

	changed, err := v.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err := v.Acquire()
	require.NoError(t, err)
	defer snap.Release()
	assert.Equal(t, 1, snap.Reader().LiveCount())
}

func TestRefreshWithoutChangeIsNoop(t *testing.T) {
	v, _ := newTestView(t)

	before, err := v.Generation()
	require.NoError(t, err)

	changed, err := v.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := v.Generation()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOldSnapshotStaysValidAcrossRefresh(t *testing.T) {
	v, w := newTestView(t)

	addDoc(t, w, "doc1", 1)
	_, err := w.Refresh()
	require.NoError(t, err)
	_, err = v.Refresh()
	require.NoError(t, err)

	old, err := v.Acquire()
	require.NoError(t, err)

	addDoc(t, w, "doc2", 2)
	_, err = w.Refresh()
	require.NoError(t, err)
	changed, err := v.Refresh()
	require.NoError(t, err)
	require.True(t, changed)

	// The held snapshot still reads its point-in-time state.
	assert.Equal(t, 1, old.Reader().LiveCount())
	_, found, err := old.Reader().Get("doc2")
	require.NoError(t, err)
	assert.False(t, found)
	old.Release()

	cur, err := v.Acquire()
	require.NoError(t, err)
	defer cur.Release()
	assert.Equal(t, 2, cur.Reader().LiveCount())
}

func TestCloseRejectsAcquire(t *testing.T) {
	v, _ := newTestView(t)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.Acquire()
	assert.ErrorIs(t, err, ErrViewClosed)
	_, err = v.Refresh()
	assert.ErrorIs(t, err, ErrViewClosed)
}

func TestCloseWithOutstandingSnapshot(t *testing.T) {
	v, w := newTestView(t)

	addDoc(t, w, "doc1", 1)
	_, err := w.Refresh()
	require.NoError(t, err)
	_, err = v.Refresh()
	require.NoError(t, err)

	snap, err := v.Acquire()
	require.NoError(t, err)

	require.NoError(t, v.Close())

	// The snapshot outlives the view until its holder releases it.
	assert.Equal(t, 1, snap.Reader().LiveCount())
	snap.Release()
}

func TestConcurrentAcquireDuringRefresh(t *testing.T) {
	v, w := newTestView(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap, err := v.Acquire()
				if err != nil {
					return
				}
				_ = snap.Reader().LiveCount()
				snap.Release()
			}
		}()
	}

	for i := 0; i < 20; i++ {
		addDoc(t, w, "doc", uint64(i+1))
		_, err := w.Refresh()
		require.NoError(t, err)
		_, err = v.Refresh()
		require.NoError(t, err)
	}
	wg.Wait()
}
