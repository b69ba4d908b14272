package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/model"
)

func newFileTranslog(t *testing.T, path string) *FileTranslog {
	t.Helper()
	tl, err := NewFileTranslog(nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { tl.Close() })
	return tl
}

func collectOps(t *testing.T, tl Translog, after model.SeqNo) []Operation {
	t.Helper()
	var ops []Operation
	require.NoError(t, tl.Replay(after, func(op Operation) error {
		ops = append(ops, op)
		return nil
	}))
	return ops
}

func TestFileTranslogRoundTrip(t *testing.T) {
	tl := newFileTranslog(t, filepath.Join(t.TempDir(), "translog.log"))

	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 1, ID: "a", Fields: map[string]string{"title": "first"}}))
	require.NoError(t, tl.Add(Operation{Type: OpDelete, SeqNo: 2, ID: "a"}))
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 3, ID: "b", Fields: map[string]string{"title": "second"}}))

	ops := collectOps(t, tl, 0)
	require.Len(t, ops, 3)
	assert.Equal(t, OpIndex, ops[0].Type)
	assert.Equal(t, "first", ops[0].Fields["title"])
	assert.Equal(t, OpDelete, ops[1].Type)
	assert.Nil(t, ops[1].Fields)
	assert.Equal(t, model.DocID("b"), ops[2].ID)
	assert.Equal(t, model.SeqNo(3), tl.LastSeqNo())

	assert.Len(t, collectOps(t, tl, 2), 1)
}

func TestFileTranslogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translog.log")

	tl := newFileTranslog(t, path)
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 1, ID: "a", Fields: map[string]string{"k": "v"}}))
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 2, ID: "b", Fields: map[string]string{"k": "w"}}))
	require.NoError(t, tl.Close())

	reopened := newFileTranslog(t, path)
	assert.Equal(t, model.SeqNo(2), reopened.LastSeqNo())
	ops := collectOps(t, reopened, 0)
	require.Len(t, ops, 2)
	assert.Equal(t, model.DocID("a"), ops[0].ID)
}

func TestFileTranslogTrimBelow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translog.log")
	tl := newFileTranslog(t, path)

	for seq := model.SeqNo(1); seq <= 5; seq++ {
		require.NoError(t, tl.Add(Operation{Type: OpDelete, SeqNo: seq, ID: "x"}))
	}
	require.NoError(t, tl.TrimBelow(3))

	ops := collectOps(t, tl, 0)
	require.Len(t, ops, 2)
	assert.Equal(t, model.SeqNo(4), ops[0].SeqNo)

	// Appends keep working on the rewritten file and the trim sticks
	// across a reopen.
	require.NoError(t, tl.Add(Operation{Type: OpDelete, SeqNo: 6, ID: "y"}))
	require.NoError(t, tl.Close())

	reopened := newFileTranslog(t, path)
	ops = collectOps(t, reopened, 0)
	require.Len(t, ops, 3)
	assert.Equal(t, model.SeqNo(6), reopened.LastSeqNo())
}

func TestFileTranslogDropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translog.log")
	tl := newFileTranslog(t, path)
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 1, ID: "a", Fields: map[string]string{"k": "v"}}))
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 2, ID: "b", Fields: map[string]string{"k": "w"}}))
	require.NoError(t, tl.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe}) // half a frame
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := newFileTranslog(t, path)
	ops := collectOps(t, reopened, 0)
	require.Len(t, ops, 2, "intact prefix survives, torn tail is dropped")
	assert.Equal(t, model.SeqNo(2), reopened.LastSeqNo())

	require.NoError(t, reopened.Add(Operation{Type: OpDelete, SeqNo: 3, ID: "a"}))
	assert.Len(t, collectOps(t, reopened, 0), 3)
}

func TestFileTranslogClosedOperationsFail(t *testing.T) {
	tl := newFileTranslog(t, filepath.Join(t.TempDir(), "translog.log"))
	require.NoError(t, tl.Close())

	require.ErrorIs(t, tl.Add(Operation{Type: OpDelete, SeqNo: 1, ID: "a"}), ErrTranslogClosed)
	require.ErrorIs(t, tl.Replay(0, func(Operation) error { return nil }), ErrTranslogClosed)
	require.ErrorIs(t, tl.TrimBelow(1), ErrTranslogClosed)
	require.NoError(t, tl.Close())
}

func TestEngineRecoversFromFileTranslog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "translog.log")
	shardDir := filepath.Join(dir, "shard")

	tl := newFileTranslog(t, logPath)
	st := newTestStore(t, shardDir)
	e, err := NewInternalEngine(st, tl)
	require.NoError(t, err)

	require.NoError(t, e.Index(testDoc("1", "title", "durable")))
	require.NoError(t, e.Index(testDoc("2", "title", "volatile")))
	// No flush: the documents only exist in the translog.
	require.NoError(t, e.Close("simulated crash"))

	st = newTestStore(t, shardDir)
	tl = newFileTranslog(t, logPath)
	e, err = NewInternalEngine(st, tl)
	require.NoError(t, err)
	defer e.Close("test cleanup")

	require.NoError(t, e.Recover(nil))
	for _, id := range []string{"1", "2"} {
		res, err := e.Get(model.DocID(id))
		require.NoError(t, err)
		assert.True(t, res.Found, "doc %s", id)
	}
}
