package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/model"
)

func TestMemoryTranslogReplayOrder(t *testing.T) {
	tl := NewMemoryTranslog()
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 1, ID: "a"}))
	require.NoError(t, tl.Add(Operation{Type: OpDelete, SeqNo: 2, ID: "a"}))
	require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: 3, ID: "b"}))

	var seen []model.SeqNo
	require.NoError(t, tl.Replay(1, func(op Operation) error {
		seen = append(seen, op.SeqNo)
		return nil
	}))
	assert.Equal(t, []model.SeqNo{2, 3}, seen)
	assert.Equal(t, model.SeqNo(3), tl.LastSeqNo())
}

func TestMemoryTranslogTrimBelow(t *testing.T) {
	tl := NewMemoryTranslog()
	for i := 1; i <= 5; i++ {
		require.NoError(t, tl.Add(Operation{Type: OpIndex, SeqNo: model.SeqNo(i), ID: "a"}))
	}

	require.NoError(t, tl.TrimBelow(3))
	assert.Equal(t, 2, tl.Len())
	// LastSeqNo tracks the high-water mark, not retained entries.
	assert.Equal(t, model.SeqNo(5), tl.LastSeqNo())
}
