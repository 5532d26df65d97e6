package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	blockA = FileBlock{StorageID: "s1", FileID: "f1"}
	blockB = FileBlock{StorageID: "s2", FileID: "f2"}
)

func TestBlockMapInsertCoalesces(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 100}, blockA)
	m.Insert(ByteRange{Offset: 100, Size: 100}, blockA)

	require.Equal(t, 1, m.Count())
	span, ok := m.SpanAt(50)
	require.True(t, ok)
	assert.Equal(t, int64(0), span.Off)
	assert.Equal(t, int64(200), span.End)
}

func TestBlockMapInsertKeepsDistinctPayloads(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 100}, blockA)
	m.Insert(ByteRange{Offset: 100, Size: 100}, blockB)

	assert.Equal(t, 2, m.Count())
}

func TestBlockMapOverlaySplitsExisting(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 300}, blockA)
	m.Insert(ByteRange{Offset: 100, Size: 100}, blockB)

	require.Equal(t, 3, m.Count())
	spans := m.Spans()
	assert.Equal(t, BlockSpan{Off: 0, End: 100, Block: blockA}, spans[0])
	assert.Equal(t, BlockSpan{Off: 100, End: 200, Block: blockB}, spans[1])
	assert.Equal(t, BlockSpan{Off: 200, End: 300, Block: blockA}, spans[2])
}

func TestBlockMapCoveredLength(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 10, Size: 20}, blockA)
	m.Insert(ByteRange{Offset: 50, Size: 30}, blockB)

	assert.Equal(t, int64(50), m.CoveredLength(0, 100))
	assert.Equal(t, int64(20), m.CoveredLength(10, 30))
	assert.Equal(t, int64(10), m.CoveredLength(0, 20))
	assert.Equal(t, int64(0), m.CoveredLength(30, 50))
}

func TestBlockMapGaps(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 10, Size: 10}, blockA)
	m.Insert(ByteRange{Offset: 40, Size: 10}, blockA)

	gaps := m.Gaps(0, 60)
	require.Len(t, gaps, 3)
	assert.Equal(t, ByteRange{Offset: 0, Size: 10}, gaps[0])
	assert.Equal(t, ByteRange{Offset: 20, Size: 20}, gaps[1])
	assert.Equal(t, ByteRange{Offset: 50, Size: 10}, gaps[2])

	assert.Empty(t, NewBlockMapOf(BlockSpan{Off: 0, End: 60, Block: blockA}).Gaps(0, 60))
}

func TestBlockMapTruncate(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 100}, blockA)
	m.Insert(ByteRange{Offset: 150, Size: 50}, blockB)

	m.Truncate(120)
	require.Equal(t, 1, m.Count())
	span, ok := m.SpanAt(0)
	require.True(t, ok)
	assert.Equal(t, int64(100), span.End)

	m.Truncate(40)
	span, ok = m.SpanAt(0)
	require.True(t, ok)
	assert.Equal(t, int64(40), span.End)
}

func TestBlockMapReplaceRange(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 300}, blockA)

	update := NewBlockMapOf(BlockSpan{Off: 100, End: 150, Block: blockB})
	m.ReplaceRange(100, 200, update)

	assert.Equal(t, int64(50), m.CoveredLength(100, 200))
	assert.Equal(t, int64(100), m.CoveredLength(0, 100))
	assert.Equal(t, int64(100), m.CoveredLength(200, 300))
}

func TestBlockMapCountIn(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 10}, blockA)
	m.Insert(ByteRange{Offset: 20, Size: 10}, blockB)
	m.Insert(ByteRange{Offset: 40, Size: 10}, blockA)

	assert.Equal(t, 3, m.CountIn(0, 50))
	assert.Equal(t, 2, m.CountIn(5, 25))
	assert.Equal(t, 0, m.CountIn(10, 20))
}

func TestBlockMapCloneIsIndependent(t *testing.T) {
	m := NewBlockMap()
	m.Insert(ByteRange{Offset: 0, Size: 10}, blockA)

	clone := m.Clone()
	clone.Insert(ByteRange{Offset: 10, Size: 10}, blockB)

	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 2, clone.Count())
}
