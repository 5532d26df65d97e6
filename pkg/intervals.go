package oneclient

import (
	"strings"

	"github.com/google/btree"
)

// BlockSpan is a half-open byte interval [Off, End) replicated to a single
// FileBlock. Spans held by a BlockMap never overlap; adjacent spans carrying
// an identical FileBlock are coalesced on insert.
type BlockSpan struct {
	Off   int64
	End   int64
	Block FileBlock
}

func (s BlockSpan) Len() int64 { return s.End - s.Off }

func spanLess(a, b BlockSpan) bool { return a.Off < b.Off }

// BlockMap is the interval map backing FileLocation.Blocks. It is mutated
// only from the fiber; Clone hands out copy-on-write snapshots for readers
// outside of it.
type BlockMap struct {
	tree *btree.BTreeG[BlockSpan]
}

func NewBlockMap() *BlockMap {
	return &BlockMap{tree: btree.NewG(8, spanLess)}
}

func NewBlockMapOf(spans ...BlockSpan) *BlockMap {
	m := NewBlockMap()
	for _, s := range spans {
		m.Insert(ByteRange{Offset: s.Off, Size: s.End - s.Off}, s.Block)
	}
	return m
}

func (m *BlockMap) Clone() *BlockMap {
	if m == nil {
		return NewBlockMap()
	}
	return &BlockMap{tree: m.tree.Clone()}
}

func (m *BlockMap) Count() int {
	return m.tree.Len()
}

// overlapping returns all spans intersecting [a, b) in ascending order.
func (m *BlockMap) overlapping(a, b int64) []BlockSpan {
	if b <= a {
		return nil
	}
	var out []BlockSpan
	m.tree.DescendLessOrEqual(BlockSpan{Off: a}, func(s BlockSpan) bool {
		if s.End > a {
			out = append(out, s)
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(BlockSpan{Off: a + 1}, func(s BlockSpan) bool {
		if s.Off >= b {
			return false
		}
		out = append(out, s)
		return true
	})
	return out
}

// Insert overlays [rng.Offset, rng.End()) with the given block, splitting and
// trimming existing spans, then coalescing equal-payload neighbours.
func (m *BlockMap) Insert(rng ByteRange, block FileBlock) {
	if rng.Empty() {
		return
	}
	a, b := rng.Offset, rng.End()

	for _, s := range m.overlapping(a, b) {
		m.tree.Delete(s)
		if s.Off < a {
			m.tree.ReplaceOrInsert(BlockSpan{Off: s.Off, End: a, Block: s.Block})
		}
		if s.End > b {
			m.tree.ReplaceOrInsert(BlockSpan{Off: b, End: s.End, Block: s.Block})
		}
	}

	// Coalesce with adjacent spans carrying the same payload.
	m.tree.DescendLessOrEqual(BlockSpan{Off: a - 1}, func(s BlockSpan) bool {
		if s.End == a && s.Block == block {
			m.tree.Delete(s)
			a = s.Off
		}
		return false
	})
	if next, ok := m.tree.Get(BlockSpan{Off: b}); ok && next.Block == block {
		m.tree.Delete(next)
		b = next.End
	}

	m.tree.ReplaceOrInsert(BlockSpan{Off: a, End: b, Block: block})
}

// ReplaceRange drops everything inside [start, end) and overlays the spans of
// other that fall within it. Spans of other straddling the boundary are
// clipped to it.
func (m *BlockMap) ReplaceRange(start, end int64, other *BlockMap) {
	if end <= start {
		return
	}
	for _, s := range m.overlapping(start, end) {
		m.tree.Delete(s)
		if s.Off < start {
			m.tree.ReplaceOrInsert(BlockSpan{Off: s.Off, End: start, Block: s.Block})
		}
		if s.End > end {
			m.tree.ReplaceOrInsert(BlockSpan{Off: end, End: s.End, Block: s.Block})
		}
	}
	for _, s := range other.overlapping(start, end) {
		off, e := s.Off, s.End
		if off < start {
			off = start
		}
		if e > end {
			e = end
		}
		m.Insert(ByteRange{Offset: off, Size: e - off}, s.Block)
	}
}

// Truncate drops all spans at or past size and clips any span straddling it.
func (m *BlockMap) Truncate(size int64) {
	var doomed []BlockSpan
	m.tree.AscendGreaterOrEqual(BlockSpan{Off: 0}, func(s BlockSpan) bool {
		if s.End > size {
			doomed = append(doomed, s)
		}
		return true
	})
	for _, s := range doomed {
		m.tree.Delete(s)
		if s.Off < size {
			m.tree.ReplaceOrInsert(BlockSpan{Off: s.Off, End: size, Block: s.Block})
		}
	}
}

// CoveredLength returns the number of bytes of [a, b) covered by spans.
func (m *BlockMap) CoveredLength(a, b int64) int64 {
	var total int64
	for _, s := range m.overlapping(a, b) {
		off, end := s.Off, s.End
		if off < a {
			off = a
		}
		if end > b {
			end = b
		}
		total += end - off
	}
	return total
}

// CountIn returns the number of distinct spans intersecting [a, b).
func (m *BlockMap) CountIn(a, b int64) int {
	return len(m.overlapping(a, b))
}

// SpanAt returns the span containing off, if any.
func (m *BlockMap) SpanAt(off int64) (BlockSpan, bool) {
	var found BlockSpan
	ok := false
	m.tree.DescendLessOrEqual(BlockSpan{Off: off}, func(s BlockSpan) bool {
		if s.End > off {
			found = s
			ok = true
		}
		return false
	})
	return found, ok
}

// Gaps returns the uncovered subranges of [a, b) in ascending order.
func (m *BlockMap) Gaps(a, b int64) []ByteRange {
	if b <= a {
		return nil
	}
	var gaps []ByteRange
	cursor := a
	for _, s := range m.overlapping(a, b) {
		if s.Off > cursor {
			gaps = append(gaps, ByteRange{Offset: cursor, Size: s.Off - cursor})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < b {
		gaps = append(gaps, ByteRange{Offset: cursor, Size: b - cursor})
	}
	return gaps
}

// Spans returns all spans in ascending order.
func (m *BlockMap) Spans() []BlockSpan {
	out := make([]BlockSpan, 0, m.tree.Len())
	m.tree.Ascend(func(s BlockSpan) bool {
		out = append(out, s)
		return true
	})
	return out
}

func (m *BlockMap) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, s := range m.Spans() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(ByteRange{Offset: s.Off, Size: s.Len()}.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
