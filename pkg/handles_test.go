package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleTableMonotonicIDs(t *testing.T) {
	table := NewHandleTable()
	h1 := table.Add("uuid-1", OpenRead, "ph-1", nil, false)
	h2 := table.Add("uuid-2", OpenWrite, "ph-2", nil, false)

	assert.Less(t, h1.ID, h2.ID)

	table.Remove(h1.ID)
	h3 := table.Add("uuid-3", OpenRead, "ph-3", nil, false)
	assert.Greater(t, h3.ID, h2.ID, "ids are never reused")
}

func TestHandleTableRemembersDroppedHandles(t *testing.T) {
	table := NewHandleTable()
	h := table.Add("uuid-1", OpenReadWrite, "ph-1", nil, false)

	dropped := table.DropAll()
	require.Len(t, dropped, 1)
	_, ok := table.Get(h.ID)
	require.False(t, ok)

	identity, flags, ok := table.Remembered(h.ID)
	require.True(t, ok, "open flags must survive a connection reset")
	assert.Equal(t, "uuid-1", identity)
	assert.Equal(t, OpenReadWrite, flags)

	adopted := table.Adopt(h.ID, identity, flags, "ph-2", nil, false)
	assert.Equal(t, h.ID, adopted.ID)

	// An explicit release forgets the handle entirely.
	table.Remove(h.ID)
	_, _, ok = table.Remembered(h.ID)
	assert.False(t, ok)
}

func TestHandleTableRenameIdentity(t *testing.T) {
	table := NewHandleTable()
	h := table.Add("uuid-old", OpenRead, "ph-1", nil, false)

	table.RenameIdentity("uuid-old", "uuid-new")
	assert.Equal(t, "uuid-new", h.Identity())

	identity, _, ok := table.Remembered(h.ID)
	require.True(t, ok)
	assert.Equal(t, "uuid-new", identity)
}

func TestBoundedOffsetSetEvictsOldest(t *testing.T) {
	set := newBoundedOffsetSet(2)
	set.Add(1)
	set.Add(2)
	set.Add(3)

	assert.False(t, set.Contains(1))
	assert.True(t, set.Contains(2))
	assert.True(t, set.Contains(3))
}
