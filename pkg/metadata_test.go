package oneclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadata(t *testing.T, m *mockProvider, dropAfter time.Duration, sizeTarget int) *MetadataCache {
	t.Helper()
	fb := NewFiber()
	t.Cleanup(fb.Stop)
	return NewMetadataCache(fb, m, sizeTarget, dropAfter, 5*time.Second, MetadataCallbacks{})
}

func TestMetadataGetAttrCachesProviderResult(t *testing.T) {
	m := newMockProvider()
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 100, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	attr, err := cache.GetAttr(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", attr.Name)

	_, err = cache.GetAttr(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.callCount("GetFileAttr"))
}

func TestMetadataOpenPinsEntry(t *testing.T) {
	m := newMockProvider()
	m.addDir("dir-1#space-1", m.config.RootIdentity, "dir")
	m.addFile("uuid-1#space-1", "dir-1#space-1", "a.txt", 100, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 10*time.Millisecond, 0)

	ctx := context.Background()
	_, err := cache.GetAttr(ctx, "dir-1#space-1")
	require.NoError(t, err)

	token, err := cache.Open(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.OpenCount("uuid-1#space-1"))

	// Force every directory past the idle threshold; the pinned file's
	// entry must survive the prune.
	time.Sleep(20 * time.Millisecond)
	cache.PruneNow()

	var present bool
	cache.fb.Do(func() { _, present = cache.entries["uuid-1#space-1"] })
	assert.True(t, present, "open file evicted by prune")

	token.Release()
	assert.Equal(t, 0, cache.OpenCount("uuid-1#space-1"))
}

func TestMetadataTokenReleaseIsIdempotent(t *testing.T) {
	m := newMockProvider()
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 10, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	token, err := cache.Open(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	token2, err := cache.Open(ctx, "uuid-1#space-1")
	require.NoError(t, err)

	token.Release()
	token.Release()
	assert.Equal(t, 1, cache.OpenCount("uuid-1#space-1"))
	token2.Release()
	assert.Equal(t, 0, cache.OpenCount("uuid-1#space-1"))
}

func TestMetadataStaleLocationVersionIgnored(t *testing.T) {
	m := newMockProvider()
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 100, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	loc, err := cache.GetLocation(ctx, "uuid-1#space-1", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), loc.Version)

	newer := loc.Clone()
	newer.Version = 5
	newer.Blocks.Insert(ByteRange{Offset: 0, Size: 50}, blockA)
	require.True(t, cache.UpdateLocation(newer))

	stale := loc.Clone()
	stale.Version = 3
	stale.Blocks.Insert(ByteRange{Offset: 50, Size: 50}, blockB)
	assert.False(t, cache.UpdateLocation(stale))

	current, err := cache.GetLocation(ctx, "uuid-1#space-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current.Version)
	assert.Equal(t, int64(50), current.Blocks.CoveredLength(0, 100))
}

func TestMetadataAddBlockExtendsSize(t *testing.T) {
	m := newMockProvider()
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 100, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	_, err := cache.GetAttr(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	_, err = cache.GetLocation(ctx, "uuid-1#space-1", false)
	require.NoError(t, err)

	cache.AddBlock("uuid-1#space-1", ByteRange{Offset: 150, Size: 50}, blockA)

	attr, err := cache.GetAttr(ctx, "uuid-1#space-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), attr.SizeOrZero())

	loc, err := cache.GetLocation(ctx, "uuid-1#space-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(50), loc.Blocks.CoveredLength(150, 200))
}

func TestMetadataRenameRewiresIndex(t *testing.T) {
	m := newMockProvider()
	m.addDir("dir-1#space-1", m.config.RootIdentity, "dir")
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "old.txt", 10, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	_, err := cache.GetAttrByName(ctx, m.config.RootIdentity, "old.txt")
	require.NoError(t, err)

	cache.Rename("uuid-1#space-1", "dir-1#space-1", "new.txt", "uuid-2#space-1")

	attr, err := cache.GetAttr(ctx, "uuid-2#space-1")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", attr.Name)
	assert.Equal(t, "dir-1#space-1", attr.ParentIdentity)

	children := cache.CachedChildren("dir-1#space-1")
	assert.Equal(t, "uuid-2#space-1", children["new.txt"])
	assert.NotContains(t, cache.CachedChildren(m.config.RootIdentity), "old.txt")
}

func TestMetadataMarkDeletedWhileOpenDefersDrop(t *testing.T) {
	m := newMockProvider()
	m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 10, "storage-1", "sf-1")
	cache := newTestMetadata(t, m, 0, 100)

	ctx := context.Background()
	token, err := cache.Open(ctx, "uuid-1#space-1")
	require.NoError(t, err)

	cache.MarkDeleted("uuid-1#space-1")
	assert.True(t, cache.IsDeleted("uuid-1#space-1"))

	var present bool
	cache.fb.Do(func() { _, present = cache.entries["uuid-1#space-1"] })
	require.True(t, present, "tombstoned open file dropped early")

	token.Release()
	cache.fb.Do(func() { _, present = cache.entries["uuid-1#space-1"] })
	assert.False(t, present, "tombstoned file kept after last release")
}

func TestMetadataPruneDisabledWhenDropAfterZero(t *testing.T) {
	m := newMockProvider()
	m.addDir("dir-1#space-1", m.config.RootIdentity, "dir")
	cache := newTestMetadata(t, m, 0, 0)
	ctx := context.Background()

	_, err := cache.GetAttr(ctx, "dir-1#space-1")
	require.NoError(t, err)

	cache.PruneNow()

	var present bool
	cache.fb.Do(func() { _, present = cache.entries["dir-1#space-1"] })
	assert.True(t, present)
}

func TestMetadataPruneInvalidatesChildren(t *testing.T) {
	m := newMockProvider()
	m.addDir("dir-1#space-1", m.config.RootIdentity, "dir")
	m.addFile("uuid-1#space-1", "dir-1#space-1", "a.txt", 10, "storage-1", "sf-1")

	var dropped []string
	fb := NewFiber()
	t.Cleanup(fb.Stop)
	cache := NewMetadataCache(fb, m, 0, time.Millisecond, 5*time.Second, MetadataCallbacks{
		OnDropFile: func(identity string) { dropped = append(dropped, identity) },
	})

	ctx := context.Background()
	_, err := cache.GetAttr(ctx, "dir-1#space-1")
	require.NoError(t, err)
	_, err = cache.GetAttrByName(ctx, "dir-1#space-1", "a.txt")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cache.PruneNow()

	assert.Contains(t, dropped, "uuid-1#space-1")
	var present bool
	cache.fb.Do(func() { _, present = cache.entries["dir-1#space-1"] })
	assert.False(t, present)
}
