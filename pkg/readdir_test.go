package oneclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReaddir(t *testing.T, mutate func(cfg *ClientConfig, m *mockProvider)) (*ReaddirCache, *mockProvider) {
	t.Helper()
	cfg := testConfig()
	m := newMockProvider()
	if mutate != nil {
		mutate(cfg, m)
	}
	fb := NewFiber()
	t.Cleanup(fb.Stop)
	metadata := NewMetadataCache(fb, m, cfg.MetadataCacheSize, 0, 5*time.Second, MetadataCallbacks{})
	rc, err := NewReaddirCache(m, metadata, cfg)
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	return rc, m
}

func TestReaddirCoalescesConcurrentFetches(t *testing.T) {
	rc, m := newTestReaddir(t, func(cfg *ClientConfig, m *mockProvider) {
		for i := 0; i < 5; i++ {
			m.addFile("uuid-"+string(rune('a'+i))+"#space-1", m.config.RootIdentity,
				"file-"+string(rune('a'+i)), 10, "storage-1", "sf")
		}
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, eof, err := rc.List(ctx, m.config.RootIdentity, 0, 100)
			assert.NoError(t, err)
			assert.True(t, eof)
			assert.Len(t, entries, 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.callCount("GetFileChildrenAttrs"), "concurrent readers must share one fetch")
}

func TestReaddirServesFromCache(t *testing.T) {
	rc, m := newTestReaddir(t, func(cfg *ClientConfig, m *mockProvider) {
		m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 10, "storage-1", "sf")
	})

	ctx := context.Background()
	_, _, err := rc.List(ctx, m.config.RootIdentity, 0, 100)
	require.NoError(t, err)

	// ristretto admits asynchronously; poll until the chunk is resident.
	waitFor(t, time.Second, func() bool {
		entries, _, err := rc.List(ctx, m.config.RootIdentity, 0, 100)
		return err == nil && len(entries) == 1 && m.callCount("GetFileChildrenAttrs") >= 1
	})

	before := m.callCount("GetFileChildrenAttrs")
	_, _, err = rc.List(ctx, m.config.RootIdentity, 0, 100)
	require.NoError(t, err)
	after := m.callCount("GetFileChildrenAttrs")
	assert.LessOrEqual(t, after-before, 1)
}

func TestReaddirInvalidateDropsChunks(t *testing.T) {
	rc, m := newTestReaddir(t, func(cfg *ClientConfig, m *mockProvider) {
		m.addFile("uuid-1#space-1", m.config.RootIdentity, "a.txt", 10, "storage-1", "sf")
	})

	ctx := context.Background()
	_, _, err := rc.List(ctx, m.config.RootIdentity, 0, 100)
	require.NoError(t, err)

	rc.Invalidate(m.config.RootIdentity)

	_, _, err = rc.List(ctx, m.config.RootIdentity, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, m.callCount("GetFileChildrenAttrs"))
}

func TestReaddirFullReplicaFilter(t *testing.T) {
	rc, m := newTestReaddir(t, func(cfg *ClientConfig, m *mockProvider) {
		cfg.ShowOnlyFullReplicas = true
		full := m.addFile("uuid-1#space-1", m.config.RootIdentity, "full.txt", 10, "storage-1", "sf")
		replicated := true
		full.FullyReplicated = &replicated

		partial := m.addFile("uuid-2#space-1", m.config.RootIdentity, "partial.txt", 10, "storage-1", "sf")
		notReplicated := false
		partial.FullyReplicated = &notReplicated

		m.addDir("dir-1#space-1", m.config.RootIdentity, "subdir")
	})

	entries, _, err := rc.List(context.Background(), m.config.RootIdentity, 0, 100)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "full.txt")
	assert.Contains(t, names, "subdir", "directories are never filtered")
	assert.NotContains(t, names, "partial.txt")
}
