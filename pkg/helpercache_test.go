package oneclient

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func posixParams(storageID, mountPoint string) *HelperParams {
	return &HelperParams{
		StorageID: storageID,
		Name:      HelperNamePosix,
		Args:      map[string]string{HelperArgMountPoint: mountPoint},
	}
}

func TestHelperCacheProxySingleFlight(t *testing.T) {
	m := newMockProvider()
	cfg := testConfig()
	hc := NewHelperCache(m, cfg)

	ctx := context.Background()
	var wg sync.WaitGroup
	helpers := make([]StorageHelper, 8)
	for i := 0; i < len(helpers); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", true, true)
			assert.NoError(t, err)
			helpers[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.callCount("GetHelperParams"))
	for _, h := range helpers {
		assert.Same(t, helpers[0], h)
	}
}

func TestHelperCacheProbePinsDirect(t *testing.T) {
	tmp := t.TempDir()
	probeContent := "probe-content-123"
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "probe.txt"), []byte(probeContent), 0644))

	m := newMockProvider()
	m.helperParams["storage-1"] = posixParams("storage-1", tmp)
	m.testFiles["storage-1"] = &StorageTestFile{
		HelperParams:    posixParams("storage-1", tmp),
		SpaceID:         "space-1",
		FileID:          "probe.txt",
		ExpectedContent: probeContent,
	}

	cfg := testConfig()
	cfg.ForceProxyIO = false
	hc := NewHelperCache(m, cfg)

	ctx := context.Background()

	// While detection runs, concurrent callers receive the proxy fallback.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
			assert.NoError(t, err)
			assert.NotNil(t, h)
		}()
	}
	wg.Wait()

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return hc.AccessTypeFor("storage-1") == AccessTypeDirect
	}), "storage never pinned direct")

	assert.Equal(t, 1, m.callCount("CreateStorageTestFile"), "probe must run once")
	assert.Equal(t, 1, m.callCount("VerifyStorageTestFile"))

	h, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)
	assert.Equal(t, HelperNamePosix, h.Name())
}

func TestHelperCacheProbeFailureDemotesToProxy(t *testing.T) {
	tmp := t.TempDir()
	// The probe file is absent on the storage, so the content check cannot
	// match and the storage must demote to proxy.
	m := newMockProvider()
	m.helperParams["storage-1"] = posixParams("storage-1", tmp)
	m.testFiles["storage-1"] = &StorageTestFile{
		HelperParams:    posixParams("storage-1", tmp),
		SpaceID:         "space-1",
		FileID:          "missing.txt",
		ExpectedContent: "whatever",
	}

	cfg := testConfig()
	cfg.ForceProxyIO = false
	hc := NewHelperCache(m, cfg)

	ctx := context.Background()
	_, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return hc.AccessTypeFor("storage-1") == AccessTypeProxy
	}), "storage never demoted to proxy")

	h, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)
	assert.Equal(t, HelperNameProxy, h.Name())
}

func TestHelperCacheOverrideMountPointSkipsProbe(t *testing.T) {
	tmp := t.TempDir()
	m := newMockProvider()
	m.helperParams["storage-1"] = posixParams("storage-1", "/gone")

	cfg := testConfig()
	cfg.ForceProxyIO = false
	cfg.HelperOverrideParams = map[string]map[string]string{
		"storage-1": {HelperArgMountPoint: tmp},
	}
	hc := NewHelperCache(m, cfg)
	hc.mountTableContains = func(path string) bool { return path == tmp }

	ctx := context.Background()
	_, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return hc.AccessTypeFor("storage-1") == AccessTypeDirect
	}))
	assert.Equal(t, 0, m.callCount("CreateStorageTestFile"), "validated mount point must skip the probe")
}

func TestHelperCacheForcedDirectRejectsProxyOnlyStorage(t *testing.T) {
	m := newMockProvider()
	// No direct params registered: the provider only offers proxy.
	cfg := testConfig()
	cfg.ForceProxyIO = false
	cfg.ForceDirectIO = true
	hc := NewHelperCache(m, cfg)

	_, err := hc.Get(context.Background(), "uuid-1#space-1", "space-1", "storage-1", false, true)
	assert.ErrorIs(t, err, ErrDirectIOForbidden)
}

func TestHelperCacheRefreshReachesHelper(t *testing.T) {
	tmp1 := t.TempDir()
	tmp2 := t.TempDir()
	m := newMockProvider()
	m.helperParams["storage-1"] = posixParams("storage-1", tmp1)
	m.helperParams["storage-1"].Args[HelperArgSkipStorageDetection] = "true"

	cfg := testConfig()
	cfg.ForceProxyIO = false
	hc := NewHelperCache(m, cfg)

	ctx := context.Background()
	_, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)
	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return hc.AccessTypeFor("storage-1") == AccessTypeDirect
	}))

	m.mu.Lock()
	m.helperParams["storage-1"] = posixParams("storage-1", tmp2)
	m.helperParams["storage-1"].Args[HelperArgSkipStorageDetection] = "true"
	m.mu.Unlock()

	require.NoError(t, hc.RefreshHelperParameters(ctx, "storage-1", "space-1"))

	h, err := hc.Get(ctx, "uuid-1#space-1", "space-1", "storage-1", false, true)
	require.NoError(t, err)
	posix := unwrapHelper(h).(*posixHelper)
	assert.Equal(t, tmp2, posix.path(""))
}
