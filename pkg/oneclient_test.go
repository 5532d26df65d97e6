package oneclient

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	InitLogger(false, false)
	os.Exit(m.Run())
}

func testConfig() *ClientConfig {
	return &ClientConfig{
		ProviderHost:                          "oneprovider.test:443",
		MountPoint:                            "/mnt/oneclient",
		MetadataCacheSize:                     1000,
		DirectoryCacheDropAfterS:              0,
		ProviderTimeoutS:                      5,
		StorageTimeoutS:                       5,
		OperationRetryCount:                   1,
		PrefetchMode:                          "sync",
		MinPrefetchBlockSize:                  1 << 20,
		RandomReadPrefetchEvaluationFrequency: 1,
		ReaddirChunkSize:                      100,
		ReaddirCacheSizeMb:                    8,
		// deterministic proxy I/O for engine-level tests; direct access
		// detection has its own suite
		ForceProxyIO: true,
	}
}

// newTestLogic assembles the engine over the in-memory provider. The mutate
// hook runs before the handshake so fixtures and config tweaks are visible
// to it.
func newTestLogic(t *testing.T, mutate func(cfg *ClientConfig, m *mockProvider)) (*FsLogic, *mockProvider) {
	t.Helper()
	cfg := testConfig()
	m := newMockProvider()
	if mutate != nil {
		mutate(cfg, m)
	}

	logic, err := NewFsLogic(context.Background(), cfg, m)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logic.Close(ctx)
	})
	return logic, m
}

// waitFor polls until the condition holds, for assertions on asynchronous
// state like background subscriptions.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
