package oneclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

type helperKey struct {
	storageID  string
	forceProxy bool
}

// helperPromise is a shared single-flight completion: every caller asking
// for the same (storage, proxy-flag) pair awaits the same build.
type helperPromise struct {
	done   chan struct{}
	helper StorageHelper
	err    error
}

func newHelperPromise() *helperPromise {
	return &helperPromise{done: make(chan struct{})}
}

func (p *helperPromise) complete(helper StorageHelper, err error) {
	p.helper = helper
	p.err = err
	close(p.done)
}

func (p *helperPromise) await(ctx context.Context) (StorageHelper, error) {
	select {
	case <-p.done:
		return p.helper, p.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// HelperCache hands out storage helpers keyed by (storage id, proxy flag)
// and owns direct-vs-proxy access detection. Promises are safe for
// concurrent completion; at most one probe runs at a time per storage, and a
// probe that leaves the access type unknown is repeated on a later request.
type HelperCache struct {
	provider Provider
	cfg      *ClientConfig

	mu      sync.Mutex
	cache   map[helperKey]*helperPromise
	access  map[string]AccessType
	probing map[string]bool

	// overridable in tests
	mountTableContains func(path string) bool
}

func NewHelperCache(provider Provider, cfg *ClientConfig) *HelperCache {
	return &HelperCache{
		provider:           provider,
		cfg:                cfg,
		cache:              make(map[helperKey]*helperPromise),
		access:             make(map[string]AccessType),
		probing:            make(map[string]bool),
		mountTableContains: mountTableContains,
	}
}

// AccessTypeFor reports the detected access mode of a storage.
func (hc *HelperCache) AccessTypeFor(storageID string) AccessType {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.access[storageID]
}

// Get resolves a helper for one file's default storage. forceProxy comes
// from the per-file force-proxy set; proxyFallback allows serving a proxy
// helper while detection is still in flight.
func (hc *HelperCache) Get(ctx context.Context, fileUUID, spaceID, storageID string,
	forceProxy, proxyFallback bool) (StorageHelper, error) {

	if hc.cfg.ForceProxyIO || forceProxy {
		return hc.getProxy(ctx, storageID, spaceID)
	}
	if hc.cfg.ForceDirectIO {
		return hc.getForcedDirect(ctx, storageID, spaceID)
	}

	hc.mu.Lock()
	switch hc.access[storageID] {
	case AccessTypeDirect:
		promise, ok := hc.cache[helperKey{storageID, false}]
		if ok {
			hc.mu.Unlock()
			return promise.await(ctx)
		}
		promise = newHelperPromise()
		hc.cache[helperKey{storageID, false}] = promise
		hc.mu.Unlock()
		hc.buildDirect(ctx, promise, storageID, spaceID)
		return promise.await(ctx)

	case AccessTypeProxy:
		hc.mu.Unlock()
		return hc.getProxy(ctx, storageID, spaceID)

	default:
		if !hc.probing[storageID] {
			hc.probing[storageID] = true
			go hc.detectAccess(fileUUID, spaceID, storageID)
		}
		hc.mu.Unlock()
		if !proxyFallback {
			return nil, ErrAgain
		}
		return hc.getProxy(ctx, storageID, spaceID)
	}
}

func (hc *HelperCache) getProxy(ctx context.Context, storageID, spaceID string) (StorageHelper, error) {
	key := helperKey{storageID, true}
	hc.mu.Lock()
	promise, ok := hc.cache[key]
	if ok {
		hc.mu.Unlock()
		return promise.await(ctx)
	}
	promise = newHelperPromise()
	hc.cache[key] = promise
	hc.mu.Unlock()

	params, err := hc.fetchParams(ctx, storageID, spaceID, HelperModeProxy)
	if err != nil {
		hc.dropPromise(key, promise)
		promise.complete(nil, &ErrHelperUnavailable{StorageID: storageID, Reason: err})
		return nil, promise.err
	}
	helper, err := newHelper(params, hc.provider)
	if err != nil {
		hc.dropPromise(key, promise)
		promise.complete(nil, err)
		return nil, err
	}
	promise.complete(helper, nil)
	return helper, nil
}

// getForcedDirect serves the globally-forced direct mode: the provider must
// hand out a non-proxy helper or the call fails.
func (hc *HelperCache) getForcedDirect(ctx context.Context, storageID, spaceID string) (StorageHelper, error) {
	key := helperKey{storageID, false}
	hc.mu.Lock()
	promise, ok := hc.cache[key]
	if ok {
		hc.mu.Unlock()
		return promise.await(ctx)
	}
	promise = newHelperPromise()
	hc.cache[key] = promise
	hc.mu.Unlock()

	params, err := hc.fetchParams(ctx, storageID, spaceID, HelperModeDirect)
	if err == nil && (params.Proxy || params.Name == HelperNameProxy) {
		err = ErrDirectIOForbidden
	}
	if err != nil {
		hc.dropPromise(key, promise)
		promise.complete(nil, err)
		return nil, err
	}

	helper, err := newHelper(params, hc.provider)
	if err != nil {
		hc.dropPromise(key, promise)
		promise.complete(nil, err)
		return nil, err
	}
	hc.setAccess(storageID, AccessTypeDirect)
	promise.complete(helper, nil)
	return helper, nil
}

func (hc *HelperCache) buildDirect(ctx context.Context, promise *helperPromise, storageID, spaceID string) {
	params, err := hc.fetchParams(ctx, storageID, spaceID, HelperModeDirect)
	if err != nil {
		hc.dropPromise(helperKey{storageID, false}, promise)
		promise.complete(nil, err)
		return
	}
	helper, err := newHelper(params, hc.provider)
	if err != nil {
		hc.dropPromise(helperKey{storageID, false}, promise)
		promise.complete(nil, err)
		return
	}
	promise.complete(helper, nil)
}

func (hc *HelperCache) dropPromise(key helperKey, promise *helperPromise) {
	hc.mu.Lock()
	if hc.cache[key] == promise {
		delete(hc.cache, key)
	}
	hc.mu.Unlock()
}

func (hc *HelperCache) fetchParams(ctx context.Context, storageID, spaceID string, mode HelperMode) (*HelperParams, error) {
	params, err := hc.provider.GetHelperParams(ctx, storageID, spaceID, mode)
	if err != nil {
		return nil, err
	}
	return mergeOverrideParams(params, hc.cfg.HelperOverrideParams[storageID]), nil
}

func (hc *HelperCache) setAccess(storageID string, at AccessType) {
	hc.mu.Lock()
	hc.access[storageID] = at
	hc.mu.Unlock()
}

// detectAccess runs the storage detection flow in the background. Callers
// keep receiving the proxy fallback until it pins the storage DIRECT.
func (hc *HelperCache) detectAccess(fileUUID, spaceID, storageID string) {
	defer func() {
		hc.mu.Lock()
		delete(hc.probing, storageID)
		hc.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), hc.cfg.StorageTimeout())
	defer cancel()

	params, err := hc.fetchParams(ctx, storageID, spaceID, HelperModeDirect)
	if err != nil {
		Logger.Debugf("storage <%s>: helper params fetch failed, access stays unknown: %v", storageID, err)
		return
	}

	if params.Proxy || params.Name == HelperNameProxy {
		Logger.Infof("storage <%s>: provider only offers proxy access", storageID)
		hc.setAccess(storageID, AccessTypeProxy)
		return
	}

	if params.Args[HelperArgSkipStorageDetection] == "true" {
		hc.pinDirect(ctx, storageID, params)
		return
	}

	// A POSIX helper with an operator-overridden mount point present in the
	// local mount table is trusted without probing.
	if params.Name == HelperNamePosix {
		if mp, overridden := hc.cfg.HelperOverrideParams[storageID][HelperArgMountPoint]; overridden && mp != "" {
			if hc.mountTableContains(mp) {
				Logger.Infof("storage <%s>: mount point %s validated, using direct access", storageID, mp)
				hc.pinDirect(ctx, storageID, params)
				return
			}
			Logger.Warnf("storage <%s>: override mount point %s not mounted", storageID, mp)
			hc.setAccess(storageID, AccessTypeProxy)
			return
		}
	}

	hc.runProbe(ctx, fileUUID, spaceID, storageID, params)
}

func (hc *HelperCache) pinDirect(ctx context.Context, storageID string, params *HelperParams) {
	helper, err := newHelper(params, hc.provider)
	if err != nil {
		Logger.Warnf("storage <%s>: direct helper construction failed: %v", storageID, err)
		hc.setAccess(storageID, AccessTypeProxy)
		return
	}
	key := helperKey{storageID, false}
	promise := newHelperPromise()
	promise.complete(helper, nil)
	hc.mu.Lock()
	hc.cache[key] = promise
	hc.access[storageID] = AccessTypeDirect
	hc.mu.Unlock()
	metricDirectStorages.Inc()
}

// runProbe executes the probe-file protocol: read the provider-created test
// file through the candidate helper, overwrite it with random content and
// have the provider verify the modification round-tripped.
func (hc *HelperCache) runProbe(ctx context.Context, fileUUID, spaceID, storageID string, params *HelperParams) {
	testFile, err := hc.provider.CreateStorageTestFile(ctx, fileUUID, storageID)
	if err != nil {
		Logger.Debugf("storage <%s>: test file creation failed: %v", storageID, err)
		hc.classifyProbeFailure(storageID, err)
		return
	}

	probeParams := testFile.HelperParams
	if probeParams == nil {
		probeParams = params
	} else {
		probeParams = mergeOverrideParams(probeParams, hc.cfg.HelperOverrideParams[storageID])
	}

	helper, err := newHelper(probeParams, hc.provider)
	if err != nil {
		hc.setAccess(storageID, AccessTypeProxy)
		return
	}

	handle, err := helper.OpenFile(ctx, testFile.FileID, OpenReadWrite)
	if err != nil {
		hc.classifyProbeFailure(storageID, err)
		return
	}
	defer handle.Release(ctx)

	expected := []byte(testFile.ExpectedContent)
	data, err := handle.Read(ctx, 0, len(expected), 0)
	if err != nil {
		hc.classifyProbeFailure(storageID, err)
		return
	}
	if !bytes.Equal(data, expected) {
		Logger.Warnf("storage <%s>: test file content mismatch, demoting to proxy", storageID)
		hc.setAccess(storageID, AccessTypeProxy)
		return
	}

	probeContent := uuid.New().String()
	if _, err := handle.Write(ctx, 0, []byte(probeContent), nil); err != nil {
		hc.classifyProbeFailure(storageID, err)
		return
	}
	if err := handle.FSync(ctx, false); err != nil {
		hc.classifyProbeFailure(storageID, err)
		return
	}

	if err := hc.provider.VerifyStorageTestFile(ctx, storageID, spaceID, testFile.FileID, probeContent); err != nil {
		Logger.Warnf("storage <%s>: test file verification failed: %v", storageID, err)
		hc.classifyProbeFailure(storageID, err)
		return
	}

	Logger.Infof("storage <%s>: direct access verified", storageID)
	hc.pinDirect(ctx, storageID, params)
}

// classifyProbeFailure follows the probe error policy: EAGAIN keeps the
// access type unknown so the next request retries detection, hard access
// failures demote the storage to proxy permanently.
func (hc *HelperCache) classifyProbeFailure(storageID string, err error) {
	if errors.Is(err, ErrAgain) || errors.Is(err, syscall.EAGAIN) {
		return
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotDirectory) || errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EPERM) {
		hc.setAccess(storageID, AccessTypeProxy)
		return
	}
	// Anything else leaves the access type unknown for a later retry.
}

// RefreshHelperParameters re-fetches provider parameters for a storage and
// installs them on the cached helper instances in place, without swapping
// the promise identity.
func (hc *HelperCache) RefreshHelperParameters(ctx context.Context, storageID, spaceID string) error {
	hc.mu.Lock()
	var targets []struct {
		promise *helperPromise
		mode    HelperMode
	}
	for key, promise := range hc.cache {
		if key.storageID != storageID {
			continue
		}
		mode := HelperModeDirect
		if key.forceProxy {
			mode = HelperModeProxy
		}
		targets = append(targets, struct {
			promise *helperPromise
			mode    HelperMode
		}{promise, mode})
	}
	hc.mu.Unlock()

	var lastErr error
	for _, target := range targets {
		helper, err := target.promise.await(ctx)
		if err != nil {
			continue
		}
		params, err := hc.fetchParams(ctx, storageID, spaceID, target.mode)
		if err != nil {
			lastErr = err
			continue
		}
		if err := unwrapHelper(helper).Refresh(params); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// mountTableContains checks the system mount table for a mount point.
func mountTableContains(path string) bool {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		// No mount table to consult; fall back to a stat heuristic.
		var stat syscall.Stat_t
		if err := syscall.Stat(path, &stat); err != nil {
			return false
		}
		return stat.Ino == 1
	}
	defer f.Close()

	clean := strings.TrimSuffix(path, "/")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && strings.TrimSuffix(fields[1], "/") == clean {
			return true
		}
	}
	return false
}
