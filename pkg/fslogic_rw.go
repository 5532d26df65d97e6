package oneclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"
)

// Open pins the file in the metadata cache, opens a provider handle and
// registers the kernel-visible handle id.
func (f *FsLogic) Open(ctx context.Context, identity string, flags OpenFlags) (uint64, error) {
	started := time.Now()
	var handleID uint64
	err := f.withRetries(ctx, "open", retryContext{identity: identity}, func(ctx context.Context) error {
		token, err := f.metadata.Open(ctx, identity)
		if err != nil {
			return err
		}
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		providerHandleID, err := f.provider.OpenFile(rctx, identity, flags)
		if err != nil {
			token.Release()
			return err
		}
		attr, err := f.metadata.GetAttr(ctx, identity)
		if err != nil {
			token.Release()
			return err
		}
		handle := f.handles.Add(identity, flags, providerHandleID, token, attr.Virtual)
		handleID = handle.ID
		return nil
	})
	f.ioTrace.Trace("open", identity, -1, -1, started, err)
	return handleID, err
}

// Create makes a new regular file and opens it in one provider round-trip.
func (f *FsLogic) Create(ctx context.Context, parent, name string, mode uint32, flags OpenFlags) (*FileAttributes, uint64, error) {
	started := time.Now()
	var attr *FileAttributes
	var handleID uint64
	err := f.withRetries(ctx, "create", retryContext{}, func(ctx context.Context) error {
		parentAttr, err := f.metadata.GetAttr(ctx, parent)
		if err != nil {
			return err
		}
		if parentAttr.Type != FileTypeDirectory {
			return ErrNotDirectory
		}

		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		created, err := f.provider.CreateFile(rctx, parent, name, mode, flags)
		if err != nil {
			return err
		}
		attr = created.Attr
		f.metadata.PutAttr(created.Attr)
		if created.Location != nil {
			f.metadata.UpdateLocation(created.Location)
		}

		token, err := f.metadata.Open(ctx, created.Attr.Identity)
		if err != nil {
			return err
		}
		handle := f.handles.Add(created.Attr.Identity, flags, created.ProviderHandleID, token, created.Attr.Virtual)
		handleID = handle.ID

		if !f.cfg.TagOnCreate.Empty() {
			f.applyTagOnce(ctx, handle, f.cfg.TagOnCreate, &handle.prefetch.onCreateTagSet)
		}
		return nil
	})
	f.metadata.TouchDirectory(parent)
	f.ioTrace.Trace("create", parent+"/"+name, -1, -1, started, err)
	if err != nil {
		return nil, 0, err
	}
	return attr, handleID, nil
}

// applyTagOnce sets a configured tag xattr at most once per handle; tagging
// failures are logged and otherwise ignored.
func (f *FsLogic) applyTagOnce(ctx context.Context, handle *FuseHandle, tag TagConfig, flag *bool) {
	if *flag {
		return
	}
	*flag = true
	rctx, cancel := f.rpcCtx(ctx)
	defer cancel()
	if err := f.provider.SetXAttr(rctx, handle.Identity(), tag.Name, encodeXattrValue(tag.Value), false, false); err != nil {
		Logger.Warnf("setting tag %s on <%s> failed: %v", tag.Name, handle.Identity(), err)
	}
}

// getOrReopenHandle recovers dropped handles transparently: a connection
// reset empties the table, but the remembered open flags let the dispatcher
// re-open under the same kernel-visible id.
func (f *FsLogic) getOrReopenHandle(ctx context.Context, handleID uint64) (*FuseHandle, error) {
	if handle, ok := f.handles.Get(handleID); ok {
		return handle, nil
	}
	identity, flags, ok := f.handles.Remembered(handleID)
	if !ok {
		return nil, ErrInvalidHandle
	}

	token, err := f.metadata.Open(ctx, identity)
	if err != nil {
		return nil, err
	}
	rctx, cancel := f.rpcCtx(ctx)
	defer cancel()
	providerHandleID, err := f.provider.OpenFile(rctx, identity, flags)
	if err != nil {
		token.Release()
		return nil, err
	}
	Logger.Debugf("reopened dropped handle %d for <%s>", handleID, identity)
	return f.handles.Adopt(handleID, identity, flags, providerHandleID, token, false), nil
}

// Release runs the teardown sequence: the table entry is dropped first, then
// best-effort fsync, parallel helper handle release and provider release for
// non-virtual files. A repeated release of the same id finds no entry and is
// a no-op.
func (f *FsLogic) Release(ctx context.Context, handleID uint64) error {
	started := time.Now()
	handle, ok := f.handles.Remove(handleID)
	if !ok {
		return nil
	}

	var firstErr error

	for _, hh := range handle.helperHandles {
		if err := hh.FSync(ctx, false); err != nil {
			Logger.Warnf("fsync on release of <%s> failed: %v", handle.Identity(), err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(handle.helperHandles))
	for _, hh := range handle.helperHandles {
		wg.Add(1)
		go func(hh HelperHandle) {
			defer wg.Done()
			if err := hh.Release(ctx); err != nil {
				errs <- err
			}
		}(hh)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
	}

	if !handle.Virtual {
		rctx, cancel := f.rpcCtx(ctx)
		if err := f.provider.Release(rctx, handle.Identity(), handle.ProviderHandleID); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	handle.token.Release()
	f.ioTrace.Trace("release", handle.Identity(), -1, -1, started, firstErr)
	return firstErr
}

func (f *FsLogic) Flush(ctx context.Context, handleID uint64) error {
	started := time.Now()
	handle, err := f.getOrReopenHandle(ctx, handleID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, hh := range handle.helperHandles {
		if err := hh.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.events.Flush()
	f.ioTrace.Trace("flush", handle.Identity(), -1, -1, started, firstErr)
	return firstErr
}

func (f *FsLogic) FSync(ctx context.Context, handleID uint64, dataOnly bool) error {
	started := time.Now()
	handle, err := f.getOrReopenHandle(ctx, handleID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, hh := range handle.helperHandles {
		if err := hh.FSync(ctx, dataOnly); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rctx, cancel := f.rpcCtx(ctx)
	defer cancel()
	if err := f.provider.FSync(rctx, handle.Identity(), dataOnly, handle.ProviderHandleID); err != nil && firstErr == nil {
		firstErr = err
	}
	f.ioTrace.Trace("fsync", handle.Identity(), -1, -1, started, firstErr)
	return firstErr
}

// --- read path ------------------------------------------------------------

// Read serves one kernel read. The range is clamped to the current size;
// reads past EOF return an empty buffer without side effects.
func (f *FsLogic) Read(ctx context.Context, handleID uint64, offset int64, size int) ([]byte, error) {
	started := time.Now()
	handle, err := f.getOrReopenHandle(ctx, handleID)
	if err != nil {
		return nil, err
	}

	attr, err := f.metadata.GetAttr(ctx, handle.Identity())
	if err != nil {
		return nil, err
	}
	wanted := ByteRange{Offset: offset, Size: int64(size)}.Intersect(attr.SizeOrZero())
	if wanted.Empty() {
		return nil, nil
	}

	var data []byte
	var zeroFilled bool
	err = f.withRetries(ctx, "read",
		retryContext{
			identity: handle.Identity(),
			refresh:  f.refreshFor(handle.Identity()),
			demote:   f.demoteFor(handle.Identity()),
		},
		func(ctx context.Context) error {
			var err error
			data, zeroFilled, err = f.readOnce(ctx, handle, wanted, "")
			return err
		})

	f.ioTrace.Trace("read", handle.Identity(), wanted.Offset, int64(len(data)), started, err)
	if err != nil {
		return nil, err
	}

	if zeroFilled {
		// Last-resort zero fill: no event, no prefetch.
		return data, nil
	}

	if len(data) > 0 && !f.cfg.ReadEventsDisabled {
		loc, locErr := f.metadata.GetLocation(ctx, handle.Identity(), false)
		blocks := NewBlockMap()
		if locErr == nil {
			blocks.Insert(ByteRange{Offset: wanted.Offset, Size: int64(len(data))},
				FileBlock{StorageID: loc.DefaultStorageID, FileID: loc.DefaultFileID})
		}
		f.events.Emit(&FileReadEvent{
			Identity: handle.Identity(),
			Count:    1,
			Size:     int64(len(data)),
			Blocks:   blocks,
		})
	}
	metricBytesRead.Add(len(data))

	f.runPrefetch(ctx, handle, wanted.Offset, int64(len(data)))
	return data, nil
}

// readOnce performs one attempt of the read algorithm: locate a block
// covering the offset, synchronize it if absent, then read through the
// selected helper and verify consistency when required. The bool reports
// the last-resort zero fill.
func (f *FsLogic) readOnce(ctx context.Context, handle *FuseHandle, wanted ByteRange, checksum string) ([]byte, bool, error) {
	syncRetries := f.cfg.OperationRetryCount
	for {
		loc, err := f.metadata.GetLocation(ctx, handle.Identity(), false)
		if err != nil {
			return nil, false, err
		}

		span, haveBlock := loc.Blocks.SpanAt(wanted.Offset)

		if haveBlock {
			data, err := f.readFromBlock(ctx, handle, loc, span, wanted, checksum)
			return data, false, err
		}

		if syncRetries <= 0 {
			// Last resort: the range could not be replicated, return
			// zeros so the reader is not wedged forever.
			Logger.Warnf("no replica for <%s> %s after retries, returning zeros", handle.Identity(), wanted)
			return make([]byte, wanted.Size), true, nil
		}
		syncRetries--

		syncSize := wanted.Size
		if syncSize < f.cfg.MinPrefetchBlockSize {
			syncSize = f.cfg.MinPrefetchBlockSize
		}
		syncRng := ByteRange{Offset: wanted.Offset, Size: syncSize}

		cs, err := f.synchronizeForRead(ctx, handle, loc, syncRng)
		if err != nil {
			return nil, false, err
		}
		if cs != "" {
			checksum = cs
		}
	}
}

// synchronizeForRead requests a block synchronization for a demand read,
// using the checksum variant when the default helper needs consistency
// checks. The returned checksum is empty otherwise.
func (f *FsLogic) synchronizeForRead(ctx context.Context, handle *FuseHandle, loc *FileLocation, rng ByteRange) (string, error) {
	helper, err := f.helperFor(ctx, handle.Identity(), loc)
	needsCheck := err == nil && helper.NeedsDataConsistencyCheck()

	rctx, cancel := f.rpcCtx(ctx)
	defer cancel()

	if needsCheck {
		res, err := f.provider.SynchronizeBlockAndComputeChecksum(rctx, handle.Identity(), rng, SyncPriorityImmediate)
		if err != nil {
			return "", err
		}
		f.metadata.UpdateLocation(res.Location)
		return res.Checksum, nil
	}

	newLoc, err := f.provider.SynchronizeBlock(rctx, handle.Identity(), rng, SyncPriorityImmediate)
	if err != nil {
		return "", err
	}
	f.metadata.UpdateLocation(newLoc)
	return "", nil
}

func (f *FsLogic) readFromBlock(ctx context.Context, handle *FuseHandle, loc *FileLocation,
	span BlockSpan, wanted ByteRange, checksum string) ([]byte, error) {

	available := span.End - wanted.Offset
	if available > wanted.Size {
		available = wanted.Size
	}

	forceProxy := f.forceProxy.Contains(handle.Identity())
	storageID := span.Block.StorageID
	fileID := span.Block.FileID
	if storageID == "" {
		storageID = loc.DefaultStorageID
		fileID = loc.DefaultFileID
	}

	helper, err := f.helpers.Get(ctx, handle.Identity(), loc.SpaceID, storageID, forceProxy, true)
	if err != nil {
		return nil, err
	}
	proxied := helper.Name() == HelperNameProxy

	hh, err := handle.HelperHandle(ctx, helper, fileID, forceProxy || proxied)
	if err != nil {
		return nil, err
	}

	if checksum != "" && helper.NeedsDataConsistencyCheck() {
		if err := hh.Flush(ctx); err != nil {
			return nil, err
		}
	}

	sctx, cancel := context.WithTimeout(ctx, f.cfg.StorageTimeout())
	defer cancel()
	data, err := hh.Read(sctx, wanted.Offset, int(available), span.End-wanted.Offset)
	if err != nil {
		return nil, err
	}

	if checksum != "" && helper.NeedsDataConsistencyCheck() {
		if computeChecksum(data) != checksum {
			// Stale storage view: drop the helper handle, refresh the
			// location and let the envelope retry.
			handle.DropHelperHandle(ctx, storageID, fileID, forceProxy || proxied)
			if _, err := f.metadata.GetLocation(ctx, handle.Identity(), true); err != nil {
				return nil, err
			}
			return nil, ErrChecksumMismatch
		}
	}

	if int64(len(data)) < available && !wanted.Empty() {
		// Short read from the helper: the replica may have moved, so one
		// location refresh is forced. A non-empty partial result is returned
		// to the caller as-is and is not retried; a zero-byte short read
		// returns ErrAgain, which the retry envelope delays and retries. If
		// the refresh fails, whatever was read is returned.
		if _, lerr := f.metadata.GetLocation(ctx, handle.Identity(), true); lerr != nil {
			return data, nil
		}
		if len(data) == 0 {
			return nil, ErrAgain
		}
	}
	return data, nil
}

func computeChecksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// helperFor resolves the helper for a file's default storage, honouring the
// force-proxy set.
func (f *FsLogic) helperFor(ctx context.Context, identity string, loc *FileLocation) (StorageHelper, error) {
	forceProxy := f.forceProxy.Contains(identity)
	return f.helpers.Get(ctx, identity, loc.SpaceID, loc.DefaultStorageID, forceProxy, true)
}

// refreshFor resolves key-expired failures by re-fetching helper params for
// the file's default storage.
func (f *FsLogic) refreshFor(identity string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		loc, err := f.metadata.GetLocation(ctx, identity, false)
		if err != nil {
			return err
		}
		return f.helpers.RefreshHelperParameters(ctx, loc.DefaultStorageID, loc.SpaceID)
	}
}

// demoteFor adds the identity to the force-proxy set after a direct
// permission failure; further I/O flows through the proxy helper.
func (f *FsLogic) demoteFor(identity string) func() bool {
	return func() bool {
		if f.cfg.ForceDirectIO || f.forceProxy.Contains(identity) {
			return false
		}
		Logger.Infof("direct access denied for <%s>, falling back to proxy", identity)
		f.forceProxy.Add(identity)
		return true
	}
}

// --- write path -----------------------------------------------------------

func (f *FsLogic) Write(ctx context.Context, handleID uint64, offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	started := time.Now()
	handle, err := f.getOrReopenHandle(ctx, handleID)
	if err != nil {
		return 0, err
	}

	var written int
	err = f.withRetries(ctx, "write",
		retryContext{
			identity: handle.Identity(),
			refresh:  f.refreshFor(handle.Identity()),
			demote:   f.demoteFor(handle.Identity()),
		},
		func(ctx context.Context) error {
			var err error
			written, err = f.writeOnce(ctx, handle, offset, data)
			return err
		})

	f.ioTrace.Trace("write", handle.Identity(), offset, int64(written), started, err)
	if err != nil {
		return 0, err
	}

	if !f.cfg.TagOnModify.Empty() {
		f.fb.Do(func() {
			if !handle.prefetch.onModifyTagSet {
				handle.prefetch.onModifyTagSet = true
				go func() {
					rctx, cancel := f.rpcCtx(context.Background())
					defer cancel()
					if err := f.provider.SetXAttr(rctx, handle.Identity(), f.cfg.TagOnModify.Name,
						encodeXattrValue(f.cfg.TagOnModify.Value), false, false); err != nil {
						Logger.Warnf("setting tag %s on <%s> failed: %v", f.cfg.TagOnModify.Name, handle.Identity(), err)
					}
				}()
			}
		})
	}

	metricBytesWritten.Add(written)
	return written, nil
}

func (f *FsLogic) writeOnce(ctx context.Context, handle *FuseHandle, offset int64, data []byte) (int, error) {
	loc, err := f.metadata.GetLocation(ctx, handle.Identity(), false)
	if err != nil {
		return 0, err
	}

	if f.spaceDisabled(loc.SpaceID) {
		return 0, ErrQuotaExceeded
	}

	helper, err := f.helperFor(ctx, handle.Identity(), loc)
	if err != nil {
		return 0, err
	}
	proxied := helper.Name() == HelperNameProxy
	forceProxy := f.forceProxy.Contains(handle.Identity())

	hh, err := handle.HelperHandle(ctx, helper, loc.DefaultFileID, forceProxy || proxied)
	if err != nil {
		return 0, err
	}

	defaultBlock := FileBlock{StorageID: loc.DefaultStorageID, FileID: loc.DefaultFileID}
	chunkOffset := offset
	onWritten := func(n int) {
		blocks := NewBlockMap()
		blocks.Insert(ByteRange{Offset: chunkOffset, Size: int64(n)}, defaultBlock)
		f.events.Emit(&FileWrittenEvent{
			Identity: handle.Identity(),
			Count:    1,
			Size:     int64(n),
			Blocks:   blocks,
		})
		chunkOffset += int64(n)
	}

	sctx, cancel := context.WithTimeout(ctx, f.cfg.StorageTimeout())
	defer cancel()
	written, err := hh.Write(sctx, offset, data, onWritten)
	if written > 0 {
		// Block-map extension happens only for bytes the helper confirmed.
		f.metadata.AddBlock(handle.Identity(), ByteRange{Offset: offset, Size: int64(written)}, defaultBlock)
	}
	if err != nil {
		return written, err
	}
	return written, nil
}

// --- prefetch issuing -----------------------------------------------------

// runPrefetch evaluates the planner after a successful read and issues the
// planned synchronizations, synchronously or fire-and-forget per
// configuration. Prefetch failures never reach the foreground caller.
func (f *FsLogic) runPrefetch(ctx context.Context, handle *FuseHandle, offset, size int64) {
	loc, err := f.metadata.GetLocation(ctx, handle.Identity(), false)
	if err != nil {
		return
	}
	attr, err := f.metadata.GetAttr(ctx, handle.Identity())
	if err != nil {
		return
	}

	snap := PrefetchSnapshot{
		FileSize: attr.SizeOrZero(),
		Blocks:   loc.Blocks,
	}
	snap.Progress = loc.ReplicationProgress(snap.FileSize)

	var plan PrefetchPlan
	f.fb.Do(func() {
		plan = f.planner.Plan(handle.prefetch, snap, offset, size)
	})
	if plan.Empty() {
		return
	}

	for _, planned := range plan.Syncs {
		metricPrefetchSyncs.Inc()
		if plan.Async {
			rng, priority := planned.Range, planned.Priority
			go func() {
				rctx, cancel := f.rpcCtx(context.Background())
				defer cancel()
				if err := f.provider.BlockSynchronizationRequest(rctx, handle.Identity(), rng, priority); err != nil {
					Logger.Debugf("async prefetch of <%s> %s failed: %v", handle.Identity(), rng, err)
				}
			}()
			continue
		}

		rctx, cancel := f.rpcCtx(ctx)
		newLoc, err := f.provider.SynchronizeBlock(rctx, handle.Identity(), planned.Range, planned.Priority)
		cancel()
		if err != nil {
			Logger.Debugf("prefetch of <%s> %s failed: %v", handle.Identity(), planned.Range, err)
			continue
		}
		f.metadata.UpdateLocation(newLoc)
	}
}

// handleLive reports whether a handle id is still registered, for tests and
// statistics.
func (f *FsLogic) handleLive(handleID uint64) bool {
	_, ok := f.handles.Get(handleID)
	return ok
}
