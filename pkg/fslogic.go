package oneclient

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// fsRetryDelays is the randomised backoff schedule of the retry envelope,
// widening from roughly five seconds to half a minute.
var fsRetryDelays = [...][2]int{
	{4000, 6000},
	{5000, 8000},
	{6000, 12000},
	{7000, 16000},
	{9000, 24000},
	{10000, 30000},
}

// FsLogic is the filesystem logic dispatcher: the per-operation entry
// points sitting between the kernel adapter and the provider session. It
// owns the retry envelope, symlink and xattr translation, and orchestrates
// the caches, the helper layer and the event manager.
type FsLogic struct {
	cfg      *ClientConfig
	provider Provider
	fb       *Fiber

	metadata   *MetadataCache
	helpers    *HelperCache
	readdir    *ReaddirCache
	handles    *HandleTable
	events     *EventManager
	forceProxy *ForceProxyCache
	ioTrace    *IOTraceLogger
	planner    *prefetchPlanner

	rootID       string
	spacesByID   map[string]SpaceConfig
	spacesByName map[string]string

	// quota-disabled spaces, snapshot-swapped on each quota push
	disabledSpaces atomic.Value

	// per-open-file remote subscription cancels, fiber-owned
	openSubs map[string][]func()

	stopped atomic.Bool
}

// NewFsLogic performs the session handshake and assembles the engine.
func NewFsLogic(ctx context.Context, cfg *ClientConfig, provider Provider) (*FsLogic, error) {
	configuration, err := provider.GetConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider handshake failed: %w", err)
	}

	f := &FsLogic{
		cfg:          cfg,
		provider:     provider,
		fb:           NewFiber(),
		handles:      NewHandleTable(),
		ioTrace:      NewIOTraceLogger(cfg.IOTraceLoggerEnabled),
		planner:      newPrefetchPlanner(cfg, mathrand.Intn),
		rootID:       configuration.RootIdentity,
		spacesByID:   make(map[string]SpaceConfig),
		spacesByName: make(map[string]string),
		openSubs:     make(map[string][]func()),
	}

	for _, space := range configuration.Spaces {
		f.spacesByID[space.SpaceID] = space
		f.spacesByName[space.Name] = space.SpaceID
	}
	f.disabledSpaces.Store(mapset.NewSet(configuration.DisabledSpaces...))

	f.events = NewEventManager(provider, cfg.ProviderTimeout())
	for _, sub := range configuration.Subscriptions {
		f.events.HandleSubscription(sub)
	}

	f.forceProxy = NewForceProxyCache(func(identity string) func() {
		return f.events.Subscribe(SubPermissionChanged, identity)
	})

	f.helpers = NewHelperCache(provider, cfg)

	f.metadata = NewMetadataCache(f.fb, provider, cfg.MetadataCacheSize,
		cfg.DirectoryCacheDropAfter(), cfg.ProviderTimeout(), MetadataCallbacks{
			OnOpen:          f.onFileOpened,
			OnRelease:       f.onFileReleased,
			OnMarkDeleted:   f.onFileDropped,
			OnDropFile:      f.onFileDropped,
			OnDropDirectory: f.onDirectoryDropped,
			OnRename:        f.onFileRenamed,
		})

	f.readdir, err = NewReaddirCache(provider, f.metadata, cfg)
	if err != nil {
		f.fb.Stop()
		return nil, err
	}

	initMetricsPush(ctx, cfg.Metrics)

	go f.handlePushes()
	return f, nil
}

// Close flushes events, closes the provider session and stops the fiber.
func (f *FsLogic) Close(ctx context.Context) error {
	if !f.stopped.CompareAndSwap(false, true) {
		return nil
	}
	f.events.Close()
	err := f.provider.CloseSession(ctx)
	f.readdir.Close()
	f.fb.Stop()
	return err
}

// RootIdentity returns the configured mount root.
func (f *FsLogic) RootIdentity() string { return f.rootID }

// --- subscription lifecycle bound to cache callbacks ----------------------

// fiber context
func (f *FsLogic) onFileOpened(identity string) {
	cancels := []func(){
		f.events.Subscribe(SubFileAttrChanged, identity),
		f.events.Subscribe(SubFileLocationChanged, identity),
		f.events.Subscribe(SubFileRemoved, identity),
		f.events.Subscribe(SubFileRenamed, identity),
		f.events.Subscribe(SubReplicaStatusChanged, identity),
	}
	f.openSubs[identity] = append(f.openSubs[identity], cancels...)
}

// fiber context
func (f *FsLogic) onFileReleased(identity string) {
	for _, cancel := range f.openSubs[identity] {
		cancel()
	}
	delete(f.openSubs, identity)
}

// fiber context
func (f *FsLogic) onFileDropped(identity string) {
	for _, cancel := range f.openSubs[identity] {
		cancel()
	}
	delete(f.openSubs, identity)
	f.forceProxy.Remove(identity)
}

// fiber context
func (f *FsLogic) onDirectoryDropped(identity string) {
	f.readdir.Invalidate(identity)
}

// fiber context
func (f *FsLogic) onFileRenamed(oldIdentity, newIdentity string) {
	if oldIdentity == newIdentity {
		return
	}
	if subs, ok := f.openSubs[oldIdentity]; ok {
		delete(f.openSubs, oldIdentity)
		f.openSubs[newIdentity] = append(f.openSubs[newIdentity], subs...)
		f.events.MoveSubscriptions(oldIdentity, newIdentity)
	}
	f.handles.RenameIdentity(oldIdentity, newIdentity)
	if f.forceProxy.Contains(oldIdentity) {
		f.forceProxy.Remove(oldIdentity)
		f.forceProxy.Add(newIdentity)
	}
}

// --- provider push stream -------------------------------------------------

func (f *FsLogic) handlePushes() {
	for push := range f.provider.Pushes() {
		switch p := push.(type) {
		case FileAttrChangedPush:
			f.metadata.UpdateAttr(p.Attr)
		case FileLocationChangedPush:
			if p.Start != nil && p.End != nil {
				f.metadata.UpdateLocationRange(*p.Start, *p.End, p.Location)
			} else {
				f.metadata.UpdateLocation(p.Location)
			}
		case FileRemovedPush:
			f.metadata.MarkDeleted(p.Identity)
		case FileRenamedPush:
			f.metadata.Rename(p.Top.OldIdentity, p.NewParent, p.NewName, p.Top.NewIdentity)
			for _, child := range p.Children {
				f.metadata.ApplyChildRename(child)
			}
		case ReplicaStatusChangedPush:
			f.applyReplicaStatus(p)
		case PermissionChangedPush:
			f.forceProxy.HandlePermissionChanged(p.Identity)
		case QuotaExceededPush:
			f.disabledSpaces.Store(mapset.NewSet(p.SpaceIDs...))
		case SubscriptionPush:
			f.events.HandleSubscription(p.Sub)
		case SubscriptionCancelPush:
			f.events.HandleCancellation(p.ID)
		}
	}
}

func (f *FsLogic) applyReplicaStatus(p ReplicaStatusChangedPush) {
	f.fb.Do(func() {
		e, ok := f.metadata.entries[p.Identity]
		if !ok || e.attr == nil {
			return
		}
		status := p.FullyReplicated
		e.attr.FullyReplicated = &status
	})
}

func (f *FsLogic) spaceDisabled(spaceID string) bool {
	set, _ := f.disabledSpaces.Load().(mapset.Set[string])
	return set != nil && set.Contains(spaceID)
}

// --- retry envelope -------------------------------------------------------

type retryContext struct {
	// identity whose absence a NotFound from this operation signals; empty
	// when the operation has no single subject
	identity string

	// refresh resolves a key-expired failure by refreshing helper params
	refresh func(ctx context.Context) error

	// demote moves the subject to proxy I/O after a direct permission
	// failure; returning true grants one full retry-counter reset
	demote func() bool
}

// withRetries is the retry envelope every public operation runs under.
func (f *FsLogic) withRetries(ctx context.Context, op string, rc retryContext, attempt func(context.Context) error) error {
	retriesLeft := f.cfg.OperationRetryCount
	keyRefreshed := false
	demoted := false

	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, ErrNotFound):
			if rc.identity != "" {
				f.metadata.MarkDeleted(rc.identity)
			}
			return err

		case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNotSupported):
			return err

		case errors.Is(err, ErrKeyExpired):
			if rc.refresh == nil {
				return err
			}
			if refreshErr := rc.refresh(ctx); refreshErr != nil {
				Logger.Warnf("%s: helper parameter refresh failed: %v", op, refreshErr)
				return err
			}
			// The first expiry costs one retry step, later ones none.
			if !keyRefreshed {
				keyRefreshed = true
				retriesLeft--
				if retriesLeft < 0 {
					return err
				}
			}
			continue

		case errors.Is(err, ErrPermissionDenied):
			if rc.demote != nil && !demoted && rc.demote() {
				demoted = true
				retriesLeft = f.cfg.OperationRetryCount
				metricProxyFallbacks.Inc()
				continue
			}
			return err

		case isRecoverable(err):
			if retriesLeft <= 0 {
				return err
			}
			delay := f.retryDelay(f.cfg.OperationRetryCount - retriesLeft)
			Logger.Debugf("%s failed (%v), retrying in %s, %d retries left", op, err, delay, retriesLeft)
			metricRetries.Inc()
			retriesLeft--
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrTimeout
			}
			continue

		default:
			return err
		}
	}
}

func (f *FsLogic) retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(fsRetryDelays) {
		attempt = len(fsRetryDelays) - 1
	}
	lo, hi := fsRetryDelays[attempt][0], fsRetryDelays[attempt][1]
	return time.Duration(lo+mathrand.Intn(hi-lo+1)) * time.Millisecond
}

func (f *FsLogic) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.cfg.ProviderTimeout())
}

// --- namespace operations -------------------------------------------------

// Lookup resolves a child by name, or by embedded CDMI object id when the
// name carries the file-id access prefix.
func (f *FsLogic) Lookup(ctx context.Context, parent, name string) (*FileAttributes, error) {
	started := time.Now()
	var attr *FileAttributes

	err := f.withRetries(ctx, "lookup", retryContext{}, func(ctx context.Context) error {
		var err error
		if strings.HasPrefix(name, FileIDAccessPrefix) {
			identity, decodeErr := identityFromCdmiObjectID(strings.TrimPrefix(name, FileIDAccessPrefix))
			if decodeErr != nil {
				return ErrNotFound
			}
			attr, err = f.metadata.GetAttr(ctx, identity)
			return err
		}
		attr, err = f.metadata.GetAttrByName(ctx, parent, name)
		return err
	})
	f.metadata.TouchDirectory(parent)
	f.ioTrace.Trace("lookup", parent+"/"+name, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

func (f *FsLogic) GetAttr(ctx context.Context, identity string) (*FileAttributes, error) {
	started := time.Now()
	var attr *FileAttributes
	err := f.withRetries(ctx, "getattr", retryContext{identity: identity}, func(ctx context.Context) error {
		var err error
		attr, err = f.metadata.GetAttr(ctx, identity)
		return err
	})
	f.ioTrace.Trace("getattr", identity, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// SetAttrRequest carries the subset of attributes a setattr changes.
type SetAttrRequest struct {
	Mode  *uint32
	Size  *int64
	ATime *time.Time
	MTime *time.Time
	CTime *time.Time
}

func (f *FsLogic) SetAttr(ctx context.Context, identity string, req SetAttrRequest) (*FileAttributes, error) {
	started := time.Now()
	err := f.withRetries(ctx, "setattr", retryContext{identity: identity}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()

		if req.Mode != nil {
			if err := f.provider.ChangeMode(rctx, identity, *req.Mode); err != nil {
				return err
			}
			f.fb.Do(func() {
				if e, ok := f.metadata.entries[identity]; ok && e.attr != nil {
					e.attr.Mode = *req.Mode
				}
			})
		}

		if req.Size != nil {
			attr, err := f.metadata.GetAttr(ctx, identity)
			if err != nil {
				return err
			}
			spaceID := f.spaceIDFor(attr)
			if f.spaceDisabled(spaceID) && *req.Size > attr.SizeOrZero() {
				return ErrQuotaExceeded
			}
			if err := f.provider.Truncate(rctx, identity, *req.Size); err != nil {
				return err
			}
			f.metadata.SetSize(identity, *req.Size)
			size := *req.Size
			f.events.Emit(&FileWrittenEvent{
				Identity: identity,
				Count:    1,
				Blocks:   NewBlockMap(),
				FileSize: &size,
			})
		}

		if req.ATime != nil || req.MTime != nil || req.CTime != nil {
			if err := f.provider.UpdateTimes(rctx, identity, req.ATime, req.MTime, req.CTime); err != nil {
				return err
			}
			f.fb.Do(func() {
				e, ok := f.metadata.entries[identity]
				if !ok || e.attr == nil {
					return
				}
				if req.ATime != nil {
					e.attr.ATime = *req.ATime
				}
				if req.MTime != nil {
					e.attr.MTime = *req.MTime
				}
				if req.CTime != nil {
					e.attr.CTime = *req.CTime
				}
			})
		}
		return nil
	})
	f.ioTrace.Trace("setattr", identity, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return f.metadata.GetAttr(ctx, identity)
}

func (f *FsLogic) Mkdir(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error) {
	started := time.Now()
	var attr *FileAttributes
	err := f.withRetries(ctx, "mkdir", retryContext{}, func(ctx context.Context) error {
		parentAttr, err := f.metadata.GetAttr(ctx, parent)
		if err != nil {
			return err
		}
		if parentAttr.Type != FileTypeDirectory {
			return ErrNotDirectory
		}
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		attr, err = f.provider.CreateDir(rctx, parent, name, mode)
		if err != nil {
			return err
		}
		f.metadata.PutAttr(attr)
		return nil
	})
	f.metadata.TouchDirectory(parent)
	f.ioTrace.Trace("mkdir", parent+"/"+name, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// Mknod creates a regular file node; other node types are not expressible
// on the provider.
func (f *FsLogic) Mknod(ctx context.Context, parent, name string, mode uint32, isRegular bool) (*FileAttributes, error) {
	if !isRegular {
		return nil, ErrNotSupported
	}
	started := time.Now()
	var attr *FileAttributes
	err := f.withRetries(ctx, "mknod", retryContext{}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		var err error
		attr, err = f.provider.MakeFile(rctx, parent, name, mode)
		if err != nil {
			return err
		}
		f.metadata.PutAttr(attr)
		return nil
	})
	f.ioTrace.Trace("mknod", parent+"/"+name, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

func (f *FsLogic) Unlink(ctx context.Context, parent, name string) error {
	started := time.Now()
	err := f.withRetries(ctx, "unlink", retryContext{}, func(ctx context.Context) error {
		attr, err := f.metadata.GetAttrByName(ctx, parent, name)
		if err != nil {
			return err
		}
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		if err := f.provider.DeleteFile(rctx, attr.Identity); err != nil {
			return err
		}
		f.metadata.MarkDeleted(attr.Identity)
		return nil
	})
	f.metadata.TouchDirectory(parent)
	f.ioTrace.Trace("unlink", parent+"/"+name, -1, -1, started, err)
	return err
}

func (f *FsLogic) Rename(ctx context.Context, oldParent, oldName, newParent, newName string) error {
	started := time.Now()
	err := f.withRetries(ctx, "rename", retryContext{}, func(ctx context.Context) error {
		attr, err := f.metadata.GetAttrByName(ctx, oldParent, oldName)
		if err != nil {
			return err
		}
		newParentAttr, err := f.metadata.GetAttr(ctx, newParent)
		if err != nil {
			return err
		}
		if newParentAttr.Type != FileTypeDirectory {
			return ErrNotDirectory
		}

		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		newIdentity, children, err := f.provider.Rename(rctx, attr.Identity, newParent, newName)
		if err != nil {
			return err
		}
		// The identity swap commits only after the provider acknowledged.
		f.metadata.Rename(attr.Identity, newParent, newName, newIdentity)
		for _, child := range children {
			f.metadata.ApplyChildRename(child)
		}
		return nil
	})
	f.metadata.TouchDirectory(oldParent)
	f.metadata.TouchDirectory(newParent)
	f.ioTrace.Trace("rename", oldParent+"/"+oldName, -1, -1, started, err)
	return err
}

func (f *FsLogic) Link(ctx context.Context, target, newParent, newName string) (*FileAttributes, error) {
	started := time.Now()
	var attr *FileAttributes
	err := f.withRetries(ctx, "link", retryContext{identity: target}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		var err error
		attr, err = f.provider.MakeLink(rctx, target, newParent, newName)
		if err != nil {
			return err
		}
		f.metadata.PutAttr(attr)
		return nil
	})
	f.ioTrace.Trace("link", target, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

func (f *FsLogic) Symlink(ctx context.Context, parent, name, target string) (*FileAttributes, error) {
	started := time.Now()
	stored := f.translateSymlinkTarget(target)
	var attr *FileAttributes
	err := f.withRetries(ctx, "symlink", retryContext{}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		var err error
		attr, err = f.provider.MakeSymLink(rctx, parent, name, stored)
		if err != nil {
			return err
		}
		f.metadata.PutAttr(attr)
		return nil
	})
	f.ioTrace.Trace("symlink", parent+"/"+name, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

func (f *FsLogic) Readlink(ctx context.Context, identity string) (string, error) {
	started := time.Now()
	var target string
	err := f.withRetries(ctx, "readlink", retryContext{identity: identity}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		stored, err := f.provider.ReadSymLink(rctx, identity)
		if err != nil {
			return err
		}
		target = f.resolveSymlinkTarget(stored)
		return nil
	})
	f.ioTrace.Trace("readlink", identity, -1, -1, started, err)
	return target, err
}

// translateSymlinkTarget rewrites absolute targets under the mount point as
// space-relative links so they survive remounts under other paths.
func (f *FsLogic) translateSymlinkTarget(target string) string {
	mount := strings.TrimSuffix(f.cfg.MountPoint, "/")
	if mount == "" || !strings.HasPrefix(target, mount+"/") {
		return target
	}
	rel := strings.TrimPrefix(target, mount+"/")
	parts := strings.SplitN(rel, "/", 2)
	spaceID, ok := f.spacesByName[parts[0]]
	if !ok {
		if _, known := f.spacesByID[parts[0]]; known {
			spaceID = parts[0]
		} else {
			return target
		}
	}
	stored := SpaceLinkPrefix + spaceID + SpaceLinkSuffix
	if len(parts) == 2 && parts[1] != "" {
		stored += "/" + parts[1]
	}
	return stored
}

// resolveSymlinkTarget inverts translateSymlinkTarget against the current
// mount. An unknown space returns the raw stored string.
func (f *FsLogic) resolveSymlinkTarget(stored string) string {
	if !strings.HasPrefix(stored, SpaceLinkPrefix) {
		return stored
	}
	rest := strings.TrimPrefix(stored, SpaceLinkPrefix)
	end := strings.Index(rest, SpaceLinkSuffix)
	if end < 0 {
		return stored
	}
	spaceID := rest[:end]
	tail := rest[end+len(SpaceLinkSuffix):]

	space, ok := f.spacesByID[spaceID]
	if !ok {
		return stored
	}
	component := space.Name
	if f.cfg.ShowSpaceIDs || component == "" {
		component = spaceID
	}
	mount := strings.TrimSuffix(f.cfg.MountPoint, "/")
	return mount + "/" + component + tail
}

// --- directory enumeration ------------------------------------------------

func (f *FsLogic) OpenDir(ctx context.Context, identity string) error {
	attr, err := f.GetAttr(ctx, identity)
	if err != nil {
		return err
	}
	if attr.Type != FileTypeDirectory {
		return ErrNotDirectory
	}
	f.metadata.TouchDirectory(identity)
	return nil
}

func (f *FsLogic) ReleaseDir(ctx context.Context, identity string) error {
	f.metadata.TouchDirectory(identity)
	return nil
}

// Readdir returns one chunk of entries starting at off, including the
// synthetic dot entries at the head of the listing.
func (f *FsLogic) Readdir(ctx context.Context, identity string, off, count int) ([]DirEntry, bool, error) {
	started := time.Now()
	if count <= 0 {
		count = f.cfg.ReaddirChunkSize
	}

	var entries []DirEntry
	var eof bool
	err := f.withRetries(ctx, "readdir", retryContext{identity: identity}, func(ctx context.Context) error {
		entries = entries[:0]
		eof = false
		cursor := off

		for cursor < 2 && len(entries) < count {
			entries = append(entries, DirEntry{Name: []string{".", ".."}[cursor]})
			cursor++
		}

		for len(entries) < count {
			chunk, end, err := f.readdir.List(ctx, identity, cursor-2, count-len(entries))
			if err != nil {
				return err
			}
			entries = append(entries, chunk...)
			cursor += len(chunk)
			if end {
				eof = true
				break
			}
			if len(chunk) == 0 {
				eof = true
				break
			}
		}
		if len(entries) >= count {
			eof = false
		}
		return nil
	})
	f.metadata.TouchDirectory(identity)
	if err == nil && eof {
		f.metadata.SetDirReadComplete(identity, true)
	}
	f.ioTrace.Trace("readdir", identity, int64(off), int64(len(entries)), started, err)
	if err != nil {
		return nil, false, err
	}
	return entries, eof, nil
}

// --- xattr surface --------------------------------------------------------

func (f *FsLogic) GetXAttr(ctx context.Context, identity, name string) (string, error) {
	started := time.Now()
	var value string
	err := f.withRetries(ctx, "getxattr", retryContext{identity: identity}, func(ctx context.Context) error {
		if isSyntheticXattr(name) {
			v, handled, err := f.syntheticXattr(ctx, identity, name)
			if handled {
				value = v
				return err
			}
		}
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		stored, err := f.provider.GetXAttr(rctx, identity, name)
		if err != nil {
			return err
		}
		value, err = decodeXattrValue(stored)
		return err
	})
	f.ioTrace.Trace("getxattr", identity, -1, -1, started, err)
	return value, err
}

func (f *FsLogic) SetXAttr(ctx context.Context, identity, name, value string, create, replace bool) error {
	started := time.Now()
	err := f.withRetries(ctx, "setxattr", retryContext{identity: identity}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		return f.provider.SetXAttr(rctx, identity, name, encodeXattrValue(value), create, replace)
	})
	f.ioTrace.Trace("setxattr", identity, -1, -1, started, err)
	return err
}

func (f *FsLogic) RemoveXAttr(ctx context.Context, identity, name string) error {
	started := time.Now()
	err := f.withRetries(ctx, "removexattr", retryContext{identity: identity}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		return f.provider.RemoveXAttr(rctx, identity, name)
	})
	f.ioTrace.Trace("removexattr", identity, -1, -1, started, err)
	return err
}

// ListXAttr appends the synthetic catalogue to the provider-supplied list.
func (f *FsLogic) ListXAttr(ctx context.Context, identity string) ([]string, error) {
	started := time.Now()
	var names []string
	err := f.withRetries(ctx, "listxattr", retryContext{identity: identity}, func(ctx context.Context) error {
		attr, err := f.metadata.GetAttr(ctx, identity)
		if err != nil {
			return err
		}
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()
		names, err = f.provider.ListXAttr(rctx, identity)
		if err != nil {
			return err
		}
		names = append(names, syntheticXattrNames(attr.Type)...)
		return nil
	})
	f.ioTrace.Trace("listxattr", identity, -1, -1, started, err)
	if err != nil {
		return nil, err
	}
	return names, nil
}

// syntheticXattr serves the org.onedata.* catalogue from caches. The bool
// reports whether the name was recognised.
func (f *FsLogic) syntheticXattr(ctx context.Context, identity, name string) (string, bool, error) {
	attr, err := f.metadata.GetAttr(ctx, identity)
	if err != nil {
		return "", true, err
	}

	locate := func() (*FileLocation, error) {
		return f.metadata.GetLocation(ctx, identity, false)
	}

	switch name {
	case XattrGuid:
		return encodeXattrValue(identity), true, nil
	case XattrFileID:
		return encodeXattrValue(cdmiObjectID(identity)), true, nil
	case XattrSpaceID:
		return encodeXattrValue(f.spaceIDFor(attr)), true, nil
	case XattrStorageID:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		return encodeXattrValue(loc.DefaultStorageID), true, nil
	case XattrStorageFileID:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		return encodeXattrValue(loc.DefaultFileID), true, nil
	case XattrAccessType:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		if f.forceProxy.Contains(identity) {
			return encodeXattrValue(AccessTypeProxy.String()), true, nil
		}
		return encodeXattrValue(f.helpers.AccessTypeFor(loc.DefaultStorageID).String()), true, nil
	case XattrFileBlocks:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		return encodeXattrValue(loc.Blocks.String()), true, nil
	case XattrFileBlocksCount:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		return encodeXattrValue(fmt.Sprintf("%d", loc.Blocks.Count())), true, nil
	case XattrReplicationProgress:
		loc, err := locate()
		if err != nil {
			return "", true, err
		}
		progress := loc.ReplicationProgress(attr.SizeOrZero())
		return encodeXattrValue(fmt.Sprintf("%d%%", int(progress*100))), true, nil
	}
	return "", false, nil
}

func (f *FsLogic) spaceIDFor(attr *FileAttributes) string {
	if spaceID := spaceIDFromIdentity(attr.Identity); spaceID != "" {
		return spaceID
	}
	// When the identity carries no space component, it is looked up as a
	// space id itself; parent directories are not walked.
	if space, ok := f.spacesByID[attr.Identity]; ok {
		return space.SpaceID
	}
	return ""
}
