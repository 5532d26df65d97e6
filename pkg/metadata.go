package oneclient

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MetadataCallbacks are bound by the dispatcher to the subscription
// lifecycle in the event manager.
type MetadataCallbacks struct {
	OnAdd           func(identity string)
	OnOpen          func(identity string)
	OnRelease       func(identity string)
	OnMarkDeleted   func(identity string)
	OnRename        func(oldIdentity, newIdentity string)
	OnDropFile      func(identity string)
	OnDropDirectory func(identity string)
	OnPrune         func(identity string)
}

type metaEntry struct {
	attr            *FileAttributes
	location        *FileLocation
	openCount       int
	deleted         bool
	dirReadComplete bool
	lastTouched     time.Time
	elem            *list.Element
}

func (e *metaEntry) pinned() bool { return e.openCount > 0 }

// MetadataCache holds file attributes, file locations and the parent-child
// index, with two LRU lists: one for files, one for directories. Open files
// are pinned and never evicted. All mutations run on the fiber; provider
// RPCs happen between fiber steps with single-flight de-duplication.
type MetadataCache struct {
	fb        *Fiber
	provider  Provider
	callbacks MetadataCallbacks

	sizeTarget int
	dropAfter  time.Duration
	timeout    time.Duration

	// fiber-owned state
	entries  map[string]*metaEntry
	children map[string]map[string]string
	fileLRU  *list.List
	dirLRU   *list.List

	// identity forwarding left behind by renames, so tokens issued before
	// the swap still resolve their entry
	renamed map[string]string

	// single-flight guards for provider fetches, keyed by identity or
	// parent+"/"+name
	flightMu sync.Mutex
	flights  map[string]*metaFlight

	now func() time.Time
}

type metaFlight struct {
	done chan struct{}
	attr *FileAttributes
	loc  *FileLocation
	err  error
}

func NewMetadataCache(fb *Fiber, provider Provider, sizeTarget int,
	dropAfter, timeout time.Duration, callbacks MetadataCallbacks) *MetadataCache {

	c := &MetadataCache{
		fb:         fb,
		provider:   provider,
		callbacks:  callbacks,
		sizeTarget: sizeTarget,
		dropAfter:  dropAfter,
		timeout:    timeout,
		entries:    make(map[string]*metaEntry),
		children:   make(map[string]map[string]string),
		fileLRU:    list.New(),
		dirLRU:     list.New(),
		renamed:    make(map[string]string),
		flights:    make(map[string]*metaFlight),
		now:        time.Now,
	}
	if dropAfter > 0 {
		fb.Every(dropAfter/2+time.Second, c.pruneExpiredDirectoriesLocked)
	}
	return c
}

func (c *MetadataCache) Size() int {
	var n int
	c.fb.Do(func() { n = len(c.entries) })
	return n
}

// --- attribute path -------------------------------------------------------

// GetAttr returns cached attributes or fetches them from the provider.
func (c *MetadataCache) GetAttr(ctx context.Context, identity string) (*FileAttributes, error) {
	var attr *FileAttributes
	var deleted bool
	c.fb.Do(func() {
		if e, ok := c.entries[identity]; ok && e.attr != nil {
			attr = e.attr
			deleted = e.deleted
			c.touchLocked(identity, e)
		}
	})
	if attr != nil {
		if deleted {
			return nil, ErrNotFound
		}
		return attr, nil
	}

	fetched, err := c.singleFlightAttr("attr:"+identity, func(fctx context.Context) (*FileAttributes, error) {
		return c.provider.GetFileAttr(fctx, identity)
	})
	if err != nil {
		return nil, err
	}
	c.fb.Do(func() { c.putAttrLocked(fetched) })
	return fetched, nil
}

// GetAttrByName resolves a child by name through the children index, falling
// back to a provider lookup.
func (c *MetadataCache) GetAttrByName(ctx context.Context, parent, name string) (*FileAttributes, error) {
	var attr *FileAttributes
	c.fb.Do(func() {
		ids, ok := c.children[parent]
		if !ok {
			return
		}
		id, ok := ids[name]
		if !ok {
			return
		}
		if e, ok := c.entries[id]; ok && e.attr != nil && !e.deleted {
			attr = e.attr
			c.touchLocked(id, e)
		}
	})
	if attr != nil {
		return attr, nil
	}

	fetched, err := c.singleFlightAttr("child:"+parent+"/"+name, func(fctx context.Context) (*FileAttributes, error) {
		return c.provider.GetChildAttr(fctx, parent, name)
	})
	if err != nil {
		return nil, err
	}
	c.fb.Do(func() { c.putAttrLocked(fetched) })
	return fetched, nil
}

// PutAttr installs provider-supplied attributes, e.g. from readdir results
// or push messages.
func (c *MetadataCache) PutAttr(attr *FileAttributes) {
	c.fb.Do(func() { c.putAttrLocked(attr) })
}

// UpdateAttr merges pushed attribute changes; unknown identities are
// ignored so late pushes after a drop stay no-ops.
func (c *MetadataCache) UpdateAttr(attr *FileAttributes) {
	c.fb.Do(func() {
		e, ok := c.entries[attr.Identity]
		if !ok || e.deleted {
			return
		}
		if e.attr != nil && attr.Size == nil {
			attr.Size = e.attr.Size
		}
		old := e.attr
		e.attr = attr
		if old != nil && old.ParentIdentity != attr.ParentIdentity {
			c.unlinkChildLocked(old.ParentIdentity, old.Name)
			c.linkChildLocked(attr.ParentIdentity, attr.Name, attr.Identity)
		} else if old != nil && old.Name != attr.Name {
			c.unlinkChildLocked(old.ParentIdentity, old.Name)
			c.linkChildLocked(attr.ParentIdentity, attr.Name, attr.Identity)
		}
	})
}

// putAttrLocked installs an entry and maintains the parent back-pointer
// invariant. Fiber context.
func (c *MetadataCache) putAttrLocked(attr *FileAttributes) {
	e, ok := c.entries[attr.Identity]
	if !ok {
		e = &metaEntry{lastTouched: c.now()}
		c.entries[attr.Identity] = e
		e.attr = attr
		c.insertLRULocked(attr.Identity, e)
		if attr.ParentIdentity != "" {
			c.linkChildLocked(attr.ParentIdentity, attr.Name, attr.Identity)
		}
		if c.callbacks.OnAdd != nil {
			c.callbacks.OnAdd(attr.Identity)
		}
		return
	}
	if e.deleted {
		return
	}
	old := e.attr
	e.attr = attr
	if old != nil && (old.ParentIdentity != attr.ParentIdentity || old.Name != attr.Name) {
		c.unlinkChildLocked(old.ParentIdentity, old.Name)
	}
	if attr.ParentIdentity != "" {
		c.linkChildLocked(attr.ParentIdentity, attr.Name, attr.Identity)
	}
	c.touchLocked(attr.Identity, e)
}

func (c *MetadataCache) linkChildLocked(parent, name, identity string) {
	ids, ok := c.children[parent]
	if !ok {
		ids = make(map[string]string)
		c.children[parent] = ids
	}
	ids[name] = identity
}

func (c *MetadataCache) unlinkChildLocked(parent, name string) {
	if ids, ok := c.children[parent]; ok {
		delete(ids, name)
		if len(ids) == 0 {
			delete(c.children, parent)
		}
	}
}

func (c *MetadataCache) insertLRULocked(identity string, e *metaEntry) {
	if e.attr != nil && e.attr.Type == FileTypeDirectory {
		e.elem = c.dirLRU.PushFront(identity)
	} else {
		e.elem = c.fileLRU.PushFront(identity)
	}
}

func (c *MetadataCache) touchLocked(identity string, e *metaEntry) {
	e.lastTouched = c.now()
	if e.elem == nil {
		return
	}
	if e.attr != nil && e.attr.Type == FileTypeDirectory {
		c.dirLRU.MoveToFront(e.elem)
	} else {
		c.fileLRU.MoveToFront(e.elem)
	}
}

// TouchDirectory repositions a directory in its LRU; callers resolving a
// child are expected to touch the parent.
func (c *MetadataCache) TouchDirectory(identity string) {
	c.fb.Do(func() {
		if e, ok := c.entries[identity]; ok {
			c.touchLocked(identity, e)
		}
	})
}

// --- open-file pinning ----------------------------------------------------

// OpenFileToken pins a cache entry for the lifetime of an open file. It is
// handed to exactly one owner; Release is idempotent.
type OpenFileToken struct {
	cache    *MetadataCache
	identity string
	once     sync.Once
}

func (t *OpenFileToken) Identity() string { return t.identity }

func (t *OpenFileToken) Release() {
	t.once.Do(func() { t.cache.releaseFile(t.identity) })
}

// Open ensures attributes and location are cached, pins the entry and
// returns the owning token.
func (c *MetadataCache) Open(ctx context.Context, identity string) (*OpenFileToken, error) {
	attr, err := c.GetAttr(ctx, identity)
	if err != nil {
		return nil, err
	}
	if attr.Type == FileTypeRegular || attr.Type == FileTypeLink {
		if _, err := c.GetLocation(ctx, identity, false); err != nil {
			return nil, err
		}
	}

	c.fb.Do(func() {
		e, ok := c.entries[identity]
		if !ok {
			return
		}
		e.openCount++
		if e.attr != nil && e.attr.ParentIdentity != "" {
			if pe, ok := c.entries[e.attr.ParentIdentity]; ok {
				c.touchLocked(e.attr.ParentIdentity, pe)
			}
		}
		if e.openCount == 1 && c.callbacks.OnOpen != nil {
			c.callbacks.OnOpen(identity)
		}
	})
	return &OpenFileToken{cache: c, identity: identity}, nil
}

func (c *MetadataCache) releaseFile(identity string) {
	c.fb.Do(func() {
		identity = c.resolveRenamedLocked(identity)
		e, ok := c.entries[identity]
		if !ok {
			return
		}
		if e.openCount > 0 {
			e.openCount--
		}
		if e.openCount > 0 {
			return
		}
		if c.callbacks.OnRelease != nil {
			c.callbacks.OnRelease(identity)
		}
		if e.deleted {
			c.dropEntryLocked(identity, e)
		}
	})
}

// OpenCount is exposed for tests and statistics.
func (c *MetadataCache) OpenCount(identity string) int {
	var n int
	c.fb.Do(func() {
		if e, ok := c.entries[identity]; ok {
			n = e.openCount
		}
	})
	return n
}

// --- location path --------------------------------------------------------

// GetLocation returns a snapshot of the cached block layout, fetching it
// when absent, forced or tombstoned. The returned location is the caller's
// own copy; block maps share structure copy-on-write.
func (c *MetadataCache) GetLocation(ctx context.Context, identity string, forceUpdate bool) (*FileLocation, error) {
	var loc *FileLocation
	if !forceUpdate {
		c.fb.Do(func() {
			if e, ok := c.entries[identity]; ok && e.location != nil && !e.deleted {
				loc = e.location.Clone()
			}
		})
		if loc != nil {
			return loc, nil
		}
	}

	fetched, err := c.singleFlightLocation("loc:"+identity, func(fctx context.Context) (*FileLocation, error) {
		return c.provider.GetFileLocation(fctx, identity)
	})
	if err != nil {
		return nil, err
	}
	c.fb.Do(func() {
		c.updateLocationLocked(fetched)
		if e, ok := c.entries[identity]; ok && e.location != nil {
			loc = e.location.Clone()
		} else {
			loc = fetched.Clone()
		}
	})
	return loc, nil
}

// UpdateLocation applies a full location replacement; stale versions are
// ignored. Returns whether the update was accepted.
func (c *MetadataCache) UpdateLocation(loc *FileLocation) bool {
	var accepted bool
	c.fb.Do(func() { accepted = c.updateLocationLocked(loc) })
	return accepted
}

func (c *MetadataCache) updateLocationLocked(loc *FileLocation) bool {
	e, ok := c.entries[loc.Identity]
	if !ok {
		// Locations arrive only for files we know about; a location for an
		// unknown identity is parked as a bare entry.
		e = &metaEntry{lastTouched: c.now()}
		c.entries[loc.Identity] = e
	}
	if e.location != nil && loc.Version <= e.location.Version {
		return false
	}
	e.location = loc.Clone()
	return true
}

// UpdateLocationRange overlays the update's blocks within [start, end),
// keeping everything outside the range.
func (c *MetadataCache) UpdateLocationRange(start, end int64, loc *FileLocation) bool {
	var accepted bool
	c.fb.Do(func() {
		e, ok := c.entries[loc.Identity]
		if !ok || e.location == nil {
			accepted = c.updateLocationLocked(loc)
			return
		}
		if loc.Version < e.location.Version {
			return
		}
		e.location.Version = loc.Version
		e.location.Blocks.ReplaceRange(start, end, loc.Blocks)
		accepted = true
	})
	return accepted
}

// AddBlock extends the file's size to cover the write and overlays the
// block, used by the write path after the helper confirmed a byte count.
func (c *MetadataCache) AddBlock(identity string, rng ByteRange, block FileBlock) {
	c.fb.Do(func() {
		e, ok := c.entries[identity]
		if !ok {
			return
		}
		if e.attr != nil {
			if e.attr.Size == nil || *e.attr.Size < rng.End() {
				size := rng.End()
				e.attr.Size = &size
			}
		}
		if e.location != nil {
			e.location.Blocks.Insert(rng, block)
		}
	})
}

// SetSize applies a truncate: clamps the size and drops blocks past it.
func (c *MetadataCache) SetSize(identity string, size int64) {
	c.fb.Do(func() {
		e, ok := c.entries[identity]
		if !ok {
			return
		}
		if e.attr != nil {
			s := size
			e.attr.Size = &s
		}
		if e.location != nil {
			e.location.Blocks.Truncate(size)
		}
	})
}

// --- namespace mutations --------------------------------------------------

// Rename commits a provider-acknowledged rename: the record moves to the new
// parent and name, parent back-pointers are rewired and, when the identity
// changed, the entry is re-keyed. Single fiber step, so the swap is atomic
// for every reader.
func (c *MetadataCache) Rename(oldIdentity, newParent, newName, newIdentity string) {
	c.fb.Do(func() {
		e, ok := c.entries[oldIdentity]
		if !ok {
			if c.callbacks.OnRename != nil {
				c.callbacks.OnRename(oldIdentity, newIdentity)
			}
			return
		}
		if e.attr != nil {
			c.unlinkChildLocked(e.attr.ParentIdentity, e.attr.Name)
			e.attr.ParentIdentity = newParent
			e.attr.Name = newName
			e.attr.Identity = newIdentity
		}
		if oldIdentity != newIdentity {
			delete(c.entries, oldIdentity)
			c.entries[newIdentity] = e
			c.renamed[oldIdentity] = newIdentity
			if kids, ok := c.children[oldIdentity]; ok {
				delete(c.children, oldIdentity)
				c.children[newIdentity] = kids
			}
			if e.location != nil {
				e.location.Identity = newIdentity
			}
		}
		c.linkChildLocked(newParent, newName, newIdentity)
		c.touchLocked(newIdentity, e)
		if c.callbacks.OnRename != nil {
			c.callbacks.OnRename(oldIdentity, newIdentity)
		}
	})
}

// ApplyChildRename re-keys a child entry affected by a directory rename.
func (c *MetadataCache) ApplyChildRename(entry RenameEntry) {
	if entry.OldIdentity == entry.NewIdentity {
		return
	}
	c.fb.Do(func() {
		e, ok := c.entries[entry.OldIdentity]
		if !ok {
			return
		}
		delete(c.entries, entry.OldIdentity)
		c.entries[entry.NewIdentity] = e
		c.renamed[entry.OldIdentity] = entry.NewIdentity
		if e.attr != nil {
			c.unlinkChildLocked(e.attr.ParentIdentity, e.attr.Name)
			e.attr.Identity = entry.NewIdentity
			c.linkChildLocked(e.attr.ParentIdentity, e.attr.Name, entry.NewIdentity)
		}
		if kids, ok := c.children[entry.OldIdentity]; ok {
			delete(c.children, entry.OldIdentity)
			c.children[entry.NewIdentity] = kids
		}
		if e.location != nil {
			e.location.Identity = entry.NewIdentity
		}
		if c.callbacks.OnRename != nil {
			c.callbacks.OnRename(entry.OldIdentity, entry.NewIdentity)
		}
	})
}

// MarkDeleted tombstones an identity. Open files stay resident until the
// last release; everything else is dropped immediately.
func (c *MetadataCache) MarkDeleted(identity string) {
	c.fb.Do(func() {
		e, ok := c.entries[identity]
		if !ok {
			return
		}
		e.deleted = true
		if e.attr != nil {
			c.unlinkChildLocked(e.attr.ParentIdentity, e.attr.Name)
		}
		if c.callbacks.OnMarkDeleted != nil {
			c.callbacks.OnMarkDeleted(identity)
		}
		if !e.pinned() {
			c.dropEntryLocked(identity, e)
		}
	})
}

// IsDeleted reports the tombstone state.
func (c *MetadataCache) IsDeleted(identity string) bool {
	var deleted bool
	c.fb.Do(func() {
		if e, ok := c.entries[identity]; ok {
			deleted = e.deleted
		}
	})
	return deleted
}

func (c *MetadataCache) dropEntryLocked(identity string, e *metaEntry) {
	isDir := e.attr != nil && e.attr.Type == FileTypeDirectory
	if e.elem != nil {
		if isDir {
			c.dirLRU.Remove(e.elem)
		} else {
			c.fileLRU.Remove(e.elem)
		}
		e.elem = nil
	}
	if e.attr != nil {
		c.unlinkChildLocked(e.attr.ParentIdentity, e.attr.Name)
	}
	delete(c.entries, identity)
	if isDir {
		if c.callbacks.OnDropDirectory != nil {
			c.callbacks.OnDropDirectory(identity)
		}
	} else if c.callbacks.OnDropFile != nil {
		c.callbacks.OnDropFile(identity)
	}
}

// SetDirReadComplete records that a directory has been fully enumerated.
func (c *MetadataCache) SetDirReadComplete(identity string, complete bool) {
	c.fb.Do(func() {
		if e, ok := c.entries[identity]; ok {
			e.dirReadComplete = complete
		}
	})
}

// CachedChildren returns the children index snapshot of one directory.
func (c *MetadataCache) CachedChildren(identity string) map[string]string {
	out := make(map[string]string)
	c.fb.Do(func() {
		for name, id := range c.children[identity] {
			out[name] = id
		}
	})
	return out
}

// resolveRenamedLocked follows rename forwarding to the current identity.
// Fiber context.
func (c *MetadataCache) resolveRenamedLocked(identity string) string {
	for {
		next, ok := c.renamed[identity]
		if !ok {
			return identity
		}
		identity = next
	}
}

// --- pruning --------------------------------------------------------------

// pruneExpiredDirectoriesLocked walks the directory LRU from the idle end,
// dropping directories past the drop-after threshold and invalidating their
// immediate children. Stops once the cache fits the size target or only
// pinned directories remain. Fiber context.
func (c *MetadataCache) pruneExpiredDirectoriesLocked() {
	if c.dropAfter <= 0 {
		return
	}
	now := c.now()
	elem := c.dirLRU.Back()
	for elem != nil {
		if len(c.entries) <= c.sizeTarget {
			return
		}
		prev := elem.Prev()
		identity := elem.Value.(string)
		e, ok := c.entries[identity]
		if !ok {
			c.dirLRU.Remove(elem)
			elem = prev
			continue
		}
		if now.Sub(e.lastTouched) < c.dropAfter {
			// LRU order: everything closer to the front is younger.
			return
		}
		if !e.pinned() {
			c.pruneDirectoryLocked(identity, e)
		}
		elem = prev
	}
}

func (c *MetadataCache) pruneDirectoryLocked(identity string, e *metaEntry) {
	for _, childID := range c.children[identity] {
		ce, ok := c.entries[childID]
		if !ok || ce.pinned() {
			continue
		}
		if ce.attr != nil && ce.attr.Type == FileTypeDirectory {
			// Only immediate file children are invalidated; nested
			// directories expire through their own LRU position.
			continue
		}
		c.dropEntryLocked(childID, ce)
	}
	c.dropEntryLocked(identity, e)
	if c.callbacks.OnPrune != nil {
		c.callbacks.OnPrune(identity)
	}
	metricDirsPruned.Inc()
}

// PruneNow triggers one prune pass, for tests and explicit cache pressure.
func (c *MetadataCache) PruneNow() {
	c.fb.Do(c.pruneExpiredDirectoriesLocked)
}

// --- single-flight provider fetches --------------------------------------

func (c *MetadataCache) singleFlightAttr(key string, fetch func(context.Context) (*FileAttributes, error)) (*FileAttributes, error) {
	flight, leader := c.joinFlight(key)
	if !leader {
		<-flight.done
		return flight.attr, flight.err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	flight.attr, flight.err = fetch(ctx)
	c.finishFlight(key, flight)
	return flight.attr, flight.err
}

func (c *MetadataCache) singleFlightLocation(key string, fetch func(context.Context) (*FileLocation, error)) (*FileLocation, error) {
	flight, leader := c.joinFlight(key)
	if !leader {
		<-flight.done
		return flight.loc, flight.err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	flight.loc, flight.err = fetch(ctx)
	c.finishFlight(key, flight)
	return flight.loc, flight.err
}

func (c *MetadataCache) joinFlight(key string) (*metaFlight, bool) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if flight, ok := c.flights[key]; ok {
		return flight, false
	}
	flight := &metaFlight{done: make(chan struct{})}
	c.flights[key] = flight
	return flight, true
}

func (c *MetadataCache) finishFlight(key string, flight *metaFlight) {
	c.flightMu.Lock()
	delete(c.flights, key)
	c.flightMu.Unlock()
	close(flight.done)
}
