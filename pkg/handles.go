package oneclient

import (
	"context"
	"sync"
	"time"
)

type helperHandleKey struct {
	storageID  string
	fileID     string
	forceProxy bool
}

// PrefetchState is per-handle planner state. The planner fields and
// onModifyTagSet are only touched from the fiber; onCreateTagSet is set by
// Create outside the fiber, before the new handle id is returned.
type PrefetchState struct {
	lastLinearRange  *ByteRange
	clusterOffsets   *boundedOffsetSet
	readsSinceEval   int
	lastEvalAt       time.Time
	fullFileRequested bool
	onCreateTagSet   bool
	onModifyTagSet   bool
}

func newPrefetchState() *PrefetchState {
	return &PrefetchState{clusterOffsets: newBoundedOffsetSet(64)}
}

// boundedOffsetSet remembers recently requested block-aligned cluster
// offsets so each aligned window is synchronized at most once.
type boundedOffsetSet struct {
	limit int
	order []int64
	set   map[int64]struct{}
}

func newBoundedOffsetSet(limit int) *boundedOffsetSet {
	return &boundedOffsetSet{limit: limit, set: make(map[int64]struct{})}
}

func (s *boundedOffsetSet) Contains(off int64) bool {
	_, ok := s.set[off]
	return ok
}

func (s *boundedOffsetSet) Add(off int64) {
	if _, ok := s.set[off]; ok {
		return
	}
	s.set[off] = struct{}{}
	s.order = append(s.order, off)
	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
}

// FuseHandle is one kernel-visible open file. Helper handles are built
// lazily on first access per (storage, on-storage file id, proxy flag).
// The identity can change under a handle when the open file is renamed, so
// it hides behind an accessor.
type FuseHandle struct {
	ID               uint64
	Flags            OpenFlags
	ProviderHandleID string
	Virtual          bool

	identityMu sync.RWMutex
	identity   string

	token         *OpenFileToken
	helperHandles map[helperHandleKey]HelperHandle
	prefetch      *PrefetchState
}

func (h *FuseHandle) Identity() string {
	h.identityMu.RLock()
	defer h.identityMu.RUnlock()
	return h.identity
}

func (h *FuseHandle) setIdentity(identity string) {
	h.identityMu.Lock()
	h.identity = identity
	h.identityMu.Unlock()
}

// HelperHandle returns the cached per-storage handle, or opens one through
// the given helper and remembers it.
func (h *FuseHandle) HelperHandle(ctx context.Context, helper StorageHelper, fileID string, forceProxy bool) (HelperHandle, error) {
	key := helperHandleKey{storageID: helper.StorageID(), fileID: fileID, forceProxy: forceProxy}
	if hh, ok := h.helperHandles[key]; ok {
		return hh, nil
	}
	hh, err := helper.OpenFile(ctx, fileID, h.Flags)
	if err != nil {
		return nil, err
	}
	h.helperHandles[key] = hh
	return hh, nil
}

// DropHelperHandle forgets a helper handle after releasing it, used when a
// checksum mismatch forces a clean re-open.
func (h *FuseHandle) DropHelperHandle(ctx context.Context, storageID, fileID string, forceProxy bool) {
	key := helperHandleKey{storageID: storageID, fileID: fileID, forceProxy: forceProxy}
	if hh, ok := h.helperHandles[key]; ok {
		delete(h.helperHandles, key)
		if err := hh.Release(ctx); err != nil {
			Logger.Debugf("releasing helper handle for <%s> on <%s>: %v", fileID, storageID, err)
		}
	}
}

// HandleTable maps kernel handle ids to open-file state. Ids are monotonic
// and never reused within a session. The table is mutex-guarded: it is read
// from adapter-side callers outside the fiber.
type HandleTable struct {
	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*FuseHandle

	// remembered open flags per handle id, for transparent reopen after a
	// connection reset dropped the handle
	remembered map[uint64]rememberedOpen
}

type rememberedOpen struct {
	identity string
	flags    OpenFlags
}

func NewHandleTable() *HandleTable {
	return &HandleTable{
		handles:    make(map[uint64]*FuseHandle),
		remembered: make(map[uint64]rememberedOpen),
	}
}

// Add registers a new handle and assigns its id.
func (t *HandleTable) Add(identity string, flags OpenFlags, providerHandleID string,
	token *OpenFileToken, virtual bool) *FuseHandle {

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	h := &FuseHandle{
		ID:               t.nextID,
		identity:         identity,
		Flags:            flags,
		ProviderHandleID: providerHandleID,
		Virtual:          virtual,
		token:            token,
		helperHandles:    make(map[helperHandleKey]HelperHandle),
		prefetch:         newPrefetchState(),
	}
	t.handles[h.ID] = h
	t.remembered[h.ID] = rememberedOpen{identity: identity, flags: flags}
	return h
}

// Adopt reinstalls a handle under a previously assigned id after a reopen,
// preserving the kernel-visible id.
func (t *HandleTable) Adopt(id uint64, identity string, flags OpenFlags,
	providerHandleID string, token *OpenFileToken, virtual bool) *FuseHandle {

	t.mu.Lock()
	defer t.mu.Unlock()
	h := &FuseHandle{
		ID:               id,
		identity:         identity,
		Flags:            flags,
		ProviderHandleID: providerHandleID,
		Virtual:          virtual,
		token:            token,
		helperHandles:    make(map[helperHandleKey]HelperHandle),
		prefetch:         newPrefetchState(),
	}
	t.handles[id] = h
	t.remembered[id] = rememberedOpen{identity: identity, flags: flags}
	return h
}

func (t *HandleTable) Get(id uint64) (*FuseHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

// Remembered returns the open flags recorded for a dropped handle id.
func (t *HandleTable) Remembered(id uint64) (string, OpenFlags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.remembered[id]
	return r.identity, r.flags, ok
}

// Remove drops the handle entry; the caller runs the release sequence.
func (t *HandleTable) Remove(id uint64) (*FuseHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
		delete(t.remembered, id)
	}
	return h, ok
}

// RenameIdentity rewrites the identity of every handle open on a renamed
// file, so in-flight I/O keeps following the file across the identity swap.
func (t *HandleTable) RenameIdentity(oldIdentity, newIdentity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.Identity() == oldIdentity {
			h.setIdentity(newIdentity)
		}
	}
	for id, r := range t.remembered {
		if r.identity == oldIdentity {
			r.identity = newIdentity
			t.remembered[id] = r
		}
	}
}

// DropAll empties the table on connection reset, returning the dropped
// handles so their tokens can be released.
func (t *HandleTable) DropAll() []*FuseHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FuseHandle, 0, len(t.handles))
	for id, h := range t.handles {
		out = append(out, h)
		delete(t.handles, id)
	}
	return out
}

func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
