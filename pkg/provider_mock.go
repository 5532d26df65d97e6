package oneclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// mockProvider is an in-memory provider session used by the test suite. It
// keeps a flat identity-keyed namespace, per-storage object payloads for
// proxy I/O and records calls so tests can assert on RPC traffic.
type mockProvider struct {
	mu sync.Mutex

	config    *Configuration
	attrs     map[string]*FileAttributes
	children  map[string]map[string]string
	locations map[string]*FileLocation
	symlinks  map[string]string
	xattrs    map[string]map[string]string

	// per (storageID, fileID) payloads served over proxy I/O
	objects map[string][]byte

	helperParams map[string]*HelperParams
	testFiles    map[string]*StorageTestFile

	subs    map[int64]Subscription
	nextSub int64

	nextHandle int
	nextIdent  int

	events []Event
	calls  map[string]int

	// one-shot injected failures per operation name
	failures map[string][]error

	// when set, SynchronizeBlock acknowledges without replicating, so
	// demand reads can exercise the zero-fill fallback
	syncNoop bool

	pushCh    chan ProviderPush
	closeOnce sync.Once
	stats     map[string]*FSStats
}

var _ Provider = (*mockProvider)(nil)

func newMockProvider() *mockProvider {
	m := &mockProvider{
		config: &Configuration{
			RootIdentity: "root#",
			SessionID:    "session-1",
		},
		attrs:        make(map[string]*FileAttributes),
		children:     make(map[string]map[string]string),
		locations:    make(map[string]*FileLocation),
		symlinks:     make(map[string]string),
		xattrs:       make(map[string]map[string]string),
		objects:      make(map[string][]byte),
		helperParams: make(map[string]*HelperParams),
		testFiles:    make(map[string]*StorageTestFile),
		subs:         make(map[int64]Subscription),
		calls:        make(map[string]int),
		failures:     make(map[string][]error),
		pushCh:       make(chan ProviderPush, 64),
		stats:        make(map[string]*FSStats),
	}
	m.addDir(m.config.RootIdentity, "", "/")
	return m
}

func objectKey(storageID, fileID string) string {
	return storageID + "\x00" + fileID
}

// --- test fixture helpers -------------------------------------------------

func (m *mockProvider) addDir(identity, parent, name string) *FileAttributes {
	attr := &FileAttributes{
		Identity:       identity,
		Name:           name,
		ParentIdentity: parent,
		Mode:           0755,
		Type:           FileTypeDirectory,
		MTime:          time.Now(),
	}
	m.putAttr(attr)
	return attr
}

func (m *mockProvider) addFile(identity, parent, name string, size int64, storageID, fileID string) *FileAttributes {
	attr := &FileAttributes{
		Identity:       identity,
		Name:           name,
		ParentIdentity: parent,
		Mode:           0644,
		Type:           FileTypeRegular,
		Size:           &size,
		MTime:          time.Now(),
	}
	m.putAttr(attr)
	m.locations[identity] = &FileLocation{
		Identity:         identity,
		SpaceID:          spaceIDFromIdentity(identity),
		DefaultStorageID: storageID,
		DefaultFileID:    fileID,
		Version:          1,
		Blocks:           NewBlockMap(),
	}
	return attr
}

func (m *mockProvider) setObject(storageID, fileID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey(storageID, fileID)] = data
}

func (m *mockProvider) coverBlocks(identity string, spans ...BlockSpan) {
	loc := m.locations[identity]
	for _, s := range spans {
		loc.Blocks.Insert(ByteRange{Offset: s.Off, Size: s.Len()}, s.Block)
	}
}

func (m *mockProvider) putAttr(attr *FileAttributes) {
	m.attrs[attr.Identity] = attr
	if attr.ParentIdentity != "" {
		kids, ok := m.children[attr.ParentIdentity]
		if !ok {
			kids = make(map[string]string)
			m.children[attr.ParentIdentity] = kids
		}
		kids[attr.Name] = attr.Identity
	}
}

func (m *mockProvider) failOnce(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

func (m *mockProvider) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockProvider) push(p ProviderPush) {
	m.pushCh <- p
}

// note records the call and pops an injected failure, if any. Callers hold
// m.mu.
func (m *mockProvider) note(op string) error {
	m.calls[op]++
	if queue := m.failures[op]; len(queue) > 0 {
		err := queue[0]
		m.failures[op] = queue[1:]
		return err
	}
	return nil
}

// --- Provider implementation ----------------------------------------------

func (m *mockProvider) GetConfiguration(ctx context.Context) (*Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetConfiguration"); err != nil {
		return nil, err
	}
	return m.config, nil
}

func (m *mockProvider) GetFSStats(ctx context.Context, identity string) (*FSStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetFSStats"); err != nil {
		return nil, err
	}
	if stats, ok := m.stats[identity]; ok {
		return stats, nil
	}
	return &FSStats{StorageCount: 1, TotalSize: 1 << 30, FreeSize: 1 << 29}, nil
}

func (m *mockProvider) GetFileAttr(ctx context.Context, identity string) (*FileAttributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetFileAttr"); err != nil {
		return nil, err
	}
	attr, ok := m.attrs[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return attr.Clone(), nil
}

func (m *mockProvider) GetChildAttr(ctx context.Context, parent, name string) (*FileAttributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetChildAttr"); err != nil {
		return nil, err
	}
	id, ok := m.children[parent][name]
	if !ok {
		return nil, ErrNotFound
	}
	return m.attrs[id].Clone(), nil
}

func (m *mockProvider) GetFileChildrenAttrs(ctx context.Context, identity string, offset, count int, opts ListOptions) ([]DirEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetFileChildrenAttrs"); err != nil {
		return nil, false, err
	}
	names := make([]string, 0, len(m.children[identity]))
	for name := range m.children[identity] {
		names = append(names, name)
	}
	sortStrings(names)

	if offset >= len(names) {
		return nil, true, nil
	}
	end := offset + count
	if end > len(names) {
		end = len(names)
	}
	entries := make([]DirEntry, 0, end-offset)
	for _, name := range names[offset:end] {
		entries = append(entries, DirEntry{Name: name, Attr: m.attrs[m.children[identity][name]].Clone()})
	}
	return entries, end == len(names), nil
}

func (m *mockProvider) GetHelperParams(ctx context.Context, storageID, spaceID string, mode HelperMode) (*HelperParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetHelperParams"); err != nil {
		return nil, err
	}
	if params, ok := m.helperParams[storageID]; ok && mode != HelperModeProxy {
		return params.Clone(), nil
	}
	return &HelperParams{StorageID: storageID, Name: HelperNameProxy, Proxy: true, Args: map[string]string{}}, nil
}

func (m *mockProvider) CreateStorageTestFile(ctx context.Context, identity, storageID string) (*StorageTestFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("CreateStorageTestFile"); err != nil {
		return nil, err
	}
	tf, ok := m.testFiles[storageID]
	if !ok {
		return nil, ErrNotSupported
	}
	return tf, nil
}

func (m *mockProvider) VerifyStorageTestFile(ctx context.Context, storageID, spaceID, fileID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("VerifyStorageTestFile"); err != nil {
		return err
	}
	return nil
}

func (m *mockProvider) CreateFile(ctx context.Context, parent, name string, mode uint32, flags OpenFlags) (*FileCreated, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("CreateFile"); err != nil {
		return nil, err
	}
	m.nextIdent++
	identity := fmt.Sprintf("file-%d#space-1", m.nextIdent)
	size := int64(0)
	attr := &FileAttributes{
		Identity:       identity,
		Name:           name,
		ParentIdentity: parent,
		Mode:           mode,
		Type:           FileTypeRegular,
		Size:           &size,
		MTime:          time.Now(),
	}
	m.putAttr(attr)
	loc := &FileLocation{
		Identity:         identity,
		SpaceID:          "space-1",
		DefaultStorageID: "storage-1",
		DefaultFileID:    identity,
		Version:          1,
		Blocks:           NewBlockMap(),
	}
	m.locations[identity] = loc
	m.nextHandle++
	return &FileCreated{
		Attr:             attr.Clone(),
		Location:         loc.Clone(),
		ProviderHandleID: fmt.Sprintf("ph-%d", m.nextHandle),
	}, nil
}

func (m *mockProvider) CreateDir(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("CreateDir"); err != nil {
		return nil, err
	}
	m.nextIdent++
	identity := fmt.Sprintf("dir-%d#space-1", m.nextIdent)
	attr := &FileAttributes{
		Identity:       identity,
		Name:           name,
		ParentIdentity: parent,
		Mode:           mode,
		Type:           FileTypeDirectory,
		MTime:          time.Now(),
	}
	m.putAttr(attr)
	return attr.Clone(), nil
}

func (m *mockProvider) MakeFile(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error) {
	created, err := m.CreateFile(ctx, parent, name, mode, OpenRead)
	if err != nil {
		return nil, err
	}
	return created.Attr, nil
}

func (m *mockProvider) MakeLink(ctx context.Context, target, parent, name string) (*FileAttributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("MakeLink"); err != nil {
		return nil, err
	}
	src, ok := m.attrs[target]
	if !ok {
		return nil, ErrNotFound
	}
	attr := src.Clone()
	attr.Name = name
	attr.ParentIdentity = parent
	attr.Type = FileTypeLink
	m.putAttr(attr)
	return attr.Clone(), nil
}

func (m *mockProvider) MakeSymLink(ctx context.Context, parent, name, link string) (*FileAttributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("MakeSymLink"); err != nil {
		return nil, err
	}
	m.nextIdent++
	identity := fmt.Sprintf("symlink-%d#space-1", m.nextIdent)
	attr := &FileAttributes{
		Identity:       identity,
		Name:           name,
		ParentIdentity: parent,
		Mode:           0777,
		Type:           FileTypeSymlink,
		MTime:          time.Now(),
	}
	m.putAttr(attr)
	m.symlinks[identity] = link
	return attr.Clone(), nil
}

func (m *mockProvider) ReadSymLink(ctx context.Context, identity string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("ReadSymLink"); err != nil {
		return "", err
	}
	link, ok := m.symlinks[identity]
	if !ok {
		return "", ErrNotFound
	}
	return link, nil
}

func (m *mockProvider) OpenFile(ctx context.Context, identity string, flags OpenFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("OpenFile"); err != nil {
		return "", err
	}
	if _, ok := m.attrs[identity]; !ok {
		return "", ErrNotFound
	}
	m.nextHandle++
	return fmt.Sprintf("ph-%d", m.nextHandle), nil
}

func (m *mockProvider) Release(ctx context.Context, identity, providerHandleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.note("Release")
}

func (m *mockProvider) FSync(ctx context.Context, identity string, dataOnly bool, providerHandleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.note("FSync")
}

func (m *mockProvider) GetFileLocation(ctx context.Context, identity string) (*FileLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetFileLocation"); err != nil {
		return nil, err
	}
	loc, ok := m.locations[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return loc.Clone(), nil
}

func (m *mockProvider) SynchronizeBlock(ctx context.Context, identity string, rng ByteRange, priority int) (*FileLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("SynchronizeBlock"); err != nil {
		return nil, err
	}
	loc, ok := m.locations[identity]
	if !ok {
		return nil, ErrNotFound
	}
	loc.Version++
	if !m.syncNoop {
		loc.Blocks.Insert(rng, FileBlock{StorageID: loc.DefaultStorageID, FileID: loc.DefaultFileID})
	}
	return loc.Clone(), nil
}

func (m *mockProvider) SynchronizeBlockAndComputeChecksum(ctx context.Context, identity string, rng ByteRange, priority int) (*ChecksumSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("SynchronizeBlockAndComputeChecksum"); err != nil {
		return nil, err
	}
	loc, ok := m.locations[identity]
	if !ok {
		return nil, ErrNotFound
	}
	loc.Version++
	loc.Blocks.Insert(rng, FileBlock{StorageID: loc.DefaultStorageID, FileID: loc.DefaultFileID})

	data := m.objects[objectKey(loc.DefaultStorageID, loc.DefaultFileID)]
	end := rng.End()
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	var segment []byte
	if rng.Offset < int64(len(data)) {
		segment = data[rng.Offset:end]
	}
	return &ChecksumSync{Checksum: computeChecksum(segment), Location: loc.Clone()}, nil
}

func (m *mockProvider) BlockSynchronizationRequest(ctx context.Context, identity string, rng ByteRange, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.note("BlockSynchronizationRequest")
}

func (m *mockProvider) Truncate(ctx context.Context, identity string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("Truncate"); err != nil {
		return err
	}
	attr, ok := m.attrs[identity]
	if !ok {
		return ErrNotFound
	}
	attr.Size = &size
	if loc, ok := m.locations[identity]; ok {
		loc.Blocks.Truncate(size)
	}
	return nil
}

func (m *mockProvider) Rename(ctx context.Context, identity, targetParent, targetName string) (string, []RenameEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("Rename"); err != nil {
		return "", nil, err
	}
	attr, ok := m.attrs[identity]
	if !ok {
		return "", nil, ErrNotFound
	}
	delete(m.children[attr.ParentIdentity], attr.Name)
	newIdentity := identity + "-r"
	delete(m.attrs, identity)
	attr.Identity = newIdentity
	attr.ParentIdentity = targetParent
	attr.Name = targetName
	m.putAttr(attr)
	if loc, ok := m.locations[identity]; ok {
		delete(m.locations, identity)
		loc.Identity = newIdentity
		m.locations[newIdentity] = loc
	}
	return newIdentity, nil, nil
}

func (m *mockProvider) DeleteFile(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("DeleteFile"); err != nil {
		return err
	}
	attr, ok := m.attrs[identity]
	if !ok {
		return ErrNotFound
	}
	delete(m.children[attr.ParentIdentity], attr.Name)
	delete(m.attrs, identity)
	delete(m.locations, identity)
	return nil
}

func (m *mockProvider) ChangeMode(ctx context.Context, identity string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("ChangeMode"); err != nil {
		return err
	}
	attr, ok := m.attrs[identity]
	if !ok {
		return ErrNotFound
	}
	attr.Mode = mode
	return nil
}

func (m *mockProvider) UpdateTimes(ctx context.Context, identity string, atime, mtime, ctime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.note("UpdateTimes")
}

func (m *mockProvider) GetXAttr(ctx context.Context, identity, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("GetXAttr"); err != nil {
		return "", err
	}
	value, ok := m.xattrs[identity][name]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *mockProvider) SetXAttr(ctx context.Context, identity, name, value string, create, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("SetXAttr"); err != nil {
		return err
	}
	attrs, ok := m.xattrs[identity]
	if !ok {
		attrs = make(map[string]string)
		m.xattrs[identity] = attrs
	}
	attrs[name] = value
	return nil
}

func (m *mockProvider) RemoveXAttr(ctx context.Context, identity, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("RemoveXAttr"); err != nil {
		return err
	}
	delete(m.xattrs[identity], name)
	return nil
}

func (m *mockProvider) ListXAttr(ctx context.Context, identity string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("ListXAttr"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.xattrs[identity]))
	for name := range m.xattrs[identity] {
		names = append(names, name)
	}
	sortStrings(names)
	return names, nil
}

func (m *mockProvider) ProxyRead(ctx context.Context, storageID, fileID string, offset int64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("ProxyRead"); err != nil {
		return nil, err
	}
	data := m.objects[objectKey(storageID, fileID)]
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (m *mockProvider) ProxyWrite(ctx context.Context, storageID, fileID string, offset int64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("ProxyWrite"); err != nil {
		return 0, err
	}
	key := objectKey(storageID, fileID)
	existing := m.objects[key]
	end := offset + int64(len(data))
	if int64(len(existing)) < end {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:end], data)
	m.objects[key] = existing
	return len(data), nil
}

func (m *mockProvider) Subscribe(ctx context.Context, sub Subscription) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("Subscribe"); err != nil {
		return 0, err
	}
	m.nextSub++
	sub.ID = m.nextSub
	m.subs[sub.ID] = sub
	return sub.ID, nil
}

func (m *mockProvider) CancelSubscription(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("CancelSubscription"); err != nil {
		return err
	}
	delete(m.subs, id)
	return nil
}

func (m *mockProvider) SendEvents(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.note("SendEvents"); err != nil {
		return err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *mockProvider) Pushes() <-chan ProviderPush {
	return m.pushCh
}

func (m *mockProvider) CloseSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.pushCh) })
	return m.note("CloseSession")
}

func (m *mockProvider) subscriptionsFor(identity string, kind SubscriptionKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, sub := range m.subs {
		if sub.Identity == identity && sub.Kind == kind {
			n++
		}
	}
	return n
}

func sortStrings(names []string) {
	sort.Strings(names)
}
