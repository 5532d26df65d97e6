package oneclient

import (
	"context"
	"time"
)

// HelperMode selects how the provider resolves helper parameters.
type HelperMode int

const (
	HelperModeAuto HelperMode = iota
	HelperModeDirect
	HelperModeProxy
)

func (m HelperMode) String() string {
	switch m {
	case HelperModeDirect:
		return "direct"
	case HelperModeProxy:
		return "proxy"
	}
	return "auto"
}

// HelperParams describes a storage helper as handed out by the provider:
// the helper kind ("posix", "s3", "ceph", "webdav", "proxy", ...) plus a
// generic argument bag. Overrides from helperOverrideParams are merged on
// top before a helper is constructed.
type HelperParams struct {
	StorageID string
	Name      string
	Proxy     bool
	Args      map[string]string
}

func (p *HelperParams) Clone() *HelperParams {
	c := *p
	c.Args = make(map[string]string, len(p.Args))
	for k, v := range p.Args {
		c.Args[k] = v
	}
	return &c
}

// StorageTestFile is the probe file the provider creates for direct-access
// detection.
type StorageTestFile struct {
	HelperParams  *HelperParams
	SpaceID       string
	FileID        string
	ExpectedContent string
}

type Configuration struct {
	RootIdentity   string
	SessionID      string
	Spaces         []SpaceConfig
	DisabledSpaces []string
	Subscriptions  []Subscription
}

type SpaceConfig struct {
	SpaceID string
	Name    string
	RootIdentity string
}

type FSStats struct {
	StorageCount  int
	TotalSize     int64
	FreeSize      int64
	FileCount     int64
	FreeFileCount int64
}

type ListOptions struct {
	IncludeReplicationStatus bool
	IncludeLinkCount         bool
}

type DirEntry struct {
	Name string
	Attr *FileAttributes
}

// RenameEntry reports an identity change caused by a rename; a directory
// rename additionally carries entries for every affected child.
type RenameEntry struct {
	OldIdentity string
	NewIdentity string
}

type FileCreated struct {
	Attr             *FileAttributes
	Location         *FileLocation
	ProviderHandleID string
}

type ChecksumSync struct {
	Checksum string
	Location *FileLocation
}

// Subscription describes one provider-side event stream the client
// participates in. Thresholds dictate the flush policy of the matching
// aggregation stream.
type Subscription struct {
	ID               int64
	Kind             SubscriptionKind
	Identity         string
	CounterThreshold int64
	TimeThreshold    time.Duration
	SizeThreshold    int64
}

type SubscriptionKind int

const (
	SubFileRead SubscriptionKind = iota
	SubFileWritten
	SubFileAttrChanged
	SubFileLocationChanged
	SubFileRemoved
	SubFileRenamed
	SubReplicaStatusChanged
	SubPermissionChanged
	SubQuotaExceeded
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubFileRead:
		return "file_read"
	case SubFileWritten:
		return "file_written"
	case SubFileAttrChanged:
		return "file_attr_changed"
	case SubFileLocationChanged:
		return "file_location_changed"
	case SubFileRemoved:
		return "file_removed"
	case SubFileRenamed:
		return "file_renamed"
	case SubReplicaStatusChanged:
		return "replica_status_changed"
	case SubPermissionChanged:
		return "permission_changed"
	case SubQuotaExceeded:
		return "quota_exceeded"
	}
	return "unknown"
}

// ProviderPush is a server-initiated message delivered over the session's
// push channel.
type ProviderPush interface{ isProviderPush() }

type FileAttrChangedPush struct{ Attr *FileAttributes }

type FileLocationChangedPush struct {
	Location *FileLocation
	// Optional half-open range the change is scoped to; nil means full
	// replacement.
	Start *int64
	End   *int64
}

type FileRemovedPush struct{ Identity string }

type FileRenamedPush struct {
	Top      RenameEntry
	NewName  string
	NewParent string
	Children []RenameEntry
}

type ReplicaStatusChangedPush struct {
	Identity        string
	FullyReplicated bool
}

type PermissionChangedPush struct{ Identity string }

type QuotaExceededPush struct{ SpaceIDs []string }

type SubscriptionPush struct{ Sub Subscription }

type SubscriptionCancelPush struct{ ID int64 }

func (FileAttrChangedPush) isProviderPush()     {}
func (FileLocationChangedPush) isProviderPush() {}
func (FileRemovedPush) isProviderPush()         {}
func (FileRenamedPush) isProviderPush()         {}
func (ReplicaStatusChangedPush) isProviderPush() {}
func (PermissionChangedPush) isProviderPush()   {}
func (QuotaExceededPush) isProviderPush()       {}
func (SubscriptionPush) isProviderPush()        {}
func (SubscriptionCancelPush) isProviderPush()  {}

// Event is a client-side aggregate pushed to the provider by the event
// manager. Events with equal AggregationKey within one stream merge.
type Event interface {
	Kind() SubscriptionKind
	AggregationKey() string
	Merge(other Event)
}

// Provider is the RPC surface of the remote Oneprovider session. The wire
// codec behind it is out of scope for the engine; implementations translate
// these calls into framed messages. All calls honour ctx deadlines.
type Provider interface {
	GetConfiguration(ctx context.Context) (*Configuration, error)
	GetFSStats(ctx context.Context, identity string) (*FSStats, error)

	GetFileAttr(ctx context.Context, identity string) (*FileAttributes, error)
	GetChildAttr(ctx context.Context, parent, name string) (*FileAttributes, error)
	GetFileChildrenAttrs(ctx context.Context, identity string, offset, count int, opts ListOptions) ([]DirEntry, bool, error)

	GetHelperParams(ctx context.Context, storageID, spaceID string, mode HelperMode) (*HelperParams, error)
	CreateStorageTestFile(ctx context.Context, identity, storageID string) (*StorageTestFile, error)
	VerifyStorageTestFile(ctx context.Context, storageID, spaceID, fileID, content string) error

	CreateFile(ctx context.Context, parent, name string, mode uint32, flags OpenFlags) (*FileCreated, error)
	CreateDir(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error)
	MakeFile(ctx context.Context, parent, name string, mode uint32) (*FileAttributes, error)
	MakeLink(ctx context.Context, target, parent, name string) (*FileAttributes, error)
	MakeSymLink(ctx context.Context, parent, name, link string) (*FileAttributes, error)
	ReadSymLink(ctx context.Context, identity string) (string, error)

	OpenFile(ctx context.Context, identity string, flags OpenFlags) (string, error)
	Release(ctx context.Context, identity, providerHandleID string) error
	FSync(ctx context.Context, identity string, dataOnly bool, providerHandleID string) error

	GetFileLocation(ctx context.Context, identity string) (*FileLocation, error)
	SynchronizeBlock(ctx context.Context, identity string, rng ByteRange, priority int) (*FileLocation, error)
	SynchronizeBlockAndComputeChecksum(ctx context.Context, identity string, rng ByteRange, priority int) (*ChecksumSync, error)
	BlockSynchronizationRequest(ctx context.Context, identity string, rng ByteRange, priority int) error

	Truncate(ctx context.Context, identity string, size int64) error
	Rename(ctx context.Context, identity, targetParent, targetName string) (string, []RenameEntry, error)
	DeleteFile(ctx context.Context, identity string) error
	ChangeMode(ctx context.Context, identity string, mode uint32) error
	UpdateTimes(ctx context.Context, identity string, atime, mtime, ctime *time.Time) error

	GetXAttr(ctx context.Context, identity, name string) (string, error)
	SetXAttr(ctx context.Context, identity, name, value string, create, replace bool) error
	RemoveXAttr(ctx context.Context, identity, name string) error
	ListXAttr(ctx context.Context, identity string) ([]string, error)

	ProxyRead(ctx context.Context, storageID, fileID string, offset int64, size int) ([]byte, error)
	ProxyWrite(ctx context.Context, storageID, fileID string, offset int64, data []byte) (int, error)

	Subscribe(ctx context.Context, sub Subscription) (int64, error)
	CancelSubscription(ctx context.Context, id int64) error
	SendEvents(ctx context.Context, events []Event) error

	Pushes() <-chan ProviderPush
	CloseSession(ctx context.Context) error
}
