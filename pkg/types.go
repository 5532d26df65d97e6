package oneclient

import (
	"fmt"
	"strings"
	"time"
)

const (
	OneclientVersion   string = "v21.02.5"
	OneXattrPrefix     string = "org.onedata."
	SpaceLinkPrefix    string = "<__onedata_space_id:"
	SpaceLinkSuffix    string = ">"
	FileIDAccessPrefix string = ".__onedata__file_id__"
	OnedataBase64Key   string = "onedata_base64"
)

// Block synchronization priorities, lower is more urgent.
const (
	SyncPriorityImmediate       = 32
	SyncPriorityLinearPrefetch  = 96
	SyncPriorityClusterPrefetch = 160
)

type ClientConfig struct {
	ProviderHost string `key:"providerHost" json:"provider_host"`
	Token        string `key:"token" json:"token"`
	MountPoint   string `key:"mountPoint" json:"mount_point"`
	DebugMode    bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs   bool   `key:"prettyLogs" json:"pretty_logs"`

	MetadataCacheSize        int `key:"metadataCacheSize" json:"metadata_cache_size"`
	DirectoryCacheDropAfterS int `key:"directoryCacheDropAfterS" json:"directory_cache_drop_after_s"`
	ProviderTimeoutS         int `key:"providerTimeoutS" json:"provider_timeout_s"`
	StorageTimeoutS          int `key:"storageTimeoutS" json:"storage_timeout_s"`
	OperationRetryCount      int `key:"operationRetryCount" json:"operation_retry_count"`

	PrefetchMode                              string  `key:"prefetchMode" json:"prefetch_mode"`
	MinPrefetchBlockSize                      int64   `key:"minPrefetchBlockSize" json:"min_prefetch_block_size"`
	LinearReadPrefetchThreshold               float64 `key:"linearReadPrefetchThreshold" json:"linear_read_prefetch_threshold"`
	RandomReadPrefetchClusterWindow           int64   `key:"randomReadPrefetchClusterWindow" json:"random_read_prefetch_cluster_window"`
	RandomReadPrefetchClusterBlockThreshold   int     `key:"randomReadPrefetchClusterBlockThreshold" json:"random_read_prefetch_cluster_block_threshold"`
	RandomReadPrefetchClusterWindowGrowFactor float64 `key:"randomReadPrefetchClusterWindowGrowFactor" json:"random_read_prefetch_cluster_window_grow_factor"`
	RandomReadPrefetchEvaluationFrequency     int     `key:"randomReadPrefetchEvaluationFrequency" json:"random_read_prefetch_evaluation_frequency"`
	ClusterPrefetchThresholdRandom            bool    `key:"clusterPrefetchThresholdRandom" json:"cluster_prefetch_threshold_random"`

	ShowOnlyFullReplicas bool `key:"showOnlyFullReplicas" json:"show_only_full_replicas"`
	ShowHardLinkCount    bool `key:"showHardLinkCount" json:"show_hard_link_count"`
	ShowSpaceIDs         bool `key:"showSpaceIds" json:"show_space_ids"`

	IOTraceLoggerEnabled bool `key:"ioTraceLoggerEnabled" json:"io_trace_logger_enabled"`
	ReadEventsDisabled   bool `key:"readEventsDisabled" json:"read_events_disabled"`

	ForceProxyIO  bool `key:"forceProxyIo" json:"force_proxy_io"`
	ForceDirectIO bool `key:"forceDirectIo" json:"force_direct_io"`

	TagOnCreate TagConfig `key:"tagOnCreate" json:"tag_on_create"`
	TagOnModify TagConfig `key:"tagOnModify" json:"tag_on_modify"`

	HelperOverrideParams map[string]map[string]string `key:"helperOverrideParams" json:"helper_override_params"`

	EmulateAvailableSpace int64 `key:"emulateAvailableSpace" json:"emulate_available_space"`

	ReaddirChunkSize   int   `key:"readdirChunkSize" json:"readdir_chunk_size"`
	ReaddirCacheSizeMb int64 `key:"readdirCacheSizeMb" json:"readdir_cache_size_mb"`

	Metrics MetricsConfig `key:"metrics" json:"metrics"`
}

type TagConfig struct {
	Name  string `key:"name" json:"name"`
	Value string `key:"value" json:"value"`
}

func (t TagConfig) Empty() bool {
	return t.Name == ""
}

type MetricsConfig struct {
	PushURL       string `key:"pushUrl" json:"push_url"`
	PushIntervalS int    `key:"pushIntervalS" json:"push_interval_s"`
	Username      string `key:"username" json:"username"`
	Password      string `key:"password" json:"password"`
}

func (c *ClientConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutS) * time.Second
}

func (c *ClientConfig) StorageTimeout() time.Duration {
	return time.Duration(c.StorageTimeoutS) * time.Second
}

func (c *ClientConfig) DirectoryCacheDropAfter() time.Duration {
	return time.Duration(c.DirectoryCacheDropAfterS) * time.Second
}

func (c *ClientConfig) PrefetchModeAsync() bool {
	return c.PrefetchMode == "async"
}

type FileType int

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeLink
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "REG"
	case FileTypeDirectory:
		return "DIR"
	case FileTypeSymlink:
		return "LNK"
	case FileTypeLink:
		return "HLN"
	}
	return "UNKNOWN"
}

type AccessType int

const (
	AccessTypeUnknown AccessType = iota
	AccessTypeDirect
	AccessTypeProxy
)

func (a AccessType) String() string {
	switch a {
	case AccessTypeDirect:
		return "direct"
	case AccessTypeProxy:
		return "proxy"
	}
	return "unknown"
}

// FileAttributes mirrors the provider's view of a single file. Size is only
// meaningful for regular files and hard links; for symlinks the readlink
// length is substituted on demand.
type FileAttributes struct {
	Identity        string
	Name            string
	ParentIdentity  string
	Mode            uint32
	UID             uint32
	GID             uint32
	ATime           time.Time
	MTime           time.Time
	CTime           time.Time
	Type            FileType
	Size            *int64
	NLink           *uint32
	FullyReplicated *bool
	Virtual         bool
	VirtualAdapter  string
}

func (a *FileAttributes) SizeOrZero() int64 {
	if a.Size == nil {
		return 0
	}
	return *a.Size
}

func (a *FileAttributes) Clone() *FileAttributes {
	c := *a
	if a.Size != nil {
		s := *a.Size
		c.Size = &s
	}
	if a.NLink != nil {
		n := *a.NLink
		c.NLink = &n
	}
	if a.FullyReplicated != nil {
		f := *a.FullyReplicated
		c.FullyReplicated = &f
	}
	return &c
}

// FileBlock identifies where a replicated byte range lives.
type FileBlock struct {
	StorageID string
	FileID    string
}

// FileLocation tracks the replicated block layout of a single file. Version
// is monotonic per identity; stale updates are ignored by the cache.
type FileLocation struct {
	Identity         string
	SpaceID          string
	DefaultStorageID string
	DefaultFileID    string
	Version          int64
	Blocks           *BlockMap
}

func (l *FileLocation) Clone() *FileLocation {
	c := *l
	c.Blocks = l.Blocks.Clone()
	return &c
}

// ReplicationProgress returns the covered fraction of [0, size).
func (l *FileLocation) ReplicationProgress(size int64) float64 {
	if size <= 0 {
		return 1.0
	}
	return float64(l.Blocks.CoveredLength(0, size)) / float64(size)
}

type ByteRange struct {
	Offset int64
	Size   int64
}

func (r ByteRange) End() int64 { return r.Offset + r.Size }

func (r ByteRange) Empty() bool { return r.Size <= 0 }

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Offset, r.End())
}

// Intersect clamps the range to [0, limit).
func (r ByteRange) Intersect(limit int64) ByteRange {
	off := r.Offset
	end := r.End()
	if off < 0 {
		off = 0
	}
	if end > limit {
		end = limit
	}
	if end < off {
		end = off
	}
	return ByteRange{Offset: off, Size: end - off}
}

func (r ByteRange) Overlaps(other ByteRange) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

type OpenFlags int

const (
	OpenRead OpenFlags = iota
	OpenWrite
	OpenReadWrite
)

func (f OpenFlags) Writable() bool {
	return f == OpenWrite || f == OpenReadWrite
}

func OpenFlagsFromPosix(flags int) OpenFlags {
	switch flags & 0x3 {
	case 0:
		return OpenRead
	case 1:
		return OpenWrite
	default:
		return OpenReadWrite
	}
}

// spaceIDFromIdentity extracts the space id component of a provider identity.
// Identities are otherwise opaque; this helper understands only the
// "<uuid>#<spaceId>[#<shareId>]" layout used by the provider and returns an
// empty string for identities without a space component.
func spaceIDFromIdentity(identity string) string {
	parts := strings.Split(identity, "#")
	if len(parts) < 2 || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// shareIDFromIdentity extracts the optional share component.
func shareIDFromIdentity(identity string) string {
	parts := strings.Split(identity, "#")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
