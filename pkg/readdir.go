package oneclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ReaddirCache serves chunked, cursor-based directory enumeration. Chunks
// are cached in a cost-bounded ristretto store until the directory is
// dropped from the metadata cache; concurrent readers of the same
// directory+cursor coalesce onto one provider fetch.
type ReaddirCache struct {
	provider Provider
	metadata *MetadataCache
	cfg      *ClientConfig
	timeout  time.Duration

	cache *ristretto.Cache

	mu      sync.Mutex
	flights map[string]*readdirFlight
	keys    map[string][]string
}

type readdirFlight struct {
	done    chan struct{}
	entries []DirEntry
	eof     bool
	err     error
}

func NewReaddirCache(provider Provider, metadata *MetadataCache, cfg *ClientConfig) (*ReaddirCache, error) {
	maxCost := cfg.ReaddirCacheSizeMb * 1e6
	if maxCost <= 0 {
		maxCost = 64 * 1e6
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ReaddirCache{
		provider: provider,
		metadata: metadata,
		cfg:      cfg,
		timeout:  cfg.ProviderTimeout(),
		cache:    cache,
		flights:  make(map[string]*readdirFlight),
		keys:     make(map[string][]string),
	}, nil
}

type readdirChunk struct {
	entries []DirEntry
	eof     bool
}

func chunkKey(identity string, offset, count int) string {
	return fmt.Sprintf("%s:%d:%d", identity, offset, count)
}

// List returns one chunk of a directory's entries starting at the opaque
// cursor offset, plus whether the enumeration is complete.
func (rc *ReaddirCache) List(ctx context.Context, identity string, offset, count int) ([]DirEntry, bool, error) {
	key := chunkKey(identity, offset, count)
	if value, ok := rc.cache.Get(key); ok {
		chunk := value.(readdirChunk)
		metricReaddirHits.Inc()
		return rc.filter(chunk.entries), chunk.eof, nil
	}
	metricReaddirMisses.Inc()

	rc.mu.Lock()
	if flight, ok := rc.flights[key]; ok {
		rc.mu.Unlock()
		select {
		case <-flight.done:
			return rc.filter(flight.entries), flight.eof, flight.err
		case <-ctx.Done():
			return nil, false, ErrTimeout
		}
	}
	flight := &readdirFlight{done: make(chan struct{})}
	rc.flights[key] = flight
	rc.mu.Unlock()

	fctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()
	opts := ListOptions{
		IncludeReplicationStatus: rc.cfg.ShowOnlyFullReplicas,
		IncludeLinkCount:         rc.cfg.ShowHardLinkCount,
	}
	entries, eof, err := rc.provider.GetFileChildrenAttrs(fctx, identity, offset, count, opts)
	flight.entries, flight.eof, flight.err = entries, eof, err

	rc.mu.Lock()
	delete(rc.flights, key)
	if err == nil {
		rc.keys[identity] = append(rc.keys[identity], key)
	}
	rc.mu.Unlock()
	close(flight.done)

	if err != nil {
		return nil, false, err
	}

	// Feed attributes into the metadata cache so subsequent lookups of the
	// listed names are local.
	for _, entry := range entries {
		if entry.Attr != nil {
			rc.metadata.PutAttr(entry.Attr)
		}
	}
	rc.cache.Set(key, readdirChunk{entries: entries, eof: eof}, chunkCost(entries))
	return rc.filter(entries), eof, nil
}

func chunkCost(entries []DirEntry) int64 {
	var cost int64 = 64
	for _, e := range entries {
		cost += int64(len(e.Name)) + 128
	}
	return cost
}

// filter applies the configured directory-listing filters.
func (rc *ReaddirCache) filter(entries []DirEntry) []DirEntry {
	if !rc.cfg.ShowOnlyFullReplicas {
		return entries
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Attr != nil && entry.Attr.Type != FileTypeDirectory {
			if entry.Attr.FullyReplicated == nil || !*entry.Attr.FullyReplicated {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}

// Invalidate drops every cached chunk of a directory; bound to the metadata
// cache's directory-drop callback.
func (rc *ReaddirCache) Invalidate(identity string) {
	rc.mu.Lock()
	keys := rc.keys[identity]
	delete(rc.keys, identity)
	rc.mu.Unlock()
	for _, key := range keys {
		rc.cache.Del(key)
	}
}

func (rc *ReaddirCache) Close() {
	rc.cache.Close()
}
