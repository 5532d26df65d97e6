package oneclient

import (
	"context"
	"time"
)

// StatFS aggregates filesystem statistics over all accessible spaces when
// invoked on the mount root, and drills into the single owning space
// otherwise. A configured emulated size overrides the provider-reported
// totals.
func (f *FsLogic) StatFS(ctx context.Context, identity string) (*FSStats, error) {
	started := time.Now()
	var stats *FSStats

	err := f.withRetries(ctx, "statfs", retryContext{}, func(ctx context.Context) error {
		rctx, cancel := f.rpcCtx(ctx)
		defer cancel()

		if identity != f.rootID {
			s, err := f.provider.GetFSStats(rctx, identity)
			if err != nil {
				return err
			}
			stats = s
			return nil
		}

		total := &FSStats{}
		for _, space := range f.spacesByID {
			target := space.RootIdentity
			if target == "" {
				target = space.SpaceID
			}
			s, err := f.provider.GetFSStats(rctx, target)
			if err != nil {
				// A single unreachable space must not hide the rest of
				// the mount.
				Logger.Debugf("statfs for space <%s> failed: %v", space.SpaceID, err)
				continue
			}
			total.StorageCount += s.StorageCount
			total.TotalSize += s.TotalSize
			total.FreeSize += s.FreeSize
			total.FileCount += s.FileCount
			total.FreeFileCount += s.FreeFileCount
		}
		stats = total
		return nil
	})
	f.ioTrace.Trace("statfs", identity, -1, -1, started, err)
	if err != nil {
		return nil, err
	}

	if f.cfg.EmulateAvailableSpace > 0 {
		stats.TotalSize = f.cfg.EmulateAvailableSpace
		stats.FreeSize = f.cfg.EmulateAvailableSpace
	}
	return stats, nil
}
