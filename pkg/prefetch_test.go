package oneclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = int64(1 << 20)

func plannerFor(cfg *ClientConfig) *prefetchPlanner {
	return newPrefetchPlanner(cfg, func(n int) int { return n - 1 })
}

func clusterSyncs(plan PrefetchPlan) []PlannedSync {
	var out []PlannedSync
	for _, s := range plan.Syncs {
		if s.Priority == SyncPriorityClusterPrefetch {
			out = append(out, s)
		}
	}
	return out
}

func TestPlannerWholeFilePrefetchFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.LinearReadPrefetchThreshold = 1.0

	// 10 MiB file with 95% replicated from the head.
	fileSize := 10 * mib
	snap := PrefetchSnapshot{
		FileSize: fileSize,
		Blocks:   NewBlockMapOf(BlockSpan{Off: 0, End: fileSize - fileSize/20, Block: blockA}),
	}
	snap.Progress = 0.95

	planner := plannerFor(cfg)
	st := newPrefetchState()

	plan := planner.Plan(st, snap, 0, 4096)
	require.Len(t, plan.Syncs, 1)
	assert.True(t, plan.FullFile)
	assert.Equal(t, ByteRange{Offset: 0, Size: fileSize}, plan.Syncs[0].Range)

	// Idempotent for subsequent reads on the same handle.
	plan = planner.Plan(st, snap, 0, 4096)
	assert.Empty(t, plan.Syncs)
}

func TestPlannerWholeFileSkippedBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.LinearReadPrefetchThreshold = 1.0

	fileSize := 10 * mib
	snap := PrefetchSnapshot{
		FileSize: fileSize,
		// Half replicated: under the 90% trigger.
		Blocks:   NewBlockMapOf(BlockSpan{Off: 0, End: 5 * mib, Block: blockA}),
		Progress: 0.5,
	}

	plan := plannerFor(cfg).Plan(newPrefetchState(), snap, 0, 4096)
	assert.False(t, plan.FullFile)
}

func TestPlannerLinearPrefetchSkipsReplicated(t *testing.T) {
	cfg := testConfig()
	cfg.MinPrefetchBlockSize = mib

	fileSize := 10 * mib
	snap := PrefetchSnapshot{
		FileSize: fileSize,
		// Head replicated up to 1 MiB only.
		Blocks:   NewBlockMapOf(BlockSpan{Off: 0, End: mib, Block: blockA}),
		Progress: 0.1,
	}

	plan := plannerFor(cfg).Plan(newPrefetchState(), snap, 0, 4096)
	require.Len(t, plan.Syncs, 1)
	sync := plan.Syncs[0]
	assert.Equal(t, SyncPriorityLinearPrefetch, sync.Priority)
	// The candidate starts after the read; only the unreplicated tail of
	// it is requested.
	assert.Equal(t, mib, sync.Range.Offset)
	assert.Equal(t, int64(4096)+2*mib-mib, sync.Range.Size)
}

func TestPlannerClusterPrefetchBlockAligned(t *testing.T) {
	cfg := testConfig()
	cfg.RandomReadPrefetchClusterWindow = mib
	cfg.RandomReadPrefetchClusterBlockThreshold = 3
	cfg.MinPrefetchBlockSize = 0

	// Four separate blocks inside [0, 1 MiB) of a 2 MiB file.
	snap := PrefetchSnapshot{
		FileSize: 2 * mib,
		Blocks: NewBlockMapOf(
			BlockSpan{Off: 0, End: 100 << 10, Block: blockA},
			BlockSpan{Off: 200 << 10, End: 300 << 10, Block: blockA},
			BlockSpan{Off: 400 << 10, End: 500 << 10, Block: blockA},
			BlockSpan{Off: 600 << 10, End: 700 << 10, Block: blockA},
		),
		Progress: 0.2,
	}

	planner := plannerFor(cfg)
	st := newPrefetchState()

	plan := planner.Plan(st, snap, 600<<10, 4096)
	syncs := clusterSyncs(plan)
	require.Len(t, syncs, 1)
	assert.Equal(t, ByteRange{Offset: 0, Size: mib}, syncs[0].Range)

	// Another read in the same aligned window must not re-issue it.
	plan = planner.Plan(st, snap, 700<<10, 4096)
	assert.Empty(t, clusterSyncs(plan))
}

func TestPlannerClusterPrefetchBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.RandomReadPrefetchClusterWindow = mib
	cfg.RandomReadPrefetchClusterBlockThreshold = 3
	cfg.MinPrefetchBlockSize = 0

	snap := PrefetchSnapshot{
		FileSize: 2 * mib,
		Blocks: NewBlockMapOf(
			BlockSpan{Off: 0, End: 100 << 10, Block: blockA},
			BlockSpan{Off: 400 << 10, End: 500 << 10, Block: blockA},
		),
		Progress: 0.1,
	}

	plan := plannerFor(cfg).Plan(newPrefetchState(), snap, 600<<10, 4096)
	assert.Empty(t, clusterSyncs(plan))
}

func TestPlannerEvaluationGating(t *testing.T) {
	cfg := testConfig()
	cfg.RandomReadPrefetchEvaluationFrequency = 50
	cfg.MinPrefetchBlockSize = mib

	fileSize := 10 * mib
	snap := PrefetchSnapshot{
		FileSize: fileSize,
		Blocks:   NewBlockMapOf(BlockSpan{Off: 0, End: mib, Block: blockA}),
		Progress: 0.1,
	}

	planner := plannerFor(cfg)
	st := newPrefetchState()

	// The first read always evaluates.
	plan := planner.Plan(st, snap, 0, 4096)
	assert.NotEmpty(t, plan.Syncs)

	// Reads right after are amortised away.
	for i := 0; i < 10; i++ {
		plan = planner.Plan(st, snap, int64(i)*8192, 4096)
		assert.Empty(t, plan.Syncs, "read %d evaluated too early", i)
	}
}

func TestPlannerEmptyFileNoPrefetch(t *testing.T) {
	plan := plannerFor(testConfig()).Plan(newPrefetchState(), PrefetchSnapshot{FileSize: 0, Blocks: NewBlockMap()}, 0, 4096)
	assert.Empty(t, plan.Syncs)
}
