package oneclient

import (
	"time"
)

// PrefetchSnapshot is the immutable view of cached state the planner works
// on; it never reaches back into the caches.
type PrefetchSnapshot struct {
	FileSize int64
	Blocks   *BlockMap
	Progress float64
}

type PlannedSync struct {
	Range    ByteRange
	Priority int
}

// PrefetchPlan is what the planner hands back to the dispatcher to act on.
type PrefetchPlan struct {
	Syncs    []PlannedSync
	Async    bool
	FullFile bool
}

func (p PrefetchPlan) Empty() bool { return len(p.Syncs) == 0 }

// Minimum wall-clock distance between two planner evaluations on one
// handle.
const prefetchMinEvalInterval = time.Second

// prefetchPlanner composes linear and clustered read-ahead. Evaluation is
// amortised per handle: it runs on the first read and then only after the
// configured read count or the minimum interval has passed.
type prefetchPlanner struct {
	cfg     *ClientConfig
	randInt func(n int) int
	now     func() time.Time
}

func newPrefetchPlanner(cfg *ClientConfig, randInt func(n int) int) *prefetchPlanner {
	return &prefetchPlanner{cfg: cfg, randInt: randInt, now: time.Now}
}

// Plan is invoked after every successful read with the read's range. It
// updates the handle's planner state and returns the synchronizations to
// issue.
func (p *prefetchPlanner) Plan(st *PrefetchState, snap PrefetchSnapshot, offset, size int64) PrefetchPlan {
	plan := PrefetchPlan{Async: p.cfg.PrefetchModeAsync()}
	if snap.FileSize <= 0 {
		return plan
	}

	st.readsSinceEval++
	if !p.shouldEvaluate(st) {
		return plan
	}
	st.readsSinceEval = 0
	st.lastEvalAt = p.now()

	if full := p.planFullFile(st, snap); full != nil {
		plan.Syncs = append(plan.Syncs, *full)
		plan.FullFile = true
		return plan
	}

	if linear := p.planLinear(st, snap, offset, size); linear != nil {
		plan.Syncs = append(plan.Syncs, *linear)
	}
	if cluster := p.planCluster(st, snap, offset); cluster != nil {
		plan.Syncs = append(plan.Syncs, *cluster)
	}
	return plan
}

func (p *prefetchPlanner) shouldEvaluate(st *PrefetchState) bool {
	if st.lastEvalAt.IsZero() {
		return true
	}
	if p.cfg.RandomReadPrefetchEvaluationFrequency > 0 &&
		st.readsSinceEval < p.cfg.RandomReadPrefetchEvaluationFrequency &&
		p.now().Sub(st.lastEvalAt) < prefetchMinEvalInterval {
		return false
	}
	return true
}

// planFullFile short-circuits to a whole-file synchronization once the
// configured head fraction of the file is mostly replicated.
func (p *prefetchPlanner) planFullFile(st *PrefetchState, snap PrefetchSnapshot) *PlannedSync {
	threshold := p.cfg.LinearReadPrefetchThreshold
	if threshold <= 0 || st.fullFileRequested {
		return nil
	}
	head := int64(threshold * float64(snap.FileSize))
	if head <= 0 {
		return nil
	}
	covered := snap.Blocks.CoveredLength(0, head)
	if float64(covered) < 0.9*float64(head) {
		return nil
	}
	if snap.Blocks.CoveredLength(0, snap.FileSize) == snap.FileSize {
		// Fully replicated already, nothing to fetch.
		return nil
	}
	st.fullFileRequested = true
	rng := ByteRange{Offset: 0, Size: snap.FileSize}
	st.lastLinearRange = &rng
	return &PlannedSync{Range: rng, Priority: SyncPriorityLinearPrefetch}
}

// planLinear extends a detected sequential pattern ahead of the reader.
func (p *prefetchPlanner) planLinear(st *PrefetchState, snap PrefetchSnapshot, offset, size int64) *PlannedSync {
	ahead := size
	if ahead < p.cfg.MinPrefetchBlockSize {
		ahead = p.cfg.MinPrefetchBlockSize
	}
	if ahead <= 0 {
		return nil
	}

	candidate := ByteRange{Offset: offset + size, Size: 2 * ahead}.Intersect(snap.FileSize)
	if candidate.Empty() {
		return nil
	}

	if last := st.lastLinearRange; last != nil && candidate.Overlaps(*last) {
		beyond := candidate.End() - last.End()
		if beyond < candidate.Size/2 {
			return nil
		}
	}

	// Skip what is already replicated; request the first missing stretch.
	gaps := snap.Blocks.Gaps(candidate.Offset, candidate.End())
	if len(gaps) == 0 {
		st.lastLinearRange = &candidate
		return nil
	}
	want := ByteRange{Offset: gaps[0].Offset, Size: gaps[len(gaps)-1].End() - gaps[0].Offset}
	st.lastLinearRange = &candidate
	return &PlannedSync{Range: want, Priority: SyncPriorityLinearPrefetch}
}

// planCluster synchronizes a whole window around the read offset once the
// window is fragmented into enough distinct blocks.
func (p *prefetchPlanner) planCluster(st *PrefetchState, snap PrefetchSnapshot, offset int64) *PlannedSync {
	window := p.cfg.RandomReadPrefetchClusterWindow
	if window == 0 {
		return nil
	}
	if window < 0 {
		window = snap.FileSize
	}
	if window <= 0 {
		return nil
	}

	grow := p.cfg.RandomReadPrefetchClusterWindowGrowFactor

	var rng ByteRange
	var alignedOff int64 = -1
	if grow == 0 {
		alignedOff = (offset / window) * window
		if st.clusterOffsets.Contains(alignedOff) {
			return nil
		}
		rng = ByteRange{Offset: alignedOff, Size: window}.Intersect(snap.FileSize)
	} else {
		w := int64(float64(window) * (1 + grow*snap.Progress))
		rng = ByteRange{Offset: offset - w/2, Size: w}.Intersect(snap.FileSize)
	}
	if rng.Empty() {
		return nil
	}

	threshold := p.cfg.RandomReadPrefetchClusterBlockThreshold
	if p.cfg.ClusterPrefetchThresholdRandom && threshold > 1 {
		threshold = 1 + p.randInt(threshold)
	}
	if snap.Blocks.CountIn(rng.Offset, rng.End()) < threshold {
		return nil
	}

	if alignedOff >= 0 {
		st.clusterOffsets.Add(alignedOff)
	}
	return &PlannedSync{Range: rng, Priority: SyncPriorityClusterPrefetch}
}
