// Package loadbalancer maintains and queries the hierarchical metrics index.
// It decides which size class an execute invocation should work on, finds the
// next block containing unexecuted work without scanning every slot, and
// keeps the per-class active pointers moving monotonically forward.
//
// A LoadBalancer instance is scoped to one invocation: it caches the trackers
// it touches in memory, marks the ones it mutates dirty, and persists them
// selectively at the end via PersistDirty. The search itself never writes.
package loadbalancer

import (
	"math"

	"github.com/blocksched/blocksched/server/metrics"
	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/tracker"
	"github.com/blocksched/blocksched/server/util/budget"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/cockroachdb/pebble"
)

type trackerKey struct {
	size  sizeclass.Class
	depth tracker.Depth
	index uint64
}

type trackerEntry struct {
	tr     *tracker.Tracker // nil: probed, nothing recorded
	loaded bool
	dirty  bool
}

type LoadBalancer struct {
	store    *storage.Store
	state    *storage.BalancerState
	initial  storage.BalancerState
	trackers map[trackerKey]*trackerEntry
}

func New(store *storage.Store) (*LoadBalancer, error) {
	state, err := store.GetBalancerState()
	if err != nil {
		return nil, err
	}
	return &LoadBalancer{
		store:    store,
		state:    state,
		initial:  *state,
		trackers: make(map[trackerKey]*trackerEntry),
	}, nil
}

// ActiveBlock returns the lowest block in the class not known to be fully
// executed.
func (lb *LoadBalancer) ActiveBlock(size sizeclass.Class) uint64 {
	return lb.state.ActiveBlock[size]
}

// bumpActive advances the class pointer. Pointers never regress; a stale
// candidate is simply ignored.
func (lb *LoadBalancer) bumpActive(size sizeclass.Class, block uint64) {
	if block > lb.state.ActiveBlock[size] {
		lb.state.ActiveBlock[size] = block
	}
}

// load returns the cached tracker for the coordinate, reading it from the
// store on first touch. A nil tracker with loaded=true means the range has
// nothing recorded.
func (lb *LoadBalancer) load(size sizeclass.Class, depth tracker.Depth, index uint64) (*trackerEntry, error) {
	key := trackerKey{size, depth, index}
	if e, ok := lb.trackers[key]; ok {
		return e, nil
	}
	tr, found, err := lb.store.GetTracker(size, depth, index)
	if err != nil {
		return nil, err
	}
	e := &trackerEntry{loaded: true}
	if found {
		e.tr = tr
	}
	lb.trackers[key] = e
	return e, nil
}

// ensure is load plus creation of an empty tracker for ranges about to
// record their first task.
func (lb *LoadBalancer) ensure(size sizeclass.Class, depth tracker.Depth, index uint64) (*trackerEntry, error) {
	e, err := lb.load(size, depth, index)
	if err != nil {
		return nil, err
	}
	if e.tr == nil {
		e.tr = tracker.New()
	}
	return e, nil
}

// chargedLoad wraps load with a budget charge on cache miss.
func (lb *LoadBalancer) chargedLoad(size sizeclass.Class, depth tracker.Depth, index uint64, b *budget.Budget) (*trackerEntry, error) {
	key := trackerKey{size, depth, index}
	if e, ok := lb.trackers[key]; ok {
		return e, nil
	}
	if err := b.Charge(storage.TrackerLoadCost); err != nil {
		return nil, err
	}
	return lb.load(size, depth, index)
}

// BlockTracker returns the (possibly nil) block-depth tracker for a block.
func (lb *LoadBalancer) BlockTracker(size sizeclass.Class, block uint64, b *budget.Budget) (*tracker.Tracker, error) {
	e, err := lb.chargedLoad(size, tracker.DepthBlock, block, b)
	if err != nil {
		return nil, err
	}
	return e.tr, nil
}

// DepthTrackers returns the trackers covering block at all three depths, for
// pricing against this invocation's live view of the index.
func (lb *LoadBalancer) DepthTrackers(size sizeclass.Class, block uint64, b *budget.Budget) ([tracker.NumDepths]*tracker.Tracker, error) {
	var out [tracker.NumDepths]*tracker.Tracker
	for _, d := range []tracker.Depth{tracker.DepthBlock, tracker.DepthGroup, tracker.DepthSupergroup} {
		e, err := lb.chargedLoad(size, d, tracker.IndexAtDepth(block, d), b)
		if err != nil {
			return out, err
		}
		out[d] = e.tr
	}
	return out, nil
}

// Allocate decides which size class to work on next: the affordable class
// whose active pointer is furthest behind, ties going to the larger class.
// Affordable means the budget covers one full task invocation of the class
// plus the iteration overhead while preserving the caller's reserve.
func (lb *LoadBalancer) Allocate(b *budget.Budget, reserve uint64) (sizeclass.Class, bool) {
	best := sizeclass.Small
	found := false
	bestBlock := uint64(math.MaxUint64)
	for _, c := range sizeclass.All() {
		need := c.MaxCompute() + storage.IterationOverhead + storage.CleanupMargin
		if !b.AffordsWithReserve(need, reserve) {
			continue
		}
		if !found || lb.state.ActiveBlock[c] <= bestBlock {
			best = c
			bestBlock = lb.state.ActiveBlock[c]
			found = true
		}
	}
	return best, found
}

// Reallocate is the fallback policy when the current class's queue is
// exhausted mid-execution: fall to the next smaller class, never upward.
// Clean cached trackers are dropped; dirty ones stay pending persistence.
func (lb *LoadBalancer) Reallocate(current sizeclass.Class) (sizeclass.Class, bool) {
	if current == sizeclass.Small {
		return 0, false
	}
	for key, e := range lb.trackers {
		if !e.dirty {
			delete(lb.trackers, key)
		}
	}
	return current - 1, true
}

func startOfNextGroup(block uint64) uint64 {
	return (block/tracker.GroupSize + 1) * tracker.GroupSize
}

// Iterate runs the bitmap-guided search for the next block at or after the
// class's active pointer, up to and including upper, that still holds
// unexecuted work. A clear supergroup bit skips a whole group without any
// storage read; a set bit descends one depth. A block that is nominally
// present but fully drained triggers a roll-up of the summary bits above it.
//
// The search stops early, reporting no result but keeping partial pointer
// progress, once the budget cannot afford another probe while preserving the
// caller's reserve plus the cleanup margin. The caller resumes on a later
// invocation.
func (lb *LoadBalancer) Iterate(size sizeclass.Class, upper uint64, b *budget.Budget, reserve uint64) (uint64, bool, error) {
	p := lb.state.ActiveBlock[size]
	for p <= upper {
		if !b.AffordsWithReserve(storage.IterationStepCost+storage.TrackerLoadCost, reserve+storage.CleanupMargin) {
			metrics.IterationBudgetStops.Inc()
			lb.bumpActive(size, p)
			return 0, false, nil
		}
		if err := b.Charge(storage.IterationStepCost); err != nil {
			return 0, false, err
		}

		sg, err := lb.chargedLoad(size, tracker.DepthSupergroup, tracker.IndexAtDepth(p, tracker.DepthSupergroup), b)
		if err != nil {
			return 0, false, err
		}
		if sg.tr == nil || !sg.tr.Bitmap.Contains(tracker.BitAtDepth(p, tracker.DepthSupergroup)) {
			metrics.IterationSkips.Inc()
			p = startOfNextGroup(p)
			continue
		}

		grp, err := lb.chargedLoad(size, tracker.DepthGroup, tracker.IndexAtDepth(p, tracker.DepthGroup), b)
		if err != nil {
			return 0, false, err
		}
		if grp.tr == nil || !grp.tr.Bitmap.Contains(tracker.BitAtDepth(p, tracker.DepthGroup)) {
			metrics.IterationSkips.Inc()
			p++
			continue
		}

		blk, err := lb.chargedLoad(size, tracker.DepthBlock, p, b)
		if err != nil {
			return 0, false, err
		}
		if blk.tr != nil && blk.tr.Incomplete() > 0 {
			lb.bumpActive(size, p)
			return p, true, nil
		}

		// The summary bit was set but the block is drained: roll the
		// completion up into the coarser bitmaps and move on.
		lb.rollUp(size, p, grp, sg)
		p++
	}
	if p > upper {
		p = upper + 1
	}
	lb.bumpActive(size, p)
	return 0, false, nil
}

// rollUp clears the presence bits describing a drained block, cascading to
// the supergroup once its whole group is clear.
func (lb *LoadBalancer) rollUp(size sizeclass.Class, block uint64, grp, sg *trackerEntry) {
	if grp.tr != nil && grp.tr.Bitmap.Contains(tracker.BitAtDepth(block, tracker.DepthGroup)) {
		grp.tr.Bitmap.Remove(tracker.BitAtDepth(block, tracker.DepthGroup))
		grp.dirty = true
		if grp.tr.Bitmap.IsEmpty() && sg.tr != nil && sg.tr.Bitmap.Contains(tracker.BitAtDepth(block, tracker.DepthSupergroup)) {
			sg.tr.Bitmap.Remove(tracker.BitAtDepth(block, tracker.DepthSupergroup))
			sg.dirty = true
		}
	}
}

// MarkTaskScheduled records one newly scheduled task at block, returning the
// queue position assigned to it. The presence bits at the group and
// supergroup depths are set so Iterate can find the block again.
func (lb *LoadBalancer) MarkTaskScheduled(size sizeclass.Class, block uint64, fee uint64) (uint16, error) {
	blk, err := lb.ensure(size, tracker.DepthBlock, block)
	if err != nil {
		return 0, err
	}
	if blk.tr.TotalTasks >= math.MaxUint16 {
		return 0, status.ResourceExhaustedErrorf("block %d queue for class %s is full", block, size)
	}
	pos := uint16(blk.tr.TotalTasks)

	for _, d := range []tracker.Depth{tracker.DepthBlock, tracker.DepthGroup, tracker.DepthSupergroup} {
		e, err := lb.ensure(size, d, tracker.IndexAtDepth(block, d))
		if err != nil {
			return 0, err
		}
		e.tr.TotalTasks++
		e.tr.FeesCollected += fee
		if d != tracker.DepthBlock {
			e.tr.Bitmap.Add(tracker.BitAtDepth(block, d))
		}
		e.dirty = true
	}
	return pos, nil
}

// MarkTaskExecuted records the completion of the next task in block:
// executed counters and paid fees advance at all three depths, and the
// accumulated delay feeds the depth averages used by pricing.
func (lb *LoadBalancer) MarkTaskExecuted(size sizeclass.Class, block uint64, delayBlocks uint64, feePaid uint64) error {
	for _, d := range []tracker.Depth{tracker.DepthBlock, tracker.DepthGroup, tracker.DepthSupergroup} {
		e, err := lb.ensure(size, d, tracker.IndexAtDepth(block, d))
		if err != nil {
			return err
		}
		if e.tr.ExecutedTasks >= e.tr.TotalTasks {
			return status.InternalErrorf("executed count would exceed total for %s/%s/%d", size, d, tracker.IndexAtDepth(block, d))
		}
		e.tr.ExecutedTasks++
		e.tr.CumulativeDelay += delayBlocks
		e.tr.FeesPaid += feePaid
		e.dirty = true
	}

	// If the block just drained, clear its summary bits.
	blk, err := lb.load(size, tracker.DepthBlock, block)
	if err != nil {
		return err
	}
	if blk.tr.Drained() {
		grp, err := lb.ensure(size, tracker.DepthGroup, tracker.IndexAtDepth(block, tracker.DepthGroup))
		if err != nil {
			return err
		}
		sg, err := lb.ensure(size, tracker.DepthSupergroup, tracker.IndexAtDepth(block, tracker.DepthSupergroup))
		if err != nil {
			return err
		}
		lb.rollUp(size, block, grp, sg)
	}
	return nil
}

// PersistDirty stages every mutated tracker into the batch. Trackers that
// never recorded a task are skipped by the store, so probed-but-empty ranges
// cost no write.
func (lb *LoadBalancer) PersistDirty(batch *pebble.Batch) error {
	for key, e := range lb.trackers {
		if !e.dirty || e.tr == nil {
			continue
		}
		if err := lb.store.SetTracker(batch, key.size, key.depth, key.index, e.tr); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// PersistState stages the active pointers if any of them advanced.
func (lb *LoadBalancer) PersistState(batch *pebble.Batch) error {
	if *lb.state == lb.initial {
		return nil
	}
	return lb.store.SetBalancerState(batch, lb.state)
}
