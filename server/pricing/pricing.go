// Package pricing computes scheduling quotes and per-task runner
// reimbursement from the hierarchical metrics index. Quotes blend the
// period-normalized unpaid-fee averages of the three depths, clamp thin-data
// outliers back to a floor-fee baseline, and apply congestion and
// forecast-distance multipliers. All divisions round up for quotes (the
// scheduler never underpays) and down for reimbursement (the runner never
// over-claims against the pool).
package pricing

import (
	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/tracker"
)

// Fee-model constants. The multiplier and ceiling shapes are load-bearing;
// the specific values are provisional pending a finalized fee model.
const (
	// FloorFee is the baseline per-task fee in credit. Depth averages that
	// deviate from it by more than clampRatio in either direction are pulled
	// back to it, protecting quotes against thin-data distortion.
	FloorFee   = 10_000
	clampRatio = 4

	// Depth blending weights, block:group:supergroup.
	weightBlock      = 64
	weightGroup      = 16
	weightSupergroup = 4
	weightTotal      = weightBlock + weightGroup + weightSupergroup

	bpsDenom = 10_000
	// Each incomplete task already queued at the target block raises the
	// quote by this many basis points.
	congestionBpsPerTask = 250
	// Each whole group of blocks between now and the target raises the quote
	// by this many basis points: further-out schedules cost more.
	forecastBpsPerGroup = 100

	// Reimbursement for one task may not exceed roughly
	// avgBlockFee*(incomplete+2)/3 while siblings remain in the block, so an
	// early task cannot drain funds meant to cover the rest.
	siblingCeilingNum   = 2
	siblingCeilingDenom = 3
)

// DepthTrackers holds the trackers covering one block at each depth. Entries
// may be nil when no tracker has been recorded for the range.
type DepthTrackers [tracker.NumDepths]*tracker.Tracker

type Pricer struct {
	store *storage.Store
}

func New(store *storage.Store) *Pricer {
	return &Pricer{store: store}
}

func divCeil(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func divFloor(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// depthAverage returns the period-normalized unpaid fee per incomplete task
// for one tracker, clamped to the floor-fee baseline when it strays too far
// from it.
func depthAverage(tr *tracker.Tracker, roundUp bool) uint64 {
	unpaid := tr.UnpaidFees()
	incomplete := uint64(tr.Incomplete())
	if incomplete == 0 {
		incomplete = 1
	}
	var avg uint64
	if roundUp {
		avg = divCeil(unpaid, incomplete)
	} else {
		avg = divFloor(unpaid, incomplete)
	}
	if avg > FloorFee*clampRatio || avg*clampRatio < FloorFee {
		return FloorFee
	}
	return avg
}

// blend combines the three depth averages with the fixed 64:16:4 weighting.
func blend(trs DepthTrackers, roundUp bool) uint64 {
	weighted := weightBlock*depthAverage(trs[tracker.DepthBlock], roundUp) +
		weightGroup*depthAverage(trs[tracker.DepthGroup], roundUp) +
		weightSupergroup*depthAverage(trs[tracker.DepthSupergroup], roundUp)
	if roundUp {
		return divCeil(weighted, weightTotal)
	}
	return divFloor(weighted, weightTotal)
}

// ForecastTrackers loads the trackers covering block at all three depths
// without mutating storage. Missing trackers come back nil.
func (p *Pricer) ForecastTrackers(size sizeclass.Class, block uint64) (DepthTrackers, error) {
	var trs DepthTrackers
	for _, d := range []tracker.Depth{tracker.DepthBlock, tracker.DepthGroup, tracker.DepthSupergroup} {
		tr, found, err := p.store.GetTracker(size, d, tracker.IndexAtDepth(block, d))
		if err != nil {
			return DepthTrackers{}, err
		}
		if found {
			trs[d] = tr
		}
	}
	return trs, nil
}

// ExecutionQuote prices scheduling one task of the given size at targetBlock,
// as seen from currentBlock.
func (p *Pricer) ExecutionQuote(size sizeclass.Class, targetBlock, currentBlock uint64) (uint64, error) {
	trs, err := p.ForecastTrackers(size, targetBlock)
	if err != nil {
		return 0, err
	}
	return QuoteFromTrackers(trs, targetBlock, currentBlock), nil
}

// QuoteFromTrackers is the pure pricing function behind ExecutionQuote.
func QuoteFromTrackers(trs DepthTrackers, targetBlock, currentBlock uint64) uint64 {
	rate := blend(trs, true)

	congestionBps := uint64(bpsDenom)
	congestionBps += uint64(trs[tracker.DepthBlock].Incomplete()) * congestionBpsPerTask

	forecastBps := uint64(bpsDenom)
	if targetBlock > currentBlock {
		forecastBps += (targetBlock - currentBlock) / tracker.GroupSize * forecastBpsPerGroup
	}

	rate = divCeil(rate*congestionBps, bpsDenom)
	return divCeil(rate*forecastBps, bpsDenom)
}

// ReimbursementAmount computes the payout for executing the next task of the
// block described by trs, from pre-execution state. The payout tracks the
// blended rate but is ceilinged while the block still holds sibling tasks and
// is always bounded by the block's unpaid pool.
func ReimbursementAmount(trs DepthTrackers) uint64 {
	payout := blend(trs, false)

	blockTr := trs[tracker.DepthBlock]
	incomplete := uint64(blockTr.Incomplete())
	if incomplete > 1 {
		avgBlock := depthAverage(blockTr, false)
		ceiling := divFloor(avgBlock*(incomplete+siblingCeilingNum), siblingCeilingDenom)
		if payout > ceiling {
			payout = ceiling
		}
	}
	if unpaid := blockTr.UnpaidFees(); payout > unpaid {
		payout = unpaid
	}
	return payout
}
