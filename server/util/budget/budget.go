// Package budget implements the explicit compute budget threaded through all
// scheduling, iteration, and execution code. Every loop that does metered
// work must check affordability before each unit of work and stop cleanly,
// persisting partial progress, once the remaining allowance drops below the
// caller's safety margin.
package budget

import (
	"github.com/blocksched/blocksched/server/util/status"
)

// Budget is a strictly decreasing compute allowance. It is not safe for
// concurrent use; invocations are sequential by construction.
type Budget struct {
	remaining uint64
	spent     uint64
}

func New(limit uint64) *Budget {
	return &Budget{remaining: limit}
}

// Remaining returns the compute still available.
func (b *Budget) Remaining() uint64 {
	return b.remaining
}

// Spent returns the compute consumed so far.
func (b *Budget) Spent() uint64 {
	return b.spent
}

// Affords reports whether cost can be charged without going negative.
func (b *Budget) Affords(cost uint64) bool {
	return b.remaining >= cost
}

// AffordsWithReserve reports whether cost can be charged while still leaving
// at least reserve unspent.
func (b *Budget) AffordsWithReserve(cost, reserve uint64) bool {
	return b.remaining >= reserve && b.remaining-reserve >= cost
}

// Charge consumes cost from the budget. It is an error to charge more than
// remains; callers are expected to have checked Affords first.
func (b *Budget) Charge(cost uint64) error {
	if cost > b.remaining {
		return status.ResourceExhaustedErrorf("budget overrun: charge of %d exceeds remaining %d", cost, b.remaining)
	}
	b.remaining -= cost
	b.spent += cost
	return nil
}

// Fork carves a child budget of at most limit out of this budget, leaving at
// least reserve behind. The child must be merged back with Release once the
// sub-operation finishes; unspent child allowance is returned to the parent.
func (b *Budget) Fork(limit, reserve uint64) *Budget {
	avail := uint64(0)
	if b.remaining > reserve {
		avail = b.remaining - reserve
	}
	if limit > avail {
		limit = avail
	}
	b.remaining -= limit
	return &Budget{remaining: limit}
}

// Release returns a forked child's unspent allowance to the parent and
// records what the child consumed.
func (b *Budget) Release(child *Budget) {
	b.remaining += child.remaining
	b.spent += child.spent
	child.remaining = 0
}
