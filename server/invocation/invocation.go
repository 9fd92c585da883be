// Package invocation carries the per-invocation context threaded through the
// scheduler and executor: the compute budget, the atomic write batch, the
// invocation-scoped load balancer, and the reschedule guard. One Invocation
// exists per top-level call; its batch is applied on success and discarded on
// failure, and the guard is cleared on every exit path.
package invocation

import (
	"github.com/blocksched/blocksched/server/loadbalancer"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/budget"
	"github.com/cockroachdb/pebble"
)

// PendingReschedule records a validated, paid-for reschedule request made by
// the currently executing task, awaiting the executor's splice into the
// target block's queue.
type PendingReschedule struct {
	TargetBlock uint64
	FeePaid     uint64
}

type Invocation struct {
	Height uint64
	Budget *budget.Budget
	Batch  *pebble.Batch
	LB     *loadbalancer.LoadBalancer

	// Proposer is the block proposer to credit with the validator fee share,
	// if one is addressable. Zero folds that share into the protocol share.
	Proposer taskid.Address

	// Reschedule guard. ActiveEnv holds the only environment allowed to
	// request a reschedule right now; it is set for the duration of one shim
	// invocation and cleared afterwards.
	activeEnv taskid.Address
	activeSet bool
	pending   *PendingReschedule
}

// SetActiveTask arms the guard for one shim invocation.
func (inv *Invocation) SetActiveTask(env taskid.Address) {
	inv.activeEnv = env
	inv.activeSet = true
}

// ClearActiveTask disarms the guard. Any unconsumed pending request is
// dropped with it; the executor must splice before clearing.
func (inv *Invocation) ClearActiveTask() {
	inv.activeEnv = taskid.Address{}
	inv.activeSet = false
}

// ActiveTaskIs reports whether env is the environment currently allowed to
// reschedule itself.
func (inv *Invocation) ActiveTaskIs(env taskid.Address) bool {
	return inv.activeSet && inv.activeEnv == env
}

// RecordPending stores the validated reschedule request. At most one is
// honored per shim invocation.
func (inv *Invocation) RecordPending(p *PendingReschedule) bool {
	if inv.pending != nil {
		return false
	}
	inv.pending = p
	return true
}

// TakePending returns and clears the pending reschedule, if any.
func (inv *Invocation) TakePending() *PendingReschedule {
	p := inv.pending
	inv.pending = nil
	return p
}
