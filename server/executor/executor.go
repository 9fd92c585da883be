// Package executor drives batched task execution. One Execute call allocates
// the invocation's compute budget across size classes, pulls due tasks
// through the load balancer's bitmap search, invokes their environments
// under a size-capped child budget, splices in-flight reschedules, and
// distributes the earned fees.
//
// The loop never overruns its budget: every unit of work is preceded by an
// affordability check that preserves the caller's reserve plus a cleanup
// margin, and a budget stop persists whatever partial progress was made.
package executor

import (
	"context"

	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/invocation"
	"github.com/blocksched/blocksched/server/metrics"
	"github.com/blocksched/blocksched/server/pricing"
	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/tracker"
	"github.com/blocksched/blocksched/server/util/log"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/prometheus/client_golang/prometheus"
)

// Fee split in basis points. The runner keeps the remainder; a zero proposer
// folds the validator share into the protocol share.
const (
	validatorShareBps = 500
	protocolShareBps  = 1_500
	bpsDenom          = 10_000
)

type Executor struct {
	store   *storage.Store
	factory *factory.Factory
	ledger  interfaces.StakeLedger
}

func New(store *storage.Store, f *factory.Factory, ledger interfaces.StakeLedger) *Executor {
	return &Executor{store: store, factory: f, ledger: ledger}
}

// run couples one Execute call to its invocation so that an executing task
// can reach back in to request a reschedule.
type run struct {
	e   *Executor
	inv *invocation.Invocation
}

// Execute processes due tasks until the budget runs down to the reserve,
// pays the earned fees out of the fee pool, and returns the runner's share.
// A budget too small to safely run even one Small task is not an error; the
// call simply reports zero earnings.
func (e *Executor) Execute(ctx context.Context, inv *invocation.Invocation, payout taskid.Address, reserve uint64) (uint64, error) {
	minimum := sizeclass.Small.MaxCompute() + storage.IterationOverhead + storage.CleanupMargin
	if !inv.Budget.AffordsWithReserve(minimum, reserve) {
		return 0, nil
	}
	r := &run{e: e, inv: inv}

	feesEarned := uint64(0)
	class, ok := inv.LB.Allocate(inv.Budget, reserve)
	for ok {
		earned, exhausted, err := r.runQueue(ctx, class, reserve)
		feesEarned += earned
		if err != nil {
			return 0, err
		}
		if !exhausted {
			break
		}
		class, ok = inv.LB.Reallocate(class)
	}

	if feesEarned > 0 {
		if err := e.distributeFees(ctx, payout, inv.Proposer, feesEarned); err != nil {
			return 0, err
		}
	}
	if err := inv.LB.PersistDirty(inv.Batch); err != nil {
		return 0, err
	}
	if err := inv.LB.PersistState(inv.Batch); err != nil {
		return 0, err
	}
	metrics.ExecuteBudgetSpent.Observe(float64(inv.Budget.Spent()))
	return runnerShare(feesEarned, inv.Proposer), nil
}

// runQueue drains due tasks of one size class. It returns the fees accrued,
// plus whether the class's queue was exhausted (as opposed to stopping on
// budget), so the caller can decide whether to fall to a smaller class.
func (r *run) runQueue(ctx context.Context, class sizeclass.Class, reserve uint64) (uint64, bool, error) {
	inv := r.inv
	if inv.Height == 0 {
		return 0, true, nil
	}
	// A task never executes in the slot it was scheduled in.
	upper := inv.Height - 1

	earned := uint64(0)
	for {
		need := class.MaxCompute() + storage.TaskOverheadCost + storage.CleanupMargin
		if !inv.Budget.AffordsWithReserve(need, reserve) {
			return earned, false, nil
		}
		block, found, err := inv.LB.Iterate(class, upper, inv.Budget, reserve)
		if err != nil {
			return earned, false, err
		}
		if !found {
			// Iterate reports no result both when the range is drained and
			// when it ran out of budget; the pointer distinguishes the two.
			return earned, inv.LB.ActiveBlock(class) > upper, nil
		}

		payout, err := r.executeNext(ctx, class, block, reserve)
		if err != nil {
			return earned, false, err
		}
		earned += payout
	}
}

// executeNext consumes the next queue entry of block: loads the task id at
// the executed-count cursor, computes the runner reimbursement from
// pre-execution state, invokes the environment unless the entry is
// cancelled, splices a pending reschedule, and marks the slot executed.
func (r *run) executeNext(ctx context.Context, class sizeclass.Class, block uint64, reserve uint64) (uint64, error) {
	inv := r.inv

	blockTr, err := inv.LB.BlockTracker(class, block, inv.Budget)
	if err != nil {
		return 0, err
	}
	pos := uint16(blockTr.ExecutedTasks)

	if err := inv.Budget.Charge(storage.QueueReadCost); err != nil {
		return 0, err
	}
	id, found, err := r.e.store.GetQueueSlot(class, block, pos)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, status.InternalErrorf("tracker reports work at (%s, %d, %d) but the queue slot is empty", class, block, pos)
	}
	if err := inv.Budget.Charge(storage.TaskOverheadCost); err != nil {
		return 0, err
	}

	// Reimbursement reflects pre-execution state, not the task's own effects.
	trs, err := inv.LB.DepthTrackers(class, block, inv.Budget)
	if err != nil {
		return 0, err
	}
	payout := pricing.ReimbursementAmount(pricing.DepthTrackers(trs))
	delay := inv.Height - block

	outcome := "ok"
	if id.Cancelled {
		// A cancelled entry still consumes its slot and pays the runner for
		// processing it; the environment is never invoked.
		outcome = "cancelled"
	} else {
		inv.SetActiveTask(id.Env)
		child := inv.Budget.Fork(class.MaxCompute(), reserve+storage.CleanupMargin)
		tinv := &interfaces.TaskInvocation{
			Height:    inv.Height,
			Budget:    child,
			Scheduler: r,
		}
		runErr := r.e.factory.Invoke(ctx, id.Env, tinv)
		inv.Budget.Release(child)
		pending := inv.TakePending()
		inv.ClearActiveTask()

		if runErr != nil {
			outcome = "failed"
			log.CtxWarningf(ctx, "Task %s failed at block %d: %s", id.Env.Hex(), inv.Height, runErr)
		}

		// Task-scope cancellation rights attach to the consumed entry.
		if err := r.e.store.ClearTaskCancellers(inv.Batch, id.Env); err != nil {
			return 0, err
		}
		if pending != nil {
			if err := r.splice(ctx, class, id, pending); err != nil {
				return 0, err
			}
		}
	}

	if err := inv.LB.MarkTaskExecuted(class, block, delay, payout); err != nil {
		return 0, err
	}
	metrics.TasksExecuted.With(prometheus.Labels{
		metrics.SizeLabel:    class.String(),
		metrics.OutcomeLabel: outcome,
	}).Inc()
	metrics.TaskDelayBlocks.Observe(float64(delay))
	return payout, nil
}

// splice appends the rescheduled task to its paid-for target block. The task
// id keeps its original init coordinates; only the metadata's live slot
// moves.
func (r *run) splice(ctx context.Context, class sizeclass.Class, id taskid.TaskID, p *invocation.PendingReschedule) error {
	inv := r.inv
	newPos, err := inv.LB.MarkTaskScheduled(class, p.TargetBlock, p.FeePaid)
	if err != nil {
		return err
	}
	if err := r.e.store.SetQueueSlot(inv.Batch, class, p.TargetBlock, newPos, id); err != nil {
		return err
	}
	md, err := r.e.store.GetTaskMetadata(id.Env)
	if err != nil {
		return err
	}
	if !md.Exists() {
		return status.InternalErrorf("rescheduling task %s with no metadata", id.Env.Hex())
	}
	md.LiveBlock = p.TargetBlock
	md.LivePos = newPos
	if err := r.e.store.SetTaskMetadata(inv.Batch, id.Env, md); err != nil {
		return err
	}
	log.CtxInfof(ctx, "Rescheduled task %s to block %d pos %d for %d credit", id.Env.Hex(), p.TargetBlock, newPos, p.FeePaid)
	return nil
}

// RequestReschedule implements interfaces.RescheduleRequester for the task
// currently being executed. The request is validated and paid for here, and
// the charged cost is returned to the caller; the executor splices the task
// into the queue after the shim returns.
func (r *run) RequestReschedule(ctx context.Context, env taskid.Address, targetBlock, maxPayment uint64) (uint64, error) {
	inv := r.inv
	if !inv.ActiveTaskIs(env) {
		return 0, status.PermissionDeniedErrorf("%s is not the task currently executing", env.Hex())
	}
	if targetBlock <= inv.Height {
		return 0, status.InvalidArgumentErrorf("target block %d is not in the future (height %d)", targetBlock, inv.Height)
	}
	if targetBlock > inv.Height+tracker.HorizonBlocks {
		return 0, status.InvalidArgumentErrorf("target block %d is beyond the scheduling horizon (%d blocks)", targetBlock, tracker.HorizonBlocks)
	}
	md, err := r.e.store.GetTaskMetadata(env)
	if err != nil {
		return 0, err
	}
	if !md.Exists() {
		return 0, status.InternalErrorf("executing task %s has no metadata", env.Hex())
	}

	trs, err := inv.LB.DepthTrackers(md.Size, targetBlock, inv.Budget)
	if err != nil {
		return 0, err
	}
	quote := pricing.QuoteFromTrackers(pricing.DepthTrackers(trs), targetBlock, inv.Height)
	if quote > maxPayment {
		return 0, status.InvalidArgumentErrorf("quote %d exceeds max payment %d", quote, maxPayment)
	}

	p := &invocation.PendingReschedule{TargetBlock: targetBlock, FeePaid: quote}
	if !inv.RecordPending(p) {
		return 0, status.FailedPreconditionError("a reschedule has already been requested in this invocation")
	}
	bal, err := r.e.ledger.BondedBalance(ctx, md.Owner)
	if err == nil && bal < quote {
		err = status.FailedPreconditionErrorf("bonded balance %d cannot cover quote %d", bal, quote)
	}
	if err == nil {
		err = r.e.ledger.TransferBonded(ctx, md.Owner, storage.FeePoolAccount, quote)
	}
	if err != nil {
		inv.TakePending()
		return 0, err
	}
	metrics.FeesCollected.With(prometheus.Labels{metrics.SizeLabel: md.Size.String()}).Add(float64(quote))
	return quote, nil
}

func runnerShare(total uint64, proposer taskid.Address) uint64 {
	validator, protocol := feeShares(total, proposer)
	return total - validator - protocol
}

func feeShares(total uint64, proposer taskid.Address) (validator, protocol uint64) {
	validator = total * validatorShareBps / bpsDenom
	protocol = total * protocolShareBps / bpsDenom
	if proposer.IsZero() {
		protocol += validator
		validator = 0
	}
	return validator, protocol
}

// distributeFees pays the accrued fees out of the fee pool. Any transfer
// failure is fatal to the whole Execute call: earned fees must not vanish
// silently.
func (e *Executor) distributeFees(ctx context.Context, payout, proposer taskid.Address, total uint64) error {
	validator, protocol := feeShares(total, proposer)
	runner := total - validator - protocol

	if runner > 0 {
		if err := e.ledger.TransferBonded(ctx, storage.FeePoolAccount, payout, runner); err != nil {
			return status.WrapErrorf(err, "pay runner share of %d", runner)
		}
	}
	if validator > 0 {
		if err := e.ledger.TransferBonded(ctx, storage.FeePoolAccount, proposer, validator); err != nil {
			return status.WrapErrorf(err, "pay validator share of %d", validator)
		}
	}
	if protocol > 0 {
		if err := e.ledger.TransferBonded(ctx, storage.FeePoolAccount, storage.ProtocolYieldAccount, protocol); err != nil {
			return status.WrapErrorf(err, "pay protocol share of %d", protocol)
		}
	}
	metrics.FeesPaid.With(prometheus.Labels{metrics.ShareLabel: "runner"}).Add(float64(runner))
	metrics.FeesPaid.With(prometheus.Labels{metrics.ShareLabel: "validator"}).Add(float64(validator))
	metrics.FeesPaid.With(prometheus.Labels{metrics.ShareLabel: "protocol"}).Add(float64(protocol))
	return nil
}
