// Package scheduler validates scheduling requests, prices them, collects
// payment from the stake ledger, and enqueues the task. It also owns
// cancellation and the delegated cancel-authority registry.
//
// Every mutation is staged into the invocation's batch; the stake ledger is
// the one external system whose moves are immediate, so all validation that
// can reject a request runs before the first fund movement.
package scheduler

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

type Scheduler struct {
	store   *storage.Store
	factory *factory.Factory
	pricer  *pricing.Pricer
	ledger  interfaces.StakeLedger
}

func New(store *storage.Store, f *factory.Factory, pricer *pricing.Pricer, ledger interfaces.StakeLedger) *Scheduler {
	return &Scheduler{
		store:   store,
		factory: f,
		pricer:  pricer,
		ledger:  ledger,
	}
}

// ScheduleRequest describes one scheduling call.
type ScheduleRequest struct {
	Owner          taskid.Address
	Nonce          uint64
	Implementation taskid.Address
	Payload        []byte
	ComputeLimit   uint64
	TargetBlock    uint64

	// MaxPayment caps what the caller is willing to pay. For a direct payment
	// it is also the native amount deposited; for an escrow draw it is a
	// credit cap only.
	MaxPayment    uint64
	PayFromEscrow bool
}

// ScheduleResult reports what a successful Schedule call produced.
type ScheduleResult struct {
	ID   taskid.TaskID
	Env  taskid.Address
	Cost uint64
}

// Schedule validates the request end to end, collects the quoted payment
// into the fee pool, deploys the environment if needed, and appends the task
// to the (size, targetBlock) queue.
func (s *Scheduler) Schedule(ctx context.Context, inv *invocation.Invocation, req *ScheduleRequest) (*ScheduleResult, error) {
	if err := inv.Budget.Charge(storage.TaskOverheadCost); err != nil {
		return nil, err
	}
	class, err := sizeclass.FromComputeLimit(req.ComputeLimit)
	if err != nil {
		return nil, err
	}
	if req.TargetBlock <= inv.Height {
		return nil, status.InvalidArgumentErrorf("target block %d is not in the future (height %d)", req.TargetBlock, inv.Height)
	}
	if req.TargetBlock > inv.Height+tracker.HorizonBlocks {
		return nil, status.InvalidArgumentErrorf("target block %d is beyond the scheduling horizon (%d blocks)", req.TargetBlock, tracker.HorizonBlocks)
	}
	if req.Implementation.IsZero() || !s.factory.HasImplementation(req.Implementation) {
		return nil, status.InvalidArgumentErrorf("no task implementation registered at %s", req.Implementation.Hex())
	}

	env := s.factory.DeriveAddress(req.Owner, req.Nonce, req.Implementation)
	md, err := s.store.GetTaskMetadata(env)
	if err != nil {
		return nil, err
	}
	if md.Exists() {
		return nil, status.AlreadyExistsErrorf("a task already exists for environment %s", env.Hex())
	}

	if err := inv.Budget.Charge(tracker.NumDepths * storage.TrackerLoadCost); err != nil {
		return nil, err
	}
	quote, err := s.pricer.ExecutionQuote(class, req.TargetBlock, inv.Height)
	if err != nil {
		return nil, err
	}
	if quote > req.MaxPayment {
		return nil, status.InvalidArgumentErrorf("quote %d exceeds max payment %d", quote, req.MaxPayment)
	}

	if err := s.collectPayment(ctx, req, quote); err != nil {
		return nil, err
	}

	if _, _, err := s.factory.GetOrCreate(inv.Batch, req.Owner, req.Nonce, req.Implementation, req.Payload); err != nil {
		return nil, err
	}

	pos, err := inv.LB.MarkTaskScheduled(class, req.TargetBlock, quote)
	if err != nil {
		return nil, err
	}
	id := taskid.TaskID{
		Env:       env,
		InitBlock: req.TargetBlock,
		InitIndex: pos,
		Size:      class,
	}
	if err := s.store.SetQueueSlot(inv.Batch, class, req.TargetBlock, pos, id); err != nil {
		return nil, err
	}
	md = &storage.TaskMetadata{
		Owner:     req.Owner,
		Nonce:     req.Nonce,
		Size:      class,
		LiveBlock: req.TargetBlock,
		LivePos:   pos,
	}
	if err := s.store.SetTaskMetadata(inv.Batch, env, md); err != nil {
		return nil, err
	}

	metrics.TasksScheduled.With(prometheus.Labels{metrics.SizeLabel: class.String()}).Inc()
	metrics.FeesCollected.With(prometheus.Labels{metrics.SizeLabel: class.String()}).Add(float64(quote))
	log.CtxInfof(ctx, "Scheduled %s task %s at block %d pos %d for %d credit", class, env.Hex(), req.TargetBlock, pos, quote)

	return &ScheduleResult{ID: id, Env: env, Cost: quote}, nil
}

// collectPayment moves the quoted amount into the fee pool. Sufficiency is
// checked before anything moves; a direct payment deposits the caller's
// native amount, bonds it, pays the quote, and releases the excess back to
// free credit.
func (s *Scheduler) collectPayment(ctx context.Context, req *ScheduleRequest, quote uint64) error {
	if req.PayFromEscrow {
		bal, err := s.ledger.BondedBalance(ctx, req.Owner)
		if err != nil {
			return err
		}
		if bal < quote {
			return status.FailedPreconditionErrorf("bonded balance %d cannot cover quote %d", bal, quote)
		}
		return s.ledger.TransferBonded(ctx, req.Owner, storage.FeePoolAccount, quote)
	}

	if s.ledger.PreviewConversion(req.MaxPayment, true, false) < quote {
		return status.FailedPreconditionErrorf("payment of %d native does not cover quote %d", req.MaxPayment, quote)
	}
	minted, err := s.ledger.DepositForCredit(ctx, req.Owner, req.MaxPayment)
	if err != nil {
		return err
	}
	if err := s.ledger.BondToPolicy(ctx, req.Owner, minted); err != nil {
		return err
	}
	if err := s.ledger.TransferBonded(ctx, req.Owner, storage.FeePoolAccount, quote); err != nil {
		return err
	}
	if excess := minted - quote; excess > 0 {
		return s.ledger.WithdrawFromBonded(ctx, req.Owner, excess)
	}
	return nil
}

// EstimateCost quotes scheduling a task with the given compute limit at
// targetBlock without touching any state.
func (s *Scheduler) EstimateCost(computeLimit, targetBlock, currentHeight uint64) (uint64, error) {
	class, err := sizeclass.FromComputeLimit(computeLimit)
	if err != nil {
		return 0, err
	}
	if targetBlock <= currentHeight || targetBlock > currentHeight+tracker.HorizonBlocks {
		return 0, status.InvalidArgumentErrorf("target block %d is outside the schedulable window at height %d", targetBlock, currentHeight)
	}
	return s.pricer.ExecutionQuote(class, targetBlock, currentHeight)
}

// liveSlot loads a task's current queue entry via its metadata.
func (s *Scheduler) liveSlot(env taskid.Address) (*storage.TaskMetadata, taskid.TaskID, error) {
	md, err := s.store.GetTaskMetadata(env)
	if err != nil {
		return nil, taskid.TaskID{}, err
	}
	if !md.Exists() {
		return nil, taskid.TaskID{}, status.NotFoundErrorf("no task scheduled for environment %s", env.Hex())
	}
	id, found, err := s.store.GetQueueSlot(md.Size, md.LiveBlock, md.LivePos)
	if err != nil {
		return nil, taskid.TaskID{}, err
	}
	if !found {
		return nil, taskid.TaskID{}, status.InternalErrorf("metadata for %s points at empty queue slot (%s, %d, %d)", env.Hex(), md.Size, md.LiveBlock, md.LivePos)
	}
	return md, id, nil
}

// IsTaskExecuted reports whether the task's live queue entry has been
// consumed. The executed-task counter doubles as the queue cursor, so a
// position below it has run (or been skipped as cancelled).
func (s *Scheduler) IsTaskExecuted(env taskid.Address) (bool, error) {
	md, err := s.store.GetTaskMetadata(env)
	if err != nil {
		return false, err
	}
	if !md.Exists() {
		return false, nil
	}
	tr, found, err := s.store.GetTracker(md.Size, tracker.DepthBlock, md.LiveBlock)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return uint32(md.LivePos) < tr.ExecutedTasks, nil
}

// IsTaskCancelled reports whether the task's live queue entry carries the
// cancelled marker.
func (s *Scheduler) IsTaskCancelled(env taskid.Address) (bool, error) {
	md, err := s.store.GetTaskMetadata(env)
	if err != nil {
		return false, err
	}
	if !md.Exists() {
		return false, nil
	}
	id, found, err := s.store.GetQueueSlot(md.Size, md.LiveBlock, md.LivePos)
	if err != nil {
		return false, err
	}
	return found && id.Cancelled, nil
}

// Cancel overwrites the task's live queue slot with a cancelled marker. The
// slot itself is kept: it is consumed (without invoking the shim) when its
// block comes due. Cancelling twice, or after execution, is rejected.
func (s *Scheduler) Cancel(ctx context.Context, inv *invocation.Invocation, env, caller taskid.Address) error {
	if err := inv.Budget.Charge(storage.TaskOverheadCost); err != nil {
		return err
	}
	md, id, err := s.liveSlot(env)
	if err != nil {
		return err
	}
	authorized, err := s.canCancel(md, env, caller)
	if err != nil {
		return err
	}
	if !authorized {
		return status.PermissionDeniedErrorf("%s may not cancel task %s", caller.Hex(), env.Hex())
	}
	tr, found, err := s.store.GetTracker(md.Size, tracker.DepthBlock, md.LiveBlock)
	if err != nil {
		return err
	}
	if found && uint32(md.LivePos) < tr.ExecutedTasks {
		return status.FailedPreconditionErrorf("task %s has already been executed", env.Hex())
	}
	if id.Cancelled {
		return status.FailedPreconditionErrorf("task %s is already cancelled", env.Hex())
	}
	if err := s.store.SetQueueSlot(inv.Batch, md.Size, md.LiveBlock, md.LivePos, id.WithCancelled()); err != nil {
		return err
	}
	metrics.TasksCancelled.With(prometheus.Labels{metrics.SizeLabel: md.Size.String()}).Inc()
	log.CtxInfof(ctx, "Cancelled task %s at block %d pos %d (by %s)", env.Hex(), md.LiveBlock, md.LivePos, caller.Hex())
	return nil
}

func (s *Scheduler) canCancel(md *storage.TaskMetadata, env, caller taskid.Address) (bool, error) {
	if caller == md.Owner {
		return true, nil
	}
	ok, err := s.store.HasCanceller(storage.CancellerScopeTask, env, caller)
	if err != nil || ok {
		return ok, err
	}
	return s.store.HasCanceller(storage.CancellerScopeEnv, env, caller)
}

// AddCanceller grants canceller the right to cancel the owner's task. Task
// scope lapses when the live entry is consumed; environment scope survives
// reschedules. Owners cannot register themselves.
func (s *Scheduler) AddCanceller(ctx context.Context, inv *invocation.Invocation, scope byte, env, caller, canceller taskid.Address) error {
	if _, err := s.requireOwner(env, caller); err != nil {
		return err
	}
	if canceller == caller {
		return status.InvalidArgumentError("the owner already holds cancellation rights")
	}
	if canceller.IsZero() {
		return status.InvalidArgumentError("canceller address must be non-zero")
	}
	return s.store.AddCanceller(inv.Batch, scope, env, canceller)
}

// RemoveCanceller revokes a previously granted cancellation right.
func (s *Scheduler) RemoveCanceller(ctx context.Context, inv *invocation.Invocation, scope byte, env, caller, canceller taskid.Address) error {
	if _, err := s.requireOwner(env, caller); err != nil {
		return err
	}
	return s.store.RemoveCanceller(inv.Batch, scope, env, canceller)
}

func (s *Scheduler) requireOwner(env, caller taskid.Address) (*storage.TaskMetadata, error) {
	md, err := s.store.GetTaskMetadata(env)
	if err != nil {
		return nil, err
	}
	if !md.Exists() {
		return nil, status.NotFoundErrorf("no task scheduled for environment %s", env.Hex())
	}
	if md.Owner != caller {
		return nil, status.PermissionDeniedErrorf("%s does not own task %s", caller.Hex(), env.Hex())
	}
	return md, nil
}
