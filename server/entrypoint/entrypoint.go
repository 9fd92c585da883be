// Package entrypoint is the public surface of the scheduler. Every mutating
// operation runs as one invocation: a fresh compute budget, a fresh write
// batch, and an invocation-scoped load balancer are created on entry, and
// the batch is applied atomically on success or discarded wholesale on
// failure. A mutex serializes invocations, which is what makes the
// single-slot reschedule guard sound.
package entrypoint

import (
	"context"
	"sync"

	"github.com/blocksched/blocksched/server/environment"
	"github.com/blocksched/blocksched/server/executor"
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/invocation"
	"github.com/blocksched/blocksched/server/loadbalancer"
	"github.com/blocksched/blocksched/server/pricing"
	"github.com/blocksched/blocksched/server/scheduler"
	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/tracker"
	"github.com/blocksched/blocksched/server/util/budget"
	"github.com/blocksched/blocksched/server/util/log"
	"github.com/blocksched/blocksched/server/util/status"
)

// DefaultScheduleBudget bounds the work a single scheduling or cancellation
// call may do. Scheduling touches a fixed number of trackers and slots, so
// this does not need to scale with queue depth.
const DefaultScheduleBudget = 200_000

type Entrypoint struct {
	store   *storage.Store
	factory *factory.Factory
	pricer  *pricing.Pricer
	sched   *scheduler.Scheduler
	exec    *executor.Executor
	clock   interfaces.BlockClock

	mu sync.Mutex
}

func New(store *storage.Store, f *factory.Factory, ledger interfaces.StakeLedger, clock interfaces.BlockClock) *Entrypoint {
	pricer := pricing.New(store)
	return &Entrypoint{
		store:   store,
		factory: f,
		pricer:  pricer,
		sched:   scheduler.New(store, f, pricer, ledger),
		exec:    executor.New(store, f, ledger),
		clock:   clock,
	}
}

// NewFromEnv builds the entrypoint from a wired environment.
func NewFromEnv(env environment.Env) *Entrypoint {
	return New(env.GetStore(), env.GetFactory(), env.GetStakeLedger(), env.GetBlockClock())
}

// newInvocation builds the per-call context. The caller must finish the
// invocation with finish on every path.
func (e *Entrypoint) newInvocation(budgetLimit uint64, proposer taskid.Address) (*invocation.Invocation, error) {
	lb, err := loadbalancer.New(e.store)
	if err != nil {
		return nil, err
	}
	return &invocation.Invocation{
		Height:   e.clock.CurrentHeight(),
		Budget:   budget.New(budgetLimit),
		Batch:    e.store.NewBatch(),
		LB:       lb,
		Proposer: proposer,
	}, nil
}

// finish applies the invocation's batch if the operation succeeded and
// discards it otherwise. Nothing below the entrypoint ever commits.
func (e *Entrypoint) finish(inv *invocation.Invocation, opErr error) error {
	if opErr != nil {
		inv.Batch.Close()
		return opErr
	}
	return e.store.Apply(inv.Batch)
}

// ScheduleTask schedules a new task paid for directly in native currency.
// req.PayFromEscrow is overridden; use ScheduleWithEscrow to draw down
// prepaid escrow instead.
func (e *Entrypoint) ScheduleTask(ctx context.Context, req *scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error) {
	req.PayFromEscrow = false
	return e.schedule(ctx, req)
}

// ScheduleWithEscrow schedules a new task paid from the owner's bonded
// escrow balance.
func (e *Entrypoint) ScheduleWithEscrow(ctx context.Context, req *scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error) {
	req.PayFromEscrow = true
	return e.schedule(ctx, req)
}

func (e *Entrypoint) schedule(ctx context.Context, req *scheduler.ScheduleRequest) (*scheduler.ScheduleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, err := e.newInvocation(DefaultScheduleBudget, taskid.Address{})
	if err != nil {
		return nil, err
	}
	ctx = log.EnrichContext(ctx, log.InvocationIDKey, "schedule")
	res, err := e.sched.Schedule(ctx, inv, req)
	if err == nil {
		err = inv.LB.PersistDirty(inv.Batch)
	}
	if err := e.finish(inv, err); err != nil {
		return nil, err
	}
	return res, nil
}

// RescheduleTask exists to give the reschedule operation an addressable
// public name. Rescheduling is only available to the task currently being
// executed, through the handle passed into its invocation, so any direct
// call here is by definition from outside an execution.
func (e *Entrypoint) RescheduleTask(ctx context.Context, env taskid.Address, targetBlock, maxPayment uint64) error {
	return status.FailedPreconditionError("rescheduling is only available to the task currently being executed")
}

// CancelTask marks the task's live queue entry cancelled. caller must be
// the owner or hold a delegated cancellation right.
func (e *Entrypoint) CancelTask(ctx context.Context, env, caller taskid.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, err := e.newInvocation(DefaultScheduleBudget, taskid.Address{})
	if err != nil {
		return err
	}
	return e.finish(inv, e.sched.Cancel(ctx, inv, env, caller))
}

// ExecuteRequest parameterizes one ExecuteTasks call.
type ExecuteRequest struct {
	// Payout receives the runner's share of the earned fees.
	Payout taskid.Address
	// Proposer receives the validator share; zero folds it into the
	// protocol share.
	Proposer taskid.Address
	// Reserve is budget the caller wants left untouched.
	Reserve uint64
	// BudgetLimit is the total compute this call may consume.
	BudgetLimit uint64
}

// ExecuteTasks runs due tasks until the budget is exhausted and returns the
// fees earned by the runner.
func (e *Entrypoint) ExecuteTasks(ctx context.Context, req *ExecuteRequest) (uint64, error) {
	if req.Payout.IsZero() {
		return 0, status.InvalidArgumentError("payout address must be non-zero")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, err := e.newInvocation(req.BudgetLimit, req.Proposer)
	if err != nil {
		return 0, err
	}
	ctx = log.EnrichContext(ctx, log.InvocationIDKey, "execute")
	earned, err := e.exec.Execute(ctx, inv, req.Payout, req.Reserve)
	if err := e.finish(inv, err); err != nil {
		return 0, err
	}
	return earned, nil
}

// EstimateCost quotes scheduling a task with the given compute limit at
// targetBlock. Read-only.
func (e *Entrypoint) EstimateCost(ctx context.Context, computeLimit, targetBlock uint64) (uint64, error) {
	return e.sched.EstimateCost(computeLimit, targetBlock, e.clock.CurrentHeight())
}

// IsTaskExecuted reports whether the task's live entry has been consumed.
// Read-only.
func (e *Entrypoint) IsTaskExecuted(ctx context.Context, env taskid.Address) (bool, error) {
	return e.sched.IsTaskExecuted(env)
}

// IsTaskCancelled reports whether the task's live entry carries the
// cancelled marker. Read-only.
func (e *Entrypoint) IsTaskCancelled(ctx context.Context, env taskid.Address) (bool, error) {
	return e.sched.IsTaskCancelled(env)
}

// GetNextExecutionBlockInRange returns the lowest block within lookahead
// blocks of the current height that still holds unexecuted work in any size
// class, or zero if there is none. Read-only: the search runs on a
// throwaway load balancer whose pointer movement is never persisted.
func (e *Entrypoint) GetNextExecutionBlockInRange(ctx context.Context, lookahead uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	upper := e.clock.CurrentHeight() + lookahead
	best := uint64(0)
	for _, class := range sizeclass.All() {
		lb, err := loadbalancer.New(e.store)
		if err != nil {
			return 0, err
		}
		// The persisted pointer can lag far behind the current height when
		// no execute call has run recently, so the search budget is sized
		// from the pointer-to-upper distance, not from the lookahead alone.
		span := uint64(1)
		if start := lb.ActiveBlock(class); start <= upper {
			span = upper - start + 1
		}
		b := budget.New(span*(storage.IterationStepCost+tracker.NumDepths*storage.TrackerLoadCost) + storage.CleanupMargin)
		block, found, err := lb.Iterate(class, upper, b, 0)
		if err != nil {
			return 0, err
		}
		if found && (best == 0 || block < best) {
			best = block
		}
	}
	return best, nil
}

// AddTaskCanceller grants a cancellation right scoped to the task's current
// queue entry; it lapses once that entry is consumed.
func (e *Entrypoint) AddTaskCanceller(ctx context.Context, env, caller, canceller taskid.Address) error {
	return e.cancellerOp(ctx, storage.CancellerScopeTask, env, caller, canceller, true)
}

// AddEnvironmentCanceller grants a cancellation right that survives
// rescheduling.
func (e *Entrypoint) AddEnvironmentCanceller(ctx context.Context, env, caller, canceller taskid.Address) error {
	return e.cancellerOp(ctx, storage.CancellerScopeEnv, env, caller, canceller, true)
}

// RemoveTaskCanceller revokes a task-scoped cancellation right.
func (e *Entrypoint) RemoveTaskCanceller(ctx context.Context, env, caller, canceller taskid.Address) error {
	return e.cancellerOp(ctx, storage.CancellerScopeTask, env, caller, canceller, false)
}

// RemoveEnvironmentCanceller revokes an environment-scoped cancellation
// right.
func (e *Entrypoint) RemoveEnvironmentCanceller(ctx context.Context, env, caller, canceller taskid.Address) error {
	return e.cancellerOp(ctx, storage.CancellerScopeEnv, env, caller, canceller, false)
}

func (e *Entrypoint) cancellerOp(ctx context.Context, scope byte, env, caller, canceller taskid.Address, add bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv, err := e.newInvocation(DefaultScheduleBudget, taskid.Address{})
	if err != nil {
		return err
	}
	if add {
		err = e.sched.AddCanceller(ctx, inv, scope, env, caller, canceller)
	} else {
		err = e.sched.RemoveCanceller(ctx, inv, scope, env, caller, canceller)
	}
	return e.finish(inv, err)
}
