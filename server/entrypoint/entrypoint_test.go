package entrypoint_test

import (
	"context"
	"testing"

	"github.com/blocksched/blocksched/server/entrypoint"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/scheduler"
	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/testutil/testenv"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const executeBudget = 50_000_000

var (
	owner  = testenv.Addr(0x01)
	runner = testenv.Addr(0x02)
)

func registerTask(env *testenv.Env, implByte byte, fn testenv.TaskFunc) taskid.Address {
	impl := testenv.Addr(implByte)
	env.Factory.RegisterImplementation(impl, fn)
	return impl
}

func scheduleTask(t *testing.T, env *testenv.Env, impl taskid.Address, nonce, targetBlock uint64) *scheduler.ScheduleResult {
	t.Helper()
	env.Ledger.MintBonded(owner, 1_000_000)
	res, err := env.Entry.ScheduleWithEscrow(context.Background(), &scheduler.ScheduleRequest{
		Owner:          owner,
		Nonce:          nonce,
		Implementation: impl,
		Payload:        []byte("payload"),
		ComputeLimit:   100_000,
		TargetBlock:    targetBlock,
		MaxPayment:     1_000_000,
	})
	require.NoError(t, err)
	return res
}

func executeAll(t *testing.T, env *testenv.Env) uint64 {
	t.Helper()
	earned, err := env.Entry.ExecuteTasks(context.Background(), &entrypoint.ExecuteRequest{
		Payout:      runner,
		BudgetLimit: executeBudget,
	})
	require.NoError(t, err)
	return earned
}

func TestScheduleExecuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	ran := false
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		ran = true
		return nil
	})

	res := scheduleTask(t, env, impl, 1, 102)
	assert.Greater(t, res.Cost, uint64(0))
	assert.Equal(t, uint64(102), res.ID.InitBlock)
	assert.Equal(t, sizeclass.Small, res.ID.Size)

	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.False(t, executed)

	env.Chain.Advance(3)
	earned := executeAll(t, env)
	assert.Greater(t, earned, uint64(0))
	assert.True(t, ran)

	executed, err = env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.True(t, executed)

	// The runner's share landed in its bonded balance.
	bal, err := env.Ledger.BondedBalance(ctx, runner)
	require.NoError(t, err)
	assert.Equal(t, earned, bal)
}

func TestExecuteAcrossGroupAndSupergroupBoundaries(t *testing.T) {
	// Start just below a supergroup boundary so the far task crosses it.
	start := uint64(16_300)
	env := testenv.New(t, start)
	runs := 0
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		runs++
		return nil
	})

	blocks := []uint64{start + 2, start + 130, start + 258, start + 300}
	for i, b := range blocks {
		scheduleTask(t, env, impl, uint64(i+1), b)
	}

	env.Chain.SetHeight(blocks[3] + 2)
	earned := executeAll(t, env)
	assert.Greater(t, earned, uint64(0))
	assert.Equal(t, 4, runs)

	state, err := env.Store.GetBalancerState()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.ActiveBlock[sizeclass.Small], blocks[3])
}

func TestFailingTaskStillConsumesSlotAndPays(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	sideEffect := false
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return status.InternalError("shim failure before any effect")
	})

	res := scheduleTask(t, env, impl, 1, 102)
	env.Chain.Advance(3)
	earned := executeAll(t, env)

	assert.Greater(t, earned, uint64(0))
	assert.False(t, sideEffect)
	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestRescheduleInPlace(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	var rescheduleErr, secondErr, foreignErr error
	rescheduleCost := uint64(0)
	runs := 0
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		runs++
		if runs > 1 {
			return nil
		}
		rescheduleCost, rescheduleErr = inv.Scheduler.RequestReschedule(ctx, inv.Env, inv.Height+6, 1_000_000)
		_, secondErr = inv.Scheduler.RequestReschedule(ctx, inv.Env, inv.Height+7, 1_000_000)
		_, foreignErr = inv.Scheduler.RequestReschedule(ctx, testenv.Addr(0x77), inv.Height+6, 1_000_000)
		return nil
	})

	res := scheduleTask(t, env, impl, 1, 102)
	env.Chain.SetHeight(103)
	executeAll(t, env)
	require.NoError(t, rescheduleErr)
	assert.Greater(t, rescheduleCost, uint64(0))
	require.True(t, status.IsFailedPreconditionError(secondErr))
	require.True(t, status.IsPermissionDeniedError(foreignErr))
	assert.Equal(t, 1, runs)

	// The spliced entry keeps the original init coordinates; only the live
	// slot moves to the paid-for block.
	id, found, err := env.Store.GetQueueSlot(sizeclass.Small, 109, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.ID.InitBlock, id.InitBlock)
	assert.Equal(t, res.ID.InitIndex, id.InitIndex)
	assert.Equal(t, res.Env, id.Env)

	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.False(t, executed)

	env.Chain.SetHeight(110)
	executeAll(t, env)
	assert.Equal(t, 2, runs)
	executed, err = env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestCancelledTaskConsumesSlotWithoutRunning(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	ran := false
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		ran = true
		return nil
	})

	res := scheduleTask(t, env, impl, 1, 102)
	require.NoError(t, env.Entry.CancelTask(ctx, res.Env, owner))
	cancelled, err := env.Entry.IsTaskCancelled(ctx, res.Env)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Re-cancelling reverts.
	err = env.Entry.CancelTask(ctx, res.Env, owner)
	require.True(t, status.IsFailedPreconditionError(err))

	env.Chain.Advance(3)
	earned := executeAll(t, env)
	assert.Greater(t, earned, uint64(0))
	assert.False(t, ran)

	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.True(t, executed)

	// Cancelling after execution reverts too.
	err = env.Entry.CancelTask(ctx, res.Env, owner)
	require.True(t, status.IsFailedPreconditionError(err))
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	res := scheduleTask(t, env, impl, 1, 102)

	stranger := testenv.Addr(0x55)
	err := env.Entry.CancelTask(ctx, res.Env, stranger)
	require.True(t, status.IsPermissionDeniedError(err))

	// The owner cannot register itself as a canceller.
	err = env.Entry.AddTaskCanceller(ctx, res.Env, owner, owner)
	require.True(t, status.IsInvalidArgumentError(err))

	// A delegated canceller can cancel.
	require.NoError(t, env.Entry.AddTaskCanceller(ctx, res.Env, owner, stranger))
	require.NoError(t, env.Entry.CancelTask(ctx, res.Env, stranger))
}

func TestEnvironmentCancellerSurvivesReschedule(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	runs := 0
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		runs++
		if runs == 1 {
			_, err := inv.Scheduler.RequestReschedule(ctx, inv.Env, inv.Height+6, 1_000_000)
			return err
		}
		return nil
	})
	res := scheduleTask(t, env, impl, 1, 102)

	delegate := testenv.Addr(0x55)
	require.NoError(t, env.Entry.AddEnvironmentCanceller(ctx, res.Env, owner, delegate))

	env.Chain.SetHeight(103)
	executeAll(t, env)
	require.Equal(t, 1, runs)

	// Task-scope rights would have lapsed with the consumed entry; the
	// environment-scope right still authorizes cancellation of the
	// rescheduled entry.
	require.NoError(t, env.Entry.CancelTask(ctx, res.Env, delegate))
}

func TestScheduleValidation(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	env.Ledger.MintBonded(owner, 10_000_000)

	base := func() *scheduler.ScheduleRequest {
		return &scheduler.ScheduleRequest{
			Owner:          owner,
			Nonce:          1,
			Implementation: impl,
			Payload:        []byte("p"),
			ComputeLimit:   100_000,
			TargetBlock:    102,
			MaxPayment:     1_000_000,
		}
	}

	req := base()
	req.TargetBlock = 100
	_, err := env.Entry.ScheduleWithEscrow(ctx, req)
	require.True(t, status.IsInvalidArgumentError(err))

	req = base()
	req.TargetBlock = 100 + 128*128*128 + 1
	_, err = env.Entry.ScheduleWithEscrow(ctx, req)
	require.True(t, status.IsInvalidArgumentError(err))

	req = base()
	req.ComputeLimit = 10_000_000
	_, err = env.Entry.ScheduleWithEscrow(ctx, req)
	require.True(t, status.IsOutOfRangeError(err))

	req = base()
	req.Implementation = testenv.Addr(0x99)
	_, err = env.Entry.ScheduleWithEscrow(ctx, req)
	require.True(t, status.IsInvalidArgumentError(err))

	req = base()
	req.MaxPayment = 1
	_, err = env.Entry.ScheduleWithEscrow(ctx, req)
	require.True(t, status.IsInvalidArgumentError(err))

	// A valid request succeeds exactly once per (owner, nonce, impl).
	_, err = env.Entry.ScheduleWithEscrow(ctx, base())
	require.NoError(t, err)
	_, err = env.Entry.ScheduleWithEscrow(ctx, base())
	require.True(t, status.IsAlreadyExistsError(err))
}

func TestDirectPaymentRefundsExcess(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})

	// 100 native mints 100_000 credit; the quote is far below that.
	res, err := env.Entry.ScheduleTask(ctx, &scheduler.ScheduleRequest{
		Owner:          owner,
		Nonce:          1,
		Implementation: impl,
		Payload:        []byte("p"),
		ComputeLimit:   100_000,
		TargetBlock:    102,
		MaxPayment:     100,
	})
	require.NoError(t, err)

	pool, err := env.Ledger.BondedBalance(ctx, storage.FeePoolAccount)
	require.NoError(t, err)
	assert.Equal(t, res.Cost, pool)
	assert.Equal(t, 100_000-res.Cost, env.Ledger.FreeBalance(owner))
}

func TestInsufficientEscrowRejectedBeforeAnyMove(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	env.Ledger.MintBonded(owner, 10)

	_, err := env.Entry.ScheduleWithEscrow(ctx, &scheduler.ScheduleRequest{
		Owner:          owner,
		Nonce:          1,
		Implementation: impl,
		Payload:        []byte("p"),
		ComputeLimit:   100_000,
		TargetBlock:    102,
		MaxPayment:     1_000_000,
	})
	require.True(t, status.IsFailedPreconditionError(err))
	bal, err := env.Ledger.BondedBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal)
}

func TestPayoutFailureAbortsExecute(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	res := scheduleTask(t, env, impl, 1, 102)

	env.Ledger.FailTransfersTo[storage.ProtocolYieldAccount] = true
	env.Chain.Advance(3)
	_, err := env.Entry.ExecuteTasks(ctx, &entrypoint.ExecuteRequest{
		Payout:      runner,
		BudgetLimit: executeBudget,
	})
	require.Error(t, err)

	// The whole batch was discarded: the task is still pending.
	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.False(t, executed)
}

func TestFeeConservation(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	res := scheduleTask(t, env, impl, 1, 102)
	totalBefore := env.Ledger.TotalBonded()

	env.Chain.Advance(3)
	earned := executeAll(t, env)
	assert.Equal(t, totalBefore, env.Ledger.TotalBonded())

	// The fee split is exhaustive: runner plus protocol shares account for
	// the whole payout.
	protocol, err := env.Ledger.BondedBalance(ctx, storage.ProtocolYieldAccount)
	require.NoError(t, err)
	pool, err := env.Ledger.BondedBalance(ctx, storage.FeePoolAccount)
	require.NoError(t, err)
	assert.Equal(t, res.Cost, earned+protocol+pool)
}

func TestProposerReceivesValidatorShare(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	scheduleTask(t, env, impl, 1, 102)

	proposer := testenv.Addr(0x44)
	env.Chain.Advance(3)
	_, err := env.Entry.ExecuteTasks(ctx, &entrypoint.ExecuteRequest{
		Payout:      runner,
		Proposer:    proposer,
		BudgetLimit: executeBudget,
	})
	require.NoError(t, err)
	bal, err := env.Ledger.BondedBalance(ctx, proposer)
	require.NoError(t, err)
	assert.Greater(t, bal, uint64(0))
}

func TestExecuteWithTinyBudgetIsANoOp(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	res := scheduleTask(t, env, impl, 1, 102)

	env.Chain.Advance(3)
	earned, err := env.Entry.ExecuteTasks(ctx, &entrypoint.ExecuteRequest{
		Payout:      runner,
		BudgetLimit: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), earned)
	executed, err := env.Entry.IsTaskExecuted(ctx, res.Env)
	require.NoError(t, err)
	assert.False(t, executed)
}

func TestEstimateCostAndNextBlockViews(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})

	cost, err := env.Entry.EstimateCost(ctx, 100_000, 110)
	require.NoError(t, err)
	assert.Greater(t, cost, uint64(0))

	block, err := env.Entry.GetNextExecutionBlockInRange(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), block)

	scheduleTask(t, env, impl, 1, 110)
	block, err = env.Entry.GetNextExecutionBlockInRange(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), block)
}

func TestNextBlockViewSearchesFromLaggingPointer(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t, 100)
	impl := registerTask(env, 0xA0, func(ctx context.Context, inv *interfaces.TaskInvocation) error {
		return nil
	})
	scheduleTask(t, env, impl, 1, 150)

	// No execute call has run, so the persisted pointer still sits at zero
	// while the chain height has moved far past the scheduled block. The
	// view must cover the whole pointer-to-upper distance.
	env.Chain.SetHeight(90_000)
	block, err := env.Entry.GetNextExecutionBlockInRange(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), block)
}

func TestRescheduleOutsideExecutionRejected(t *testing.T) {
	env := testenv.New(t, 100)
	err := env.Entry.RescheduleTask(context.Background(), testenv.Addr(0x11), 110, 1_000_000)
	require.True(t, status.IsFailedPreconditionError(err))
}
