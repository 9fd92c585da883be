package executor_test

import (
	"context"
	"testing"

	"github.com/blocksched/blocksched/server/executor"
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/invocation"
	"github.com/blocksched/blocksched/server/loadbalancer"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/testutil/testledger"
	"github.com/blocksched/blocksched/server/util/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInvocation(t *testing.T, store *storage.Store, height, limit uint64) *invocation.Invocation {
	t.Helper()
	lb, err := loadbalancer.New(store)
	require.NoError(t, err)
	return &invocation.Invocation{
		Height: height,
		Budget: budget.New(limit),
		Batch:  store.NewBatch(),
		LB:     lb,
	}
}

// A long sparse search over an empty queue must stall at the caller's
// reserve instead of burning through it one group probe at a time.
func TestExecutePreservesCallerReserveOnEmptyQueue(t *testing.T) {
	store, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ledger := testledger.New(t)
	f := factory.New(store, [32]byte{})
	e := executor.New(store, f, ledger)

	reserve := uint64(10_000_000)
	inv := newInvocation(t, store, 4_000_000, reserve+590_000)
	payout := taskid.Address{0: 0x02}

	earned, err := e.Execute(context.Background(), inv, payout, reserve)
	require.NoError(t, err)
	assert.Zero(t, earned)
	assert.GreaterOrEqual(t, inv.Budget.Remaining(), reserve)
	require.NoError(t, store.Apply(inv.Batch))
}

func TestExecuteBelowMinimumIsANoOp(t *testing.T) {
	store, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ledger := testledger.New(t)
	f := factory.New(store, [32]byte{})
	e := executor.New(store, f, ledger)

	inv := newInvocation(t, store, 1_000, 100_000)
	earned, err := e.Execute(context.Background(), inv, taskid.Address{0: 0x02}, 0)
	require.NoError(t, err)
	assert.Zero(t, earned)
	assert.Zero(t, inv.Budget.Spent())
	require.NoError(t, store.Apply(inv.Batch))
}
