// Package testenv wires a complete scheduler stack against in-memory test
// backends and a temp-dir store.
package testenv

import (
	"context"
	"testing"

	"github.com/blocksched/blocksched/server/entrypoint"
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/real_environment"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/testutil/testchain"
	"github.com/blocksched/blocksched/server/testutil/testledger"
	"github.com/stretchr/testify/require"
)

// TaskFunc adapts a function to interfaces.TaskImplementation.
type TaskFunc func(ctx context.Context, inv *interfaces.TaskInvocation) error

func (f TaskFunc) Run(ctx context.Context, inv *interfaces.TaskInvocation) error {
	return f(ctx, inv)
}

type Env struct {
	Store   *storage.Store
	Ledger  *testledger.Ledger
	Chain   *testchain.Chain
	Factory *factory.Factory
	Entry   *entrypoint.Entrypoint
}

func New(t testing.TB, startHeight uint64) *Env {
	store, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var salt [32]byte
	copy(salt[:], "testenv-salt")
	f := factory.New(store, salt)
	ledger := testledger.New(t)
	chain := testchain.New(startHeight)

	realEnv := real_environment.NewRealEnv()
	realEnv.SetStore(store)
	realEnv.SetStakeLedger(ledger)
	realEnv.SetBlockClock(chain)
	realEnv.SetFactory(f)

	return &Env{
		Store:   store,
		Ledger:  ledger,
		Chain:   chain,
		Factory: f,
		Entry:   entrypoint.NewFromEnv(realEnv),
	}
}

// Addr builds a test address from one distinguishing byte.
func Addr(b byte) taskid.Address {
	var a taskid.Address
	a[0] = b
	return a
}
