package stakeledger_test

import (
	"context"
	"testing"

	"github.com/blocksched/blocksched/server/backends/stakeledger"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) taskid.Address {
	var a taskid.Address
	a[0] = b
	return a
}

func openLedger(t *testing.T) *stakeledger.Ledger {
	l, err := stakeledger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDepositBondWithdraw(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	a := addr(1)

	credit, err := l.DepositForCredit(ctx, a, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), credit)

	require.NoError(t, l.BondToPolicy(ctx, a, 30_000))
	bonded, err := l.BondedBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000), bonded)
	free, err := l.FreeBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), free)

	require.NoError(t, l.WithdrawFromBonded(ctx, a, 10_000))
	bonded, err = l.BondedBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), bonded)
}

func TestTransferBonded(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	a, b := addr(1), addr(2)

	_, err := l.DepositForCredit(ctx, a, 10)
	require.NoError(t, err)
	require.NoError(t, l.BondToPolicy(ctx, a, 10_000))

	require.NoError(t, l.TransferBonded(ctx, a, b, 4_000))
	aBal, err := l.BondedBalance(ctx, a)
	require.NoError(t, err)
	bBal, err := l.BondedBalance(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000), aBal)
	assert.Equal(t, uint64(4_000), bBal)
}

func TestInsufficientFundsRejected(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	a, b := addr(1), addr(2)

	err := l.BondToPolicy(ctx, a, 1)
	require.True(t, status.IsFailedPreconditionError(err))
	err = l.TransferBonded(ctx, a, b, 1)
	require.True(t, status.IsFailedPreconditionError(err))
	err = l.WithdrawFromBonded(ctx, a, 1)
	require.True(t, status.IsFailedPreconditionError(err))
}

func TestPreviewConversionRounding(t *testing.T) {
	l := openLedger(t)

	// 1000 credit per native.
	assert.Equal(t, uint64(7_000), l.PreviewConversion(7, true, false))
	assert.Equal(t, uint64(7_000), l.PreviewConversion(7, true, true))

	// Credit back to native loses the sub-unit remainder unless rounded up.
	assert.Equal(t, uint64(6), l.PreviewConversion(6_999, false, false))
	assert.Equal(t, uint64(7), l.PreviewConversion(6_999, false, true))
}
