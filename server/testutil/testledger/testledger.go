// Package testledger is an in-memory stake ledger for tests, with hooks to
// inject transfer failures.
package testledger

import (
	"context"
	"testing"

	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/status"
)

const creditPerNative = 1000

type Ledger struct {
	t      testing.TB
	free   map[taskid.Address]uint64
	bonded map[taskid.Address]uint64

	// FailTransfersTo makes any TransferBonded into one of these accounts
	// fail with an Unavailable error.
	FailTransfersTo map[taskid.Address]bool
}

func New(t testing.TB) *Ledger {
	return &Ledger{
		t:               t,
		free:            make(map[taskid.Address]uint64),
		bonded:          make(map[taskid.Address]uint64),
		FailTransfersTo: make(map[taskid.Address]bool),
	}
}

// MintBonded credits an account's bonded balance directly.
func (l *Ledger) MintBonded(account taskid.Address, credit uint64) {
	l.bonded[account] += credit
}

func (l *Ledger) DepositForCredit(ctx context.Context, account taskid.Address, amountNative uint64) (uint64, error) {
	credit := amountNative * creditPerNative
	l.free[account] += credit
	return credit, nil
}

func (l *Ledger) BondToPolicy(ctx context.Context, account taskid.Address, credit uint64) error {
	if l.free[account] < credit {
		return status.FailedPreconditionErrorf("free balance %d cannot cover bond of %d", l.free[account], credit)
	}
	l.free[account] -= credit
	l.bonded[account] += credit
	return nil
}

func (l *Ledger) WithdrawFromBonded(ctx context.Context, account taskid.Address, credit uint64) error {
	if l.bonded[account] < credit {
		return status.FailedPreconditionErrorf("bonded balance %d cannot cover withdrawal of %d", l.bonded[account], credit)
	}
	l.bonded[account] -= credit
	l.free[account] += credit
	return nil
}

func (l *Ledger) TransferBonded(ctx context.Context, from, to taskid.Address, credit uint64) error {
	if l.FailTransfersTo[to] {
		return status.UnavailableErrorf("injected transfer failure to %s", to.Hex())
	}
	if l.bonded[from] < credit {
		return status.FailedPreconditionErrorf("bonded balance %d cannot cover transfer of %d", l.bonded[from], credit)
	}
	l.bonded[from] -= credit
	l.bonded[to] += credit
	return nil
}

func (l *Ledger) BondedBalance(ctx context.Context, account taskid.Address) (uint64, error) {
	return l.bonded[account], nil
}

func (l *Ledger) FreeBalance(account taskid.Address) uint64 {
	return l.free[account]
}

func (l *Ledger) PreviewConversion(amount uint64, toCredit bool, roundUp bool) uint64 {
	if toCredit {
		return amount * creditPerNative
	}
	if roundUp {
		return (amount + creditPerNative - 1) / creditPerNative
	}
	return amount / creditPerNative
}

// TotalBonded sums every bonded balance, for conservation checks.
func (l *Ledger) TotalBonded() uint64 {
	total := uint64(0)
	for _, b := range l.bonded {
		total += b
	}
	return total
}
