// Package interfaces holds interfaces shared across the scheduler so that
// packages can depend on collaborators without importing their
// implementations.
package interfaces

import (
	"context"

	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/budget"
)

// StakeLedger is the external escrow/credit system task payments are drawn
// from and fees are paid into. The core treats it purely as a balance oracle
// and mover; share pricing lives behind this interface.
type StakeLedger interface {
	// DepositForCredit converts a native-currency amount into ledger credit
	// for the account and returns the credit minted.
	DepositForCredit(ctx context.Context, account taskid.Address, amountNative uint64) (uint64, error)

	// BondToPolicy moves free credit into the account's bonded escrow, from
	// which scheduling payments are drawn.
	BondToPolicy(ctx context.Context, account taskid.Address, credit uint64) error

	// WithdrawFromBonded releases bonded credit back to free credit.
	WithdrawFromBonded(ctx context.Context, account taskid.Address, credit uint64) error

	// TransferBonded moves bonded credit between accounts. The scheduler uses
	// it to collect payments into the fee pool; the executor uses it to pay
	// runners, validators, and the protocol yield sink.
	TransferBonded(ctx context.Context, from, to taskid.Address, credit uint64) error

	// BondedBalance returns the account's bonded escrow balance.
	BondedBalance(ctx context.Context, account taskid.Address) (uint64, error)

	// PreviewConversion quotes a credit<->native conversion without moving
	// funds. toCredit selects the direction; roundUp selects the rounding
	// mode.
	PreviewConversion(amount uint64, toCredit bool, roundUp bool) uint64
}

// BlockClock reports the current block height of the surrounding ledger.
type BlockClock interface {
	CurrentHeight() uint64
}

// RescheduleRequester is handed to a running task so it can ask to run again
// at a future block. Requests are honored only for the task currently being
// executed, at most once per invocation. On success it returns the cost
// charged for the new slot.
type RescheduleRequester interface {
	RequestReschedule(ctx context.Context, env taskid.Address, targetBlock, maxPayment uint64) (uint64, error)
}

// TaskInvocation carries everything a task implementation receives when its
// scheduled block comes due.
type TaskInvocation struct {
	Env       taskid.Address
	Owner     taskid.Address
	Payload   []byte
	Height    uint64
	Budget    *budget.Budget
	Scheduler RescheduleRequester
}

// TaskImplementation runs a task's embedded payload. A returned error marks
// the attempt as failed but never halts the batch; the task still consumes
// its slot either way.
type TaskImplementation interface {
	Run(ctx context.Context, inv *TaskInvocation) error
}
