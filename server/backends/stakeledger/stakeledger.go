// Package stakeledger is a pebble-backed stake ledger. It tracks a free and
// a bonded credit balance per account and converts native currency to credit
// at a fixed configured rate.
//
// Ledger moves take effect immediately, outside any scheduler invocation
// batch, which is why the scheduler validates sufficiency before asking the
// ledger to move anything.
package stakeledger

import (
	"context"
	"encoding/binary"
	"flag"
	"sync"

	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/cockroachdb/pebble"
)

var (
	creditPerNativeNum = flag.Uint64("stake_ledger.credit_per_native_num", 1000, "Numerator of the native-to-credit conversion rate.")
	creditPerNativeDen = flag.Uint64("stake_ledger.credit_per_native_den", 1, "Denominator of the native-to-credit conversion rate.")
)

const (
	freePrefix   = 'f'
	bondedPrefix = 'b'
)

type Ledger struct {
	mu  sync.Mutex
	db  *pebble.DB
	num uint64
	den uint64
}

func Open(dir string) (*Ledger, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, status.UnavailableErrorf("open stake ledger database: %s", err)
	}
	num, den := *creditPerNativeNum, *creditPerNativeDen
	if num == 0 || den == 0 {
		return nil, status.InvalidArgumentError("conversion rate must be non-zero")
	}
	return &Ledger{db: db, num: num, den: den}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func balanceKey(prefix byte, account taskid.Address) []byte {
	key := make([]byte, 1+taskid.AddressSize)
	key[0] = prefix
	copy(key[1:], account[:])
	return key
}

func (l *Ledger) balance(prefix byte, account taskid.Address) (uint64, error) {
	val, closer, err := l.db.Get(balanceKey(prefix, account))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, status.UnavailableErrorf("read balance: %s", err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, status.InternalErrorf("malformed balance record (%d bytes)", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (l *Ledger) setBalance(batch *pebble.Batch, prefix byte, account taskid.Address, credit uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], credit)
	return batch.Set(balanceKey(prefix, account), buf[:], nil)
}

// move shifts credit between two balance columns atomically.
func (l *Ledger) move(fromPrefix byte, from taskid.Address, toPrefix byte, to taskid.Address, credit uint64) error {
	fromBal, err := l.balance(fromPrefix, from)
	if err != nil {
		return err
	}
	if fromBal < credit {
		return status.FailedPreconditionErrorf("balance %d cannot cover move of %d", fromBal, credit)
	}
	toBal, err := l.balance(toPrefix, to)
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := l.setBalance(batch, fromPrefix, from, fromBal-credit); err != nil {
		return err
	}
	if err := l.setBalance(batch, toPrefix, to, toBal+credit); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (l *Ledger) DepositForCredit(ctx context.Context, account taskid.Address, amountNative uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	credit := l.PreviewConversion(amountNative, true, false)
	bal, err := l.balance(freePrefix, account)
	if err != nil {
		return 0, err
	}
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := l.setBalance(batch, freePrefix, account, bal+credit); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, status.UnavailableErrorf("commit deposit: %s", err)
	}
	return credit, nil
}

func (l *Ledger) BondToPolicy(ctx context.Context, account taskid.Address, credit uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(freePrefix, account, bondedPrefix, account, credit)
}

func (l *Ledger) WithdrawFromBonded(ctx context.Context, account taskid.Address, credit uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(bondedPrefix, account, freePrefix, account, credit)
}

func (l *Ledger) TransferBonded(ctx context.Context, from, to taskid.Address, credit uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(bondedPrefix, from, bondedPrefix, to, credit)
}

func (l *Ledger) BondedBalance(ctx context.Context, account taskid.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(bondedPrefix, account)
}

// FreeBalance returns the account's unbonded credit. Not part of the
// StakeLedger interface; used by the HTTP API and tests.
func (l *Ledger) FreeBalance(ctx context.Context, account taskid.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(freePrefix, account)
}

func (l *Ledger) PreviewConversion(amount uint64, toCredit bool, roundUp bool) uint64 {
	num, den := l.num, l.den
	if !toCredit {
		num, den = den, num
	}
	if roundUp {
		return (amount*num + den - 1) / den
	}
	return amount * num / den
}
