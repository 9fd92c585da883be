// Package jsshim is a task implementation that treats the environment payload
// as a JavaScript program and runs it in an embedded interpreter. A fresh VM
// is built per invocation so payloads cannot leak state between blocks.
//
// The program sees a single host object named "task":
//
//	task.env        hex address of the executing environment
//	task.owner      hex address of the task owner
//	task.height     block height the task is being executed at
//	task.log(...)   write structured log lines tagged with the environment
//	task.charge(n)  spend n compute units from the task budget
//	task.remaining()  compute units left in the task budget
//	task.reschedule(block, maxPayment)  request one follow-up run; returns the charged cost
package jsshim

import (
	"context"
	"fmt"

	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/log"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/dop251/goja"
)

// InvocationBaseCost is charged before the payload runs. It covers VM
// construction and payload compilation, which the interpreter cannot meter
// itself.
const InvocationBaseCost = 20_000

// ImplementationAddress is the well-known address the JavaScript shim is
// registered under ("js" in the leading bytes).
var ImplementationAddress = taskid.Address{0x6a, 0x73}

type Shim struct{}

func New() *Shim {
	return &Shim{}
}

func (s *Shim) Run(ctx context.Context, inv *interfaces.TaskInvocation) error {
	if len(inv.Payload) == 0 {
		return status.InvalidArgumentError("environment has an empty payload")
	}
	if err := inv.Budget.Charge(InvocationBaseCost); err != nil {
		return err
	}

	vm := goja.New()
	if err := s.setupVM(ctx, vm, inv); err != nil {
		return err
	}

	// A watcher interrupts the VM as soon as the surrounding context is
	// cancelled. The done channel keeps the watcher from outliving the run.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	_, err := vm.RunString(string(inv.Payload))
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return status.CanceledErrorf("task interrupted: %s", err)
		}
		return status.InternalErrorf("task payload failed: %s", err)
	}
	return nil
}

func (s *Shim) setupVM(ctx context.Context, vm *goja.Runtime, inv *interfaces.TaskInvocation) error {
	host := map[string]any{
		"env":    inv.Env.Hex(),
		"owner":  inv.Owner.Hex(),
		"height": inv.Height,
		"log": func(args ...goja.Value) {
			msg := ""
			for i, a := range args {
				if i > 0 {
					msg += " "
				}
				msg += fmt.Sprintf("%v", a.Export())
			}
			log.CtxInfof(ctx, "task %s: %s", inv.Env.Hex(), msg)
		},
		"charge": func(units int64) error {
			if units < 0 {
				return status.InvalidArgumentError("charge amount must be non-negative")
			}
			return inv.Budget.Charge(uint64(units))
		},
		"remaining": func() uint64 {
			return inv.Budget.Remaining()
		},
		"reschedule": func(targetBlock, maxPayment int64) (uint64, error) {
			if inv.Scheduler == nil {
				return 0, status.FailedPreconditionError("rescheduling is not available")
			}
			if targetBlock < 0 || maxPayment < 0 {
				return 0, status.InvalidArgumentError("reschedule arguments must be non-negative")
			}
			return inv.Scheduler.RequestReschedule(ctx, inv.Env, uint64(targetBlock), uint64(maxPayment))
		},
	}
	if err := vm.Set("task", host); err != nil {
		return status.InternalErrorf("set task host object: %s", err)
	}
	return nil
}
