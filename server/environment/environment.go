// Package environment defines the accessor interface through which the
// scheduler's collaborators are wired together. Code that needs a
// collaborator takes an Env instead of a concrete backend, so servers and
// tests can assemble different stacks.
package environment

import (
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/storage"
)

type Env interface {
	GetStore() *storage.Store
	GetStakeLedger() interfaces.StakeLedger
	GetBlockClock() interfaces.BlockClock
	GetFactory() *factory.Factory
}
