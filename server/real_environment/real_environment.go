// Package real_environment is the production implementation of
// environment.Env: a plain struct with setters for each collaborator.
package real_environment

import (
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/storage"
)

type RealEnv struct {
	store   *storage.Store
	ledger  interfaces.StakeLedger
	clock   interfaces.BlockClock
	factory *factory.Factory
}

func NewRealEnv() *RealEnv {
	return &RealEnv{}
}

func (e *RealEnv) GetStore() *storage.Store {
	return e.store
}

func (e *RealEnv) SetStore(s *storage.Store) {
	e.store = s
}

func (e *RealEnv) GetStakeLedger() interfaces.StakeLedger {
	return e.ledger
}

func (e *RealEnv) SetStakeLedger(l interfaces.StakeLedger) {
	e.ledger = l
}

func (e *RealEnv) GetBlockClock() interfaces.BlockClock {
	return e.clock
}

func (e *RealEnv) SetBlockClock(c interfaces.BlockClock) {
	e.clock = c
}

func (e *RealEnv) GetFactory() *factory.Factory {
	return e.factory
}

func (e *RealEnv) SetFactory(f *factory.Factory) {
	e.factory = f
}
