// Package chainclock derives a block height from wall-clock time: the chain
// is assumed to produce one block per fixed interval from a configured
// genesis instant. Tests inject a fake clock to step height manually.
package chainclock

import (
	"flag"
	"time"

	"github.com/blocksched/blocksched/server/util/status"
	"github.com/jonboulle/clockwork"
)

var (
	blockInterval = flag.Duration("chain.block_interval", 2*time.Second, "Wall-clock duration of one block.")
	genesisHeight = flag.Uint64("chain.genesis_height", 1, "Block height at process start.")
)

type Clock struct {
	clock    clockwork.Clock
	genesis  time.Time
	start    uint64
	interval time.Duration
}

func New() (*Clock, error) {
	return NewWithClock(clockwork.NewRealClock(), *genesisHeight, *blockInterval)
}

func NewWithClock(c clockwork.Clock, startHeight uint64, interval time.Duration) (*Clock, error) {
	if interval <= 0 {
		return nil, status.InvalidArgumentError("block interval must be positive")
	}
	return &Clock{
		clock:    c,
		genesis:  c.Now(),
		start:    startHeight,
		interval: interval,
	}, nil
}

func (c *Clock) CurrentHeight() uint64 {
	elapsed := c.clock.Now().Sub(c.genesis)
	if elapsed < 0 {
		return c.start
	}
	return c.start + uint64(elapsed/c.interval)
}
