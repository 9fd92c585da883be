package chainclock_test

import (
	"testing"
	"time"

	"github.com/blocksched/blocksched/server/backends/chainclock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeightAdvancesWithTime(t *testing.T) {
	fake := clockwork.NewFakeClock()
	c, err := chainclock.NewWithClock(fake, 100, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint64(100), c.CurrentHeight())
	fake.Advance(1 * time.Second)
	assert.Equal(t, uint64(100), c.CurrentHeight())
	fake.Advance(1 * time.Second)
	assert.Equal(t, uint64(101), c.CurrentHeight())
	fake.Advance(10 * time.Second)
	assert.Equal(t, uint64(106), c.CurrentHeight())
}

func TestInvalidInterval(t *testing.T) {
	_, err := chainclock.NewWithClock(clockwork.NewFakeClock(), 1, 0)
	require.Error(t, err)
}
