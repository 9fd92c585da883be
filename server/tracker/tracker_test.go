package tracker_test

import (
	"testing"

	"github.com/blocksched/blocksched/server/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndBitMath(t *testing.T) {
	const g = tracker.GroupSize

	block := uint64(3*g*g + 5*g + 17)

	assert.Equal(t, block, tracker.IndexAtDepth(block, tracker.DepthBlock))
	assert.Equal(t, uint64(3*g+5), tracker.IndexAtDepth(block, tracker.DepthGroup))
	assert.Equal(t, uint64(3), tracker.IndexAtDepth(block, tracker.DepthSupergroup))

	assert.Equal(t, uint32(17), tracker.BitAtDepth(block, tracker.DepthGroup))
	assert.Equal(t, uint32(5), tracker.BitAtDepth(block, tracker.DepthSupergroup))

	assert.Equal(t, uint64((3*g+5)*g), tracker.RangeStart(tracker.IndexAtDepth(block, tracker.DepthGroup), tracker.DepthGroup))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tr := tracker.New()
	tr.TotalTasks = 12
	tr.ExecutedTasks = 7
	tr.CumulativeDelay = 999
	tr.FeesCollected = 1 << 40
	tr.FeesPaid = 1 << 39
	tr.Bitmap.Add(0)
	tr.Bitmap.Add(17)
	tr.Bitmap.Add(127)

	b, err := tr.Encode()
	require.NoError(t, err)
	got, err := tracker.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, tr.TotalTasks, got.TotalTasks)
	assert.Equal(t, tr.ExecutedTasks, got.ExecutedTasks)
	assert.Equal(t, tr.CumulativeDelay, got.CumulativeDelay)
	assert.Equal(t, tr.FeesCollected, got.FeesCollected)
	assert.Equal(t, tr.FeesPaid, got.FeesPaid)
	assert.True(t, tr.Bitmap.Equals(got.Bitmap))
}

func TestEncodeDecodeEmptyBitmap(t *testing.T) {
	tr := tracker.New()
	tr.TotalTasks = 1

	b, err := tr.Encode()
	require.NoError(t, err)
	got, err := tracker.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.TotalTasks)
	assert.True(t, got.Bitmap.IsEmpty())
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := tracker.Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestIncompleteAndDrained(t *testing.T) {
	tr := tracker.New()
	assert.Equal(t, uint32(0), tr.Incomplete())
	assert.False(t, tr.Drained())

	tr.TotalTasks = 3
	assert.Equal(t, uint32(3), tr.Incomplete())
	assert.False(t, tr.Drained())

	tr.ExecutedTasks = 3
	assert.Equal(t, uint32(0), tr.Incomplete())
	assert.True(t, tr.Drained())
}

func TestUnpaidFeesClampsToZero(t *testing.T) {
	tr := tracker.New()
	tr.FeesCollected = 10
	tr.FeesPaid = 25
	assert.Equal(t, uint64(0), tr.UnpaidFees())

	tr.FeesPaid = 4
	assert.Equal(t, uint64(6), tr.UnpaidFees())
}
