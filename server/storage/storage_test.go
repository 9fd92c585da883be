package storage_test

import (
	"testing"

	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addr(b byte) taskid.Address {
	var a taskid.Address
	a[0] = b
	return a
}

func TestTaskMetadataZeroValueWhenAbsent(t *testing.T) {
	s := newStore(t)
	md, err := s.GetTaskMetadata(addr(9))
	require.NoError(t, err)
	assert.False(t, md.Exists())
	assert.Equal(t, uint64(0), md.LiveBlock)
}

func TestTaskMetadataRoundTrip(t *testing.T) {
	s := newStore(t)
	md := &storage.TaskMetadata{
		Owner:     addr(1),
		Nonce:     42,
		Size:      sizeclass.Medium,
		LiveBlock: 1000,
		LivePos:   3,
	}
	batch := s.NewBatch()
	require.NoError(t, s.SetTaskMetadata(batch, addr(2), md))
	require.NoError(t, s.Apply(batch))

	got, err := s.GetTaskMetadata(addr(2))
	require.NoError(t, err)
	assert.True(t, got.Exists())
	assert.Equal(t, md, got)
}

func TestQueueSlotRoundTrip(t *testing.T) {
	s := newStore(t)
	id := taskid.TaskID{Env: addr(7), InitBlock: 88, InitIndex: 2, Size: sizeclass.Small}

	batch := s.NewBatch()
	require.NoError(t, s.SetQueueSlot(batch, sizeclass.Small, 88, 2, id))
	require.NoError(t, s.Apply(batch))

	got, found, err := s.GetQueueSlot(sizeclass.Small, 88, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	_, found, err = s.GetQueueSlot(sizeclass.Small, 88, 3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTrackerRoundTrip(t *testing.T) {
	s := newStore(t)
	tr := tracker.New()
	tr.TotalTasks = 5
	tr.ExecutedTasks = 2
	tr.FeesCollected = 700
	tr.Bitmap.Add(11)

	batch := s.NewBatch()
	require.NoError(t, s.SetTracker(batch, sizeclass.Large, tracker.DepthGroup, 4, tr))
	require.NoError(t, s.Apply(batch))

	got, found, err := s.GetTracker(sizeclass.Large, tracker.DepthGroup, 4)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(5), got.TotalTasks)
	assert.True(t, got.Bitmap.Contains(11))
}

func TestSetTrackerSkipsEmptyTrackers(t *testing.T) {
	s := newStore(t)
	batch := s.NewBatch()
	require.NoError(t, s.SetTracker(batch, sizeclass.Small, tracker.DepthBlock, 9, tracker.New()))
	require.NoError(t, s.Apply(batch))

	_, found, err := s.GetTracker(sizeclass.Small, tracker.DepthBlock, 9)
	require.NoError(t, err)
	assert.False(t, found, "a tracker that never recorded a task must not be persisted")
}

func TestBalancerStateRoundTrip(t *testing.T) {
	s := newStore(t)

	st, err := s.GetBalancerState()
	require.NoError(t, err)
	assert.Equal(t, &storage.BalancerState{}, st)

	st.ActiveBlock[sizeclass.Small] = 10
	st.ActiveBlock[sizeclass.Large] = 30
	st.TargetDelay = 4
	batch := s.NewBatch()
	require.NoError(t, s.SetBalancerState(batch, st))
	require.NoError(t, s.Apply(batch))

	got, err := s.GetBalancerState()
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestCancellerRegistry(t *testing.T) {
	s := newStore(t)
	env, who := addr(3), addr(4)

	has, err := s.HasCanceller(storage.CancellerScopeTask, env, who)
	require.NoError(t, err)
	assert.False(t, has)

	batch := s.NewBatch()
	require.NoError(t, s.AddCanceller(batch, storage.CancellerScopeTask, env, who))
	require.NoError(t, s.Apply(batch))

	has, err = s.HasCanceller(storage.CancellerScopeTask, env, who)
	require.NoError(t, err)
	assert.True(t, has)

	// Scopes are distinct.
	has, err = s.HasCanceller(storage.CancellerScopeEnv, env, who)
	require.NoError(t, err)
	assert.False(t, has)

	batch = s.NewBatch()
	require.NoError(t, s.RemoveCanceller(batch, storage.CancellerScopeTask, env, who))
	require.NoError(t, s.Apply(batch))

	has, err = s.HasCanceller(storage.CancellerScopeTask, env, who)
	require.NoError(t, err)
	assert.False(t, has)
}
