// Package storage persists the scheduler's durable state in a pebble
// database: per-task metadata, per-(size, block) task-id queue slots, the
// three-depth tracker index, the load-balancer pointers, and delegated
// cancellation rights. It also defines the resource-cost constants charged
// against the per-invocation compute budget for each unit of work.
package storage

import (
	"encoding/binary"

	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/tracker"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Compute costs charged per unit of work. These are the safety margins the
// budget-bounded loops in loadbalancer and executor are built around: every
// loop checks affordability against these before doing the work.
const (
	// IterationStepCost covers one bitmap probe or pointer skip during a
	// hierarchical search.
	IterationStepCost = 400
	// TrackerLoadCost / TrackerStoreCost cover reading or persisting one
	// tracker record.
	TrackerLoadCost  = 1_200
	TrackerStoreCost = 4_000
	// QueueReadCost covers loading one task id from its queue slot.
	QueueReadCost = 800
	// TaskOverheadCost covers the per-task bookkeeping around a shim
	// invocation (metadata, counters, fee accrual).
	TaskOverheadCost = 15_000
	// IterationOverhead is reserved up front for the search that locates the
	// first populated block.
	IterationOverhead = 50_000
	// CleanupMargin is held back so dirty trackers and pointers can always be
	// persisted before the budget runs out.
	CleanupMargin = 30_000
)

// Key prefixes. Single-byte tags keep slot keys compact and sorted by kind.
const (
	metadataPrefix  = 'm'
	queuePrefix     = 'q'
	trackerPrefix   = 't'
	balancerKeyTag  = 'l'
	cancellerPrefix = 'c'
)

const environmentPrefix = 'e'

// Well-known system accounts on the stake ledger. Scheduling payments are
// collected into the fee pool and held bonded there until execution pays them
// out; the protocol's cut of each payout lands in the yield account.
var (
	FeePoolAccount       = taskid.Address{19: 0x01}
	ProtocolYieldAccount = taskid.Address{19: 0x02}
)

// Canceller scopes.
const (
	CancellerScopeTask = 't'
	// CancellerScopeEnv rights survive rescheduling: they attach to the
	// environment, not to one queue entry.
	CancellerScopeEnv = 'e'
)

// TaskMetadata is created once per environment address when a task is first
// scheduled and never deleted. The zero value is itself meaningful: an
// unknown environment yields a record with no owner and no live slot.
type TaskMetadata struct {
	Owner taskid.Address
	Nonce uint64
	Size  sizeclass.Class
	// LiveBlock/LivePos locate the task's current queue slot. Rescheduling
	// moves the live slot; the task id's InitBlock/InitIndex do not change.
	LiveBlock uint64
	LivePos   uint16
}

func (m *TaskMetadata) Exists() bool {
	return !m.Owner.IsZero()
}

const metadataSize = taskid.AddressSize + 8 + 1 + 8 + 2

func (m *TaskMetadata) encode() []byte {
	out := make([]byte, metadataSize)
	copy(out[:taskid.AddressSize], m.Owner[:])
	binary.BigEndian.PutUint64(out[20:28], m.Nonce)
	out[28] = byte(m.Size)
	binary.BigEndian.PutUint64(out[29:37], m.LiveBlock)
	binary.BigEndian.PutUint16(out[37:39], m.LivePos)
	return out
}

func decodeMetadata(b []byte) (*TaskMetadata, error) {
	if len(b) != metadataSize {
		return nil, status.InternalErrorf("task metadata record has %d bytes, want %d", len(b), metadataSize)
	}
	m := &TaskMetadata{
		Nonce:     binary.BigEndian.Uint64(b[20:28]),
		Size:      sizeclass.Class(b[28]),
		LiveBlock: binary.BigEndian.Uint64(b[29:37]),
		LivePos:   binary.BigEndian.Uint16(b[37:39]),
	}
	copy(m.Owner[:], b[:taskid.AddressSize])
	return m, nil
}

// BalancerState holds the per-class active pointers. Each pointer marks the
// lowest block in that class not known to be fully executed and only ever
// moves forward.
type BalancerState struct {
	ActiveBlock [sizeclass.NumClasses]uint64
	TargetDelay uint64
}

func (s *BalancerState) encode() []byte {
	out := make([]byte, 8*(sizeclass.NumClasses+1))
	for i, b := range s.ActiveBlock {
		binary.BigEndian.PutUint64(out[i*8:], b)
	}
	binary.BigEndian.PutUint64(out[sizeclass.NumClasses*8:], s.TargetDelay)
	return out
}

func decodeBalancerState(b []byte) (*BalancerState, error) {
	want := 8 * (sizeclass.NumClasses + 1)
	if len(b) != want {
		return nil, status.InternalErrorf("balancer state record has %d bytes, want %d", len(b), want)
	}
	s := &BalancerState{}
	for i := range s.ActiveBlock {
		s.ActiveBlock[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	s.TargetDelay = binary.BigEndian.Uint64(b[sizeclass.NumClasses*8:])
	return s, nil
}

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, status.UnavailableErrorf("open scheduler store at %q: %s", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenMem opens a store backed by an in-memory filesystem. For tests.
func OpenMem() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, status.UnavailableErrorf("open in-memory scheduler store: %s", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewBatch returns a write batch. All mutating methods stage into a batch so
// an invocation's effects are applied atomically by Apply.
func (s *Store) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}

func (s *Store) Apply(batch *pebble.Batch) error {
	if batch.Empty() {
		return batch.Close()
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		batch.Close()
		return status.UnavailableErrorf("apply scheduler batch: %s", err)
	}
	return batch.Close()
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, status.UnavailableErrorf("read %q: %s", key, err)
	}
	out := append([]byte{}, val...)
	if err := closer.Close(); err != nil {
		return nil, false, status.UnavailableErrorf("close read of %q: %s", key, err)
	}
	return out, true, nil
}

func metadataKey(env taskid.Address) []byte {
	return append([]byte{metadataPrefix}, env[:]...)
}

func queueKey(size sizeclass.Class, block uint64, pos uint16) []byte {
	key := make([]byte, 1+1+8+2)
	key[0] = queuePrefix
	key[1] = byte(size)
	binary.BigEndian.PutUint64(key[2:10], block)
	binary.BigEndian.PutUint16(key[10:12], pos)
	return key
}

func trackerKey(size sizeclass.Class, depth tracker.Depth, index uint64) []byte {
	key := make([]byte, 1+1+1+8)
	key[0] = trackerPrefix
	key[1] = byte(size)
	key[2] = byte(depth)
	binary.BigEndian.PutUint64(key[3:11], index)
	return key
}

func cancellerKey(scope byte, env, canceller taskid.Address) []byte {
	key := make([]byte, 0, 2+2*taskid.AddressSize)
	key = append(key, cancellerPrefix, scope)
	key = append(key, env[:]...)
	return append(key, canceller[:]...)
}

// GetTaskMetadata returns the metadata for env. A missing record is not an
// error: the zero-valued record is returned, and Exists() reports false.
func (s *Store) GetTaskMetadata(env taskid.Address) (*TaskMetadata, error) {
	val, found, err := s.get(metadataKey(env))
	if err != nil {
		return nil, err
	}
	if !found {
		return &TaskMetadata{}, nil
	}
	return decodeMetadata(val)
}

func (s *Store) SetTaskMetadata(batch *pebble.Batch, env taskid.Address, md *TaskMetadata) error {
	if err := batch.Set(metadataKey(env), md.encode(), nil); err != nil {
		return status.UnavailableErrorf("stage task metadata for %s: %s", env.Hex(), err)
	}
	return nil
}

func (s *Store) GetQueueSlot(size sizeclass.Class, block uint64, pos uint16) (taskid.TaskID, bool, error) {
	val, found, err := s.get(queueKey(size, block, pos))
	if err != nil || !found {
		return taskid.TaskID{}, false, err
	}
	id, err := taskid.UnpackBytes(val)
	if err != nil {
		return taskid.TaskID{}, false, err
	}
	return id, true, nil
}

func (s *Store) SetQueueSlot(batch *pebble.Batch, size sizeclass.Class, block uint64, pos uint16, id taskid.TaskID) error {
	packed := id.Pack()
	if err := batch.Set(queueKey(size, block, pos), packed[:], nil); err != nil {
		return status.UnavailableErrorf("stage queue slot %s/%d/%d: %s", size, block, pos, err)
	}
	return nil
}

func (s *Store) GetTracker(size sizeclass.Class, depth tracker.Depth, index uint64) (*tracker.Tracker, bool, error) {
	val, found, err := s.get(trackerKey(size, depth, index))
	if err != nil || !found {
		return nil, false, err
	}
	tr, err := tracker.Decode(val)
	if err != nil {
		return nil, false, err
	}
	return tr, true, nil
}

// SetTracker persists a tracker. Trackers that never recorded a task are
// skipped: ranges that were merely probed during a search do not earn a
// write.
func (s *Store) SetTracker(batch *pebble.Batch, size sizeclass.Class, depth tracker.Depth, index uint64, tr *tracker.Tracker) error {
	if tr == nil || tr.TotalTasks == 0 {
		return nil
	}
	val, err := tr.Encode()
	if err != nil {
		return err
	}
	if err := batch.Set(trackerKey(size, depth, index), val, nil); err != nil {
		return status.UnavailableErrorf("stage tracker %s/%s/%d: %s", size, depth, index, err)
	}
	return nil
}

// GetBalancerState returns the persisted pointers, or a zero-valued state if
// none have been written yet.
func (s *Store) GetBalancerState() (*BalancerState, error) {
	val, found, err := s.get([]byte{balancerKeyTag})
	if err != nil {
		return nil, err
	}
	if !found {
		return &BalancerState{}, nil
	}
	return decodeBalancerState(val)
}

func (s *Store) SetBalancerState(batch *pebble.Batch, st *BalancerState) error {
	if err := batch.Set([]byte{balancerKeyTag}, st.encode(), nil); err != nil {
		return status.UnavailableErrorf("stage balancer state: %s", err)
	}
	return nil
}

func (s *Store) AddCanceller(batch *pebble.Batch, scope byte, env, canceller taskid.Address) error {
	if err := batch.Set(cancellerKey(scope, env, canceller), []byte{1}, nil); err != nil {
		return status.UnavailableErrorf("stage canceller for %s: %s", env.Hex(), err)
	}
	return nil
}

func (s *Store) RemoveCanceller(batch *pebble.Batch, scope byte, env, canceller taskid.Address) error {
	if err := batch.Delete(cancellerKey(scope, env, canceller), nil); err != nil {
		return status.UnavailableErrorf("stage canceller removal for %s: %s", env.Hex(), err)
	}
	return nil
}

func (s *Store) HasCanceller(scope byte, env, canceller taskid.Address) (bool, error) {
	_, found, err := s.get(cancellerKey(scope, env, canceller))
	return found, err
}

// ClearTaskCancellers drops all task-scoped cancellation rights for env.
// Environment-scoped rights are untouched; they survive rescheduling.
func (s *Store) ClearTaskCancellers(batch *pebble.Batch, env taskid.Address) error {
	start := append([]byte{cancellerPrefix, CancellerScopeTask}, env[:]...)
	end := append(append([]byte{}, start...), 0xff)
	if err := batch.DeleteRange(start, end, nil); err != nil {
		return status.UnavailableErrorf("stage canceller clear for %s: %s", env.Hex(), err)
	}
	return nil
}

// EnvironmentRecord is the durable form of a deployed execution shim: the
// identity it was derived from plus the embedded payload.
type EnvironmentRecord struct {
	Owner          taskid.Address
	Nonce          uint64
	Implementation taskid.Address
	Payload        []byte
}

func environmentKey(env taskid.Address) []byte {
	return append([]byte{environmentPrefix}, env[:]...)
}

const environmentHeaderSize = taskid.AddressSize + 8 + taskid.AddressSize

func (r *EnvironmentRecord) encode() []byte {
	out := make([]byte, environmentHeaderSize, environmentHeaderSize+len(r.Payload))
	copy(out[:taskid.AddressSize], r.Owner[:])
	binary.BigEndian.PutUint64(out[20:28], r.Nonce)
	copy(out[28:48], r.Implementation[:])
	return append(out, r.Payload...)
}

func decodeEnvironment(b []byte) (*EnvironmentRecord, error) {
	if len(b) < environmentHeaderSize {
		return nil, status.InternalErrorf("environment record too short: %d bytes", len(b))
	}
	r := &EnvironmentRecord{
		Nonce:   binary.BigEndian.Uint64(b[20:28]),
		Payload: append([]byte{}, b[environmentHeaderSize:]...),
	}
	copy(r.Owner[:], b[:taskid.AddressSize])
	copy(r.Implementation[:], b[28:48])
	return r, nil
}

func (s *Store) GetEnvironment(env taskid.Address) (*EnvironmentRecord, bool, error) {
	val, found, err := s.get(environmentKey(env))
	if err != nil || !found {
		return nil, false, err
	}
	rec, err := decodeEnvironment(val)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) SetEnvironment(batch *pebble.Batch, env taskid.Address, rec *EnvironmentRecord) error {
	if err := batch.Set(environmentKey(env), rec.encode(), nil); err != nil {
		return status.UnavailableErrorf("stage environment %s: %s", env.Hex(), err)
	}
	return nil
}
