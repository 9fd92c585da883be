// Package tracker holds the aggregate counters kept at each (size, depth,
// index) coordinate of the hierarchical metrics index, plus the pure index
// math used to navigate between depths. Trackers at Block depth are
// authoritative; Group and Supergroup trackers are coarser caches that may be
// approximate until reconciled by a roll-up.
package tracker

import (
	"encoding/binary"

	"github.com/RoaringBitmap/roaring"
	"github.com/blocksched/blocksched/server/util/status"
)

const (
	// GroupSize is the number of next-finer sub-ranges summarized by one
	// tracker bitmap.
	GroupSize = 128
	// SupergroupSize is the number of blocks covered by one supergroup.
	SupergroupSize = GroupSize * GroupSize

	// HorizonBlocks is the farthest ahead of the current block a task may be
	// scheduled.
	HorizonBlocks = GroupSize * GroupSize * GroupSize
)

type Depth uint8

const (
	DepthBlock Depth = iota
	DepthGroup
	DepthSupergroup

	NumDepths = 3
)

func (d Depth) String() string {
	switch d {
	case DepthBlock:
		return "block"
	case DepthGroup:
		return "group"
	case DepthSupergroup:
		return "supergroup"
	}
	return "unknown"
}

// Span returns the number of blocks covered by one tracker at this depth.
func (d Depth) Span() uint64 {
	switch d {
	case DepthBlock:
		return 1
	case DepthGroup:
		return GroupSize
	case DepthSupergroup:
		return SupergroupSize
	}
	return 0
}

// IndexAtDepth maps a block number to the index of the tracker covering it
// at the given depth.
func IndexAtDepth(block uint64, d Depth) uint64 {
	return block / d.Span()
}

// BitAtDepth maps a block number to the bitmap bit position inside the
// covering tracker at the given depth. The bit summarizes the next-finer
// sub-range containing the block; Block-depth trackers carry no bitmap.
func BitAtDepth(block uint64, d Depth) uint32 {
	switch d {
	case DepthGroup:
		return uint32(block % GroupSize)
	case DepthSupergroup:
		return uint32((block / GroupSize) % GroupSize)
	}
	return 0
}

// RangeStart returns the first block covered by the tracker at (d, index).
func RangeStart(index uint64, d Depth) uint64 {
	return index * d.Span()
}

// Tracker aggregates scheduling metrics over one range of blocks.
type Tracker struct {
	TotalTasks      uint32
	ExecutedTasks   uint32
	CumulativeDelay uint64
	FeesCollected   uint64
	FeesPaid        uint64
	// Bitmap bits summarize which next-finer sub-ranges currently hold
	// unexecuted work.
	Bitmap *roaring.Bitmap
}

func New() *Tracker {
	return &Tracker{Bitmap: roaring.New()}
}

// Incomplete returns the number of tasks recorded but not yet executed.
func (t *Tracker) Incomplete() uint32 {
	if t == nil || t.ExecutedTasks >= t.TotalTasks {
		return 0
	}
	return t.TotalTasks - t.ExecutedTasks
}

// Drained reports whether the range has work recorded and all of it executed.
func (t *Tracker) Drained() bool {
	return t != nil && t.TotalTasks > 0 && t.ExecutedTasks >= t.TotalTasks
}

// UnpaidFees returns the fees collected for this range that have not yet
// been paid out to runners. Coarse depths may transiently report paid >
// collected while blended payouts settle; that clamps to zero here.
func (t *Tracker) UnpaidFees() uint64 {
	if t == nil || t.FeesPaid >= t.FeesCollected {
		return 0
	}
	return t.FeesCollected - t.FeesPaid
}

const headerSize = 4 + 4 + 8 + 8 + 8

// Encode serializes the tracker as a fixed header followed by the roaring
// bitmap in its portable format.
func (t *Tracker) Encode() ([]byte, error) {
	bmBytes := []byte{}
	if t.Bitmap != nil && !t.Bitmap.IsEmpty() {
		var err error
		bmBytes, err = t.Bitmap.ToBytes()
		if err != nil {
			return nil, status.InternalErrorf("serialize tracker bitmap: %s", err)
		}
	}
	out := make([]byte, headerSize, headerSize+len(bmBytes))
	binary.BigEndian.PutUint32(out[0:4], t.TotalTasks)
	binary.BigEndian.PutUint32(out[4:8], t.ExecutedTasks)
	binary.BigEndian.PutUint64(out[8:16], t.CumulativeDelay)
	binary.BigEndian.PutUint64(out[16:24], t.FeesCollected)
	binary.BigEndian.PutUint64(out[24:32], t.FeesPaid)
	return append(out, bmBytes...), nil
}

func Decode(b []byte) (*Tracker, error) {
	if len(b) < headerSize {
		return nil, status.InvalidArgumentErrorf("tracker record too short: %d bytes", len(b))
	}
	t := New()
	t.TotalTasks = binary.BigEndian.Uint32(b[0:4])
	t.ExecutedTasks = binary.BigEndian.Uint32(b[4:8])
	t.CumulativeDelay = binary.BigEndian.Uint64(b[8:16])
	t.FeesCollected = binary.BigEndian.Uint64(b[16:24])
	t.FeesPaid = binary.BigEndian.Uint64(b[24:32])
	if len(b) > headerSize {
		if _, err := t.Bitmap.FromBuffer(append([]byte{}, b[headerSize:]...)); err != nil {
			return nil, status.InvalidArgumentErrorf("deserialize tracker bitmap: %s", err)
		}
	}
	return t, nil
}
