// Package sizeclass buckets tasks into one of three fixed compute tiers
// based on their declared compute limit. A task's class is derived once at
// scheduling time and is immutable afterwards; a rescheduled task keeps its
// original class.
package sizeclass

import (
	"github.com/blocksched/blocksched/server/util/status"
)

type Class uint8

const (
	Small Class = iota
	Medium
	Large

	NumClasses = 3
)

const (
	// Maximum compute allotment handed to a task invocation, per class.
	SmallMaxCompute  = 500_000
	MediumMaxCompute = 1_500_000
	LargeMaxCompute  = 5_000_000
)

// All returns the classes in ascending order of compute allotment.
func All() []Class {
	return []Class{Small, Medium, Large}
}

func (c Class) MaxCompute() uint64 {
	switch c {
	case Small:
		return SmallMaxCompute
	case Medium:
		return MediumMaxCompute
	case Large:
		return LargeMaxCompute
	}
	return 0
}

func (c Class) String() string {
	switch c {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	}
	return "unknown"
}

// Valid reports whether c is one of the three defined classes.
func (c Class) Valid() bool {
	return c < NumClasses
}

// FromComputeLimit returns the smallest class whose allotment covers limit.
func FromComputeLimit(limit uint64) (Class, error) {
	switch {
	case limit == 0:
		return 0, status.InvalidArgumentError("compute limit must be positive")
	case limit <= SmallMaxCompute:
		return Small, nil
	case limit <= MediumMaxCompute:
		return Medium, nil
	case limit <= LargeMaxCompute:
		return Large, nil
	}
	return 0, status.OutOfRangeErrorf("compute limit %d exceeds the largest class allotment %d", limit, uint64(LargeMaxCompute))
}
