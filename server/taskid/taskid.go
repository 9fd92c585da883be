// Package taskid packs and unpacks a task's identity into the fixed-width
// wire value used across the public API:
//
//	[environment address (20) | init block (8) | init index (2) | size (1) | cancelled (1)]
//
// The packed form is address-aligned so the leading 20 bytes can be used
// directly as the task's environment address.
package taskid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/blocksched/blocksched/server/sizeclass"
	"github.com/blocksched/blocksched/server/util/status"
)

const (
	AddressSize = 20
	PackedSize  = 32
)

// Address identifies an account or a task execution environment.
type Address [AddressSize]byte

func AddressFromHex(s string) (Address, error) {
	var a Address
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, status.InvalidArgumentErrorf("malformed address %q: %s", s, err)
	}
	if len(b) != AddressSize {
		return a, status.InvalidArgumentErrorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// TaskID is the unpacked task identity. InitBlock and InitIndex are the
// coordinates the task was first enqueued at; they survive rescheduling so
// the id remains stable across the task's whole lifetime.
type TaskID struct {
	Env       Address
	InitBlock uint64
	InitIndex uint16
	Size      sizeclass.Class
	Cancelled bool
}

func (t TaskID) Pack() [PackedSize]byte {
	var out [PackedSize]byte
	copy(out[:AddressSize], t.Env[:])
	binary.BigEndian.PutUint64(out[20:28], t.InitBlock)
	binary.BigEndian.PutUint16(out[28:30], t.InitIndex)
	out[30] = byte(t.Size)
	if t.Cancelled {
		out[31] = 1
	}
	return out
}

func Unpack(b [PackedSize]byte) (TaskID, error) {
	id := TaskID{
		InitBlock: binary.BigEndian.Uint64(b[20:28]),
		InitIndex: binary.BigEndian.Uint16(b[28:30]),
		Size:      sizeclass.Class(b[30]),
	}
	copy(id.Env[:], b[:AddressSize])
	if !id.Size.Valid() {
		return TaskID{}, status.InvalidArgumentErrorf("packed task id carries invalid size class %d", b[30])
	}
	switch b[31] {
	case 0:
	case 1:
		id.Cancelled = true
	default:
		return TaskID{}, status.InvalidArgumentErrorf("packed task id carries invalid cancelled flag %d", b[31])
	}
	return id, nil
}

// UnpackBytes is Unpack for a variable-length buffer, validating the length.
func UnpackBytes(b []byte) (TaskID, error) {
	if len(b) != PackedSize {
		return TaskID{}, status.InvalidArgumentErrorf("packed task id must be %d bytes, got %d", PackedSize, len(b))
	}
	var fixed [PackedSize]byte
	copy(fixed[:], b)
	return Unpack(fixed)
}

func FromHex(s string) (TaskID, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return TaskID{}, status.InvalidArgumentErrorf("malformed task id %q: %s", s, err)
	}
	return UnpackBytes(b)
}

func (t TaskID) String() string {
	packed := t.Pack()
	return "0x" + hex.EncodeToString(packed[:])
}

// WithCancelled returns a copy of the id with the cancelled flag set. The
// copy overwrites the live queue slot; the original value is never mutated.
func (t TaskID) WithCancelled() TaskID {
	t.Cancelled = true
	return t
}

// Equal ignores the cancelled flag: a cancelled id still refers to the same
// task.
func (t TaskID) Equal(o TaskID) bool {
	return bytes.Equal(t.Env[:], o.Env[:]) &&
		t.InitBlock == o.InitBlock &&
		t.InitIndex == o.InitIndex &&
		t.Size == o.Size
}
