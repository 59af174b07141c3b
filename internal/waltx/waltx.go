// Package waltx builds the in-memory list of redo actions for a
// transaction (spec.md §4.3, component C4) and defines the shapes used to
// submit that list to a backing store and to replay one back on open.
//
// The action list is built on container/list, the same structure
// biscuit/src/fs/blk.go uses for its BlkList_t of pending block requests;
// here it holds umem_action entries instead of disk blocks.
package waltx

import (
	"container/list"

	"github.com/pkg/errors"
)

// TxID is a monotonically increasing transaction identifier assigned by the
// backing store (so_wal_reserv).
type TxID uint64

// Less reports whether id precedes other, the WAL's total order
// (so_wal_id_cmp in spec.md §6).
func (id TxID) Less(other TxID) bool { return id < other }

// OpCode tags the kind of mutation a wal_action performs.
type OpCode int

const (
	OpCopy OpCode = iota + 1
	OpCopyPtr
	OpAssign
	OpSet
	OpSetBits
	OpClrBits
	OpMove
)

// PayloadMaxLen is the hard cap on an inline OpCopy payload
// (UMEM_ACT_PAYLOAD_MAX_LEN in spec.md §4.3).
const PayloadMaxLen = 1 << 16

// Action is a single redo action, the Go analogue of the tagged umem_action
// union.
type Action struct {
	Op OpCode

	// Offset is the heap-relative byte offset the action targets. For
	// OpMove it is the destination; MoveSrc holds the source.
	Offset uint64

	// Payload holds the bytes to write for OpCopy, or is read by
	// reference for OpCopyPtr (Payload aliases caller memory rather than
	// being an owned copy, a zero-copy optimization matching the source
	// semantics; callers must keep the backing array alive until the WAL
	// submission completes).
	Payload []byte

	// Value holds the 1/2/4/8-byte value for OpAssign, or the fill byte
	// (low 8 bits) for OpSet.
	Value uint64
	// Size is the byte width for OpAssign/OpSet (1, 2, 4, or 8), or the
	// memset length in bytes for OpSet ranges larger than a word.
	Size int

	// BitPos/BitLen describe the bit range touched by OpSetBits/OpClrBits
	// within the 64-bit word at Offset.
	BitPos, BitLen uint

	// MoveSrc is the source offset for OpMove.
	MoveSrc uint64
}

// Validate checks an action against the structural constraints of
// spec.md §4.3.
func (a Action) Validate() error {
	switch a.Op {
	case OpCopy:
		if len(a.Payload) > PayloadMaxLen {
			return errors.Errorf("waltx: copy payload %d exceeds max %d", len(a.Payload), PayloadMaxLen)
		}
	case OpAssign:
		switch a.Size {
		case 1, 2, 4, 8:
		default:
			return errors.Errorf("waltx: assign size %d must be 1/2/4/8", a.Size)
		}
	case OpSetBits, OpClrBits:
		if a.BitPos > 63 {
			return errors.Errorf("waltx: bit position %d out of range", a.BitPos)
		}
		if a.BitLen < 1 || a.BitLen > 64 {
			return errors.Errorf("waltx: bit length %d out of range", a.BitLen)
		}
	}
	return nil
}

// Builder accumulates the redo actions of one transaction, in append order,
// mirroring dav_tx's doubly-linked action list.
type Builder struct {
	actions *list.List
}

// NewBuilder returns an empty action builder.
func NewBuilder() *Builder {
	return &Builder{actions: list.New()}
}

// Add validates and appends an action, returning its validation error (if
// any) without appending.
func (b *Builder) Add(a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	b.actions.PushBack(a)
	return nil
}

// Len returns the number of actions accumulated so far.
func (b *Builder) Len() int { return b.actions.Len() }

// Actions materializes the accumulated actions in append order.
func (b *Builder) Actions() []Action {
	out := make([]Action, 0, b.actions.Len())
	for e := b.actions.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Action))
	}
	return out
}

// Reset empties the builder, for reuse across transactions.
func (b *Builder) Reset() {
	b.actions.Init()
}

// ReplayFunc is invoked once per action, in commit order, for every
// transaction the store has not yet confirmed as applied. Returning an
// error aborts the replay.
type ReplayFunc func(id TxID, action Action) error
