// Package memops aggregates ulog entries produced while building a
// transaction into an operation context (spec.md §4.2, component C3): a
// DRAM mirror of the redo entries under construction, with adjacent bit-ops
// on the same word merged before they are ever published.
package memops

import (
	"math/bits"

	"github.com/dav2/dav2/internal/ulog"
)

// OpMergeSearch bounds how far back Context looks for a mergeable entry
// touching the same word, matching OP_MERGE_SEARCH in spec.md §4.2.
const OpMergeSearch = 64

// Target is anything an operation context can apply its entries to: the
// mapped memory behind a pinned cache page. Offsets are in the Target's own
// address space (internal/palloc's adapter uses zone-relative offsets).
type Target interface {
	WriteUint64(offset uint64, value uint64) error
	SetBits(offset uint64, bitPos, length uint) error
	ClrBits(offset uint64, bitPos, length uint) error
	WriteBuf(offset uint64, data []byte) error
}

// Context is the operation_context of spec.md §4.2: it accumulates
// persistent ("shadow") redo entries and, separately, transient entries
// against non-persistent mirror state. Process() is the only way entries
// leave the context, applying them to a Target and returning what must be
// forwarded to the WAL.
type Context struct {
	pshadow   *ulog.Log
	transient *ulog.Log
	capacity  int
}

// New creates an operation context whose persistent and transient shadow
// logs each have the given capacity in bytes.
func New(capacity int) *Context {
	return &Context{
		pshadow:   ulog.New(capacity),
		transient: ulog.New(capacity),
		capacity:  capacity,
	}
}

// bitEntryKey identifies entries that may be merged: same operation class
// (both SET_BITS or both CLR_BITS) touching the same 8-byte word.
func bitEntryKey(e ulog.Entry) (uint64, bool) {
	switch e.Op {
	case ulog.OpSetBits, ulog.OpClrBits:
		return e.Offset, true
	default:
		return 0, false
	}
}

// decodeBitValue unpacks a SET_BITS/CLR_BITS Value, which stores the bit
// position in the low byte and the length in the next byte
// (length<<8 | bitPos).
func decodeBitValue(v uint64) (pos, length uint) {
	return uint(v & 0xff), uint((v >> 8) & 0xff)
}

func encodeBitValue(pos, length uint) uint64 {
	return uint64(pos) | uint64(length)<<8
}

func bitmask(pos, length uint) uint64 {
	if length >= 64 {
		return ^uint64(0) << pos
	}
	return ((uint64(1) << length) - 1) << pos
}

// maskToPosLen converts a bitmask back into the smallest covering
// (pos,length) span, which is the representation our on-wire entry_val
// format requires. For a disjoint mask that span also covers bits outside
// the mask, so tryMergeBits only merges when the union is contiguous.
func maskToPosLen(mask uint64) (pos, length uint) {
	if mask == 0 {
		return 0, 0
	}
	lo := bits.TrailingZeros64(mask)
	hi := 63 - bits.LeadingZeros64(mask)
	return uint(lo), uint(hi - lo + 1)
}

// tryMergeBits scans up to OpMergeSearch of the most recent entries in the
// shadow log for an existing SET_BITS/CLR_BITS entry at the same offset and,
// if found and the union of both spans is contiguous, rewrites it in place
// to also cover the new bits. It returns true if it merged (meaning the
// caller need not append a new entry).
func (c *Context) tryMergeBits(op ulog.OpTag, offset uint64, pos, length uint) bool {
	entries := c.pshadow.Entries()
	start := 0
	if len(entries) > OpMergeSearch {
		start = len(entries) - OpMergeSearch
	}
	merged := false
	for i := len(entries) - 1; i >= start; i-- {
		e := entries[i]
		key, ok := bitEntryKey(e)
		if !ok || key != offset || e.Op != op {
			continue
		}
		ePos, eLen := decodeBitValue(e.Value)
		newMask := bitmask(ePos, eLen) | bitmask(pos, length)
		nPos, nLen := maskToPosLen(newMask)
		if bitmask(nPos, nLen) != newMask {
			return false
		}
		entries[i].Value = encodeBitValue(nPos, nLen)
		merged = true
		break
	}
	if !merged {
		return false
	}
	c.pshadow.Reset()
	for _, e := range entries {
		// Capacity was already validated when these entries were first
		// appended; re-appending the same (possibly rewritten) set cannot
		// exceed it.
		_ = c.pshadow.Append(e)
	}
	return true
}

// AddSet records a redo entry that sets an 8-byte word at offset to value.
func (c *Context) AddSet(offset, value uint64) error {
	return c.pshadow.Append(ulog.Entry{Op: ulog.OpSet, Offset: offset, Value: value})
}

// AddSetBits records (merging if possible) a redo entry that sets length
// bits starting at bitPos within the word at offset.
func (c *Context) AddSetBits(offset uint64, bitPos, length uint) error {
	if c.tryMergeBits(ulog.OpSetBits, offset, bitPos, length) {
		return nil
	}
	return c.pshadow.Append(ulog.Entry{Op: ulog.OpSetBits, Offset: offset, Value: encodeBitValue(bitPos, length)})
}

// AddClrBits records (merging if possible) a redo entry that clears length
// bits starting at bitPos within the word at offset.
func (c *Context) AddClrBits(offset uint64, bitPos, length uint) error {
	if c.tryMergeBits(ulog.OpClrBits, offset, bitPos, length) {
		return nil
	}
	return c.pshadow.Append(ulog.Entry{Op: ulog.OpClrBits, Offset: offset, Value: encodeBitValue(bitPos, length)})
}

// AddBufCpy records a redo entry that copies data into offset.
func (c *Context) AddBufCpy(offset uint64, data []byte) error {
	return c.pshadow.Append(ulog.Entry{Op: ulog.OpBufCpy, Offset: offset, Buf: data})
}

// DecodeBitSpan exposes the (pos,length) pair packed into a processed
// SET_BITS/CLR_BITS entry's Value, for callers that need to translate a
// returned entry into a wire-level bit-range description (e.g. a WAL
// action's BitPos/BitLen) without reaching into this package's encoding.
func DecodeBitSpan(value uint64) (pos, length uint) {
	return decodeBitValue(value)
}

// AddTransient records an entry against the non-persistent mirror log
// (e.g. an in-DRAM counter shadowing a persistent field).
func (c *Context) AddTransient(e ulog.Entry) error {
	return c.transient.Append(e)
}

// PendingPersistent returns the persistent entries accumulated so far,
// without applying or clearing them. Used by callers that need to size a
// WAL submission before committing.
func (c *Context) PendingPersistent() []ulog.Entry {
	return c.pshadow.Entries()
}

func apply(t Target, e ulog.Entry) error {
	switch e.Op {
	case ulog.OpSet:
		return t.WriteUint64(e.Offset, e.Value)
	case ulog.OpSetBits:
		pos, length := decodeBitValue(e.Value)
		return t.SetBits(e.Offset, pos, length)
	case ulog.OpClrBits:
		pos, length := decodeBitValue(e.Value)
		return t.ClrBits(e.Offset, pos, length)
	case ulog.OpBufCpy, ulog.OpBufSet:
		return t.WriteBuf(e.Offset, e.Buf)
	default:
		panic("memops: unknown op tag")
	}
}

// Process applies every accumulated persistent entry to target and returns
// the entries that must be forwarded to the WAL as redo actions. On success
// it empties the persistent shadow log (the "clobber the header" step of
// spec.md §4.2), readying the context for its next generation; if applying
// an entry fails, it returns the error and leaves the log as it was.
//
// The fast path (a single SET or bit-op entry) and the general path (apply
// each shadow entry in order) both return entries in application order, so
// the caller can submit them to the WAL unchanged.
func (c *Context) Process(t Target) ([]ulog.Entry, error) {
	entries := c.pshadow.Entries()
	for _, e := range entries {
		if err := apply(t, e); err != nil {
			return nil, err
		}
	}
	c.pshadow.Reset()
	return entries, nil
}

// ProcessTransient applies every accumulated transient entry to target
// without generating WAL output, then clears the transient log.
func (c *Context) ProcessTransient(t Target) error {
	var outerErr error
	c.transient.ForEach(func(e ulog.Entry) bool {
		if err := apply(t, e); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	c.transient.Reset()
	return outerErr
}
