// Package ulog implements the fixed-capacity, chainable redo/undo entry log
// described in spec.md §4.2. A ulog is a cache-line aligned byte buffer
// holding a sequence of entries; iteration stops at the first entry that is
// zero-filled, carries an unknown tag, or (for a buffer entry) fails its
// payload checksum, which is how the log terminates without a length field
// (spec.md §3 invariant 10).
package ulog

import (
	"encoding/binary"

	"github.com/dav2/dav2/internal/cksum"
	"github.com/pkg/errors"
)

// OpTag identifies the kind of mutation a ulog entry encodes. It occupies
// the top 3 bits of an entry's offset field, mirroring
// ULOG_OPERATION_MASK in the original dav_v2 sources.
type OpTag uint8

const (
	OpSet OpTag = iota + 1
	OpSetBits
	OpClrBits
	OpBufSet
	OpBufCpy
)

const (
	offsetMask = uint64(1)<<61 - 1
	tagShift   = 61
)

// entryValSize is the encoded size of a value entry: tagged-offset (8) +
// value (8).
const entryValSize = 16

// entryBufHeaderSize is the encoded size of a buf entry's header:
// tagged-offset (8) + checksum (8) + size (8), before the variable payload.
const entryBufHeaderSize = 24

// Entry is a decoded ulog entry. For OpSet/OpSetBits/OpClrBits, Value holds
// the value/bit-descriptor; for OpBufSet/OpBufCpy, Buf holds the payload.
type Entry struct {
	Op     OpTag
	Offset uint64 // target offset inside the heap, tag bits stripped
	Value  uint64
	Buf    []byte
}

// packOffset combines a target offset with its operation tag.
func packOffset(op OpTag, offset uint64) uint64 {
	if offset > offsetMask {
		panic("ulog: offset too large to encode")
	}
	return offset | uint64(op)<<tagShift
}

func unpackOffset(tagged uint64) (OpTag, uint64) {
	return OpTag(tagged >> tagShift), tagged & offsetMask
}

// EncodedSize returns the cache-line-aligned size an entry occupies once
// written into a ulog buffer.
func (e Entry) EncodedSize() int {
	switch e.Op {
	case OpSet, OpSetBits, OpClrBits:
		return cksum.CachelineAlign(entryValSize)
	case OpBufSet, OpBufCpy:
		return cksum.CachelineAlign(entryBufHeaderSize + len(e.Buf))
	default:
		panic("ulog: unknown op tag")
	}
}

// Encode appends the entry's on-wire encoding to dst and returns the result.
func (e Entry) Encode(dst []byte) []byte {
	switch e.Op {
	case OpSet, OpSetBits, OpClrBits:
		buf := make([]byte, cksum.CachelineAlign(entryValSize))
		binary.LittleEndian.PutUint64(buf[0:8], packOffset(e.Op, e.Offset))
		binary.LittleEndian.PutUint64(buf[8:16], e.Value)
		return append(dst, buf...)
	case OpBufSet, OpBufCpy:
		total := cksum.CachelineAlign(entryBufHeaderSize + len(e.Buf))
		buf := make([]byte, total)
		binary.LittleEndian.PutUint64(buf[0:8], packOffset(e.Op, e.Offset))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(len(e.Buf)))
		copy(buf[24:24+len(e.Buf)], e.Buf)
		sum := cksum.Fletcher64(pad4(buf[24:24+len(e.Buf)]))
		binary.LittleEndian.PutUint64(buf[8:16], sum)
		return append(dst, buf...)
	default:
		panic("ulog: unknown op tag")
	}
}

// pad4 returns buf padded with zero bytes so its length is a multiple of 4,
// as required by cksum.Fletcher64.
func pad4(buf []byte) []byte {
	if len(buf)%4 == 0 {
		return buf
	}
	out := make([]byte, cksum.RoundUp(len(buf), 4))
	copy(out, buf)
	return out
}

// decodeOne parses a single entry at the start of buf. It returns the
// decoded entry, the number of bytes it occupies, and ok=false if buf does
// not begin with a structurally valid, checksum-verified entry (including
// the all-zero terminator case).
func decodeOne(buf []byte) (Entry, int, bool) {
	if len(buf) < 8 {
		return Entry{}, 0, false
	}
	tagged := binary.LittleEndian.Uint64(buf[0:8])
	if tagged == 0 {
		return Entry{}, 0, false
	}
	op, offset := unpackOffset(tagged)
	switch op {
	case OpSet, OpSetBits, OpClrBits:
		if len(buf) < entryValSize {
			return Entry{}, 0, false
		}
		val := binary.LittleEndian.Uint64(buf[8:16])
		return Entry{Op: op, Offset: offset, Value: val}, cksum.CachelineAlign(entryValSize), true
	case OpBufSet, OpBufCpy:
		if len(buf) < entryBufHeaderSize {
			return Entry{}, 0, false
		}
		storedSum := binary.LittleEndian.Uint64(buf[8:16])
		size := binary.LittleEndian.Uint64(buf[16:24])
		total := cksum.CachelineAlign(entryBufHeaderSize + int(size))
		if len(buf) < total {
			return Entry{}, 0, false
		}
		payload := buf[24 : 24+size]
		if cksum.Fletcher64(pad4(payload)) != storedSum {
			return Entry{}, 0, false
		}
		out := make([]byte, size)
		copy(out, payload)
		return Entry{Op: op, Offset: offset, Buf: out}, total, true
	default:
		return Entry{}, 0, false
	}
}

// Log is a fixed-capacity ulog buffer plus an optional chain of overflow
// logs, mirroring struct ulog { checksum, next, capacity, gen_num, flags,
// data[capacity] }.
type Log struct {
	GenNum   uint64
	Flags    uint32
	capacity int
	data     []byte
	used     int
	next     *Log
}

// ErrFull indicates the log's fixed capacity was exhausted and the caller
// should Extend the chain.
var ErrFull = errors.New("ulog: capacity exhausted")

// New allocates a ulog with the given fixed capacity in bytes.
func New(capacity int) *Log {
	return &Log{capacity: capacity, data: make([]byte, 0, capacity)}
}

// Capacity returns the log's fixed capacity in bytes.
func (l *Log) Capacity() int { return l.capacity }

// Used returns the number of bytes occupied by entries so far.
func (l *Log) Used() int { return l.used }

// Next returns the next ulog in the chain, or nil.
func (l *Log) Next() *Log { return l.next }

// Extend appends a new overflow log to the end of the chain and returns it.
// It mirrors extend(&ulog->next, gen_num) from spec.md §4.2.
func (l *Log) Extend(capacity int, genNum uint64) *Log {
	tail := l
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = New(capacity)
	tail.next.GenNum = genNum
	return tail.next
}

// Append encodes entry and appends it to the log, returning ErrFull if the
// entry does not fit in the remaining capacity of this segment (the caller
// must then Extend the chain and append to the new segment).
func (l *Log) Append(e Entry) error {
	need := e.EncodedSize()
	if l.used+need > l.capacity {
		return ErrFull
	}
	l.data = e.Encode(l.data)
	l.used += need
	return nil
}

// Reset clears all entries from this segment and detaches any chained
// overflow segments, invalidating iteration at offset 0. Used once a generation of redo/undo entries has
// been fully applied and the log becomes free for reuse.
func (l *Log) Reset() {
	l.data = l.data[:0]
	l.used = 0
	l.next = nil
}

// ForEach walks every entry across this segment and its chained overflow
// segments, stopping at the first invalid/terminating entry in each
// segment, calling fn for each. It stops early if fn returns false.
func (l *Log) ForEach(fn func(Entry) bool) {
	for seg := l; seg != nil; seg = seg.next {
		buf := seg.data
		for len(buf) > 0 {
			e, n, ok := decodeOne(buf)
			if !ok {
				break
			}
			if !fn(e) {
				return
			}
			buf = buf[n:]
		}
	}
}

// Entries materializes every valid entry across the chain, for tests and
// small callers; production code should prefer ForEach to avoid the
// allocation.
func (l *Log) Entries() []Entry {
	var out []Entry
	l.ForEach(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}
