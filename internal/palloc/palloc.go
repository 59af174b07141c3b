// Package palloc bridges the zone/chunk/run allocator (internal/heap) with
// the redo-logging path (internal/memops, internal/waltx), implementing
// spec.md §4.4's reserve/publish/cancel/defer-free operations (component
// C10).
//
// Reserving a block only touches in-memory (well, in-cache-page) state: the
// heap carves out bits and chunk headers directly against the zone bytes
// it's handed, exactly the way a bare malloc would. What makes an
// allocation crash-consistent is Publish, which re-describes that same
// mutation as a run of WAL redo actions through a memops.Context: the
// context's Process both re-applies the mutation (harmless, since bit-set
// and buffer-copy are idempotent) and hands back the entries to forward to
// the transaction's waltx.Builder. This mirrors biscuit/src/fs/blk.go's
// New_page/Free_page allocate-then-release pattern, raised from a single
// free list to the class/bucket/ulog level described in
// original_source/dav_v2/palloc.h.
package palloc

import (
	"encoding/binary"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/dav2/dav2/internal/heap"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/memops"
	"github.com/dav2/dav2/internal/ulog"
	"github.com/dav2/dav2/internal/waltx"
	"github.com/pkg/errors"
)

// Reservation names a block carved out of the heap but not yet made
// durable. Callers must eventually Publish or Cancel every reservation.
type Reservation struct {
	Block memblock.Block
	MB    *heap.MB
}

// DeferredFree names a block to be released once its owning transaction
// commits (palloc_defer_free): the free is recorded now, applied and
// logged later by PublishFree.
type DeferredFree struct {
	MB    *heap.MB
	Block memblock.Block
}

// Allocator is the palloc_reserve/publish/cancel/defer_free runtime for one
// pool, wired to a heap and the same zone bytes it mutates.
type Allocator struct {
	heap    *heap.Heap
	classes *allocclass.Collection
	zmem    heap.ZoneMem
}

// New returns an allocator bridging h's block allocation to zmem's bytes.
// zmem should be the same ZoneMem the heap itself was constructed with
// (typically an *internal/umemcache.Cache), so Publish re-describes the
// exact bytes the heap already touched.
func New(h *heap.Heap, classes *allocclass.Collection, zmem heap.ZoneMem) *Allocator {
	return &Allocator{heap: h, classes: classes, zmem: zmem}
}

// Reserve implements palloc_reserve: resolve a class (explicit via
// classID, or best-fit when classID is nil) and carve a block out of mb.
// Requests larger than the largest run class are served as a huge,
// chunk-granularity allocation.
func (a *Allocator) Reserve(mb *heap.MB, size int, classID *uint8) (Reservation, error) {
	if size <= 0 || size > allocclass.MaxAllocSize {
		return Reservation{}, errors.Errorf("palloc: size %d outside (0,%d]", size, allocclass.MaxAllocSize)
	}

	if classID != nil {
		cls, ok := a.classes.ByID(*classID)
		if !ok {
			return Reservation{}, errors.Errorf("palloc: unknown class %d", *classID)
		}
		if cls.UnitSize < size {
			return Reservation{}, errors.Errorf("palloc: class %d unit size %d too small for request %d", cls.ID, cls.UnitSize, size)
		}
		block, err := a.heap.GetBestFitBlock(mb, cls.ID, 1)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Block: block, MB: mb}, nil
	}

	if cls, ok := a.classes.BestFit(size); ok {
		block, err := a.heap.GetBestFitBlock(mb, cls.ID, 1)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Block: block, MB: mb}, nil
	}

	sizeIdx := uint32((size + memblock.ChunkSize - 1) / memblock.ChunkSize)
	block, err := a.heap.GetHugeBlock(mb, sizeIdx)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Block: block, MB: mb}, nil
}

// Cancel implements palloc_cancel: a reservation that was never published
// is rolled back exactly like a free, since nothing about it has reached
// the WAL yet.
func (a *Allocator) Cancel(r Reservation) error {
	return a.heap.FreeBlock(r.MB, r.Block)
}

// Publish implements palloc_publish: it appends the WAL redo actions that
// recreate r's bitmap/chunk-header mutation to b, so a crash after commit
// can replay the allocation without re-running the allocator's free-list
// search.
func (a *Allocator) Publish(r Reservation, b *waltx.Builder) error {
	ctx := memops.New(4096)
	if err := a.describeAlloc(ctx, r.Block); err != nil {
		return err
	}
	return a.flush(ctx, r.Block.ZoneID, b)
}

// DeferFree implements palloc_defer_free: it records a block to be freed
// without mutating anything yet. The free itself happens in PublishFree.
func (a *Allocator) DeferFree(mb *heap.MB, block memblock.Block) DeferredFree {
	return DeferredFree{MB: mb, Block: block}
}

// PublishFree applies a deferred free to the heap and appends the matching
// WAL redo actions (the bitmap clear, or the chunk header FREE rewrite for
// a huge block) to b.
//
// A run free that empties its chunk also flips that chunk's header back to
// FREE and returns it to the MB's free-chunk list; this implementation
// does not separately redo-log that structural transition (see DESIGN.md).
// Replaying the log therefore leaves such a chunk RUN-typed with an
// all-clear bitmap. Open builds the heap runtime without reading chunk
// headers back from the zone, so no code reinterprets that chunk as FREE.
func (a *Allocator) PublishFree(d DeferredFree, b *waltx.Builder) error {
	ctx := memops.New(4096)
	if err := a.describeFree(ctx, d.Block); err != nil {
		return err
	}
	if err := a.heap.FreeBlock(d.MB, d.Block); err != nil {
		return err
	}
	return a.flush(ctx, d.Block.ZoneID, b)
}

func (a *Allocator) describeAlloc(ctx *memops.Context, block memblock.Block) error {
	switch block.Kind {
	case memblock.KindRun:
		if _, ok := a.classes.ByID(block.ClassID); !ok {
			return errors.Errorf("palloc: unknown class %d", block.ClassID)
		}
		bmOffset := bitmapOffset(block.ZoneID, block.ChunkID)
		for _, sp := range splitBitRange(bmOffset, int(block.UnitOff), int(block.NumUnits)) {
			if err := ctx.AddSetBits(sp.wordOffset, sp.bitPos, sp.bitLen); err != nil {
				return errors.Wrap(err, "palloc: publish")
			}
		}
		return nil
	case memblock.KindHuge:
		ch := memblock.ChunkHeader{Type: memblock.ChunkUsed, SizeIdx: uint16(block.SizeIdx)}
		off := uint64(memblock.ChunkHeaderOffset(block.ChunkID))
		if err := ctx.AddBufCpy(off, ch.Encode()); err != nil {
			return errors.Wrap(err, "palloc: publish")
		}
		return nil
	default:
		return errors.New("palloc: unknown block kind")
	}
}

func (a *Allocator) describeFree(ctx *memops.Context, block memblock.Block) error {
	switch block.Kind {
	case memblock.KindRun:
		bmOffset := bitmapOffset(block.ZoneID, block.ChunkID)
		for _, sp := range splitBitRange(bmOffset, int(block.UnitOff), int(block.NumUnits)) {
			if err := ctx.AddClrBits(sp.wordOffset, sp.bitPos, sp.bitLen); err != nil {
				return errors.Wrap(err, "palloc: defer-free")
			}
		}
		return nil
	case memblock.KindHuge:
		ch := memblock.ChunkHeader{Type: memblock.ChunkFree, SizeIdx: uint16(block.SizeIdx)}
		off := uint64(memblock.ChunkHeaderOffset(block.ChunkID))
		if err := ctx.AddBufCpy(off, ch.Encode()); err != nil {
			return errors.Wrap(err, "palloc: defer-free")
		}
		return nil
	default:
		return errors.New("palloc: unknown block kind")
	}
}

// flush applies ctx's accumulated entries to zoneID's bytes (idempotently
// re-running a mutation the heap already made directly) and forwards them
// to b as WAL redo actions.
func (a *Allocator) flush(ctx *memops.Context, zoneID uint32, b *waltx.Builder) error {
	target := zoneTarget{buf: a.zmem.Zone(zoneID)}
	entries, err := ctx.Process(target)
	if err != nil {
		return errors.Wrap(err, "palloc: apply")
	}
	for _, e := range entries {
		if err := b.Add(toWalAction(zoneID, e)); err != nil {
			return errors.Wrap(err, "palloc: wal action")
		}
	}
	return nil
}

// bitmapOffset returns the zone-relative byte offset of chunkID's run
// bitmap, immediately following its RunHeader.
func bitmapOffset(zoneID, chunkID uint32) uint64 {
	chunkOff := memblock.ChunkOffset(zoneID, chunkID) - memblock.ZoneBaseOffset(zoneID)
	return chunkOff + uint64(memblock.RunHeaderSize)
}

// bitSpan is one (<=64)-bit slice of a bit range that fits within a single
// 64-bit word, the granularity waltx.Action's BitPos/BitLen describe.
type bitSpan struct {
	wordOffset uint64
	bitPos     uint
	bitLen     uint
}

// splitBitRange breaks the [startBit, startBit+count) range of the bitmap
// based at baseOffset into a sequence of word-aligned spans.
func splitBitRange(baseOffset uint64, startBit, count int) []bitSpan {
	var spans []bitSpan
	bit := startBit
	remaining := count
	for remaining > 0 {
		word := bit / 64
		posInWord := uint(bit % 64)
		lenInWord := uint(64) - posInWord
		if int(lenInWord) > remaining {
			lenInWord = uint(remaining)
		}
		spans = append(spans, bitSpan{
			wordOffset: baseOffset + uint64(word)*8,
			bitPos:     posInWord,
			bitLen:     lenInWord,
		})
		bit += int(lenInWord)
		remaining -= int(lenInWord)
	}
	return spans
}

// zoneTarget adapts a zone's raw bytes to memops.Target, with all offsets
// relative to the start of the zone (matching how internal/heap itself
// indexes into the same buffer).
type zoneTarget struct {
	buf []byte
}

func (t zoneTarget) WriteUint64(offset uint64, value uint64) error {
	if offset+8 > uint64(len(t.buf)) {
		return errors.New("palloc: write offset out of range")
	}
	binary.LittleEndian.PutUint64(t.buf[offset:offset+8], value)
	return nil
}

func (t zoneTarget) SetBits(offset uint64, bitPos, length uint) error {
	if offset+8 > uint64(len(t.buf)) {
		return errors.New("palloc: bit offset out of range")
	}
	word := t.buf[offset : offset+8]
	for i := bitPos; i < bitPos+length; i++ {
		memblock.BitSet(word, int(i))
	}
	return nil
}

func (t zoneTarget) ClrBits(offset uint64, bitPos, length uint) error {
	if offset+8 > uint64(len(t.buf)) {
		return errors.New("palloc: bit offset out of range")
	}
	word := t.buf[offset : offset+8]
	for i := bitPos; i < bitPos+length; i++ {
		memblock.BitClear(word, int(i))
	}
	return nil
}

func (t zoneTarget) WriteBuf(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(t.buf)) {
		return errors.New("palloc: buf offset out of range")
	}
	copy(t.buf[offset:], data)
	return nil
}

// toWalAction converts a processed ulog entry (zone-relative offsets) into
// a waltx.Action (heap-relative/absolute offsets), the boundary between
// memops' in-process merge representation and the transaction's wire-level
// redo list.
func toWalAction(zoneID uint32, e ulog.Entry) waltx.Action {
	abs := memblock.ZoneBaseOffset(zoneID) + e.Offset
	switch e.Op {
	case ulog.OpSet:
		return waltx.Action{Op: waltx.OpAssign, Offset: abs, Value: e.Value, Size: 8}
	case ulog.OpSetBits:
		pos, length := memops.DecodeBitSpan(e.Value)
		return waltx.Action{Op: waltx.OpSetBits, Offset: abs, BitPos: pos, BitLen: length}
	case ulog.OpClrBits:
		pos, length := memops.DecodeBitSpan(e.Value)
		return waltx.Action{Op: waltx.OpClrBits, Offset: abs, BitPos: pos, BitLen: length}
	case ulog.OpBufCpy, ulog.OpBufSet:
		return waltx.Action{Op: waltx.OpCopy, Offset: abs, Payload: e.Buf}
	default:
		panic("palloc: unknown ulog op")
	}
}
