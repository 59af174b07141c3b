// Package memblock implements the on-disk zone/chunk/run layout and the
// run/huge memory-block variants of spec.md §3 and §4.1 (component C7):
// zone and chunk headers, run bitmaps, and the small value type used to
// name a reserved-but-not-yet-published allocation as it moves through
// palloc and tx.
package memblock

import (
	"encoding/binary"
	"math/bits"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/pkg/errors"
)

// Layout constants (spec.md §3).
const (
	HeapHeaderSize = 4096
	ZoneMaxSize    = 16 << 20
	ChunkSize      = allocclass.ChunkSize
	ChunksPerZone  = ZoneMaxSize / ChunkSize // 64

	// MetaChunk is the index of the chunk inside every zone that holds the
	// zone header and chunk-header table. It is permanently USED and never
	// handed out by the allocator.
	MetaChunk = 0

	ZoneHeaderMagic uint64 = 0x44415632484452FE // "DAV2HDR" flavored magic

	zoneHeaderEncodedSize  = 64
	chunkHeaderEncodedSize = 8
	runHeaderEncodedSize   = 16
)

// ZoneFlags bitset (spec.md §3 zone_header.flags).
type ZoneFlags uint32

const (
	ZoneEvictableMB ZoneFlags = 1 << 0
	ZoneSOEMB       ZoneFlags = 1 << 1
)

// ZoneHeader is the per-zone header occupying the start of MetaChunk.
type ZoneHeader struct {
	Magic         uint64
	SizeIdx       uint32 // chunks covered by this zone's own bookkeeping (always ChunksPerZone's accounting unit)
	Flags         ZoneFlags
	SPUsage       uint64
	Zone0ZinfoOff uint64
	Zone0ZinfoSz  uint64
	RootOff       uint64 // reserved[0]
	RootSize      uint64 // reserved[1]
	SPUsageGlob   uint64
}

// Encode writes the header into a zoneHeaderEncodedSize-byte buffer.
func (z ZoneHeader) Encode() []byte {
	buf := make([]byte, zoneHeaderEncodedSize)
	binary.LittleEndian.PutUint64(buf[0:8], z.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], z.SizeIdx)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(z.Flags))
	binary.LittleEndian.PutUint64(buf[16:24], z.SPUsage)
	binary.LittleEndian.PutUint64(buf[24:32], z.Zone0ZinfoOff)
	binary.LittleEndian.PutUint64(buf[32:40], z.Zone0ZinfoSz)
	binary.LittleEndian.PutUint64(buf[40:48], z.RootOff)
	binary.LittleEndian.PutUint64(buf[48:56], z.RootSize)
	binary.LittleEndian.PutUint64(buf[56:64], z.SPUsageGlob)
	return buf
}

// DecodeZoneHeader parses a header previously produced by Encode.
func DecodeZoneHeader(buf []byte) (ZoneHeader, error) {
	if len(buf) < zoneHeaderEncodedSize {
		return ZoneHeader{}, errors.New("memblock: zone header buffer too short")
	}
	return ZoneHeader{
		Magic:         binary.LittleEndian.Uint64(buf[0:8]),
		SizeIdx:       binary.LittleEndian.Uint32(buf[8:12]),
		Flags:         ZoneFlags(binary.LittleEndian.Uint32(buf[12:16])),
		SPUsage:       binary.LittleEndian.Uint64(buf[16:24]),
		Zone0ZinfoOff: binary.LittleEndian.Uint64(buf[24:32]),
		Zone0ZinfoSz:  binary.LittleEndian.Uint64(buf[32:40]),
		RootOff:       binary.LittleEndian.Uint64(buf[40:48]),
		RootSize:      binary.LittleEndian.Uint64(buf[48:56]),
		SPUsageGlob:   binary.LittleEndian.Uint64(buf[56:64]),
	}, nil
}

// Evictable reports whether the zone may be unloaded from the cache when
// cold (spec.md §3 invariant 5).
func (z ZoneHeader) Evictable() bool { return z.Flags&ZoneEvictableMB != 0 }

// ChunkType enumerates a chunk's role (spec.md §4.1).
type ChunkType uint8

const (
	ChunkFree ChunkType = iota
	ChunkUsed
	ChunkRun
)

// ChunkHeader describes one chunk slot (spec.md §3 chunk_headers[MAX_CHUNK]).
type ChunkHeader struct {
	Type    ChunkType
	Flags   uint8
	SizeIdx uint16
}

func (h ChunkHeader) Encode() []byte {
	buf := make([]byte, chunkHeaderEncodedSize)
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.SizeIdx)
	return buf
}

func DecodeChunkHeader(buf []byte) ChunkHeader {
	return ChunkHeader{
		Type:    ChunkType(buf[0]),
		Flags:   buf[1],
		SizeIdx: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// ChunkHeaderTableOffset is the byte offset, within MetaChunk, of the first
// chunk header entry.
const ChunkHeaderTableOffset = zoneHeaderEncodedSize

// ChunkHeaderTableSize is the total size in bytes of the chunk header table.
const ChunkHeaderTableSize = ChunksPerZone * chunkHeaderEncodedSize

// ZinfoOffsetInMetaChunk is where the zone-0 zinfo vector (if present)
// begins within MetaChunk, immediately after the chunk header table.
const ZinfoOffsetInMetaChunk = ChunkHeaderTableOffset + ChunkHeaderTableSize

// ChunkHeaderOffset returns the byte offset, within a zone's buffer, of
// chunkID's entry in the chunk header table.
func ChunkHeaderOffset(chunkID uint32) int {
	return ChunkHeaderTableOffset + int(chunkID)*chunkHeaderEncodedSize
}

// RunHeaderSize is the encoded size of a RunHeader, exported so callers
// can locate a run's bitmap and data area without duplicating the layout
// constant.
const RunHeaderSize = runHeaderEncodedSize

// RunHeader is chunk_run_header{block_size,alignment}, the first bytes of
// a RUN-typed chunk.
type RunHeader struct {
	BlockSize uint64
	Alignment uint64
}

func (r RunHeader) Encode() []byte {
	buf := make([]byte, runHeaderEncodedSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.BlockSize)
	binary.LittleEndian.PutUint64(buf[8:16], r.Alignment)
	return buf
}

func DecodeRunHeader(buf []byte) RunHeader {
	return RunHeader{
		BlockSize: binary.LittleEndian.Uint64(buf[0:8]),
		Alignment: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// PoolHeaderMagic identifies a valid pool header at blob offset 0.
const PoolHeaderMagic uint64 = 0x44415632504F4F4C // "DAV2POOL" flavored magic

// poolHeaderChecksumOffset is the byte offset of the checksum field within
// a PoolHeader's encoded form, used by Seal/Verify.
const poolHeaderChecksumOffset = 40

// PoolHeader is the 4096-byte header occupying blob offset 0 (spec.md §3:
// "Offset 0: heap_header"). It records the pool's static layout parameters
// so a reopen can recompute the same ZoneLimits the pool was created with.
type PoolHeader struct {
	Magic       uint64
	MajorVer    uint32
	MinorVer    uint32
	HeapSize    uint64
	CacheSize   uint64
	ChunkSize   uint64
	ChunksPerZ  uint64
	NembPct     uint32
	_           uint32 // padding to keep the checksum 8-byte aligned
	Checksum    uint64
}

// Encode packs h into a HeapHeaderSize-byte buffer, writing h.Checksum as
// given. The caller computes that checksum with cksum.SealHeader's
// zero-the-field convention; memblock does not import package cksum, so
// Seal/Verify live in the caller.
func (h PoolHeader) Encode() []byte {
	buf := make([]byte, HeapHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.MajorVer)
	binary.LittleEndian.PutUint32(buf[12:16], h.MinorVer)
	binary.LittleEndian.PutUint64(buf[16:24], h.HeapSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.CacheSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.ChunkSize)
	// Deliberately leaves [40:48] as the checksum, filled in by Seal.
	binary.LittleEndian.PutUint64(buf[48:56], h.ChunksPerZ)
	binary.LittleEndian.PutUint32(buf[56:60], h.NembPct)
	binary.LittleEndian.PutUint64(buf[poolHeaderChecksumOffset:poolHeaderChecksumOffset+8], h.Checksum)
	return buf
}

// DecodePoolHeader parses a header previously produced by Encode.
func DecodePoolHeader(buf []byte) (PoolHeader, error) {
	if len(buf) < HeapHeaderSize {
		return PoolHeader{}, errors.New("memblock: pool header buffer too short")
	}
	return PoolHeader{
		Magic:      binary.LittleEndian.Uint64(buf[0:8]),
		MajorVer:   binary.LittleEndian.Uint32(buf[8:12]),
		MinorVer:   binary.LittleEndian.Uint32(buf[12:16]),
		HeapSize:   binary.LittleEndian.Uint64(buf[16:24]),
		CacheSize:  binary.LittleEndian.Uint64(buf[24:32]),
		ChunkSize:  binary.LittleEndian.Uint64(buf[32:40]),
		ChunksPerZ: binary.LittleEndian.Uint64(buf[48:56]),
		NembPct:    binary.LittleEndian.Uint32(buf[56:60]),
		Checksum:   binary.LittleEndian.Uint64(buf[poolHeaderChecksumOffset : poolHeaderChecksumOffset+8]),
	}, nil
}

// PoolHeaderChecksumOffset exposes poolHeaderChecksumOffset for callers
// sealing/verifying a PoolHeader with package cksum.
const PoolHeaderChecksumOffset = poolHeaderChecksumOffset

// ZoneBaseOffset returns the absolute blob offset of zone id's first byte.
func ZoneBaseOffset(zoneID uint32) uint64 {
	return HeapHeaderSize + uint64(zoneID)*ZoneMaxSize
}

// ChunkOffset returns the absolute blob offset of chunk chunkID within
// zone zoneID.
func ChunkOffset(zoneID, chunkID uint32) uint64 {
	return ZoneBaseOffset(zoneID) + uint64(chunkID)*ChunkSize
}

// --- bitmap helpers, operating on a byte slice of packed bits (LSB first) ---

// BitmapBytes returns the number of bytes needed to hold nbits bits.
func BitmapBytes(nbits int) int { return (nbits + 7) / 8 }

// BitTest reports whether bit i is set.
func BitTest(bm []byte, i int) bool {
	return bm[i/8]&(1<<uint(i%8)) != 0
}

// BitSet sets bit i.
func BitSet(bm []byte, i int) {
	bm[i/8] |= 1 << uint(i%8)
}

// BitClear clears bit i.
func BitClear(bm []byte, i int) {
	bm[i/8] &^= 1 << uint(i%8)
}

// CountFree returns the number of unset bits among the first nbits bits of
// bm (an unset bit means the unit at that index is free).
func CountFree(bm []byte, nbits int) int {
	free := 0
	for i := 0; i < nbits; i++ {
		if !BitTest(bm, i) {
			free++
		}
	}
	return free
}

// FindFreeRun scans bm for the first run of count consecutive unset bits
// among the first nbits bits, returning its starting index.
func FindFreeRun(bm []byte, nbits, count int) (start int, ok bool) {
	run := 0
	for i := 0; i < nbits; i++ {
		if BitTest(bm, i) {
			run = 0
			continue
		}
		run++
		if run == count {
			return i - count + 1, true
		}
	}
	return 0, false
}

// PopcountBytes is a small helper used by recycler/heap code that needs a
// fast "how many bits are set" without a full per-bit loop.
func PopcountBytes(bm []byte) int {
	n := 0
	for _, b := range bm {
		n += bits.OnesCount8(b)
	}
	return n
}

// Kind distinguishes a run (sub-chunk, unit granularity) memory block from
// a huge (whole-chunk granularity) one.
type Kind int

const (
	KindRun Kind = iota
	KindHuge
)

// Block names a single allocation, whether reserved or published. It
// carries no pointer: callers resolve it to bytes through the heap/cache
// layer. This mirrors the teacher's bdev_block_t in spirit (a lightweight
// handle distinct from its backing bytes) generalized from one disk block
// to an allocator's run/huge memory block.
type Block struct {
	Kind    Kind
	ZoneID  uint32
	ChunkID uint32

	// Huge-only: number of contiguous chunks this allocation occupies.
	SizeIdx uint32

	// Run-only: which class served it and which unit index within the
	// run's bitmap.
	ClassID  uint8
	UnitOff  uint32
	NumUnits uint32
}

// UsableSize returns the number of bytes usable by the caller of this
// block, given the class collection (needed to resolve run unit sizes).
func (b Block) UsableSize(classes *allocclass.Collection) (int, error) {
	switch b.Kind {
	case KindHuge:
		return int(b.SizeIdx) * ChunkSize, nil
	case KindRun:
		cls, ok := classes.ByID(b.ClassID)
		if !ok {
			return 0, errors.Errorf("memblock: unknown class id %d", b.ClassID)
		}
		return int(b.NumUnits) * cls.UnitSize, nil
	default:
		return 0, errors.New("memblock: unknown block kind")
	}
}

// Offset returns the absolute blob offset of the first usable byte of the
// block.
func (b Block) Offset(classes *allocclass.Collection) (uint64, error) {
	base := ChunkOffset(b.ZoneID, b.ChunkID)
	switch b.Kind {
	case KindHuge:
		return base, nil
	case KindRun:
		cls, ok := classes.ByID(b.ClassID)
		if !ok {
			return 0, errors.Errorf("memblock: unknown class id %d", b.ClassID)
		}
		return base + uint64(cls.DataAreaOffset()) + uint64(b.UnitOff)*uint64(cls.UnitSize), nil
	default:
		return 0, errors.New("memblock: unknown block kind")
	}
}
