// Package allocclass describes the allocation classes (spec.md §4.1,
// component C6): the unit_size/units_per_run/alignment table that decides
// how a request of a given size is served, and lookup from a requested size
// to the best-fit class.
package allocclass

import (
	"github.com/dav2/dav2/internal/cksum"
	"github.com/pkg/errors"
)

// ChunkSize is the fixed size of one heap chunk (spec.md §3: 256 KiB).
const ChunkSize = 256 * 1024

// MaxAllocationClasses bounds the number of classes a collection may hold
// (spec.md §4.1 failure semantics).
const MaxAllocationClasses = 64

// MaxAllocSize is the largest single allocation the heap will serve
// (spec.md §4.1: "(0, DAV_MAX_ALLOC_SIZE]"). Anything larger must be split
// by the caller.
const MaxAllocSize = 16 << 20 // one zone's worth

// MaxAlignment is the largest alignment a class may request (spec.md §4.1).
const MaxAlignment = 2 << 20

// HeaderType distinguishes how a run's per-unit bookkeeping works. This
// implementation keeps usable_size == unit_size for every class (no
// variable-size suballocation within a unit), so HeaderType is informational
// metadata carried through from the original design rather than something
// that changes the byte layout of a unit.
type HeaderType int

const (
	HeaderNone HeaderType = iota
	HeaderCompact
)

// runHeaderSize is chunk_run_header{block_size,alignment} encoded size.
const runHeaderSize = 16

// Class describes one allocation class.
type Class struct {
	ID            uint8
	UnitSize      int
	Alignment     int
	UnitsPerBlock int
	Header        HeaderType
}

// BitmapBytes returns the number of bytes the per-unit free bitmap occupies
// for this class's run.
func (c Class) BitmapBytes() int {
	return (c.UnitsPerBlock + 7) / 8
}

// DataAreaOffset returns the byte offset of the first unit within a run
// chunk, i.e. past the chunk_run_header and the bitmap.
func (c Class) DataAreaOffset() int {
	return cksum.RoundUp(runHeaderSize+c.BitmapBytes(), c.Alignment)
}

// Validate checks a class definition against spec.md §4.1's failure
// semantics for class registration.
func (c Class) Validate() error {
	if c.UnitSize <= 0 || c.UnitSize > MaxAllocSize {
		return errors.Errorf("allocclass: unit size %d outside (0,%d]", c.UnitSize, MaxAllocSize)
	}
	if !cksum.IsPowerOfTwo(c.Alignment) {
		return errors.Errorf("allocclass: alignment %d is not a power of two", c.Alignment)
	}
	if c.Alignment > MaxAlignment {
		return errors.Errorf("allocclass: alignment %d exceeds max %d", c.Alignment, MaxAlignment)
	}
	if c.UnitSize%c.Alignment != 0 {
		return errors.Errorf("allocclass: alignment %d does not divide unit size %d", c.Alignment, c.UnitSize)
	}
	if int(c.ID) >= MaxAllocationClasses {
		return errors.Errorf("allocclass: class id %d >= max %d", c.ID, MaxAllocationClasses)
	}
	if c.DataAreaOffset()+c.UnitsPerBlock*c.UnitSize > ChunkSize {
		return errors.Errorf("allocclass: class %d run does not fit in one chunk", c.ID)
	}
	return nil
}

// Collection is an ordered table of allocation classes, sorted by
// ascending UnitSize, used to pick the best-fit class for a request.
type Collection struct {
	classes []Class
}

// defaultAlignment picks a reasonably small power-of-two alignment that
// divides size, capped at 16 bytes for anything that permits it.
func defaultAlignment(size int) int {
	a := 16
	for a > 1 && size%a != 0 {
		a >>= 1
	}
	if a < 1 {
		a = 1
	}
	return a
}

// NewDefaultCollection builds the standard class table: a geometric
// progression of unit sizes from 16 bytes up to 2048 bytes (growth factor
// ~1.5, matching common slab-allocator size-class tables such as the one in
// cloudfly-readgo/runtime/msize.go), each sized to pack as many units into
// one 256 KiB run chunk as the bitmap/header overhead allows, capped at
// 4096 units so the free bitmap stays a manageable, fixed-iteration size.
func NewDefaultCollection() (*Collection, error) {
	const maxUnitsPerBlock = 4096
	sizes := []int{}
	for sz := 16; sz <= 2048; {
		sizes = append(sizes, sz)
		next := sz + sz/2
		next = cksum.RoundUp(next, 16)
		if next <= sz {
			next = sz + 16
		}
		sz = next
	}

	c := &Collection{}
	for i, sz := range sizes {
		align := defaultAlignment(sz)
		// units*sz + ceil(units/8) + runHeaderSize <= ChunkSize, solved
		// approximately then trimmed down until it fits exactly.
		units := (ChunkSize - runHeaderSize) * 8 / (sz*8 + 1)
		if units > maxUnitsPerBlock {
			units = maxUnitsPerBlock
		}
		cls := Class{ID: uint8(i), UnitSize: sz, Alignment: align, UnitsPerBlock: units, Header: HeaderCompact}
		for units > 1 && cls.DataAreaOffset()+units*sz > ChunkSize {
			units--
			cls.UnitsPerBlock = units
		}
		if err := cls.Validate(); err != nil {
			return nil, err
		}
		c.classes = append(c.classes, cls)
	}
	return c, nil
}

// Classes returns the collection's classes in ascending unit-size order.
func (c *Collection) Classes() []Class {
	return c.classes
}

// ByID returns the class with the given id.
func (c *Collection) ByID(id uint8) (Class, bool) {
	for _, cls := range c.classes {
		if cls.ID == id {
			return cls, true
		}
	}
	return Class{}, false
}

// BestFit returns the smallest class whose unit size is >= size, or
// ok=false if size exceeds every class's unit size (meaning the allocation
// must be served as a huge, chunk-granularity allocation instead).
func (c *Collection) BestFit(size int) (Class, bool) {
	for _, cls := range c.classes {
		if cls.UnitSize >= size {
			return cls, true
		}
	}
	return Class{}, false
}

// MaxUnitSize returns the largest unit size among the collection's run
// classes: requests above this are served as huge allocations.
func (c *Collection) MaxUnitSize() int {
	if len(c.classes) == 0 {
		return 0
	}
	return c.classes[len(c.classes)-1].UnitSize
}
