// Package heap implements the zone/chunk/run allocator of spec.md §4.1
// (component C9): zone limits, chunk header bookkeeping, per-MB buckets,
// the memory-bucket runtime (mbrt) usage-band queues, evictable MB
// selection, and the small-object-eviction (SOE) ring.
//
// The package works against zone bytes through the ZoneMem interface
// rather than a concrete cache, so it can be exercised directly in tests
// and wired to internal/umemcache once pages are actually paged in/out.
package heap

import (
	"sync"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/recycler"
	"github.com/pkg/errors"
)

// ErrOutOfSpace is returned when no zone, MB, or class can satisfy a
// request (spec.md §6 OutOfSpace).
var ErrOutOfSpace = errors.New("heap: out of space")

// ZoneMem gives the heap read/write access to one zone's raw bytes. A
// concrete cache (internal/umemcache) or a flat test buffer can implement
// it; the heap package never assumes pages are resident, only that Zone
// returns a slice backed by memory the caller is allowed to mutate.
type ZoneMem interface {
	// Zone returns the full ZoneMaxSize-byte slice for zone id, loading or
	// allocating it if this is the first access (internal/umemcache loads
	// it from the store; a flat test buffer zero-fills it).
	Zone(id uint32) []byte
}

// ZoneLimits partitions the zone budget across evictable and
// non-evictable memory buckets (spec.md §4.1 heap_get_zone_limits).
type ZoneLimits struct {
	NZonesHeap    uint32
	NZonesCache   uint32
	NZonesNEMax   uint32
	NZonesEMax    uint32
}

// minCachePages is UMEM_CACHE_MIN_PAGES: the smallest cache a pool may be
// created with, expressed in zones.
const minCachePages = 4

// GetZoneLimits implements heap_get_zone_limits: it partitions the zone
// budget between non-evictable (NE) and evictable (E) memory buckets
// based on nembPct, the percentage of cache reserved for NE zones.
func GetZoneLimits(heapSize, cacheSize int64, nembPct int) (ZoneLimits, error) {
	if heapSize < memblock.HeapHeaderSize {
		return ZoneLimits{}, errors.Errorf("heap: heap_size %d smaller than header", heapSize)
	}
	if cacheSize%memblock.ZoneMaxSize != 0 {
		return ZoneLimits{}, errors.New("heap: cache_size must be a multiple of the zone size")
	}
	nzonesCache := uint32(cacheSize / memblock.ZoneMaxSize)
	if nzonesCache < minCachePages {
		return ZoneLimits{}, errors.Errorf("heap: cache_size %d below minimum of %d zones", cacheSize, minCachePages)
	}
	if nembPct < 1 || nembPct > 100 {
		return ZoneLimits{}, errors.Errorf("heap: nemb_pct %d outside [1,100]", nembPct)
	}
	nzonesHeap := uint32((heapSize - memblock.HeapHeaderSize) / memblock.ZoneMaxSize)
	if nzonesHeap == 0 {
		return ZoneLimits{}, errors.New("heap: heap_size too small to hold a single zone")
	}
	nzonesNEMax := nzonesCache * uint32(nembPct) / 100
	if nzonesNEMax < minCachePages {
		nzonesNEMax = minCachePages
	}
	if nzonesNEMax > nzonesHeap {
		nzonesNEMax = nzonesHeap
	}
	nzonesEMax := nzonesHeap - nzonesNEMax
	return ZoneLimits{
		NZonesHeap:  nzonesHeap,
		NZonesCache: nzonesCache,
		NZonesNEMax: nzonesNEMax,
		NZonesEMax:  nzonesEMax,
	}, nil
}

// UsageBand classifies an MB's space usage for mbrt's queue-by-band
// scheme (spec.md §4.1 mbrt_qbs: U0/U30/U75/U90).
type UsageBand int

const (
	UsageU0 UsageBand = iota
	UsageU30
	UsageU75
	UsageU90
)

// BandOf returns the usage band for a usedPct in [0,100].
func BandOf(usedPct int) UsageBand {
	switch {
	case usedPct >= 90:
		return UsageU90
	case usedPct >= 75:
		return UsageU75
	case usedPct >= 30:
		return UsageU30
	default:
		return UsageU0
	}
}

// freeChunk names a contiguous run of FREE chunks available for a huge
// allocation or for carving a new run. Kept as a simplified replacement
// for the original's RAVL tree keyed by (size, address); see DESIGN.md.
type freeChunk struct {
	ChunkID uint32
	SizeIdx uint32
}

// activeRun is the single attached run a per-class bucket wraps.
type activeRun struct {
	ChunkID  uint32
	Bitmap   []byte
	NumUnits int
}

// bucket is per-MB, per-class state: either a single active run or (for
// the huge "class") the MB's free-chunk list.
type bucket struct {
	mu        sync.Mutex
	classID   uint8
	active    *activeRun
	freeChunk []freeChunk // only meaningful for the huge bucket (classID unused)
}

// MB is one memory bucket: a disjoint sub-heap occupying one zone, with
// its own buckets and recyclers (spec.md §4.1 mbrt).
type MB struct {
	ID         uint32
	Evictable  bool
	SpaceUsage uint64 // bytes allocated within this MB
	capacity   uint64 // usable bytes within the zone (ZoneMaxSize - MetaChunk)

	mu         sync.Mutex
	buckets    map[uint8]*bucket
	recyclers  map[uint8]*recycler.Recycler
	hugeBucket *bucket
	laf        map[uint8]bool // last-allocation-failed per class
}

func newMB(id uint32, evictable bool) *MB {
	return &MB{
		ID:         id,
		Evictable:  evictable,
		capacity:   uint64(memblock.ChunksPerZone-1) * memblock.ChunkSize,
		buckets:    make(map[uint8]*bucket),
		recyclers:  make(map[uint8]*recycler.Recycler),
		hugeBucket: &bucket{freeChunk: []freeChunk{{ChunkID: 1, SizeIdx: memblock.ChunksPerZone - 1}}},
		laf:        make(map[uint8]bool),
	}
}

// UsagePct returns this MB's space usage as a percentage of capacity.
func (m *MB) UsagePct() int {
	if m.capacity == 0 {
		return 0
	}
	return int(m.SpaceUsage * 100 / m.capacity)
}

func (m *MB) bucketFor(classID uint8) *bucket {
	b, ok := m.buckets[classID]
	if !ok {
		b = &bucket{classID: classID}
		m.buckets[classID] = b
	}
	return b
}

func (m *MB) recyclerFor(classID uint8) *recycler.Recycler {
	r, ok := m.recyclers[classID]
	if !ok {
		r = recycler.New()
		m.recyclers[classID] = r
	}
	return r
}

// Heap is one pool's zone/chunk/run allocator runtime (spec.md §4.1
// palloc_heap/heap_rt).
type Heap struct {
	mu      sync.Mutex
	zmem    ZoneMem
	classes *allocclass.Collection
	limits  ZoneLimits

	nextUnusedZone uint32
	nzonesNE       uint32
	nzonesE        uint32

	defaultMB         *MB
	activeEvictableMB *MB
	soe               *soeRing
	zones             map[uint32]*MB
}

// New creates a heap runtime. Zone 0 is always the default non-evictable
// MB (spec.md §4.1 invariant 4).
func New(zmem ZoneMem, classes *allocclass.Collection, limits ZoneLimits) *Heap {
	h := &Heap{
		zmem:           zmem,
		classes:        classes,
		limits:         limits,
		nextUnusedZone: 1,
		nzonesNE:       1,
		zones:          make(map[uint32]*MB),
		soe:            newSOERing(3),
	}
	h.defaultMB = newMB(0, false)
	h.zones[0] = h.defaultMB
	h.initZoneHeader(0, false)
	return h
}

// Limits returns the zone budget this heap was created with.
func (h *Heap) Limits() ZoneLimits {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limits
}

// UsedZoneCount returns how many zones have been carved out of the heap so
// far (including zone 0), for tooling that wants to walk every live zone.
func (h *Heap) UsedZoneCount() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextUnusedZone
}

func (h *Heap) initZoneHeader(zoneID uint32, evictable bool) {
	buf := h.zmem.Zone(zoneID)
	flags := memblock.ZoneFlags(0)
	if evictable {
		flags = memblock.ZoneEvictableMB
	}
	zh := memblock.ZoneHeader{
		Magic:   memblock.ZoneHeaderMagic,
		SizeIdx: memblock.ChunksPerZone,
		Flags:   flags,
	}
	copy(buf[:len(zh.Encode())], zh.Encode())
	meta := memblock.ChunkHeader{Type: memblock.ChunkUsed, SizeIdx: 1}
	copy(buf[memblock.ChunkHeaderOffset(memblock.MetaChunk):], meta.Encode())
}

// allocateZone carves the next unused zone into a brand-new MB.
func (h *Heap) allocateZone(evictable bool) (*MB, error) {
	if h.nextUnusedZone >= h.limits.NZonesHeap {
		return nil, ErrOutOfSpace
	}
	id := h.nextUnusedZone
	h.nextUnusedZone++
	if evictable {
		h.nzonesE++
	} else {
		h.nzonesNE++
	}
	mb := newMB(id, evictable)
	h.zones[id] = mb
	h.initZoneHeader(id, evictable)
	return mb, nil
}

// GetBestFitBlock implements heap_get_bestfit_block for a run-class
// request against mb (spec.md §4.1 "Allocation algorithm").
func (h *Heap) GetBestFitBlock(mb *MB, classID uint8, numUnits int) (memblock.Block, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// laf[classID] is informational only here: callers may still retry
	// immediately, but FreeBlock clears it on the next free for this
	// class, matching spec.md's "until a free event" wording.
	b := mb.bucketFor(classID)
	if block, ok := h.tryActiveRun(mb, b, classID, numUnits); ok {
		return block, nil
	}

	// heap_detach_and_try_discard_run: flush an active run that's gone
	// fully empty back to FREE before trying anything else.
	h.detachIfEmpty(mb, b)

	// heap_reuse_from_recycler: try a partially-empty parked run first.
	if block, ok, err := h.reuseFromRecycler(mb, b, classID, numUnits); err != nil {
		return memblock.Block{}, err
	} else if ok {
		return block, nil
	}

	// Pull a FREE huge chunk and run_create from it.
	cls, ok := h.classes.ByID(classID)
	if !ok {
		return memblock.Block{}, errors.Errorf("heap: unknown class %d", classID)
	}
	chunkID, err := h.takeFreeChunk(mb, 1)
	if err != nil {
		mb.laf[classID] = true
		return memblock.Block{}, err
	}
	b.active = h.runCreate(mb, chunkID, classID, cls)

	block, ok := h.tryActiveRun(mb, b, classID, numUnits)
	if !ok {
		mb.laf[classID] = true
		return memblock.Block{}, ErrOutOfSpace
	}
	return block, nil
}

// bitmapSlice returns the live, zone-buffer-backed bitmap bytes for a run
// chunk: both a freshly created run and one reloaded from the recycler
// read and write the same underlying bytes, so a run's allocation state
// always lives in the zone, never in a throwaway Go-heap copy.
func (h *Heap) bitmapSlice(zoneID, chunkID uint32, cls allocclass.Class) []byte {
	buf := h.zmem.Zone(zoneID)
	chunkOff := memblock.ChunkOffset(zoneID, chunkID) - memblock.ZoneBaseOffset(zoneID)
	bmOff := chunkOff + uint64(memblock.RunHeaderSize)
	return buf[bmOff : bmOff+uint64(cls.BitmapBytes())]
}

// runCreate implements heap_run_create: it writes the run header and
// marks the chunk header RUN, then returns the attached active run.
func (h *Heap) runCreate(mb *MB, chunkID uint32, classID uint8, cls allocclass.Class) *activeRun {
	buf := h.zmem.Zone(mb.ID)
	chunkOff := memblock.ChunkOffset(mb.ID, chunkID) - memblock.ZoneBaseOffset(mb.ID)
	rh := memblock.RunHeader{BlockSize: uint64(cls.UnitSize), Alignment: uint64(cls.Alignment)}
	copy(buf[chunkOff:], rh.Encode())
	ch := memblock.ChunkHeader{Type: memblock.ChunkRun, SizeIdx: 1}
	copy(buf[memblock.ChunkHeaderOffset(chunkID):], ch.Encode())
	return &activeRun{ChunkID: chunkID, Bitmap: h.bitmapSlice(mb.ID, chunkID, cls), NumUnits: cls.UnitsPerBlock}
}

func (h *Heap) tryActiveRun(mb *MB, b *bucket, classID uint8, numUnits int) (memblock.Block, bool) {
	if b.active == nil {
		return memblock.Block{}, false
	}
	start, ok := memblock.FindFreeRun(b.active.Bitmap, b.active.NumUnits, numUnits)
	if !ok {
		return memblock.Block{}, false
	}
	for i := start; i < start+numUnits; i++ {
		memblock.BitSet(b.active.Bitmap, i)
	}
	cls, _ := h.classes.ByID(classID)
	mb.SpaceUsage += uint64(numUnits * cls.UnitSize)
	mb.laf[classID] = false
	return memblock.Block{
		Kind:     memblock.KindRun,
		ZoneID:   mb.ID,
		ChunkID:  b.active.ChunkID,
		ClassID:  classID,
		UnitOff:  uint32(start),
		NumUnits: uint32(numUnits),
	}, true
}

// detachIfEmpty discards the active run back to a FREE chunk if every unit
// in it is currently free.
func (h *Heap) detachIfEmpty(mb *MB, b *bucket) {
	if b.active == nil {
		return
	}
	if memblock.CountFree(b.active.Bitmap, b.active.NumUnits) != b.active.NumUnits {
		return
	}
	buf := h.zmem.Zone(mb.ID)
	ch := memblock.ChunkHeader{Type: memblock.ChunkFree, SizeIdx: 1}
	copy(buf[memblock.ChunkHeaderOffset(b.active.ChunkID):], ch.Encode())
	h.freeChunk(mb, b.active.ChunkID, 1)
	b.active = nil
}

func (h *Heap) reuseFromRecycler(mb *MB, b *bucket, classID uint8, numUnits int) (memblock.Block, bool, error) {
	rc := mb.recyclerFor(classID)
	info, ok := rc.Reuse()
	if !ok {
		return memblock.Block{}, false, nil
	}
	cls, clsOK := h.classes.ByID(classID)
	if !clsOK {
		return memblock.Block{}, false, errors.Errorf("heap: unknown class %d", classID)
	}
	bm := h.bitmapSlice(mb.ID, info.Key.ChunkID, cls)

	start, ok := memblock.FindFreeRun(bm, cls.UnitsPerBlock, numUnits)
	if !ok {
		return memblock.Block{}, false, nil
	}
	for i := start; i < start+numUnits; i++ {
		memblock.BitSet(bm, i)
	}
	rc.Remove(info.Key)
	b.active = &activeRun{ChunkID: info.Key.ChunkID, Bitmap: bm, NumUnits: cls.UnitsPerBlock}
	mb.SpaceUsage += uint64(numUnits * cls.UnitSize)
	return memblock.Block{
		Kind:     memblock.KindRun,
		ZoneID:   mb.ID,
		ChunkID:  info.Key.ChunkID,
		ClassID:  classID,
		UnitOff:  uint32(start),
		NumUnits: uint32(numUnits),
	}, true, nil
}

// takeFreeChunk removes count contiguous FREE chunks from mb's free list,
// reclaiming recycled empty runs first if the list is short.
func (h *Heap) takeFreeChunk(mb *MB, count uint32) (uint32, error) {
	fb := mb.hugeBucket
	for i, fc := range fb.freeChunk {
		if fc.SizeIdx >= count {
			id := fc.ChunkID
			if fc.SizeIdx == count {
				fb.freeChunk = append(fb.freeChunk[:i], fb.freeChunk[i+1:]...)
			} else {
				fb.freeChunk[i] = freeChunk{ChunkID: fc.ChunkID + count, SizeIdx: fc.SizeIdx - count}
			}
			return id, nil
		}
	}
	h.recycleUnused(mb)
	for i, fc := range fb.freeChunk {
		if fc.SizeIdx >= count {
			id := fc.ChunkID
			if fc.SizeIdx == count {
				fb.freeChunk = append(fb.freeChunk[:i], fb.freeChunk[i+1:]...)
			} else {
				fb.freeChunk[i] = freeChunk{ChunkID: fc.ChunkID + count, SizeIdx: fc.SizeIdx - count}
			}
			return id, nil
		}
	}
	return 0, ErrOutOfSpace
}

// recycleUnused implements heap_recycle_unused: every recycler belonging
// to mb is asked for its fully-empty runs, which are converted back to
// FREE chunks.
func (h *Heap) recycleUnused(mb *MB) {
	for _, rc := range mb.recyclers {
		for _, info := range rc.ReclaimEmpty() {
			h.freeChunk(mb, info.Key.ChunkID, 1)
		}
	}
}

// freeChunk returns count chunks starting at chunkID to mb's FREE list,
// coalescing with an adjacent entry when possible (a simplified form of
// heap_get_adjacent_free_block's footer-based coalescing).
func (h *Heap) freeChunk(mb *MB, chunkID uint32, count uint32) {
	fb := mb.hugeBucket
	for i, fc := range fb.freeChunk {
		if fc.ChunkID+fc.SizeIdx == chunkID {
			fb.freeChunk[i].SizeIdx += count
			return
		}
		if chunkID+count == fc.ChunkID {
			fb.freeChunk[i] = freeChunk{ChunkID: chunkID, SizeIdx: fc.SizeIdx + count}
			return
		}
	}
	fb.freeChunk = append(fb.freeChunk, freeChunk{ChunkID: chunkID, SizeIdx: count})
}

// GetHugeBlock reserves a contiguous run of sizeIdx chunks for a huge
// (chunk-granularity) allocation.
func (h *Heap) GetHugeBlock(mb *MB, sizeIdx uint32) (memblock.Block, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	chunkID, err := h.takeFreeChunk(mb, sizeIdx)
	if err != nil {
		return memblock.Block{}, err
	}
	buf := h.zmem.Zone(mb.ID)
	ch := memblock.ChunkHeader{Type: memblock.ChunkUsed, SizeIdx: uint16(sizeIdx)}
	copy(buf[memblock.ChunkHeaderOffset(chunkID):], ch.Encode())
	mb.SpaceUsage += uint64(sizeIdx) * memblock.ChunkSize
	return memblock.Block{Kind: memblock.KindHuge, ZoneID: mb.ID, ChunkID: chunkID, SizeIdx: sizeIdx}, nil
}

// FreeBlock returns a block (run or huge) to its owning MB.
func (h *Heap) FreeBlock(mb *MB, block memblock.Block) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	switch block.Kind {
	case memblock.KindHuge:
		mb.SpaceUsage -= uint64(block.SizeIdx) * memblock.ChunkSize
		buf := h.zmem.Zone(mb.ID)
		ch := memblock.ChunkHeader{Type: memblock.ChunkFree, SizeIdx: uint16(block.SizeIdx)}
		copy(buf[memblock.ChunkHeaderOffset(block.ChunkID):], ch.Encode())
		h.freeChunk(mb, block.ChunkID, block.SizeIdx)
		return nil
	case memblock.KindRun:
		cls, ok := h.classes.ByID(block.ClassID)
		if !ok {
			return errors.Errorf("heap: unknown class %d", block.ClassID)
		}
		mb.SpaceUsage -= uint64(block.NumUnits) * uint64(cls.UnitSize)
		mb.laf[block.ClassID] = false
		b := mb.bucketFor(block.ClassID)
		if b.active != nil && b.active.ChunkID == block.ChunkID {
			for i := block.UnitOff; i < block.UnitOff+block.NumUnits; i++ {
				memblock.BitClear(b.active.Bitmap, int(i))
			}
			h.detachIfEmpty(mb, b)
			return nil
		}
		// The run is not the active run: clear its units in the zone
		// bitmap and update its tracked free-unit count in the recycler.
		bm := h.bitmapSlice(mb.ID, block.ChunkID, cls)
		for i := block.UnitOff; i < block.UnitOff+block.NumUnits; i++ {
			memblock.BitClear(bm, int(i))
		}
		rc := mb.recyclerFor(block.ClassID)
		info, found := rc.Remove(recycler.RunKey{ZoneID: mb.ID, ChunkID: block.ChunkID})
		if !found {
			info = recycler.RunInfo{Key: recycler.RunKey{ZoneID: mb.ID, ChunkID: block.ChunkID}, TotalUnits: cls.UnitsPerBlock}
		}
		info.FreeUnits += int(block.NumUnits)
		if info.FreeUnits > info.TotalUnits {
			info.FreeUnits = info.TotalUnits
		}
		rc.Put(info)
		return nil
	default:
		return errors.New("heap: unknown block kind")
	}
}

// ParkRun moves a bucket's currently-attached active run into its
// recycler, e.g. when the caller is switching to a different class and
// wants the partially-used run preserved for reuse later.
func (h *Heap) ParkRun(mb *MB, classID uint8) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	b := mb.bucketFor(classID)
	if b.active == nil {
		return
	}
	cls, ok := h.classes.ByID(classID)
	if !ok {
		return
	}
	free := memblock.CountFree(b.active.Bitmap, b.active.NumUnits)
	rc := mb.recyclerFor(classID)
	rc.Put(recycler.RunInfo{
		Key:        recycler.RunKey{ZoneID: mb.ID, ChunkID: b.active.ChunkID},
		FreeUnits:  free,
		TotalUnits: cls.UnitsPerBlock,
	})
	b.active = nil
}

// DefaultMB returns the pool's default (always non-evictable) MB.
func (h *Heap) DefaultMB() *MB {
	return h.defaultMB
}

// GetEvictableMB implements heap_get_evictable_mb: pick (or create) the
// evictable MB an allocation should be served from.
func (h *Heap) GetEvictableMB(pressure bool) (*MB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.activeEvictableMB != nil && (pressure || h.activeEvictableMB.UsagePct() <= 75) {
		return h.activeEvictableMB, nil
	}
	if mb, ok := h.soe.next(); ok {
		h.activeEvictableMB = mb
		return mb, nil
	}
	if h.nzonesE >= h.limits.NZonesEMax {
		if h.activeEvictableMB != nil {
			return h.activeEvictableMB, nil
		}
		return nil, ErrOutOfSpace
	}
	mb, err := h.allocateZone(true)
	if err != nil {
		return nil, err
	}
	h.activeEvictableMB = mb
	h.soe.add(mb)
	return mb, nil
}

// soeRing is the small-object-eviction ring: a fixed-size LRU ring of
// non-evictable-adjacent evictable MBs kept "warm" to spread allocation
// rather than hammering a single MB to exhaustion. Simplified from the
// original's usage-band-tuned retirement heuristic to a fixed ring whose
// add overwrites the slot at the ring's cursor, plus a per-slot counter of consecutive
// lookups that found the slot over 75% usage; no threshold is applied to
// that counter and nothing retires a slot because of it.
type soeRing struct {
	slots []*MB
	empty []int
	pos   int
}

func newSOERing(size int) *soeRing {
	return &soeRing{slots: make([]*MB, size), empty: make([]int, size)}
}

func (r *soeRing) add(mb *MB) {
	r.slots[r.pos] = mb
	r.empty[r.pos] = 0
	r.pos = (r.pos + 1) % len(r.slots)
}

// next advances the ring and returns the first slot usable as the active
// evictable MB (usage <= 75%), recording consecutive "found nothing
// usable" observations per slot so a heap_recycle_soembs-style pass (not
// implemented here; see DESIGN.md) would know which slots are cold.
func (r *soeRing) next() (*MB, bool) {
	for i := 0; i < len(r.slots); i++ {
		idx := (r.pos + i) % len(r.slots)
		mb := r.slots[idx]
		if mb == nil {
			continue
		}
		if mb.UsagePct() <= 75 {
			r.pos = idx
			r.empty[idx] = 0
			return mb, true
		}
		r.empty[idx]++
	}
	return nil, false
}
