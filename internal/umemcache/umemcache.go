// Package umemcache implements the page cache of spec.md §4.2 (component
// C5): a mapping from zones of the backing blob to in-DRAM pages, with
// pin/unpin, LRU eviction of cold evictable pages, dirty-chunk tracking,
// and checkpointing dirty pages back through a store.Store.
//
// This implementation maps one cache "page" to exactly one heap zone
// (spec.md's own wording — "Zones are the unit of both persistent layout
// and cache mapping" — taken literally rather than introducing a second,
// independent page-size knob); see DESIGN.md for the tradeoffs that
// follow from it, chiefly that a page is larger than MAX_IO_SIZE and so
// checkpoint batches sub-page dirty chunks rather than whole pages.
package umemcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Tuning constants (spec.md §4.2).
const (
	MaxPagesPerSet  = 10
	MaxIOSize       = 8 << 20
	MaxInflightSets = 4
	ReservedPages   = 4 // UMEM_CACHE_RSRVD_PAGES
)

// ErrBusy mirrors -DER_CHKPT_BUSY: the caller touched a page currently
// mid-copy for an in-flight checkpoint.
var ErrBusy = errors.New("umemcache: page is being checkpointed")

type pageEntry struct {
	zoneID         uint32
	data           []byte
	evictable      bool
	refCount       int
	loaded         bool
	copying        bool
	dirty          []byte // one bit per allocator chunk (memblock.ChunksPerZone bits)
	lastCheckpoint uint64
	elem           *list.Element // membership in exactly one of the lists below, or nil
	onList         *list.List
}

func (p *pageEntry) anyDirty() bool {
	for _, b := range p.dirty {
		if b != 0 {
			return true
		}
	}
	return false
}

func (p *pageEntry) dirtyBit(chunk int) bool { return memblock.BitTest(p.dirty, chunk) }

// Cache is the pool's page cache.
type Cache struct {
	mu       sync.Mutex
	st       store.Store
	capacity int // mem_pages: max resident (loaded) pages
	resident int

	pages map[uint32]*pageEntry

	lruNE    *list.List // ca_pgs_lru[0]: clean, unpinned, non-evictable
	lruE     *list.List // ca_pgs_lru[1]: clean, unpinned, evictable (eviction candidates)
	dirty    *list.List // ca_pgs_dirty
	flushing *list.List // ca_pgs_flushing

	pinWQ    store.WaitQueue
	commitID uint64
}

// New creates a page cache of the given capacity (in zones) over st.
func New(st store.Store, capacity int) *Cache {
	return &Cache{
		st:       st,
		capacity: capacity,
		pages:    make(map[uint32]*pageEntry),
		lruNE:    list.New(),
		lruE:     list.New(),
		dirty:    list.New(),
		flushing: list.New(),
		pinWQ:    st.NewWaitQueue(),
	}
}

func (c *Cache) entry(zoneID uint32, evictable bool) *pageEntry {
	e, ok := c.pages[zoneID]
	if !ok {
		e = &pageEntry{zoneID: zoneID, evictable: evictable, dirty: make([]byte, memblock.BitmapBytes(memblock.ChunksPerZone))}
		c.pages[zoneID] = e
	}
	return e
}

// removeFromList detaches e from whatever list it currently sits on, if
// any.
func removeFromList(e *pageEntry) {
	if e.elem != nil && e.onList != nil {
		e.onList.Remove(e.elem)
		e.elem = nil
		e.onList = nil
	}
}

// resync moves e onto the one list its current state implies it belongs
// on — flushing while copying, dirty while it has outstanding writes
// (regardless of pin state, so a checkpoint can find a page that is both
// pinned and dirty), the appropriate clean LRU once idle and unpinned, or
// no list at all for a pinned-but-clean page. Must be called with mu
// held after any change to copying, the dirty bitmap, or refCount.
func (c *Cache) resync(e *pageEntry) {
	switch {
	case e.copying:
		if e.onList != c.flushing {
			removeFromList(e)
			e.elem = c.flushing.PushBack(e)
			e.onList = c.flushing
		}
	case e.anyDirty():
		if e.onList != c.dirty {
			removeFromList(e)
			e.elem = c.dirty.PushBack(e)
			e.onList = c.dirty
		}
	case e.refCount == 0:
		want := c.lruE
		if !e.evictable {
			want = c.lruNE
		}
		if e.onList != want {
			removeFromList(e)
			e.elem = want.PushBack(e)
			e.onList = want
		}
	default:
		removeFromList(e)
	}
}

// Pin implements umem_cache_pin for a single zone: ensures the zone is
// mapped and loaded and bumps its reference count. Callers must Unpin
// exactly once per successful Pin.
func (c *Cache) Pin(ctx context.Context, zoneID uint32, evictable bool) ([]byte, error) {
	c.mu.Lock()
	e := c.entry(zoneID, evictable)
	for !e.loaded && c.resident >= c.capacity {
		if !c.evictOneLocked() {
			c.mu.Unlock()
			if err := c.pinWQ.Wait(ctx); err != nil {
				return nil, err
			}
			c.mu.Lock()
			continue
		}
	}
	if !e.loaded {
		e.data = make([]byte, memblock.ZoneMaxSize)
		c.mu.Unlock()
		if err := c.st.Load(ctx, e.data, memblock.ZoneBaseOffset(zoneID)); err != nil {
			c.mu.Lock()
			e.data = nil
			c.mu.Unlock()
			return nil, errors.Wrap(err, "umemcache: load zone")
		}
		c.mu.Lock()
		e.loaded = true
		c.resident++
	}
	e.refCount++
	c.resync(e)
	data := e.data
	c.mu.Unlock()
	return data, nil
}

// Unpin releases one reference taken by Pin. A page with refCount==0
// returns to its clean or dirty list depending on outstanding writes.
func (c *Cache) Unpin(zoneID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[zoneID]
	if !ok || e.refCount == 0 {
		return
	}
	e.refCount--
	c.resync(e)
	if e.refCount == 0 {
		c.pinWQ.Wake(1)
	}
}

// Zone implements heap.ZoneMem by pinning the zone as non-evictable and
// leaving it pinned: every call takes one more reference, and no caller in
// this repository Unpins a zone obtained through Zone, so such zones stay
// resident for as long as the Cache exists.
func (c *Cache) Zone(zoneID uint32) []byte {
	data, err := c.Pin(context.Background(), zoneID, false)
	if err != nil {
		panic(errors.Wrap(err, "umemcache: Zone pin failed"))
	}
	return data
}

// Touch marks one allocator chunk within zoneID dirty (spec.md
// umem_cache_touch's write-visibility bookkeeping), returning ErrBusy if
// that chunk is currently being copied by an in-flight checkpoint.
func (c *Cache) Touch(zoneID uint32, chunkIdx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[zoneID]
	if !ok {
		return errors.Errorf("umemcache: touch on unpinned zone %d", zoneID)
	}
	if e.copying && e.dirtyBit(chunkIdx) {
		return ErrBusy
	}
	memblock.BitSet(e.dirty, chunkIdx)
	c.resync(e)
	return nil
}

// evictOneLocked evicts the single oldest clean, evictable, unpinned
// page, if any exists. Non-evictable pages (lruNE) are never evicted
// here.
func (c *Cache) evictOneLocked() bool {
	front := c.lruE.Front()
	if front == nil {
		return false
	}
	e := front.Value.(*pageEntry)
	if e.copying {
		return false
	}
	removeFromList(e)
	delete(c.pages, e.zoneID)
	c.resident--
	return true
}

// dirtySnapshot captures the (zoneID, chunk) pairs dirty at the moment a
// checkpoint begins, marking involved pages copying so eviction leaves
// them alone mid-flush (spec.md §7 invariant 5).
type dirtyChunkRef struct {
	page  *pageEntry
	chunk int
}

func (c *Cache) dirtySnapshot() []dirtyChunkRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []dirtyChunkRef
	var snapshot []*pageEntry
	for el := c.dirty.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, el.Value.(*pageEntry))
	}
	for _, e := range snapshot {
		e.copying = true
		c.resync(e)
		for i := 0; i < memblock.ChunksPerZone; i++ {
			if e.dirtyBit(i) {
				out = append(out, dirtyChunkRef{page: e, chunk: i})
			}
		}
	}
	return out
}

// Checkpoint implements umem_cache_checkpoint: it flushes every
// currently-dirty chunk to st, in sets of up to MaxPagesPerSet chunks,
// pipelined up to MaxInflightSets sets concurrently.
func (c *Cache) Checkpoint(ctx context.Context, newCommitID uint64) error {
	refs := c.dirtySnapshot()
	if len(refs) == 0 {
		c.mu.Lock()
		c.commitID = newCommitID
		c.mu.Unlock()
		return nil
	}

	var sets [][]dirtyChunkRef
	for len(refs) > 0 {
		n := MaxPagesPerSet
		if n > len(refs) {
			n = len(refs)
		}
		sets = append(sets, refs[:n])
		refs = refs[n:]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInflightSets)
	for _, set := range sets {
		set := set
		g.Go(func() error { return c.flushSet(gctx, set, newCommitID) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.commitID = newCommitID
	c.mu.Unlock()
	return nil
}

func (c *Cache) flushSet(ctx context.Context, set []dirtyChunkRef, commitID uint64) error {
	iod := make([]store.IOVec, len(set))
	sgl := make([][]byte, len(set))
	for i, ref := range set {
		off := memblock.ChunkOffset(ref.page.zoneID, uint32(ref.chunk))
		iod[i] = store.IOVec{Offset: off, Length: memblock.ChunkSize}
		c.mu.Lock()
		sgl[i] = ref.page.data[uint64(ref.chunk)*memblock.ChunkSize : uint64(ref.chunk+1)*memblock.ChunkSize]
		c.mu.Unlock()
	}

	h, err := c.st.FlushPrep(ctx, iod)
	if err != nil {
		c.abortSet(set)
		return errors.Wrap(err, "umemcache: flush prep")
	}
	copyErr := c.st.FlushCopy(h, sgl)
	if err := c.st.FlushPost(h, copyErr); err != nil {
		c.abortSet(set)
		return errors.Wrap(err, "umemcache: flush post")
	}
	if copyErr != nil {
		c.abortSet(set)
		return errors.Wrap(copyErr, "umemcache: flush copy")
	}

	c.mu.Lock()
	for _, ref := range set {
		memblock.BitClear(ref.page.dirty, ref.chunk)
	}
	c.settlePages(set, commitID)
	c.mu.Unlock()
	return nil
}

// abortSet clears the copying flag on every page touched by a failed
// set without clearing dirty bits, so a future checkpoint retries them.
func (c *Cache) abortSet(set []dirtyChunkRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[*pageEntry]bool)
	for _, ref := range set {
		if !seen[ref.page] {
			ref.page.copying = false
			c.resync(ref.page)
			seen[ref.page] = true
		}
	}
}

// settlePages clears the copying flag for pages fully flushed by set and
// resyncs each onto its now-correct list; must be called with mu held.
func (c *Cache) settlePages(set []dirtyChunkRef, commitID uint64) {
	seen := make(map[*pageEntry]bool)
	for _, ref := range set {
		if seen[ref.page] {
			continue
		}
		seen[ref.page] = true
		e := ref.page
		e.copying = false
		if !e.anyDirty() {
			e.lastCheckpoint = commitID
		}
		c.resync(e)
	}
}

// CommitID returns the last commit id successfully checkpointed.
func (c *Cache) CommitID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitID
}

// Stats reports the current resident, free, and dirty page counts, used by
// the CLI's stats subcommand.
type Stats struct {
	Resident int
	Free     int
	Dirty    int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident: c.resident,
		Free:     c.capacity - c.resident,
		Dirty:    c.dirty.Len(),
	}
}
