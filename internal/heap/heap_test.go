package heap

import (
	"testing"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/dav2/dav2/internal/memblock"
)

type fakeZoneMem struct {
	zones map[uint32][]byte
}

func newFakeZoneMem() *fakeZoneMem {
	return &fakeZoneMem{zones: make(map[uint32][]byte)}
}

func (f *fakeZoneMem) Zone(id uint32) []byte {
	z, ok := f.zones[id]
	if !ok {
		z = make([]byte, memblock.ZoneMaxSize)
		f.zones[id] = z
	}
	return z
}

func TestGetZoneLimits(t *testing.T) {
	limits, err := GetZoneLimits(256<<20, 256<<20, 100)
	if err != nil {
		t.Fatalf("GetZoneLimits: %v", err)
	}
	if limits.NZonesHeap != limits.NZonesNEMax {
		t.Errorf("with nemb_pct=100 expected all zones to be NE-eligible, got heap=%d nemax=%d", limits.NZonesHeap, limits.NZonesNEMax)
	}
}

func TestGetZoneLimitsRejectsBadParams(t *testing.T) {
	if _, err := GetZoneLimits(256<<20, 256<<20, 0); err == nil {
		t.Errorf("expected error for nemb_pct=0")
	}
	if _, err := GetZoneLimits(256<<20, 256<<20, 101); err == nil {
		t.Errorf("expected error for nemb_pct=101")
	}
	if _, err := GetZoneLimits(256<<20, (16<<20)*3+1, 50); err == nil {
		t.Errorf("expected error for misaligned cache_size")
	}
	if _, err := GetZoneLimits(256<<20, 16<<20, 50); err == nil {
		t.Errorf("expected error for cache_size below the minimum page count")
	}
}

func TestBandOf(t *testing.T) {
	cases := map[int]UsageBand{0: UsageU0, 29: UsageU0, 30: UsageU30, 74: UsageU30, 75: UsageU75, 89: UsageU75, 90: UsageU90, 100: UsageU90}
	for pct, want := range cases {
		if got := BandOf(pct); got != want {
			t.Errorf("BandOf(%d) = %v, want %v", pct, got, want)
		}
	}
}

func newTestHeap(t *testing.T) (*Heap, *allocclass.Collection) {
	t.Helper()
	classes, err := allocclass.NewDefaultCollection()
	if err != nil {
		t.Fatalf("NewDefaultCollection: %v", err)
	}
	limits, err := GetZoneLimits(256<<20, 256<<20, 50)
	if err != nil {
		t.Fatalf("GetZoneLimits: %v", err)
	}
	return New(newFakeZoneMem(), classes, limits), classes
}

func TestRunAllocAndFreeRoundTrips(t *testing.T) {
	h, classes := newTestHeap(t)
	cls := classes.Classes()[0]
	mb := h.DefaultMB()

	block, err := h.GetBestFitBlock(mb, cls.ID, 1)
	if err != nil {
		t.Fatalf("GetBestFitBlock: %v", err)
	}
	if block.Kind != memblock.KindRun {
		t.Fatalf("expected a run block")
	}
	if mb.SpaceUsage != uint64(cls.UnitSize) {
		t.Errorf("SpaceUsage = %d, want %d", mb.SpaceUsage, cls.UnitSize)
	}

	if err := h.FreeBlock(mb, block); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if mb.SpaceUsage != 0 {
		t.Errorf("SpaceUsage after free = %d, want 0", mb.SpaceUsage)
	}
}

func TestHugeAllocAndFree(t *testing.T) {
	h, _ := newTestHeap(t)
	mb := h.DefaultMB()

	block, err := h.GetHugeBlock(mb, 4)
	if err != nil {
		t.Fatalf("GetHugeBlock: %v", err)
	}
	if mb.SpaceUsage != 4*memblock.ChunkSize {
		t.Errorf("SpaceUsage = %d, want %d", mb.SpaceUsage, 4*memblock.ChunkSize)
	}
	if err := h.FreeBlock(mb, block); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if mb.SpaceUsage != 0 {
		t.Errorf("SpaceUsage after free = %d, want 0", mb.SpaceUsage)
	}

	// The chunk should be available again for a huge allocation of the
	// same size (coalesced free list, not fragmented).
	if _, err := h.GetHugeBlock(mb, memblock.ChunksPerZone-1); err != nil {
		t.Errorf("expected the full zone minus MetaChunk to be free again: %v", err)
	}
}

func TestRecyclerReuseAfterPartialFree(t *testing.T) {
	h, classes := newTestHeap(t)
	cls := classes.Classes()[0]
	mb := h.DefaultMB()

	unitsPerRun := cls.UnitsPerBlock
	blocks := make([]memblock.Block, 0, unitsPerRun)
	for i := 0; i < unitsPerRun; i++ {
		b, err := h.GetBestFitBlock(mb, cls.ID, 1)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		blocks = append(blocks, b)
	}

	// Free everything but the last one, then park the run with ParkRun;
	// the recycler should offer it back up for reuse.
	for _, b := range blocks[:len(blocks)-1] {
		if err := h.FreeBlock(mb, b); err != nil {
			t.Fatalf("free: %v", err)
		}
	}
	h.ParkRun(mb, cls.ID)

	reused, err := h.GetBestFitBlock(mb, cls.ID, 1)
	if err != nil {
		t.Fatalf("GetBestFitBlock after park: %v", err)
	}
	if reused.ChunkID != blocks[0].ChunkID {
		t.Errorf("expected reuse of the parked run's chunk %d, got %d", blocks[0].ChunkID, reused.ChunkID)
	}
}

func TestGetEvictableMBCreatesAndReuses(t *testing.T) {
	h, _ := newTestHeap(t)
	mb1, err := h.GetEvictableMB(false)
	if err != nil {
		t.Fatalf("GetEvictableMB: %v", err)
	}
	if !mb1.Evictable {
		t.Errorf("expected an evictable MB")
	}
	mb2, err := h.GetEvictableMB(false)
	if err != nil {
		t.Fatalf("GetEvictableMB second call: %v", err)
	}
	if mb1.ID != mb2.ID {
		t.Errorf("expected the same active evictable MB to be reused while usage is low, got %d then %d", mb1.ID, mb2.ID)
	}
}
