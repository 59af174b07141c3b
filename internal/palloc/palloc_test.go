package palloc

import (
	"testing"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/dav2/dav2/internal/heap"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/waltx"
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

func newTestAllocator(t *testing.T) (*Allocator, *heap.Heap, *heap.MB, *fakeZoneMem) {
	t.Helper()
	classes, err := allocclass.NewDefaultCollection()
	if err != nil {
		t.Fatalf("NewDefaultCollection: %v", err)
	}
	limits, err := heap.GetZoneLimits(256<<20, 256<<20, 50)
	if err != nil {
		t.Fatalf("GetZoneLimits: %v", err)
	}
	zmem := newFakeZoneMem()
	h := heap.New(zmem, classes, limits)
	a := New(h, classes, zmem)
	return a, h, h.DefaultMB(), zmem
}

func TestReservePublishSetsBitAndEmitsAction(t *testing.T) {
	a, _, mb, zmem := newTestAllocator(t)

	r, err := a.Reserve(mb, 32, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if r.Block.Kind != memblock.KindRun {
		t.Fatalf("expected a run block for a 32-byte request")
	}

	b := waltx.NewBuilder()
	if err := a.Publish(r, b); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	actions := b.Actions()
	if len(actions) == 0 {
		t.Fatalf("expected at least one WAL action from Publish")
	}
	for _, act := range actions {
		if act.Op != waltx.OpSetBits {
			t.Errorf("action op = %v, want OpSetBits", act.Op)
		}
	}

	buf := zmem.Zone(r.Block.ZoneID)
	chunkOff := memblock.ChunkOffset(r.Block.ZoneID, r.Block.ChunkID) - memblock.ZoneBaseOffset(r.Block.ZoneID)
	bm := buf[chunkOff+uint64(memblock.RunHeaderSize):]
	if !memblock.BitTest(bm, int(r.Block.UnitOff)) {
		t.Errorf("expected unit %d to be marked allocated in the zone bitmap", r.Block.UnitOff)
	}
}

func TestCancelRollsBackReservation(t *testing.T) {
	a, _, mb, _ := newTestAllocator(t)

	r1, err := a.Reserve(mb, 32, nil)
	if err != nil {
		t.Fatalf("Reserve 1: %v", err)
	}
	if err := a.Cancel(r1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	r2, err := a.Reserve(mb, 32, nil)
	if err != nil {
		t.Fatalf("Reserve 2: %v", err)
	}
	if r2.Block.ChunkID != r1.Block.ChunkID || r2.Block.UnitOff != r1.Block.UnitOff {
		t.Errorf("expected a cancelled reservation's unit to be reused, got chunk %d unit %d vs original chunk %d unit %d",
			r2.Block.ChunkID, r2.Block.UnitOff, r1.Block.ChunkID, r1.Block.UnitOff)
	}
}

func TestReserveHugeAndPublishEmitsCopy(t *testing.T) {
	a, _, mb, zmem := newTestAllocator(t)

	size := allocclass.ChunkSize*3 + 1 // larger than any run class, needs 4 chunks
	r, err := a.Reserve(mb, size, nil)
	if err != nil {
		t.Fatalf("Reserve huge: %v", err)
	}
	if r.Block.Kind != memblock.KindHuge {
		t.Fatalf("expected a huge block for a %d-byte request", size)
	}
	if r.Block.SizeIdx != 4 {
		t.Errorf("SizeIdx = %d, want 4", r.Block.SizeIdx)
	}

	b := waltx.NewBuilder()
	if err := a.Publish(r, b); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	actions := b.Actions()
	if len(actions) != 1 || actions[0].Op != waltx.OpCopy {
		t.Fatalf("expected a single OpCopy action, got %+v", actions)
	}

	buf := zmem.Zone(r.Block.ZoneID)
	ch := memblock.DecodeChunkHeader(buf[memblock.ChunkHeaderOffset(r.Block.ChunkID):])
	if ch.Type != memblock.ChunkUsed || ch.SizeIdx != 4 {
		t.Errorf("chunk header = %+v, want Type=ChunkUsed SizeIdx=4", ch)
	}
}

func TestDeferFreeClearsBitAndLogsClear(t *testing.T) {
	a, _, mb, zmem := newTestAllocator(t)

	r, err := a.Reserve(mb, 32, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	pb := waltx.NewBuilder()
	if err := a.Publish(r, pb); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := a.DeferFree(mb, r.Block)
	fb := waltx.NewBuilder()
	if err := a.PublishFree(d, fb); err != nil {
		t.Fatalf("PublishFree: %v", err)
	}
	actions := fb.Actions()
	if len(actions) == 0 {
		t.Fatalf("expected at least one WAL action from PublishFree")
	}
	for _, act := range actions {
		if act.Op != waltx.OpClrBits {
			t.Errorf("action op = %v, want OpClrBits", act.Op)
		}
	}

	buf := zmem.Zone(r.Block.ZoneID)
	chunkOff := memblock.ChunkOffset(r.Block.ZoneID, r.Block.ChunkID) - memblock.ZoneBaseOffset(r.Block.ZoneID)
	bm := buf[chunkOff+uint64(memblock.RunHeaderSize):]
	if memblock.BitTest(bm, int(r.Block.UnitOff)) {
		t.Errorf("expected unit %d to be cleared after PublishFree", r.Block.UnitOff)
	}
}
