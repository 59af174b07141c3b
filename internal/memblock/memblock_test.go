package memblock

import (
	"testing"

	"github.com/dav2/dav2/internal/allocclass"
)

func TestZoneHeaderEncodeDecodeRoundTrip(t *testing.T) {
	zh := ZoneHeader{
		Magic:       ZoneHeaderMagic,
		SizeIdx:     ChunksPerZone,
		Flags:       ZoneEvictableMB,
		SPUsage:     1234,
		RootOff:     99,
		RootSize:    16,
		SPUsageGlob: 4321,
	}
	got, err := DecodeZoneHeader(zh.Encode())
	if err != nil {
		t.Fatalf("DecodeZoneHeader: %v", err)
	}
	if got != zh {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, zh)
	}
	if !got.Evictable() {
		t.Errorf("expected Evictable() true for ZoneEvictableMB flag")
	}
}

func TestChunkHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := ChunkHeader{Type: ChunkRun, Flags: 3, SizeIdx: 7}
	got := DecodeChunkHeader(h.Encode())
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestBitmapFindFreeRun(t *testing.T) {
	bm := make([]byte, BitmapBytes(32))
	for _, i := range []int{0, 1, 2, 10, 11} {
		BitSet(bm, i)
	}
	start, ok := FindFreeRun(bm, 32, 4)
	if !ok {
		t.Fatalf("expected to find a free run of 4")
	}
	if start != 3 {
		t.Errorf("start = %d, want 3", start)
	}
	if CountFree(bm, 32) != 32-5 {
		t.Errorf("CountFree = %d, want %d", CountFree(bm, 32), 32-5)
	}
}

func TestFindFreeRunNoneAvailable(t *testing.T) {
	bm := make([]byte, BitmapBytes(8))
	for i := 0; i < 8; i++ {
		BitSet(bm, i)
	}
	if _, ok := FindFreeRun(bm, 8, 1); ok {
		t.Fatalf("expected no free run in a fully-set bitmap")
	}
}

func TestBlockOffsetHuge(t *testing.T) {
	classes, _ := allocclass.NewDefaultCollection()
	b := Block{Kind: KindHuge, ZoneID: 2, ChunkID: 5, SizeIdx: 3}
	off, err := b.Offset(classes)
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	want := ZoneBaseOffset(2) + 5*ChunkSize
	if off != want {
		t.Errorf("offset = %d, want %d", off, want)
	}
	size, err := b.UsableSize(classes)
	if err != nil {
		t.Fatalf("UsableSize: %v", err)
	}
	if size != 3*ChunkSize {
		t.Errorf("usable size = %d, want %d", size, 3*ChunkSize)
	}
}

func TestBlockOffsetRun(t *testing.T) {
	classes, _ := allocclass.NewDefaultCollection()
	cls := classes.Classes()[0]
	b := Block{Kind: KindRun, ZoneID: 1, ChunkID: 3, ClassID: cls.ID, UnitOff: 4, NumUnits: 1}
	off, err := b.Offset(classes)
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	want := ZoneBaseOffset(1) + 3*ChunkSize + uint64(cls.DataAreaOffset()) + 4*uint64(cls.UnitSize)
	if off != want {
		t.Errorf("offset = %d, want %d", off, want)
	}
}
