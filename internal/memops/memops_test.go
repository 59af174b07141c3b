package memops

import (
	"testing"

	"github.com/dav2/dav2/internal/ulog"
)

type fakeTarget struct {
	words map[uint64]uint64
	bufs  map[uint64][]byte
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{words: map[uint64]uint64{}, bufs: map[uint64][]byte{}}
}

func (f *fakeTarget) WriteUint64(offset uint64, value uint64) error {
	f.words[offset] = value
	return nil
}

func (f *fakeTarget) SetBits(offset uint64, pos, length uint) error {
	f.words[offset] |= bitmask(pos, length)
	return nil
}

func (f *fakeTarget) ClrBits(offset uint64, pos, length uint) error {
	f.words[offset] &^= bitmask(pos, length)
	return nil
}

func (f *fakeTarget) WriteBuf(offset uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.bufs[offset] = cp
	return nil
}

func TestFastPathSingleEntry(t *testing.T) {
	ctx := New(4096)
	if err := ctx.AddSet(0x100, 42); err != nil {
		t.Fatalf("AddSet: %v", err)
	}
	target := newFakeTarget()
	entries, err := ctx.Process(target)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d WAL entries, want 1", len(entries))
	}
	if target.words[0x100] != 42 {
		t.Errorf("target word = %d, want 42", target.words[0x100])
	}
	if len(ctx.PendingPersistent()) != 0 {
		t.Errorf("expected pshadow to be cleared after Process")
	}
}

func TestAdjacentBitOpsMerge(t *testing.T) {
	ctx := New(4096)
	if err := ctx.AddSetBits(0x200, 0, 4); err != nil {
		t.Fatalf("AddSetBits: %v", err)
	}
	if err := ctx.AddSetBits(0x200, 4, 4); err != nil {
		t.Fatalf("AddSetBits: %v", err)
	}
	pending := ctx.PendingPersistent()
	if len(pending) != 1 {
		t.Fatalf("got %d pending entries, want 1 (merged)", len(pending))
	}
	target := newFakeTarget()
	if _, err := ctx.Process(target); err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := bitmask(0, 4) | bitmask(4, 4)
	if target.words[0x200] != want {
		t.Errorf("merged bits = %#x, want %#x", target.words[0x200], want)
	}
}

func TestDifferentOffsetsDoNotMerge(t *testing.T) {
	ctx := New(4096)
	_ = ctx.AddSetBits(0x300, 0, 4)
	_ = ctx.AddSetBits(0x400, 0, 4)
	if len(ctx.PendingPersistent()) != 2 {
		t.Fatalf("entries at distinct offsets must not merge")
	}
}

func TestBufCpyAppliesAndForwards(t *testing.T) {
	ctx := New(4096)
	payload := []byte("snapshot")
	if err := ctx.AddBufCpy(0x500, payload); err != nil {
		t.Fatalf("AddBufCpy: %v", err)
	}
	target := newFakeTarget()
	entries, err := ctx.Process(target)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(entries) != 1 || entries[0].Op != ulog.OpBufCpy {
		t.Fatalf("unexpected forwarded entries: %+v", entries)
	}
	if string(target.bufs[0x500]) != "snapshot" {
		t.Errorf("target buf = %q, want %q", target.bufs[0x500], "snapshot")
	}
}

func TestTransientDoesNotAffectPersistent(t *testing.T) {
	ctx := New(4096)
	if err := ctx.AddTransient(ulog.Entry{Op: ulog.OpSet, Offset: 1, Value: 9}); err != nil {
		t.Fatalf("AddTransient: %v", err)
	}
	if len(ctx.PendingPersistent()) != 0 {
		t.Fatalf("transient entries must not appear in persistent pending list")
	}
	target := newFakeTarget()
	if err := ctx.ProcessTransient(target); err != nil {
		t.Fatalf("ProcessTransient: %v", err)
	}
	if target.words[1] != 9 {
		t.Errorf("transient entry was not applied")
	}
}
