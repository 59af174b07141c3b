package umemcache

import (
	"context"
	"testing"

	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/store"
)

func TestPinLoadsFromStoreAndUnpinReturnsToClean(t *testing.T) {
	st := store.NewMemStore(4 * memblock.ZoneMaxSize)
	c := New(st, 4)

	data, err := c.Pin(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if len(data) != memblock.ZoneMaxSize {
		t.Fatalf("data len = %d, want %d", len(data), memblock.ZoneMaxSize)
	}
	stats := c.Stats()
	if stats.Resident != 1 {
		t.Errorf("Resident = %d, want 1", stats.Resident)
	}

	c.Unpin(0)
	stats = c.Stats()
	if stats.Resident != 1 {
		t.Errorf("Resident after unpin = %d, want 1 (page stays cached, just idle)", stats.Resident)
	}
}

func TestEvictionReclaimsColdEvictablePages(t *testing.T) {
	st := store.NewMemStore(4 * memblock.ZoneMaxSize)
	c := New(st, 2)

	if _, err := c.Pin(context.Background(), 0, true); err != nil {
		t.Fatalf("Pin 0: %v", err)
	}
	c.Unpin(0)
	if _, err := c.Pin(context.Background(), 1, true); err != nil {
		t.Fatalf("Pin 1: %v", err)
	}
	c.Unpin(1)

	// Capacity is 2 and both zones are clean+idle; pinning a third
	// evictable zone must evict one of the first two rather than error.
	if _, err := c.Pin(context.Background(), 2, true); err != nil {
		t.Fatalf("Pin 2 should have evicted a cold page, got: %v", err)
	}
	if c.Stats().Resident != 2 {
		t.Errorf("Resident = %d, want 2 (capacity never exceeded)", c.Stats().Resident)
	}
}

func TestTouchMarksDirtyAndCheckpointFlushes(t *testing.T) {
	st := store.NewMemStore(4 * memblock.ZoneMaxSize)
	c := New(st, 4)

	data, err := c.Pin(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	copy(data[:5], []byte("hello"))
	if err := c.Touch(0, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if c.Stats().Dirty != 1 {
		t.Errorf("Dirty = %d, want 1", c.Stats().Dirty)
	}
	c.Unpin(0)

	if err := c.Checkpoint(context.Background(), 1); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if c.Stats().Dirty != 0 {
		t.Errorf("Dirty after checkpoint = %d, want 0", c.Stats().Dirty)
	}
	if got := st.Blob()[memblock.ZoneBaseOffset(0):][:5]; string(got) != "hello" {
		t.Errorf("blob not updated by checkpoint, got %q", got)
	}
	if c.CommitID() != 1 {
		t.Errorf("CommitID = %d, want 1", c.CommitID())
	}
}

func TestCheckpointOnPinnedDirtyPageStillFlushes(t *testing.T) {
	st := store.NewMemStore(4 * memblock.ZoneMaxSize)
	c := New(st, 4)

	data, err := c.Pin(context.Background(), 0, false)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	copy(data[:3], []byte("abc"))
	if err := c.Touch(0, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// Deliberately stay pinned across the checkpoint: a still-open writer
	// must not hide its dirty chunk from the flush.
	if err := c.Checkpoint(context.Background(), 7); err != nil {
		t.Fatalf("Checkpoint while pinned: %v", err)
	}
	if got := st.Blob()[memblock.ZoneBaseOffset(0):][:3]; string(got) != "abc" {
		t.Errorf("blob not updated while page still pinned, got %q", got)
	}
	c.Unpin(0)
}

func TestTouchDuringCopyReturnsBusy(t *testing.T) {
	st := store.NewMemStore(4 * memblock.ZoneMaxSize)
	c := New(st, 4)

	if _, err := c.Pin(context.Background(), 0, false); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := c.Touch(0, 0); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	refs := c.dirtySnapshot() // simulates Checkpoint marking the page copying
	if len(refs) != 1 {
		t.Fatalf("expected 1 dirty chunk ref, got %d", len(refs))
	}
	if err := c.Touch(0, 0); err != ErrBusy {
		t.Errorf("Touch during copy = %v, want ErrBusy", err)
	}
}
