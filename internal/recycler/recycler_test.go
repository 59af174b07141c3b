package recycler

import "testing"

func TestReuseReturnsMostFreeRun(t *testing.T) {
	r := New()
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 1}, FreeUnits: 3, TotalUnits: 100})
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 2}, FreeUnits: 50, TotalUnits: 100})
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 3}, FreeUnits: 20, TotalUnits: 100})

	got, ok := r.Reuse()
	if !ok {
		t.Fatalf("expected a run")
	}
	if got.Key.ChunkID != 2 {
		t.Errorf("Reuse chunk = %d, want 2 (most free units)", got.Key.ChunkID)
	}
}

func TestPutUpdatesExistingRun(t *testing.T) {
	r := New()
	key := RunKey{ZoneID: 1, ChunkID: 1}
	r.Put(RunInfo{Key: key, FreeUnits: 10, TotalUnits: 100})
	r.Put(RunInfo{Key: key, FreeUnits: 90, TotalUnits: 100})

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after updating the same key", r.Len())
	}
	got, ok := r.Reuse()
	if !ok || got.FreeUnits != 90 {
		t.Errorf("got %+v, want FreeUnits=90", got)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	key := RunKey{ZoneID: 1, ChunkID: 1}
	r.Put(RunInfo{Key: key, FreeUnits: 10, TotalUnits: 100})

	got, ok := r.Remove(key)
	if !ok || got.Key != key {
		t.Fatalf("Remove: got %+v, %v", got, ok)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Remove", r.Len())
	}
	if _, ok := r.Remove(key); ok {
		t.Errorf("second Remove of the same key should fail")
	}
}

func TestReclaimEmptySeparatesFullyEmptyRuns(t *testing.T) {
	r := New()
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 1}, FreeUnits: 100, TotalUnits: 100})
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 2}, FreeUnits: 50, TotalUnits: 100})
	r.Put(RunInfo{Key: RunKey{ZoneID: 1, ChunkID: 3}, FreeUnits: 100, TotalUnits: 100})

	empty := r.ReclaimEmpty()
	if len(empty) != 2 {
		t.Fatalf("ReclaimEmpty returned %d runs, want 2", len(empty))
	}
	if r.Len() != 1 {
		t.Fatalf("Len after ReclaimEmpty = %d, want 1", r.Len())
	}
	got, ok := r.Reuse()
	if !ok || got.Key.ChunkID != 2 {
		t.Errorf("expected the remaining partially-full run, got %+v", got)
	}
}

func TestEmptyRecyclerReuseFails(t *testing.T) {
	r := New()
	if _, ok := r.Reuse(); ok {
		t.Errorf("expected Reuse on empty recycler to fail")
	}
	if got := r.ReclaimEmpty(); len(got) != 0 {
		t.Errorf("expected no runs reclaimed from an empty recycler, got %v", got)
	}
}
