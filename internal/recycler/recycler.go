// Package recycler implements the per-class queue of runs with free-unit
// counts described in spec.md §4.1, component C8: it picks empty runs to
// reclaim back into FREE chunks, and nearly-empty runs to reuse rather than
// carving a fresh one out of a FREE chunk.
package recycler

import "container/heap"

// RunKey identifies a run chunk.
type RunKey struct {
	ZoneID, ChunkID uint32
}

// RunInfo is one run tracked by a class's recycler.
type RunInfo struct {
	Key        RunKey
	FreeUnits  int
	TotalUnits int
}

// Empty reports whether every unit in the run is free.
func (r RunInfo) Empty() bool { return r.FreeUnits == r.TotalUnits }

// runHeap orders entries by descending FreeUnits: the most free (nearest to
// empty) run is always at the top, so Recycler.Reuse hands back the run
// with the most room left.
type runHeap []RunInfo

func (h runHeap) Len() int            { return len(h) }
func (h runHeap) Less(i, j int) bool  { return h[i].FreeUnits > h[j].FreeUnits }
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(RunInfo)) }
func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Recycler tracks runs for exactly one allocation class within one memory
// bucket, mirroring biscuit/src/mem/mem.go's pattern of a small per-owner
// free structure (there: pcpuphys_t's singly linked free list; here: a
// priority queue) that higher layers consult before reaching for a fresh
// FREE chunk.
type Recycler struct {
	h runHeap // Put/Remove do a linear find-then-fix rather than keeping a
	// separate key->index map, acceptable at the scale (runs per class per
	// MB) this allocator operates at.
}

// New creates an empty recycler.
func New() *Recycler {
	r := &Recycler{}
	heap.Init(&r.h)
	return r
}

// Put inserts or updates the tracked free-unit count for a run.
func (r *Recycler) Put(info RunInfo) {
	for i, existing := range r.h {
		if existing.Key == info.Key {
			r.h[i] = info
			heap.Fix(&r.h, i)
			return
		}
	}
	heap.Push(&r.h, info)
}

// Remove drops a run from tracking (e.g. once fully reclaimed to FREE, or
// handed out for reuse and no longer "parked").
func (r *Recycler) Remove(key RunKey) (RunInfo, bool) {
	for i, existing := range r.h {
		if existing.Key == key {
			heap.Remove(&r.h, i)
			return existing, true
		}
	}
	return RunInfo{}, false
}

// Len returns the number of runs currently tracked.
func (r *Recycler) Len() int { return r.h.Len() }

// Reuse returns (without removing) the tracked run with the most free
// units, for heap_reuse_from_recycler's "try partially-empty" path. The
// caller removes it once it actually attaches the run to a bucket.
func (r *Recycler) Reuse() (RunInfo, bool) {
	if r.h.Len() == 0 {
		return RunInfo{}, false
	}
	return r.h[0], true
}

// ReclaimEmpty removes and returns every currently-tracked run that is
// fully empty, for heap_recycle_unused's "convert to FREE chunk" pass.
func (r *Recycler) ReclaimEmpty() []RunInfo {
	var out []RunInfo
	remaining := r.h[:0]
	for _, info := range r.h {
		if info.Empty() {
			out = append(out, info)
		} else {
			remaining = append(remaining, info)
		}
	}
	r.h = remaining
	heap.Init(&r.h)
	return out
}
