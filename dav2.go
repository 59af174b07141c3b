// Package dav2 is the top-level pool interface (component C12):
// Open/Create/Close, pool-header init/verification, WAL replay wiring on
// open, and root-object accessors. It wires together every subsystem
// package into one pool handle the way biscuit/src/ufs/driver.go wires a
// disk, a block cache, and a filesystem into one mountable unit.
package dav2

import (
	"context"

	"github.com/dav2/dav2/internal/allocclass"
	"github.com/dav2/dav2/internal/cksum"
	"github.com/dav2/dav2/internal/config"
	"github.com/dav2/dav2/internal/dav2err"
	"github.com/dav2/dav2/internal/heap"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/palloc"
	"github.com/dav2/dav2/internal/poollog"
	"github.com/dav2/dav2/internal/store"
	"github.com/dav2/dav2/internal/tx"
	"github.com/dav2/dav2/internal/umemcache"
	"github.com/dav2/dav2/internal/waltx"
	"github.com/pkg/errors"
)

const (
	poolMajorVer = 2
	poolMinorVer = 0
)

// Pool is one open DAV v2 pool: a backing store, its page cache, heap
// allocator, and transaction manager, all sized from the header recorded
// at Create time.
type Pool struct {
	st              store.Store
	cache           *umemcache.Cache
	heap            *heap.Heap
	alloc           *palloc.Allocator
	txMgr           *tx.Manager
	log             poollog.Logger
	header          memblock.PoolHeader
	replayedActions int
}

// ReplayedActions reports how many WAL redo actions Open replayed before
// returning this Pool (zero for a freshly Created one).
func (p *Pool) ReplayedActions() int { return p.replayedActions }

// Header returns the pool's static layout parameters as recorded at
// Create time.
func (p *Pool) Header() memblock.PoolHeader { return p.header }

// Create initializes a brand-new pool header on st and returns an open
// Pool. heapSize/cacheSize follow spec.md §3's layout constraints
// (cacheSize a multiple of memblock.ZoneMaxSize); cfg supplies nembPct. The
// pool does not use cfg's empty-recycle threshold.
func Create(ctx context.Context, st store.Store, heapSize, cacheSize int64, cfg config.Config, log poollog.Logger) (*Pool, error) {
	hdr := memblock.PoolHeader{
		Magic:      memblock.PoolHeaderMagic,
		MajorVer:   poolMajorVer,
		MinorVer:   poolMinorVer,
		HeapSize:   uint64(heapSize),
		CacheSize:  uint64(cacheSize),
		ChunkSize:  allocclass.ChunkSize,
		ChunksPerZ: memblock.ChunksPerZone,
		NembPct:    uint32(cfg.NembPct),
	}
	buf := hdr.Encode()
	hdr.Checksum = cksum.SealHeader(buf, memblock.PoolHeaderChecksumOffset)
	buf = hdr.Encode()

	p, err := open(ctx, st, hdr, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := p.writeHeader(ctx, buf); err != nil {
		return nil, err
	}
	return p, nil
}

// writeHeader persists the pool header via the store's flush path so it
// survives a crash immediately after Create.
func (p *Pool) writeHeader(ctx context.Context, buf []byte) error {
	h, err := p.st.FlushPrep(ctx, []store.IOVec{{Offset: 0, Length: len(buf)}})
	if err != nil {
		return dav2err.Wrap(dav2err.Fatal, err, "dav2: flush prep pool header")
	}
	if err := p.st.FlushCopy(h, [][]byte{buf}); err != nil {
		return dav2err.Wrap(dav2err.Fatal, p.st.FlushPost(h, err), "dav2: flush copy pool header")
	}
	if err := p.st.FlushPost(h, nil); err != nil {
		return dav2err.Wrap(dav2err.Fatal, err, "dav2: flush post pool header")
	}
	return nil
}

// Open loads and verifies an existing pool's header from st, replays its
// WAL, and returns a ready-to-use Pool (spec.md §2 "heap_boot"/"so_wal_replay").
func Open(ctx context.Context, st store.Store, cfg config.Config, log poollog.Logger) (*Pool, error) {
	buf := make([]byte, memblock.HeapHeaderSize)
	if err := st.Load(ctx, buf, 0); err != nil {
		return nil, dav2err.Wrap(dav2err.Fatal, err, "dav2: load pool header")
	}
	hdr, err := memblock.DecodePoolHeader(buf)
	if err != nil {
		return nil, dav2err.Wrap(dav2err.Fatal, err, "dav2: decode pool header")
	}
	if hdr.Magic != memblock.PoolHeaderMagic {
		return nil, dav2err.New(dav2err.Fatal, "dav2: bad pool header magic")
	}
	if !cksum.VerifyHeader(buf, memblock.PoolHeaderChecksumOffset) {
		return nil, dav2err.New(dav2err.Fatal, "dav2: pool header checksum mismatch")
	}
	if hdr.MajorVer != poolMajorVer {
		return nil, dav2err.Newf(dav2err.Fatal, "dav2: unsupported pool major version %d", hdr.MajorVer)
	}

	p, err := open(ctx, st, hdr, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := p.replay(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// open builds the in-memory runtime shared by Create and Open from an
// already-validated header.
func open(ctx context.Context, st store.Store, hdr memblock.PoolHeader, cfg config.Config, log poollog.Logger) (*Pool, error) {
	classes, err := allocclass.NewDefaultCollection()
	if err != nil {
		return nil, dav2err.Wrap(dav2err.Fatal, err, "dav2: allocation classes")
	}
	limits, err := heap.GetZoneLimits(int64(hdr.HeapSize), int64(hdr.CacheSize), int(hdr.NembPct))
	if err != nil {
		return nil, dav2err.Wrap(dav2err.Fatal, err, "dav2: zone limits")
	}
	cache := umemcache.New(st, int(limits.NZonesCache))
	h := heap.New(cache, classes, limits)
	alloc := palloc.New(h, classes, cache)
	txMgr := tx.NewManager(alloc, cache).WithLogger(log)

	return &Pool{
		st:     st,
		cache:  cache,
		heap:   h,
		alloc:  alloc,
		txMgr:  txMgr,
		log:    log,
		header: hdr,
	}, nil
}

// replay drives the store's WAL forward, applying every recorded action to
// the page cache before the pool is handed to callers (spec.md's
// dav_wal_replay_cb): each action pins the zone its offset falls in, on
// demand, then applies the mutation directly to the zone bytes.
func (p *Pool) replay(ctx context.Context) error {
	return p.st.WalReplay(ctx, func(id waltx.TxID, action waltx.Action) error {
		zoneID, zoneOff := resolveZone(action.Offset)
		p.log.ReplayEvent(uint64(id), action.Offset, action.Size)
		p.replayedActions++
		return applyReplay(p.cache.Zone(zoneID), zoneOff, action)
	})
}

func resolveZone(offset uint64) (zoneID uint32, zoneOff uint64) {
	rel := offset - memblock.HeapHeaderSize
	return uint32(rel / memblock.ZoneMaxSize), rel % memblock.ZoneMaxSize
}

// applyReplay applies one redo action to buf at zoneOff, mirroring the
// mutations internal/memops.Context.Process performs on the write path
// but decoding a wire-level waltx.Action instead of a ulog.Entry.
func applyReplay(buf []byte, zoneOff uint64, action waltx.Action) error {
	if err := action.Validate(); err != nil {
		return dav2err.Wrap(dav2err.Fatal, err, "dav2: invalid replay action")
	}
	switch action.Op {
	case waltx.OpCopy, waltx.OpCopyPtr:
		copy(buf[zoneOff:], action.Payload)
	case waltx.OpAssign:
		writeAssign(buf[zoneOff:], action.Size, action.Value)
	case waltx.OpSet:
		for i := 0; i < action.Size; i++ {
			buf[int(zoneOff)+i] = byte(action.Value)
		}
	case waltx.OpSetBits, waltx.OpClrBits:
		applyBits(buf[zoneOff:], action)
	case waltx.OpMove:
		srcZone, srcOff := resolveZone(action.MoveSrc)
		_ = srcZone // moves are intra-zone only; see DESIGN.md
		copy(buf[zoneOff:], buf[srcOff:int(srcOff)+action.Size])
	default:
		return dav2err.Newf(dav2err.Fatal, "dav2: unknown replay op %v", action.Op)
	}
	return nil
}

func writeAssign(dst []byte, size int, value uint64) {
	for i := 0; i < size; i++ {
		dst[i] = byte(value >> (8 * i))
	}
}

func applyBits(dst []byte, action waltx.Action) {
	word := uint64(dst[0]) | uint64(dst[1])<<8 | uint64(dst[2])<<16 | uint64(dst[3])<<24 |
		uint64(dst[4])<<32 | uint64(dst[5])<<40 | uint64(dst[6])<<48 | uint64(dst[7])<<56
	mask := uint64(0)
	if action.BitLen == 64 {
		mask = ^uint64(0)
	} else {
		mask = ((uint64(1) << action.BitLen) - 1) << action.BitPos
	}
	if action.Op == waltx.OpSetBits {
		word |= mask
	} else {
		word &^= mask
	}
	for i := 0; i < 8; i++ {
		dst[i] = byte(word >> (8 * i))
	}
}

// Run executes fn inside a transaction against this pool, committing on a
// nil return and rolling back on error (spec.md §4.6 dav_tx_run).
func (p *Pool) Run(ctx context.Context, behavior tx.FailureBehavior, fn func(*tx.Tx) error) error {
	return p.txMgr.Run(ctx, p.st, behavior, fn)
}

// DefaultMB returns the pool's always-resident non-evictable memory
// bucket, the one most callers allocate small, frequently-touched
// metadata from.
func (p *Pool) DefaultMB() *heap.MB { return p.heap.DefaultMB() }

// GetEvictableMB returns (creating if necessary) an evictable memory
// bucket suitable for bulk or cold data.
func (p *Pool) GetEvictableMB(pressure bool) (*heap.MB, error) {
	mb, err := p.heap.GetEvictableMB(pressure)
	if err != nil {
		return nil, dav2err.Wrap(dav2err.OutOfSpace, err, "dav2: no evictable mb available")
	}
	return mb, nil
}

// Checkpoint flushes dirty cache pages back to the store, stamping them
// with newCommitID (spec.md's umem_cache_commit).
func (p *Pool) Checkpoint(ctx context.Context, newCommitID uint64) error {
	return p.cache.Checkpoint(ctx, newCommitID)
}

// CacheStats reports this pool's page-cache occupancy, for the davctl
// stats subcommand.
func (p *Pool) CacheStats() umemcache.Stats { return p.cache.Stats() }

// UsedZoneCount reports how many zones have been carved out of the heap
// so far, for the davctl fsck subcommand to know how far to walk.
func (p *Pool) UsedZoneCount() uint32 { return p.heap.UsedZoneCount() }

// CacheZone returns zoneID's raw bytes, pinning it in the cache if it
// isn't already resident. For read-only tooling (davctl fsck) rather than
// allocator internals.
func (p *Pool) CacheZone(zoneID uint32) []byte { return p.cache.Zone(zoneID) }

// RootOffset and RootSize report the pool's root object location, stored
// in zone 0's header (spec.md §3 zone_header reserved[0]/reserved[1]).
func (p *Pool) RootOffset() (offset, size uint64) {
	buf := p.cache.Zone(0)
	zh, err := memblock.DecodeZoneHeader(buf)
	if err != nil {
		return 0, 0
	}
	return zh.RootOff, zh.RootSize
}

// SetRoot records the pool's root object location in zone 0's header
// inside an existing transaction, so the update is crash-consistent with
// whatever else txn is doing.
func (p *Pool) SetRoot(txn *tx.Tx, offset, size uint64) error {
	zoneHdrOffset := memblock.ZoneBaseOffset(0)
	buf := p.cache.Zone(0)
	zh, err := memblock.DecodeZoneHeader(buf)
	if err != nil {
		return dav2err.Wrap(dav2err.Fatal, err, "dav2: decode zone 0 header")
	}
	zh.RootOff = offset
	zh.RootSize = size
	return txn.MemcpyPersist(zoneHdrOffset, zh.Encode(), false)
}

// Close releases the pool's backing store handle.
func (p *Pool) Close() error {
	if err := p.st.Close(); err != nil {
		return errors.Wrap(err, "dav2: close store")
	}
	return nil
}
