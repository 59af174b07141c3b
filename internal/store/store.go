// Package store defines the umem_store trait (spec.md §6) that the
// allocator core requires of its backing device, plus two implementations:
// FileStore, a real-file-backed store grounded on biscuit/src/ufs/driver.go's
// ahci_disk_t, and MemStore, an in-memory store for tests grounded on that
// same file's blockmem_t test stub.
package store

import (
	"context"
	"io"

	"github.com/dav2/dav2/internal/waltx"
)

// IOVec describes one contiguous range to flush: Offset in the blob and
// Length in bytes. The bytes themselves are the matching slice passed to
// FlushCopy.
type IOVec struct {
	Offset uint64
	Length int
}

// FlushHandle is an opaque checkpoint-in-flight handle returned by
// FlushPrep and threaded through FlushCopy/FlushPost.
type FlushHandle interface{}

// WaitQueue is a cooperative FIFO wait queue (so_waitqueue_*): callers Wait
// until another goroutine Wakes them, in FIFO order. It models the
// single-threaded-per-pool cooperative scheduling of spec.md §5 using
// channels instead of OS threads.
type WaitQueue interface {
	// Wait blocks the caller until Wake is called for it or ctx is
	// done. It returns ctx.Err() on cancellation.
	Wait(ctx context.Context) error
	// Wake releases up to n waiters in FIFO order. n<=0 wakes all.
	Wake(n int)
}

// Store is the backing device the allocator core writes through: it owns
// durability (the WAL) and the raw bytes of the meta blob.
type Store interface {
	// Load synchronously reads len(dst) bytes starting at off into dst.
	Load(ctx context.Context, dst []byte, off uint64) error

	// WalReserv allocates a new, monotonically increasing transaction id.
	WalReserv(ctx context.Context) (waltx.TxID, error)

	// WalSubmit durably appends actions, in order, under id. A non-nil
	// error here is a fatal condition for the pool (spec.md §4.3).
	WalSubmit(ctx context.Context, id waltx.TxID, actions []waltx.Action) error

	// WalReplay invokes cb once per action, in commit order, for every
	// transaction not yet known to be applied to the blob.
	WalReplay(ctx context.Context, cb waltx.ReplayFunc) error

	// FlushPrep reserves whatever resources (e.g. DMA buffers) are needed
	// to checkpoint the given ranges and may yield while doing so.
	FlushPrep(ctx context.Context, iod []IOVec) (FlushHandle, error)
	// FlushCopy copies sgl (one slice per IOVec passed to FlushPrep, in
	// the same order) into the device's write buffers.
	FlushCopy(h FlushHandle, sgl [][]byte) error
	// FlushPost finalizes the checkpoint started by FlushPrep, waiting for
	// the device as needed. ioErr is any error encountered by the caller
	// while it owned the handle; when non-nil, FlushPost should treat the
	// checkpoint as failed rather than attempt to persist it.
	FlushPost(h FlushHandle, ioErr error) error

	// NewWaitQueue creates a FIFO wait queue private to one purpose (pin
	// reservation, checkpoint-commit waiters, ...).
	NewWaitQueue() WaitQueue

	io.Closer
}
