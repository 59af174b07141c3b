package store

import (
	"context"
	"sync"

	"github.com/dav2/dav2/internal/waltx"
	"github.com/pkg/errors"
)

type walRecord struct {
	id      waltx.TxID
	actions []waltx.Action
}

// MemStore is an in-memory Store, grounded on
// biscuit/src/ufs/driver.go's blockmem_t in-test stub allocator: no real
// I/O, just enough bookkeeping to exercise the allocator core in unit
// tests. The blob only changes via FlushCopy (checkpoint writes), matching
// the real contract that WalSubmit durably records intent while the
// backing bytes themselves are only updated once a checkpoint runs.
type MemStore struct {
	mu       sync.Mutex
	blob     []byte
	nextTx   uint64
	wal      []walRecord
	replayed int // index into wal already surfaced by a prior WalReplay call
}

// NewMemStore allocates an in-memory store whose blob is sized blobSize
// bytes, zero-filled.
func NewMemStore(blobSize int) *MemStore {
	return &MemStore{blob: make([]byte, blobSize), nextTx: 1}
}

func (m *MemStore) Load(_ context.Context, dst []byte, off uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+uint64(len(dst)) > uint64(len(m.blob)) {
		return errors.New("store: load out of bounds")
	}
	copy(dst, m.blob[off:off+uint64(len(dst))])
	return nil
}

func (m *MemStore) WalReserv(_ context.Context) (waltx.TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := waltx.TxID(m.nextTx)
	m.nextTx++
	return id, nil
}

func (m *MemStore) WalSubmit(_ context.Context, id waltx.TxID, actions []waltx.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]waltx.Action, len(actions))
	copy(cp, actions)
	m.wal = append(m.wal, walRecord{id: id, actions: cp})
	return nil
}

// WalReplay surfaces every action recorded since the last call to
// WalReplay (or since creation), in submission order.
func (m *MemStore) WalReplay(_ context.Context, cb waltx.ReplayFunc) error {
	m.mu.Lock()
	pending := m.wal[m.replayed:]
	cp := make([]walRecord, len(pending))
	copy(cp, pending)
	m.replayed = len(m.wal)
	m.mu.Unlock()

	for _, rec := range cp {
		for _, a := range rec.actions {
			if err := cb(rec.id, a); err != nil {
				return err
			}
		}
	}
	return nil
}

type memFlushHandle struct {
	iod []IOVec
}

func (m *MemStore) FlushPrep(_ context.Context, iod []IOVec) (FlushHandle, error) {
	return &memFlushHandle{iod: iod}, nil
}

func (m *MemStore) FlushCopy(h FlushHandle, sgl [][]byte) error {
	fh := h.(*memFlushHandle)
	if len(sgl) != len(fh.iod) {
		return errors.Errorf("store: flush copy got %d ranges, want %d", len(sgl), len(fh.iod))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, iov := range fh.iod {
		if iov.Offset+uint64(len(sgl[i])) > uint64(len(m.blob)) {
			return errors.New("store: flush copy out of bounds")
		}
		copy(m.blob[iov.Offset:], sgl[i])
	}
	return nil
}

func (m *MemStore) FlushPost(_ FlushHandle, ioErr error) error {
	return ioErr
}

func (m *MemStore) NewWaitQueue() WaitQueue {
	return NewChanWaitQueue(1024)
}

func (m *MemStore) Close() error { return nil }

// Blob returns a copy of the current backing bytes, for test assertions.
func (m *MemStore) Blob() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.blob))
	copy(out, m.blob)
	return out
}

// PendingWAL returns the number of transactions recorded but not yet
// surfaced by WalReplay, for tests asserting replay determinism.
func (m *MemStore) PendingWAL() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wal) - m.replayed
}
