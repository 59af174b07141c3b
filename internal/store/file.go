package store

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/dav2/dav2/internal/waltx"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileStore is a real-file-backed Store: the meta blob lives in one file,
// the WAL in a sibling "<path>.wal" file, fsynced before WalSubmit returns.
// Grounded on biscuit/src/ufs/driver.go's ahci_disk_t, which plays the same
// role (a file standing in for a block device) for biscuit's block cache.
type FileStore struct {
	mu       sync.Mutex
	blob     *os.File
	wal      *os.File
	nextTx   uint64
	replayAt int64 // byte offset into the WAL file already surfaced
}

// walRecordHeader precedes each WAL record on disk: txid, action count,
// total encoded byte length.
type walRecordHeader struct {
	TxID  uint64
	Count uint32
	Bytes uint32
}

// OpenFileStore opens (creating if necessary) blobPath and its WAL sibling,
// taking an exclusive advisory lock on the blob file for the lifetime of
// the store (single-writer pool-open safety, matching ahci_disk_t's
// implicit single-opener assumption).
func OpenFileStore(blobPath string, blobSize int64) (*FileStore, error) {
	blob, err := os.OpenFile(blobPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "store: open blob")
	}
	if err := unix.Flock(int(blob.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		blob.Close()
		return nil, errors.Wrap(err, "store: pool already open elsewhere")
	}
	fi, err := blob.Stat()
	if err != nil {
		blob.Close()
		return nil, err
	}
	if fi.Size() < blobSize {
		if err := blob.Truncate(blobSize); err != nil {
			blob.Close()
			return nil, errors.Wrap(err, "store: grow blob")
		}
	}
	wal, err := os.OpenFile(blobPath+".wal", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		blob.Close()
		return nil, errors.Wrap(err, "store: open wal")
	}
	return &FileStore{blob: blob, wal: wal, nextTx: 1}, nil
}

func (f *FileStore) Load(_ context.Context, dst []byte, off uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := unix.Pread(int(f.blob.Fd()), dst, int64(off))
	if err != nil {
		return errors.Wrap(err, "store: pread")
	}
	if n != len(dst) {
		return errors.Errorf("store: short read %d/%d", n, len(dst))
	}
	return nil
}

func (f *FileStore) WalReserv(_ context.Context) (waltx.TxID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := waltx.TxID(f.nextTx)
	f.nextTx++
	return id, nil
}

func encodeActions(actions []waltx.Action) []byte {
	var buf []byte
	for _, a := range actions {
		var hdr [8 + 8 + 8 + 8 + 4 + 4 + 4 + 4]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(a.Op))
		binary.LittleEndian.PutUint64(hdr[8:16], a.Offset)
		binary.LittleEndian.PutUint64(hdr[16:24], a.Value)
		binary.LittleEndian.PutUint64(hdr[24:32], a.MoveSrc)
		binary.LittleEndian.PutUint32(hdr[32:36], uint32(a.Size))
		binary.LittleEndian.PutUint32(hdr[36:40], uint32(a.BitPos))
		binary.LittleEndian.PutUint32(hdr[40:44], uint32(a.BitLen))
		binary.LittleEndian.PutUint32(hdr[44:48], uint32(len(a.Payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, a.Payload...)
	}
	return buf
}

func decodeActions(buf []byte, count int) ([]waltx.Action, error) {
	out := make([]waltx.Action, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 48 {
			return nil, errors.New("store: truncated wal action")
		}
		a := waltx.Action{
			Op:      waltx.OpCode(binary.LittleEndian.Uint64(buf[0:8])),
			Offset:  binary.LittleEndian.Uint64(buf[8:16]),
			Value:   binary.LittleEndian.Uint64(buf[16:24]),
			MoveSrc: binary.LittleEndian.Uint64(buf[24:32]),
			Size:    int(binary.LittleEndian.Uint32(buf[32:36])),
			BitPos:  uint(binary.LittleEndian.Uint32(buf[36:40])),
			BitLen:  uint(binary.LittleEndian.Uint32(buf[40:44])),
		}
		plen := int(binary.LittleEndian.Uint32(buf[44:48]))
		buf = buf[48:]
		if len(buf) < plen {
			return nil, errors.New("store: truncated wal payload")
		}
		a.Payload = append([]byte(nil), buf[:plen]...)
		buf = buf[plen:]
		out = append(out, a)
	}
	return out, nil
}

func (f *FileStore) WalSubmit(_ context.Context, id waltx.TxID, actions []waltx.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := encodeActions(actions)
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(id))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(actions)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	if _, err := f.wal.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "store: write wal header")
	}
	if _, err := f.wal.Write(payload); err != nil {
		return errors.Wrap(err, "store: write wal payload")
	}
	if err := unix.Fdatasync(int(f.wal.Fd())); err != nil {
		return errors.Wrap(err, "store: fdatasync wal")
	}
	return nil
}

func (f *FileStore) WalReplay(_ context.Context, cb waltx.ReplayFunc) error {
	f.mu.Lock()
	fi, err := f.wal.Stat()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	end := fi.Size()
	off := f.replayAt
	f.mu.Unlock()

	for off < end {
		hdr := make([]byte, 16)
		if _, err := unix.Pread(int(f.wal.Fd()), hdr, off); err != nil {
			return errors.Wrap(err, "store: read wal header")
		}
		id := waltx.TxID(binary.LittleEndian.Uint64(hdr[0:8]))
		count := int(binary.LittleEndian.Uint32(hdr[8:12]))
		blen := int(binary.LittleEndian.Uint32(hdr[12:16]))
		off += 16
		body := make([]byte, blen)
		if blen > 0 {
			if _, err := unix.Pread(int(f.wal.Fd()), body, off); err != nil {
				return errors.Wrap(err, "store: read wal body")
			}
		}
		off += int64(blen)
		actions, err := decodeActions(body, count)
		if err != nil {
			return err
		}
		for _, a := range actions {
			if err := cb(id, a); err != nil {
				return err
			}
		}
	}
	f.mu.Lock()
	f.replayAt = off
	f.mu.Unlock()
	return nil
}

type fileFlushHandle struct {
	iod []IOVec
}

func (f *FileStore) FlushPrep(_ context.Context, iod []IOVec) (FlushHandle, error) {
	return &fileFlushHandle{iod: iod}, nil
}

func (f *FileStore) FlushCopy(h FlushHandle, sgl [][]byte) error {
	fh := h.(*fileFlushHandle)
	if len(sgl) != len(fh.iod) {
		return errors.Errorf("store: flush copy got %d ranges, want %d", len(sgl), len(fh.iod))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, iov := range fh.iod {
		n, err := unix.Pwrite(int(f.blob.Fd()), sgl[i], int64(iov.Offset))
		if err != nil {
			return errors.Wrap(err, "store: pwrite")
		}
		if n != len(sgl[i]) {
			return errors.Errorf("store: short write %d/%d", n, len(sgl[i]))
		}
	}
	return nil
}

func (f *FileStore) FlushPost(_ FlushHandle, ioErr error) error {
	if ioErr != nil {
		return ioErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return unix.Fdatasync(int(f.blob.Fd()))
}

func (f *FileStore) NewWaitQueue() WaitQueue {
	return NewChanWaitQueue(1024)
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	walErr := f.wal.Close()
	blobErr := f.blob.Close()
	if blobErr != nil {
		return blobErr
	}
	return walErr
}
