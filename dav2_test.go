package dav2

import (
	"context"
	"io"
	"testing"

	"github.com/dav2/dav2/internal/config"
	"github.com/dav2/dav2/internal/memblock"
	"github.com/dav2/dav2/internal/poollog"
	"github.com/dav2/dav2/internal/store"
	"github.com/dav2/dav2/internal/tx"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{NembPct: 50, EmptyRecycleThreshold: 16, Mode: config.ModeBMEMV2}
}

func newTestBlob() (int64, int64) {
	const nzones = 4
	heapSize := int64(memblock.HeapHeaderSize) + nzones*int64(memblock.ZoneMaxSize)
	cacheSize := int64(nzones) * int64(memblock.ZoneMaxSize)
	return heapSize, cacheSize
}

func discardLog() poollog.Logger { return poollog.New(io.Discard, "test", "") }

func TestCreateThenOpenVerifiesHeader(t *testing.T) {
	heapSize, cacheSize := newTestBlob()
	st := store.NewMemStore(int(heapSize))

	p, err := Create(context.Background(), st, heapSize, cacheSize, testConfig(), discardLog())
	require.NoError(t, err)
	require.NoError(t, p.Close())

	reopened, err := Open(context.Background(), st, testConfig(), discardLog())
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	heapSize, _ := newTestBlob()
	st := store.NewMemStore(int(heapSize))
	_, err := Open(context.Background(), st, testConfig(), discardLog())
	require.Error(t, err)
}

func TestAllocCommitThenReplayOnFreshOpenAppliesSameMutation(t *testing.T) {
	heapSize, cacheSize := newTestBlob()
	st := store.NewMemStore(int(heapSize))

	p, err := Create(context.Background(), st, heapSize, cacheSize, testConfig(), discardLog())
	require.NoError(t, err)

	var block memblock.Block
	err = p.Run(context.Background(), tx.BehaviorAbort, func(txn *tx.Tx) error {
		b, err := txn.Alloc(p.DefaultMB(), 32, nil)
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	require.NoError(t, err)

	// A fresh Pool handle over the same store replays the WAL it hasn't
	// seen yet and must end up with the same bit set.
	reopened, err := Open(context.Background(), st, testConfig(), discardLog())
	require.NoError(t, err)

	buf := reopened.cache.Zone(block.ZoneID)
	bmOff := memblock.ChunkOffset(block.ZoneID, block.ChunkID) - memblock.ZoneBaseOffset(block.ZoneID) + uint64(memblock.RunHeaderSize)
	require.True(t, memblock.BitTest(buf[bmOff:], int(block.UnitOff)), "replay should have re-applied the allocation's bit set")
}

func TestCheckpointAdvancesCacheCommitIDAndClearsDirty(t *testing.T) {
	heapSize, cacheSize := newTestBlob()
	st := store.NewMemStore(int(heapSize))
	p, err := Create(context.Background(), st, heapSize, cacheSize, testConfig(), discardLog())
	require.NoError(t, err)

	err = p.Run(context.Background(), tx.BehaviorAbort, func(txn *tx.Tx) error {
		_, err := txn.Alloc(p.DefaultMB(), 32, nil)
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, p.CacheStats().Dirty, "commit should have left dirty pages for the checkpoint to flush")

	require.NoError(t, p.Checkpoint(context.Background(), 1))
	require.Zero(t, p.CacheStats().Dirty, "checkpoint should flush every dirty page")
	require.Equal(t, uint64(1), p.cache.CommitID(), "checkpoint should advance the cache commit id")
}

func TestGetEvictableMBUnderPressureReturnsUsableBucket(t *testing.T) {
	// Eight heap zones over a four-zone cache: the non-evictable share is
	// floored at four zones, which leaves four zones for evictable MBs.
	heapSize := int64(memblock.HeapHeaderSize) + 8*int64(memblock.ZoneMaxSize)
	cacheSize := 4 * int64(memblock.ZoneMaxSize)
	st := store.NewMemStore(int(heapSize))
	p, err := Create(context.Background(), st, heapSize, cacheSize, testConfig(), discardLog())
	require.NoError(t, err)

	mb, err := p.GetEvictableMB(true)
	require.NoError(t, err)
	require.NotNil(t, mb)

	err = p.Run(context.Background(), tx.BehaviorAbort, func(txn *tx.Tx) error {
		_, err := txn.Alloc(mb, 64, nil)
		return err
	})
	require.NoError(t, err, "an evictable mb obtained under pressure must still serve an allocation")
}

func TestSetRootThenRootOffsetRoundTrips(t *testing.T) {
	heapSize, cacheSize := newTestBlob()
	st := store.NewMemStore(int(heapSize))
	p, err := Create(context.Background(), st, heapSize, cacheSize, testConfig(), discardLog())
	require.NoError(t, err)

	err = p.Run(context.Background(), tx.BehaviorAbort, func(txn *tx.Tx) error {
		return p.SetRoot(txn, 123456, 789)
	})
	require.NoError(t, err)

	off, size := p.RootOffset()
	require.Equal(t, uint64(123456), off)
	require.Equal(t, uint64(789), size)
}
