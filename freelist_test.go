package leafdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreelistArrayAllocateContiguousRun(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	f.readIDs(pgids{3, 4, 5, 9})

	id := f.allocate(1, 2)
	assert.Equal(t, pgid(3), id)
	assert.Equal(t, pgids{5, 9}, f.ids)
}

func TestFreelistArrayAllocateNoFitReturnsZero(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	f.readIDs(pgids{3, 9})

	assert.Equal(t, pgid(0), f.allocate(1, 2))
}

func TestFreelistHashmapAllocateExactSize(t *testing.T) {
	f := newFreelist(FreelistHashMapType)
	f.readIDs(pgids{10, 11, 20})

	id := f.allocate(1, 2)
	assert.Equal(t, pgid(10), id)
	assert.False(t, f.freed(10))
	assert.False(t, f.freed(11))
	assert.True(t, f.freed(20))
}

func TestFreelistHashmapAllocateSplitsLargerSpan(t *testing.T) {
	f := newFreelist(FreelistHashMapType)
	f.readIDs(pgids{5, 6, 7, 8})

	id := f.allocate(1, 2)
	assert.Equal(t, pgid(5), id)
	assert.True(t, f.freed(7))
	assert.True(t, f.freed(8))
	assert.False(t, f.freed(5))
}

func TestFreelistFreeThenReleasePromotesPages(t *testing.T) {
	f := newFreelist(FreelistArrayType)

	p := &page{id: 5}
	f.free(2, p)
	assert.True(t, f.freed(5))
	assert.Equal(t, 1, f.count())

	f.release(2)
	assert.Equal(t, pgids{5}, f.ids)
}

func TestFreelistFreeWithOverflowPendsWholeRun(t *testing.T) {
	f := newFreelist(FreelistArrayType)

	p := &page{id: 5, overflow: 2}
	f.free(2, p)
	assert.True(t, f.freed(5))
	assert.True(t, f.freed(6))
	assert.True(t, f.freed(7))
	assert.Equal(t, 3, f.count())
}

func TestFreelistFreeMetaPagePanics(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	assert.Panics(t, func() {
		f.free(1, &page{id: 1})
	})
}

func TestFreelistReleaseHoldsPagesVisibleToOpenReader(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	f.markAllocated(1, 5, 1)

	f.addReadonlyTxID(1)
	f.free(2, &page{id: 5})
	f.release(2)

	assert.Empty(t, f.ids)
	assert.True(t, f.freed(5))

	f.removeReadonlyTxID(1)
	f.release(2)
	assert.Equal(t, pgids{5}, f.ids)
}

func TestFreelistRollbackDiscardsWithoutPromoting(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	f.free(2, &page{id: 5})

	f.rollback(2)
	assert.False(t, f.freed(5))
	assert.Equal(t, 0, f.count())
}

func TestFreelistWriteReadRoundTrip(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	f.readIDs(pgids{3, 4, 5})

	buf := make([]byte, pageHeaderSize+3*8)
	p := pageFromBuf(buf)
	require.NoError(t, f.write(p))

	f2 := newFreelist(FreelistArrayType)
	f2.read(p)
	assert.Equal(t, pgids{3, 4, 5}, f2.ids)
}

func TestFreelistWriteEmptySetsZeroCount(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	buf := make([]byte, pageHeaderSize)
	p := pageFromBuf(buf)
	require.NoError(t, f.write(p))
	assert.Equal(t, uint16(0), p.count)
}

func TestFreelistWriteOverflowCountEncoding(t *testing.T) {
	f := newFreelist(FreelistArrayType)
	ids := make(pgids, freelistOverflowCount+10)
	for i := range ids {
		ids[i] = pgid(i + 2)
	}
	f.readIDs(ids)

	buf := make([]byte, pageHeaderSize+(len(ids)+1)*8)
	p := pageFromBuf(buf)
	require.NoError(t, f.write(p))
	assert.Equal(t, uint16(freelistOverflowCount), p.count)

	f2 := newFreelist(FreelistArrayType)
	f2.read(p)
	assert.Equal(t, ids, f2.ids)
}
