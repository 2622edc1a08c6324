package entrypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocGrowsPoolOneChunkAtATime(t *testing.T) {
	p := New(4, 0)
	assert.Equal(t, 0, p.Len())

	e := p.Alloc()
	require.NotNil(t, e)
	assert.Equal(t, 4, p.Len(), "first Alloc commits one whole chunk")
	assert.Equal(t, StateNotUsed, e.State)
	assert.Equal(t, 3, p.Free())
}

func TestAllocRespectsMaxSlots(t *testing.T) {
	p := New(4, 4)
	for i := 0; i < 4; i++ {
		require.NotNil(t, p.Alloc())
	}
	assert.Nil(t, p.Alloc(), "pool at its ceiling with an empty free list must return nil")
}

func TestReleasePanicsOnOutstandingRef(t *testing.T) {
	p := New(4, 0)
	e := p.Alloc()
	e.RefCount = 1
	assert.Panics(t, func() { p.Release(e) })
}

func TestReleaseReturnsSlotToFreeList(t *testing.T) {
	p := New(4, 0)
	e := p.Alloc()
	e.Data = []byte("x")
	p.Release(e)
	assert.Equal(t, StateFree, e.State)
	assert.Nil(t, e.Data)
	assert.Equal(t, 4, p.Free())

	again := p.Alloc()
	assert.Same(t, e, again, "a released slot is address-stable and reused before growing")
}

func TestAtWalksAcrossChunks(t *testing.T) {
	p := New(2, 0)
	for i := 0; i < 5; i++ {
		p.Alloc()
	}
	assert.Equal(t, 6, p.Len(), "5 allocations span three 2-wide chunks")
	for i := 0; i < p.Len(); i++ {
		assert.NotNil(t, p.At(i))
	}
}

func TestBumpSaturatesAtUsedMax(t *testing.T) {
	e := &Entry{State: UsedMax}
	e.Bump()
	assert.Equal(t, UsedMax, e.State)
}

func TestDecayFloorsAtUsedMin(t *testing.T) {
	e := &Entry{State: UsedMin}
	e.Decay()
	assert.Equal(t, UsedMin, e.State)
}

func TestKeyAndValueSplitData(t *testing.T) {
	e := &Entry{KeyLen: 3, Data: []byte("fookey-value")}
	assert.Equal(t, "foo", string(e.Key()))
	assert.Equal(t, "key-value", string(e.Value()))
}

func TestEntrySizeIncludesKeyAndValue(t *testing.T) {
	e := &Entry{KeyLen: 3, ValueLen: 5}
	assert.Equal(t, int64(48+3+5), EntrySize(e))
}
