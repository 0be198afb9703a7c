package staging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/hvagent/internal/physmem"
)

const testBase = 0x8000_0000

func openRegion(t *testing.T, pages int) (*Region, *physmem.Arena) {
	t.Helper()
	arena := physmem.NewArena(testBase, pages*physmem.PageSize)
	r, err := Open(context.Background(), arena, testBase, uint64(pages*physmem.PageSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, arena
}

func TestAllocFree(t *testing.T) {
	r, arena := openRegion(t, 8)

	a, err := r.Alloc(80)
	require.NoError(t, err)
	assert.Len(t, a.Bytes, 80)
	assert.Equal(t, uint64(testBase), a.Phys)

	b, err := r.Alloc(physmem.PageSize + 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase+physmem.PageSize), b.Phys)
	assert.Equal(t, 3, r.InUse())

	copy(b.Bytes, "block")
	assert.Equal(t, []byte("block"), arena.Read(b.Phys, 5), "buffer bytes alias physical memory")

	r.Free(a)
	r.Free(a)
	assert.Equal(t, 2, r.InUse())

	c, err := r.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(testBase), c.Phys, "first fit reuses the freed page")
}

func TestAllocZeroes(t *testing.T) {
	r, _ := openRegion(t, 2)

	a, err := r.Alloc(16)
	require.NoError(t, err)
	copy(a.Bytes, "stale stale stale")
	r.Free(a)

	b, err := r.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), b.Bytes)
}

func TestExhausted(t *testing.T) {
	r, _ := openRegion(t, 4)

	_, err := r.Alloc(5 * physmem.PageSize)
	assert.ErrorIs(t, err, ErrExhausted)

	a, err := r.Alloc(physmem.PageSize)
	require.NoError(t, err)
	_, err = r.Alloc(physmem.PageSize)
	require.NoError(t, err)
	r.Free(a)

	// Pages 0 and 2-3 are free but not contiguous with each other.
	_, err = r.Alloc(3 * physmem.PageSize)
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = r.Alloc(2 * physmem.PageSize)
	assert.NoError(t, err)
}

func TestLargeRegionWordScan(t *testing.T) {
	r, _ := openRegion(t, 200)

	first, err := r.Alloc(70 * physmem.PageSize)
	require.NoError(t, err)
	second, err := r.Alloc(100 * physmem.PageSize)
	require.NoError(t, err)
	assert.Equal(t, first.Phys+70*physmem.PageSize, second.Phys)
	assert.Equal(t, 170, r.InUse())

	_, err = r.Alloc(31 * physmem.PageSize)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestOpenRejects(t *testing.T) {
	arena := physmem.NewArena(testBase, 4*physmem.PageSize)

	_, err := Open(context.Background(), arena, testBase+1, physmem.PageSize)
	assert.Error(t, err)
	_, err = Open(context.Background(), arena, testBase, 100)
	assert.Error(t, err)
}
