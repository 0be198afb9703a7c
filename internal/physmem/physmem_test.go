package physmem

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpan(t *testing.T) {
	tests := []struct {
		name                 string
		phys, size           uint64
		base, offset, length uint64
	}{
		{"aligned single page", 0x1000, 0x1000, 0x1000, 0, 0x1000},
		{"aligned short", 0x2000, 10, 0x2000, 0, 0x1000},
		{"unaligned start", 0x2010, 0x1000, 0x2000, 0x10, 0x2000},
		{"crosses one boundary", 0x2ff0, 0x20, 0x2000, 0xff0, 0x2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, off, length, err := span(tt.phys, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.offset, off)
			assert.Equal(t, tt.length, length)
			assert.GreaterOrEqual(t, length, off+tt.size)
		})
	}
}

func TestSpanRejects(t *testing.T) {
	_, _, _, err := span(0x1000, 0)
	assert.Error(t, err)

	_, _, _, err = span(math.MaxUint64-10, 100)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestArenaWindow(t *testing.T) {
	ctx := context.Background()
	a := NewArena(0x10000, 4*PageSize)

	w, err := a.Map(ctx, 0x10010, 8)
	require.NoError(t, err)
	assert.Len(t, w.Bytes(), 8)
	assert.Equal(t, 1, a.OpenWindows())

	copy(w.Bytes(), "abcdefgh")
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Equal(t, 0, a.OpenWindows())
	assert.Equal(t, 1, a.Syncs())
	assert.Equal(t, []byte("abcdefgh"), a.Read(0x10010, 8))
	assert.Error(t, w.Sync(), "sync after close")
}

func TestArenaBounds(t *testing.T) {
	ctx := context.Background()
	a := NewArena(0x10000, 2*PageSize)

	_, err := a.Map(ctx, 0x8000, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = a.Map(ctx, 0x11ff0, 0x20)
	assert.ErrorIs(t, err, ErrOutOfRange)

	a.MapErr = errors.New("busy")
	_, err = a.Map(ctx, 0x10000, 16)
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 0, a.OpenWindows())
}
