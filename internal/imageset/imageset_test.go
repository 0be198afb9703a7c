package imageset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
	}{
		{"no images", nil},
		{"one empty", []int{0}},
		{"one byte", []int{1}},
		{"exact page", []int{Alignment}},
		{"page plus one", []int{Alignment + 1}},
		{"mixed with zeros", []int{10, 0, Alignment * 2, 0, 3}},
		{"maximum", []int{1, 2, 3, 4, 5, 6, 7, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := make([][]byte, len(tt.sizes))
			sizes := make([]uint64, len(tt.sizes))
			for i, n := range tt.sizes {
				images[i] = pattern(n, byte(i*31))
				sizes[i] = uint64(n)
			}

			total, err := Size(sizes...)
			require.NoError(t, err)
			assert.Zero(t, total%Alignment)

			buf := bytes.Repeat([]byte{0xff}, int(total)+Alignment)
			n, err := Pack(buf, images...)
			require.NoError(t, err)
			assert.Equal(t, int(total), n)

			got, err := Unpack(buf[:n])
			require.NoError(t, err)
			require.Len(t, got, len(images))
			for i := range images {
				assert.Equal(t, images[i], got[i], "image %d", i)
			}
		})
	}
}

func TestPackLayout(t *testing.T) {
	buf := make([]byte, 3*Alignment)
	_, err := Pack(buf, []byte("abc"), nil, []byte("de"))
	require.NoError(t, err)

	le := binary.LittleEndian
	assert.Equal(t, uint64(3), le.Uint64(buf[0:]))
	assert.Equal(t, uint64(3), le.Uint64(buf[8:]))
	assert.Equal(t, uint64(0), le.Uint64(buf[16:]))
	assert.Equal(t, uint64(2), le.Uint64(buf[24:]))
	assert.Equal(t, []byte("abc"), buf[Alignment:Alignment+3])
	assert.Equal(t, []byte("de"), buf[2*Alignment:2*Alignment+2])
	assert.Equal(t, make([]byte, Alignment-3), buf[Alignment+3:2*Alignment], "padding is zeroed")
}

func TestTooManyImages(t *testing.T) {
	images := make([][]byte, MaxImages+1)
	_, err := Pack(make([]byte, 64*Alignment), images...)
	assert.ErrorIs(t, err, ErrTooManyImages)
}

func TestPackShortDestination(t *testing.T) {
	_, err := Pack(make([]byte, Alignment), []byte("x"))
	assert.Error(t, err)
}

func TestUnpackCorrupt(t *testing.T) {
	le := binary.LittleEndian

	tests := []struct {
		name  string
		build func() []byte
	}{
		{"short header", func() []byte { return make([]byte, 100) }},
		{"count too large", func() []byte {
			b := make([]byte, Alignment)
			le.PutUint64(b, MaxImages+1)
			return b
		}},
		{"size past end", func() []byte {
			b := make([]byte, 2*Alignment)
			le.PutUint64(b, 1)
			le.PutUint64(b[8:], Alignment+1)
			return b
		}},
		{"size overflows", func() []byte {
			b := make([]byte, 2*Alignment)
			le.PutUint64(b, 1)
			le.PutUint64(b[8:], ^uint64(0))
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpack(tt.build())
			assert.ErrorIs(t, err, ErrCorrupt, fmt.Sprint(err))
		})
	}
}
