// Package imageset packs several images into one contiguous buffer.
//
// Layout, all integers little-endian:
//
//	header   count u64, MaxImages x size u64, zero padded to Alignment
//	image 0  size bytes, zero padded to Alignment
//	...
//	image N-1
//
// Zero-length images occupy no space after the header.
package imageset

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxImages is the number of images a set can carry.
	MaxImages = 8
	// Alignment is the padding granularity of the header and each image.
	Alignment = 4096

	headerSize = Alignment
)

var (
	ErrTooManyImages = errors.New("too many images")
	ErrCorrupt       = errors.New("corrupt image set")
)

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Size returns the packed length for images of the given sizes.
func Size(sizes ...uint64) (uint64, error) {
	if len(sizes) > MaxImages {
		return 0, fmt.Errorf("%d images, at most %d: %w", len(sizes), MaxImages, ErrTooManyImages)
	}
	total := uint64(headerSize)
	for _, s := range sizes {
		next := total + alignUp(s)
		if next < total || alignUp(s) < s {
			return 0, fmt.Errorf("image of %d bytes overflows the set", s)
		}
		total = next
	}
	return total, nil
}

// Pack writes images into dst, which must be at least Size() bytes.
func Pack(dst []byte, images ...[]byte) (int, error) {
	sizes := make([]uint64, len(images))
	for i, img := range images {
		sizes[i] = uint64(len(img))
	}
	total, err := Size(sizes...)
	if err != nil {
		return 0, err
	}
	if uint64(len(dst)) < total {
		return 0, fmt.Errorf("destination holds %d bytes, set needs %d", len(dst), total)
	}
	clear(dst[:total])

	le := binary.LittleEndian
	le.PutUint64(dst[0:], uint64(len(images)))
	for i, s := range sizes {
		le.PutUint64(dst[8+8*i:], s)
	}

	off := uint64(headerSize)
	for _, img := range images {
		copy(dst[off:], img)
		off += alignUp(uint64(len(img)))
	}
	return int(total), nil
}

// Unpack returns the images in src. The returned slices alias src.
func Unpack(src []byte) ([][]byte, error) {
	if len(src) < headerSize {
		return nil, fmt.Errorf("%d byte header: %w", len(src), ErrCorrupt)
	}
	le := binary.LittleEndian
	count := le.Uint64(src[0:])
	if count > MaxImages {
		return nil, fmt.Errorf("count %d: %w", count, ErrCorrupt)
	}

	images := make([][]byte, count)
	off := uint64(headerSize)
	for i := range images {
		size := le.Uint64(src[8+8*i:])
		padded := alignUp(size)
		if padded < size || off+padded < off || off+padded > uint64(len(src)) {
			return nil, fmt.Errorf("image %d of %d bytes at offset %d exceeds set: %w", i, size, off, ErrCorrupt)
		}
		images[i] = src[off : off+size : off+size]
		off += padded
	}
	return images, nil
}
