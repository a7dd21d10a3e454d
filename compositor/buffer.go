package compositor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/eak1mov/go-tileview/tile"
)

var ErrUnsupportedImage = errors.New("tileview: buffer type has no image representation")

// Buffer is the fixed-size output of the compositor, re-used in place by
// every pass. Elements are stored x fastest, then y, then z.
//
// Storage rows run opposite to screen rows: screen row y lives in storage row
// Height-1-y, which is the orientation texture uploads expect. All access goes
// through Index.
type Buffer struct {
	Width  int
	Height int
	Depth  int
	Type   tile.DataType
	Data   []byte
}

func NewBuffer(size [3]int, t tile.DataType) *Buffer {
	depth := max(size[2], 1)
	return &Buffer{
		Width:  size[0],
		Height: size[1],
		Depth:  depth,
		Type:   t,
		Data:   make([]byte, size[0]*size[1]*depth*t.Size()),
	}
}

func (b *Buffer) Size() [3]int {
	return [3]int{b.Width, b.Height, b.Depth}
}

// Index returns the byte offset of the element at screen coordinates (x, y, z).
func (b *Buffer) Index(x, y, z int) int {
	row := b.Height - 1 - y
	return ((z*b.Height+row)*b.Width + x) * b.Type.Size()
}

// At returns the element at screen coordinates (x, y, z).
// The slice aliases the buffer.
func (b *Buffer) At(x, y, z int) []byte {
	i := b.Index(x, y, z)
	return b.Data[i : i+b.Type.Size()]
}

// Fill sets every element to value, which must be one element long.
// A nil value zeroes the buffer.
func (b *Buffer) Fill(value []byte) {
	if len(value) == 0 || isZero(value) {
		clear(b.Data)
		return
	}
	if len(b.Data) == 0 {
		return
	}
	n := copy(b.Data, value)
	for n < len(b.Data) {
		n += copy(b.Data[n:], b.Data[:n])
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Image returns slice z of the buffer in screen orientation.
// RGBA8, Uint8 and Uint16 buffers are supported.
func (b *Buffer) Image(z int) (image.Image, error) {
	rect := image.Rect(0, 0, b.Width, b.Height)
	switch b.Type {
	case tile.RGBA8:
		img := image.NewRGBA(rect)
		for y := range b.Height {
			i := b.Index(0, y, z)
			copy(img.Pix[y*img.Stride:], b.Data[i:i+b.Width*4])
		}
		return img, nil
	case tile.Uint8:
		img := image.NewGray(rect)
		for y := range b.Height {
			i := b.Index(0, y, z)
			copy(img.Pix[y*img.Stride:], b.Data[i:i+b.Width])
		}
		return img, nil
	case tile.Uint16:
		img := image.NewGray16(rect)
		for y := range b.Height {
			for x := range b.Width {
				v := binary.LittleEndian.Uint16(b.At(x, y, z))
				binary.BigEndian.PutUint16(img.Pix[y*img.Stride+x*2:], v)
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, b.Type)
}

// Windowed maps slice z linearly from [lo, hi] to 8-bit gray, for any data
// type. Values outside the window are saturated.
func (b *Buffer) Windowed(lo, hi float64, z int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	span := hi - lo
	for y := range b.Height {
		for x := range b.Width {
			v := b.Type.Value(b.At(x, y, z))
			var g float64
			if span > 0 {
				g = (v - lo) / span * 255
			}
			if math.IsNaN(g) {
				g = 0
			}
			img.Pix[y*img.Stride+x] = uint8(max(0, min(255, math.Round(g))))
		}
	}
	return img
}
