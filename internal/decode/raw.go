package decode

import (
	"encoding/binary"
	"fmt"

	"github.com/eak1mov/go-tileview/tile"
)

// Raw wraps uncompressed samples of a block of the given size, x fastest.
// Samples in big-endian order are swapped in place.
func Raw(data []byte, size [3]int, t tile.DataType, order binary.ByteOrder) (tile.Payload, error) {
	elem := t.Size()
	if elem == 0 {
		return tile.Payload{}, fmt.Errorf("%w: %v", ErrUnsupportedType, t)
	}
	if want := size[0] * size[1] * size[2] * elem; len(data) < want {
		return tile.Payload{}, fmt.Errorf("%w: %d < %d bytes", tile.ErrShortPayload, len(data), want)
	}
	if order == binary.BigEndian && elem > 1 && t != tile.RGBA8 {
		swapBytes(data, elem)
	}
	return tile.Payload{Width: size[0], Height: size[1], Depth: size[2], Type: t, Data: data}, nil
}

func swapBytes(data []byte, elem int) {
	for i := 0; i+elem <= len(data); i += elem {
		for a, b := i, i+elem-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
}

// Crop returns the leading extent of p, used for edge chunks that are stored
// padded to the full chunk size.
func Crop(p tile.Payload, extent [3]int) tile.Payload {
	size := p.Size()
	if size == extent {
		return p
	}
	elem := p.Type.Size()
	out := tile.Payload{Width: extent[0], Height: extent[1], Depth: extent[2], Type: p.Type}
	out.Data = make([]byte, 0, extent[0]*extent[1]*extent[2]*elem)
	row := extent[0] * elem
	for z := range extent[2] {
		for y := range extent[1] {
			start := ((z*size[1] + y) * size[0]) * elem
			out.Data = append(out.Data, p.Data[start:start+row]...)
		}
	}
	return out
}
