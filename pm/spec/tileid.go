package spec

import (
	"math/bits"

	"github.com/google/hilbert"
)

// TileID addresses a tile of the archive by zoom and column/row, with row 0 at the top.
type TileID struct {
	X uint32
	Y uint32
	Z uint32
}

// EncodeTileID returns the v3 tile code: the number of tiles on lower zooms
// plus the position of the tile on the Hilbert curve of its zoom.
func EncodeTileID(id TileID) uint64 {
	h, _ := hilbert.NewHilbert(1 << id.Z)
	pos, _ := h.MapInverse(int(id.X), int(id.Y))

	lowerZooms := (1<<(id.Z*2) - 1) / 3
	return uint64(pos + lowerZooms)
}

func DecodeTileID(code uint64) TileID {
	z := (bits.Len64(3*code+1) - 1) / 2
	lowerZooms := (1<<(z*2) - 1) / 3

	h, _ := hilbert.NewHilbert(1 << z)
	x, y, _ := h.Map(int(code) - lowerZooms)

	return TileID{X: uint32(x), Y: uint32(y), Z: uint32(z)}
}
