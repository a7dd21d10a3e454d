package tile

import "iter"

// Range is a half-open box of tile indices [Min, Max) on one level.
type Range struct {
	Level int
	Min   [3]int
	Max   [3]int
}

// Len returns the number of tiles in the range.
func (r Range) Len() int {
	n := 1
	for i := range r.Min {
		n *= max(0, r.Max[i]-r.Min[i])
	}
	return n
}

// All returns an iterator over the tiles of the range, x varying fastest.
func (r Range) All() iter.Seq[Coord] {
	return func(yield func(Coord) bool) {
		for z := r.Min[2]; z < r.Max[2]; z++ {
			for y := r.Min[1]; y < r.Max[1]; y++ {
				for x := r.Min[0]; x < r.Max[0]; x++ {
					if !yield(Coord{Level: r.Level, X: x, Y: y, Z: z}) {
						return
					}
				}
			}
		}
	}
}

// HalvingLevels builds count levels where each level halves the previous one
// (rounding up), keeping the tile size constant. It is used by archive sources
// whose metadata only describes level 0.
func HalvingLevels(size, tileSize [3]int, count int) []Level {
	levels := make([]Level, 0, count)
	for range count {
		levels = append(levels, Level{
			Width:      size[0],
			Height:     size[1],
			Depth:      max(size[2], 1),
			TileWidth:  tileSize[0],
			TileHeight: tileSize[1],
			TileDepth:  max(tileSize[2], 1),
		})
		for i := range size {
			size[i] = max((size[i]+1)/2, 1)
		}
	}
	return levels
}
