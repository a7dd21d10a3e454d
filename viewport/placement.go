package viewport

import (
	"math"

	"github.com/eak1mov/go-tileview/tile"
)

// Placement tells where a tile of the active level lands in the buffer.
// It is derived from the current state and must be recomputed after every
// pan or zoom.
type Placement struct {
	// Dest is the position of the tile's first texel corner in buffer pixels.
	Dest Vec
	// SrcOffset is the first tile texel that lands inside the buffer.
	SrcOffset [3]int
	// Copy is the number of texels present in the tile. Edge tiles are
	// smaller than the nominal tile size.
	Copy [3]int
	// RenderScale is the number of buffer pixels per tile texel.
	RenderScale float64
	// Span is the clipped range [Span[i][0], Span[i][1]) of buffer pixels
	// covered on each axis. An empty span on any axis means nothing to draw.
	Span [3][2]int
}

// Empty reports whether the tile does not cover any buffer pixel.
func (p Placement) Empty() bool {
	for _, s := range p.Span {
		if s[0] >= s[1] {
			return true
		}
	}
	return false
}

// Source returns the tile texel sampled by buffer pixel d on the given axis:
// the texel under the pixel center, nearest-neighbor.
func (p Placement) Source(axis, d int) int {
	s := int(math.Floor((float64(d) + 0.5 - p.Dest[axis]) / p.RenderScale))
	return max(0, min(p.Copy[axis]-1, s))
}

// TilePlacement computes the placement of tile c of the active level. Tiles
// are positioned relative to the viewport center, which always sits at the
// buffer center.
func (v *Viewport) TilePlacement(c tile.Coord) Placement {
	level := v.desc.Levels[c.Level]
	levelScale := v.LevelScale(c.Level)
	renderScale := v.EffectiveScale() / levelScale
	size, tileSize := level.Size(), level.TileSize()
	index := [3]int{c.X, c.Y, c.Z}

	p := Placement{
		RenderScale: renderScale,
		Copy:        [3]int{1, 1, 1},
		Span:        [3][2]int{{0, 1}, {0, 1}, {0, 1}},
	}
	for i := range v.axes {
		start := index[i] * tileSize[i]
		p.Dest[i] = v.bufferCenter(i) + (float64(start)-v.state.Center[i]*levelScale)*renderScale
		p.Copy[i] = max(0, min(tileSize[i], size[i]-start))

		// Pixel d is covered when d+0.5 lies in [Dest, Dest+Copy*renderScale).
		lo := int(math.Ceil(p.Dest[i] - 0.5))
		hi := int(math.Ceil(p.Dest[i] + float64(p.Copy[i])*renderScale - 0.5))
		p.Span[i] = [2]int{max(0, lo), min(v.buffer[i], hi)}
		if p.Span[i][0] < p.Span[i][1] {
			p.SrcOffset[i] = p.Source(i, p.Span[i][0])
		}
	}
	return p
}

// CanvasBounds is the rectangle in which the host draws the buffer on its
// canvas, in canvas pixels.
type CanvasBounds struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

func (b CanvasBounds) valid() bool {
	return b.Width > 0 && b.Height > 0
}

// CanvasToBuffer converts a canvas point into buffer pixels. With invalid
// bounds the point is returned unchanged.
func (v *Viewport) CanvasToBuffer(p Vec, b CanvasBounds) Vec {
	if !b.valid() {
		return p
	}
	p[0] = (p[0] - b.Left) * float64(v.buffer[0]) / b.Width
	p[1] = (p[1] - b.Top) * float64(v.buffer[1]) / b.Height
	return p
}

// CanvasDeltaToBuffer converts a canvas displacement into buffer pixels.
func (v *Viewport) CanvasDeltaToBuffer(d Vec, b CanvasBounds) Vec {
	if !b.valid() {
		return d
	}
	d[0] *= float64(v.buffer[0]) / b.Width
	d[1] *= float64(v.buffer[1]) / b.Height
	return d
}
