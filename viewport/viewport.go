// Package viewport maps between screen-buffer, level-0 and per-level tile
// coordinates of a pyramid, selects the active level with hysteresis and
// enumerates the tiles needed to cover the visible region.
//
// All state is kept in level-0 space: switching levels never moves the
// centered point. A Viewport is not safe for concurrent use.
package viewport

import (
	"fmt"
	"math"

	"github.com/eak1mov/go-tileview/tile"
)

const (
	MinZoom = 0.1
	MaxZoom = 10000

	// Pixel ratio thresholds of level selection. The gap between them is the
	// hysteresis band in which the current level is kept.
	UpgradeThreshold   = 1.2
	DowngradeThreshold = 0.4

	DefaultMaxTiles2D = 100
	DefaultMaxTiles3D = 1000
)

// Vec is a point or a delta. For 2D pyramids the third component does not
// participate in any computation and is carried through unchanged.
type Vec [3]float64

// State is the full mutable state of a viewport.
type State struct {
	Center Vec // level-0 coordinates
	Zoom   float64
	Level  int
}

// Region is an axis-aligned box [Min, Max) on one level.
type Region struct {
	Min   Vec
	Max   Vec
	Level int
}

type Viewport struct {
	desc   tile.Descriptor
	axes   int
	buffer [3]int
	state  State

	maxTiles int
}

// New returns a viewport over the pyramid for an output buffer of the given size.
// The initial level is the first one that fits the buffer entirely, centered,
// at zoom 1.
func New(desc tile.Descriptor, buffer [3]int) (*Viewport, error) {
	desc.Normalize()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Levels = append([]tile.Level(nil), desc.Levels...)

	v := &Viewport{
		desc: desc,
		axes: desc.Dims.Axes(),
	}
	if err := v.setBuffer(buffer); err != nil {
		return nil, err
	}
	if v.axes == 3 {
		v.maxTiles = DefaultMaxTiles3D
	} else {
		v.maxTiles = DefaultMaxTiles2D
	}

	v.state.Level = len(desc.Levels) - 1
	for i, l := range desc.Levels {
		if v.fits(l) {
			v.state.Level = i
			break
		}
	}
	level0 := desc.Levels[0].Size()
	for i := range v.axes {
		v.state.Center[i] = float64(level0[i]) / 2
	}
	v.state.Zoom = 1
	return v, nil
}

func (v *Viewport) fits(l tile.Level) bool {
	size := l.Size()
	for i := range v.axes {
		if size[i] > v.buffer[i] {
			return false
		}
	}
	return true
}

func (v *Viewport) setBuffer(buffer [3]int) error {
	if v.axes == 2 {
		buffer[2] = 1
	}
	for i := range v.axes {
		if buffer[i] <= 0 {
			return fmt.Errorf("tileview: invalid buffer size %v", buffer)
		}
	}
	v.buffer = buffer
	return nil
}

// Descriptor returns the pyramid the viewport was built for.
func (v *Viewport) Descriptor() tile.Descriptor {
	return v.desc
}

func (v *Viewport) State() State {
	return v.state
}

// SetState replaces the whole state. Zoom and level are clamped to their
// valid ranges and the center is clamped to the dataset.
func (v *Viewport) SetState(s State) {
	v.state.Center = s.Center
	v.state.Zoom = clampZoom(s.Zoom)
	v.state.Level = v.clampLevel(s.Level)
	v.clampCenter()
}

func (v *Viewport) Level() int {
	return v.state.Level
}

// SetLevel changes the active level only; center and zoom are untouched.
// It returns the level actually set.
func (v *Viewport) SetLevel(level int) int {
	v.state.Level = v.clampLevel(level)
	return v.state.Level
}

func (v *Viewport) BufferSize() [3]int {
	return v.buffer
}

// SetBufferSize changes the size of the output buffer and re-clamps the center.
func (v *Viewport) SetBufferSize(buffer [3]int) error {
	if err := v.setBuffer(buffer); err != nil {
		return err
	}
	v.clampCenter()
	return nil
}

// MaxTiles is the upper bound on the number of tiles returned by VisibleTiles.
func (v *Viewport) MaxTiles() int {
	return v.maxTiles
}

func (v *Viewport) SetMaxTiles(n int) {
	if n > 0 {
		v.maxTiles = n
	}
}

// BaseScale is the scale that fits level 0 into the buffer.
func (v *Viewport) BaseScale() float64 {
	level0 := v.desc.Levels[0].Size()
	scale := math.Inf(1)
	for i := range v.axes {
		scale = min(scale, float64(v.buffer[i])/float64(level0[i]))
	}
	return scale
}

// EffectiveScale is the number of buffer pixels per level-0 unit.
func (v *Viewport) EffectiveScale() float64 {
	return v.BaseScale() * v.state.Zoom
}

// LevelScale is the number of level pixels per level-0 unit.
func (v *Viewport) LevelScale(level int) float64 {
	return float64(v.desc.Levels[level].Width) / float64(v.desc.Levels[0].Width)
}

// PixelRatio is the number of buffer pixels per pixel of the given level.
func (v *Viewport) PixelRatio(level int) float64 {
	return v.EffectiveScale() / v.LevelScale(level)
}

func (v *Viewport) bufferCenter(i int) float64 {
	return float64(v.buffer[i]) / 2
}

func (v *Viewport) ScreenToImage(p Vec) Vec {
	scale := v.EffectiveScale()
	out := p
	for i := range v.axes {
		out[i] = v.state.Center[i] + (p[i]-v.bufferCenter(i))/scale
	}
	return out
}

func (v *Viewport) ImageToScreen(p Vec) Vec {
	scale := v.EffectiveScale()
	out := p
	for i := range v.axes {
		out[i] = v.bufferCenter(i) + (p[i]-v.state.Center[i])*scale
	}
	return out
}

// Pan moves the view by a delta in buffer pixels.
func (v *Viewport) Pan(delta Vec) {
	scale := v.EffectiveScale()
	for i := range v.axes {
		v.state.Center[i] -= delta[i] / scale
	}
	v.clampCenter()
}

// ZoomAt multiplies the zoom by factor keeping the image point under the
// buffer point at fixed. The active level is not changed.
func (v *Viewport) ZoomAt(factor float64, at Vec) {
	anchor := v.ScreenToImage(at)
	v.state.Zoom = clampZoom(v.state.Zoom * factor)
	scale := v.EffectiveScale()
	for i := range v.axes {
		v.state.Center[i] = anchor[i] - (at[i]-v.bufferCenter(i))/scale
	}
	v.clampCenter()
}

// BestLevelForZoom returns the highest resolution level that is not
// oversampled by more than a factor of two.
func (v *Viewport) BestLevelForZoom() int {
	for i := range v.desc.Levels {
		if v.PixelRatio(i) >= 0.5 {
			return i
		}
	}
	return len(v.desc.Levels) - 1
}

// BestLevelForZoomWithHysteresis moves from current towards higher
// resolution while the pixel ratio is at least UpgradeThreshold, or towards
// lower resolution while it is below DowngradeThreshold. Within the band the
// current level is kept, so repeated calls are stable.
func (v *Viewport) BestLevelForZoomWithHysteresis(current int) int {
	current = v.clampLevel(current)
	if current > 0 && v.PixelRatio(current) >= UpgradeThreshold {
		for current > 0 && v.PixelRatio(current) >= UpgradeThreshold {
			current--
		}
		// Never walk back: with levels more than 3x apart both thresholds
		// can trigger on neighbouring levels.
		return current
	}
	for current < len(v.desc.Levels)-1 && v.PixelRatio(current) < DowngradeThreshold {
		current++
	}
	return current
}

// VisibleRegionLevel0 returns the part of level-0 space covered by the
// buffer. It is not clamped and may overhang the dataset.
func (v *Viewport) VisibleRegionLevel0() Region {
	scale := v.EffectiveScale()
	r := Region{Level: 0, Min: v.state.Center, Max: v.state.Center}
	for i := range v.axes {
		half := v.bufferCenter(i) / scale
		r.Min[i] = v.state.Center[i] - half
		r.Max[i] = v.state.Center[i] + half
	}
	return r
}

// VisibleRegion returns the visible region in pixels of the active level,
// clamped to the level bounds.
func (v *Viewport) VisibleRegion() Region {
	r0 := v.VisibleRegionLevel0()
	levelScale := v.LevelScale(v.state.Level)
	size := v.desc.Levels[v.state.Level].Size()
	r := Region{Level: v.state.Level, Max: Vec{0, 0, 1}}
	for i := range v.axes {
		r.Min[i] = max(0, r0.Min[i]*levelScale)
		r.Max[i] = min(float64(size[i]), r0.Max[i]*levelScale)
	}
	return r
}

// VisibleTileRange returns the box of tile indices covering the visible region.
func (v *Viewport) VisibleTileRange() tile.Range {
	region := v.VisibleRegion()
	level := v.desc.Levels[v.state.Level]
	tileSize, count := level.TileSize(), level.TileCount()
	r := tile.Range{Level: v.state.Level, Max: [3]int{1, 1, 1}}
	for i := range v.axes {
		t := float64(tileSize[i])
		r.Min[i] = max(0, int(math.Floor(region.Min[i]/t)))
		r.Max[i] = min(count[i], int(math.Ceil(region.Max[i]/t)))
	}
	return r
}

// VisibleTiles enumerates the tiles of the active level that intersect the
// visible region, x varying fastest. At most MaxTiles are returned; the
// second result reports whether the list was truncated.
func (v *Viewport) VisibleTiles() ([]tile.Coord, bool) {
	r := v.VisibleTileRange()
	total := r.Len()
	tiles := make([]tile.Coord, 0, min(total, v.maxTiles))
	for c := range r.All() {
		if len(tiles) == v.maxTiles {
			break
		}
		tiles = append(tiles, c)
	}
	return tiles, total > v.maxTiles
}

func (v *Viewport) clampLevel(level int) int {
	return max(0, min(len(v.desc.Levels)-1, level))
}

// clampCenter keeps the center inside the dataset, so the visible region
// overhangs level 0 by at most half of its own extent.
func (v *Viewport) clampCenter() {
	level0 := v.desc.Levels[0].Size()
	for i := range v.axes {
		c := v.state.Center[i]
		if math.IsNaN(c) {
			c = float64(level0[i]) / 2
		}
		v.state.Center[i] = max(0, min(float64(level0[i]), c))
	}
}

func clampZoom(zoom float64) float64 {
	if math.IsNaN(zoom) {
		return MinZoom
	}
	return max(MinZoom, min(MaxZoom, zoom))
}
