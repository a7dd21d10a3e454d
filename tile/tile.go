// Package tile provides the pyramid descriptor, tile coordinates, payloads
// and the Source interface shared by the viewport, cache, compositor and the
// tile source implementations.
package tile

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidDescriptor = errors.New("tileview: invalid pyramid descriptor")
	ErrPayloadTooLarge   = errors.New("tileview: payload larger than tile")
	ErrShortPayload      = errors.New("tileview: payload data too short")
	ErrEmptyExtent       = errors.New("tileview: payload has no samples")
)

// Dimensionality tells whether a pyramid is made of 2D tiles or 3D chunks.
type Dimensionality int

const (
	TwoD   Dimensionality = 2
	ThreeD Dimensionality = 3
)

func (d Dimensionality) Axes() int {
	if d == ThreeD {
		return 3
	}
	return 2
}

// Coord identifies a tile (2D) or chunk (3D) by its integer indices within a level.
// Z is always 0 for 2D pyramids.
type Coord struct {
	Level int
	X     int
	Y     int
	Z     int
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", c.Level, c.X, c.Y, c.Z)
}

// Level describes one level of the pyramid. Depth and TileDepth are 1 for 2D data.
type Level struct {
	Width      int `json:"width"`
	Height     int `json:"height"`
	Depth      int `json:"depth,omitempty"`
	TileWidth  int `json:"tileWidth"`
	TileHeight int `json:"tileHeight"`
	TileDepth  int `json:"tileDepth,omitempty"`
}

// Size returns level dimensions as (width, height, depth).
func (l Level) Size() [3]int {
	return [3]int{l.Width, l.Height, l.Depth}
}

// TileSize returns tile dimensions as (width, height, depth).
func (l Level) TileSize() [3]int {
	return [3]int{l.TileWidth, l.TileHeight, l.TileDepth}
}

// TileCount returns the number of tiles along each axis: ceil(size/tileSize).
func (l Level) TileCount() [3]int {
	size, tileSize := l.Size(), l.TileSize()
	var count [3]int
	for i := range count {
		count[i] = (size[i] + tileSize[i] - 1) / tileSize[i]
	}
	return count
}

// TileExtent returns the size of tile c within the level. Edge tiles are
// truncated by the level bounds.
func (l Level) TileExtent(c Coord) [3]int {
	size, tileSize := l.Size(), l.TileSize()
	idx := [3]int{c.X, c.Y, c.Z}
	var extent [3]int
	for i := range extent {
		extent[i] = max(min(tileSize[i], size[i]-idx[i]*tileSize[i]), 0)
	}
	return extent
}

// Descriptor is the static metadata of a pyramid. Levels[0] is the highest
// resolution and defines the coordinate space of the viewport ("level-0 space").
type Descriptor struct {
	Name     string         `json:"name"`
	Levels   []Level        `json:"levels"`
	Dims     Dimensionality `json:"dims,omitempty"`
	DataType DataType       `json:"dataType,omitempty"`
}

// Normalize fills defaults: 2D dimensionality, RGBA8 samples and unit depth for 2D levels.
func (d *Descriptor) Normalize() {
	if d.Dims == 0 {
		d.Dims = TwoD
	}
	if d.DataType == Unknown {
		d.DataType = RGBA8
	}
	for i := range d.Levels {
		l := &d.Levels[i]
		if d.Dims == TwoD || l.Depth == 0 {
			l.Depth = 1
		}
		if d.Dims == TwoD || l.TileDepth == 0 {
			l.TileDepth = 1
		}
	}
}

// Validate checks that the descriptor can back a viewport.
func (d *Descriptor) Validate() error {
	if len(d.Levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidDescriptor)
	}
	if d.Dims != TwoD && d.Dims != ThreeD {
		return fmt.Errorf("%w: unsupported dimensionality %d", ErrInvalidDescriptor, d.Dims)
	}
	if d.DataType.Size() == 0 {
		return fmt.Errorf("%w: unknown data type", ErrInvalidDescriptor)
	}
	for i, l := range d.Levels {
		for axis, v := range l.Size() {
			if v <= 0 {
				return fmt.Errorf("%w: level %d has non-positive size on axis %d", ErrInvalidDescriptor, i, axis)
			}
		}
		for axis, v := range l.TileSize() {
			if v <= 0 {
				return fmt.Errorf("%w: level %d has non-positive tile size on axis %d", ErrInvalidDescriptor, i, axis)
			}
		}
		if i > 0 && l.Width > d.Levels[i-1].Width {
			return fmt.Errorf("%w: level %d is wider than level %d", ErrInvalidDescriptor, i, i-1)
		}
	}
	return nil
}

// Contains reports whether c addresses an existing tile of the pyramid.
func (d *Descriptor) Contains(c Coord) bool {
	if c.Level < 0 || c.Level >= len(d.Levels) {
		return false
	}
	count := d.Levels[c.Level].TileCount()
	return c.X >= 0 && c.X < count[0] && c.Y >= 0 && c.Y < count[1] && c.Z >= 0 && c.Z < count[2]
}

// Payload holds decoded samples of one tile: x varies fastest, then y, then z.
// Elements are little-endian. A payload with nil Data means the tile is absent.
type Payload struct {
	Width  int
	Height int
	Depth  int
	Type   DataType
	Data   []byte
}

func (p Payload) Empty() bool {
	return p.Data == nil
}

func (p Payload) Size() [3]int {
	return [3]int{p.Width, p.Height, max(p.Depth, 1)}
}

// Validate checks the payload against the tile size of its level.
// Edge tiles may be smaller than the tile size, never larger, and never
// zero on any axis.
func (p Payload) Validate(l Level) error {
	size, tileSize := p.Size(), l.TileSize()
	if p.Width <= 0 || p.Height <= 0 || p.Depth < 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrEmptyExtent, p.Width, p.Height, p.Depth)
	}
	for i := range size {
		if size[i] > tileSize[i] {
			return fmt.Errorf("%w: %v > %v", ErrPayloadTooLarge, size, tileSize)
		}
	}
	if want := size[0] * size[1] * size[2] * p.Type.Size(); len(p.Data) < want {
		return fmt.Errorf("%w: %d < %d bytes", ErrShortPayload, len(p.Data), want)
	}
	return nil
}

// Source fetches pyramid metadata and individual tiles.
type Source interface {
	// FetchInfo returns the pyramid descriptor of the dataset.
	FetchInfo(ctx context.Context, dataset string) (Descriptor, error)

	// FetchTile returns the decoded payload of a single tile.
	// If the tile does not exist, it returns an empty payload with no error.
	FetchTile(ctx context.Context, dataset string, c Coord) (Payload, error)
}
