package compositor

import (
	"math"

	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/viewport"
)

// maxCalibrationSamples bounds the number of elements sampled per tile.
const maxCalibrationSamples = 4096

// Draw writes payload p into the buffer at placement pl, sampling the
// nearest texel under each pixel center. The payload and buffer types must match.
func (b *Buffer) Draw(pl viewport.Placement, p tile.Payload) {
	if pl.Empty() || p.Empty() {
		return
	}
	es := b.Type.Size()
	size := p.Size()
	if size[0] <= 0 || size[1] <= 0 || len(p.Data) < size[0]*size[1]*size[2]*es {
		return
	}

	xs := make([]int, 0, pl.Span[0][1]-pl.Span[0][0])
	for x := pl.Span[0][0]; x < pl.Span[0][1]; x++ {
		xs = append(xs, min(pl.Source(0, x), size[0]-1))
	}
	for z := pl.Span[2][0]; z < pl.Span[2][1]; z++ {
		sz := min(pl.Source(2, z), size[2]-1)
		for y := pl.Span[1][0]; y < pl.Span[1][1]; y++ {
			sy := min(pl.Source(1, y), size[1]-1)
			srcRow := (sz*size[1] + sy) * size[0] * es
			dst := b.Index(pl.Span[0][0], y, z)
			for _, sx := range xs {
				s := srcRow + sx*es
				copy(b.Data[dst:dst+es], p.Data[s:s+es])
				dst += es
			}
		}
	}
}

// calibration tracks the value range of drawn payloads.
type calibration struct {
	min, max float64
	ok       bool
}

func (c *calibration) reset() {
	*c = calibration{}
}

func (c *calibration) observe(p tile.Payload) {
	es := p.Type.Size()
	n := len(p.Data) / es
	if n == 0 {
		return
	}
	stride := max(1, n/maxCalibrationSamples)
	for i := 0; i < n; i += stride {
		v := p.Type.Value(p.Data[i*es:])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !c.ok {
			c.min, c.max, c.ok = v, v, true
			continue
		}
		c.min = min(c.min, v)
		c.max = max(c.max, v)
	}
}
