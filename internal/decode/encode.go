package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"

	"github.com/eak1mov/go-tileview/tile"
)

// PNG encodes a 2D payload. RGBA8 payloads become color images, Uint8 and
// Uint16 payloads become gray images.
func PNG(p tile.Payload) ([]byte, error) {
	if err := p.Validate(tile.Level{TileWidth: p.Width, TileHeight: p.Height, TileDepth: 1}); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, p.Width, p.Height)
	var img image.Image
	switch p.Type {
	case tile.RGBA8:
		img = &image.NRGBA{Pix: p.Data, Stride: 4 * p.Width, Rect: rect}
	case tile.Uint8:
		img = &image.Gray{Pix: p.Data, Stride: p.Width, Rect: rect}
	case tile.Uint16:
		g := image.NewGray16(rect)
		for i := 0; i < len(g.Pix); i += 2 {
			binary.BigEndian.PutUint16(g.Pix[i:], binary.LittleEndian.Uint16(p.Data[i:]))
		}
		img = g
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, p.Type)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("tileview: encode tile: %w", err)
	}
	return buf.Bytes(), nil
}
