// Package decode turns encoded raster tiles into tile payloads.
package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/eak1mov/go-tileview/tile"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrUnsupportedType = errors.New("tileview: data type cannot be decoded from an image")

// Image decodes a png, jpeg, gif, bmp, tiff or webp tile into a payload of
// type t. Only RGBA8, Uint8 and Uint16 payloads can be produced; color
// images are converted to gray for the latter two.
func Image(data []byte, t tile.DataType) (tile.Payload, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return tile.Payload{}, fmt.Errorf("tileview: decode tile: %w", err)
	}
	p, err := FromImage(img, t)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("%s tile: %w", format, err)
	}
	return p, nil
}

// FromImage converts an image into a payload of type t.
func FromImage(img image.Image, t tile.DataType) (tile.Payload, error) {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	p := tile.Payload{Width: b.Dx(), Height: b.Dy(), Depth: 1, Type: t}

	switch t {
	case tile.RGBA8:
		dst, ok := img.(*image.RGBA)
		if !ok || dst.Stride != 4*b.Dx() {
			dst = image.NewRGBA(rect)
			draw.Draw(dst, rect, img, b.Min, draw.Src)
		}
		p.Data = dst.Pix
	case tile.Uint8:
		dst, ok := img.(*image.Gray)
		if !ok || dst.Stride != b.Dx() {
			dst = image.NewGray(rect)
			draw.Draw(dst, rect, img, b.Min, draw.Src)
		}
		p.Data = dst.Pix
	case tile.Uint16:
		dst := image.NewGray16(rect)
		draw.Draw(dst, rect, img, b.Min, draw.Src)
		// Gray16 is big-endian, payloads are little-endian.
		p.Data = make([]byte, len(dst.Pix))
		for i := 0; i < len(dst.Pix); i += 2 {
			binary.LittleEndian.PutUint16(p.Data[i:], binary.BigEndian.Uint16(dst.Pix[i:]))
		}
	default:
		return tile.Payload{}, fmt.Errorf("%w: %v", ErrUnsupportedType, t)
	}
	return p, nil
}
