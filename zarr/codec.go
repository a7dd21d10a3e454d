package zarr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/eak1mov/go-tileview/tile"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	ErrUnsupportedCodec = errors.New("tileview: unsupported zarr codec")
	ErrUnsupportedDType = errors.New("tileview: unsupported zarr dtype")
)

// DecodeAll of a shared decoder is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

type Compressor struct {
	ID string `json:"id"`
}

func (c *Compressor) validate() error {
	if c == nil {
		return nil
	}
	switch c.ID {
	case "zstd", "gzip", "zlib", "lz4":
		return nil
	}
	return fmt.Errorf("%w: compressor %q", ErrUnsupportedCodec, c.ID)
}

// decompress returns the raw chunk bytes. size is the expected length of the
// decoded chunk, used to size buffers.
func (c *Compressor) decompress(data []byte, size int) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	switch c.ID {
	case "zstd":
		return zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case "zlib":
		reader, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case "lz4":
		// numcodecs prefixes the block with its decoded length
		if len(data) < 4 {
			return nil, fmt.Errorf("lz4 chunk too short: %d bytes", len(data))
		}
		n := int(binary.LittleEndian.Uint32(data))
		out := make([]byte, n)
		written, err := lz4.UncompressBlock(data[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return out[:written], nil
	}
	return nil, fmt.Errorf("%w: compressor %q", ErrUnsupportedCodec, c.ID)
}

var dtypes = map[string]tile.DataType{
	"u1": tile.Uint8,
	"u2": tile.Uint16,
	"i2": tile.Int16,
	"u4": tile.Uint32,
	"i4": tile.Int32,
	"f4": tile.Float32,
	"f8": tile.Float64,
}

// parseDType maps a numpy type string such as "<u2" to a data type and byte order.
func parseDType(s string) (tile.DataType, binary.ByteOrder, error) {
	if len(s) != 3 {
		return tile.Unknown, nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
	t, ok := dtypes[s[1:]]
	if !ok {
		return tile.Unknown, nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
	switch s[0] {
	case '<', '|':
		return t, binary.LittleEndian, nil
	case '>':
		return t, binary.BigEndian, nil
	}
	return tile.Unknown, nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}
