package spec_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/eak1mov/go-tileview/pm"
	"github.com/eak1mov/go-tileview/pm/spec"
	"github.com/stretchr/testify/require"
)

func TestCompression(t *testing.T) {
	metadata, err := json.Marshal(pm.Metadata{Name: "slide", Width: 100000, Height: 80000, TileSize: 256})
	require.NoError(t, err)
	entries := make([]spec.Entry, 0, 5000)
	for i := range 5000 {
		entries = append(entries, spec.Entry{TileCode: uint64(i), Offset: uint64(i) * 700, Length: 700, RunLength: 1})
	}
	inputs := map[string][]byte{
		"Metadata":  metadata,
		"Directory": spec.SerializeDirectory(entries),
		"Empty":     {},
	}
	magics := map[spec.Compression][]byte{
		spec.CompressionGzip: {0x1f, 0x8b},
		spec.CompressionZstd: {0x28, 0xb5, 0x2f, 0xfd},
	}
	for name, data := range inputs {
		for _, c := range []spec.Compression{spec.CompressionNone, spec.CompressionGzip, spec.CompressionZstd} {
			t.Run(name+c.String(), func(t *testing.T) {
				compressed, err := spec.Compress(data, c)
				require.NoError(t, err)
				if magic, ok := magics[c]; ok && len(data) > 0 {
					require.Truef(t, bytes.HasPrefix(compressed, magic), "%x", compressed[:min(8, len(compressed))])
				}
				got, err := spec.Decompress(compressed, c)
				require.NoError(t, err)
				require.True(t, bytes.Equal(data, got), "Decompress(Compress(input)) != input")
			})
		}
	}
}

func TestCompressionErrors(t *testing.T) {
	for _, c := range []spec.Compression{spec.CompressionUnknown, spec.CompressionBrotli, spec.Compression(9)} {
		if _, err := spec.Compress([]byte("x"), c); !errors.Is(err, spec.ErrUnsupportedCompression) {
			t.Errorf("Compress(%v) = %v, want = %v", c, err, spec.ErrUnsupportedCompression)
		}
		if _, err := spec.Decompress([]byte("x"), c); !errors.Is(err, spec.ErrUnsupportedCompression) {
			t.Errorf("Decompress(%v) = %v, want = %v", c, err, spec.ErrUnsupportedCompression)
		}
	}

	for _, c := range []spec.Compression{spec.CompressionGzip, spec.CompressionZstd} {
		if _, err := spec.Decompress([]byte("not compressed"), c); err == nil {
			t.Errorf("Decompress(garbage, %v) succeeded", c)
		}
	}
}
