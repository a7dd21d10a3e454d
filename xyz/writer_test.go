package xyz_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/xyz"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	pattern := filepath.Join(t.TempDir(), "{name}", "{level}", "{z}", "{y}", "{x}.bin")
	desc := tile.Descriptor{
		Name: "volume",
		Levels: []tile.Level{
			{Width: 3, Height: 2, Depth: 2, TileWidth: 2, TileHeight: 2, TileDepth: 2},
		},
		Dims:     tile.ThreeD,
		DataType: tile.Uint16,
	}

	w, err := xyz.NewWriter(pattern, xyz.WriterParams{Dataset: "vol", Descriptor: desc})
	require.NoError(t, err)
	edge := []byte{1, 0, 2, 0, 3, 0, 4, 0} // 1x2x2 samples
	require.NoError(t, w.WriteTile(tile.Coord{Level: 0, X: 1}, edge))
	require.NoError(t, w.WriteTile(tile.Coord{Level: 0, X: 0}, nil))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	src, err := xyz.NewSource(pattern, xyz.Params{})
	require.NoError(t, err)
	got, err := src.FetchInfo(context.Background(), "vol")
	require.NoError(t, err)
	if diff := cmp.Diff(desc, got); diff != "" {
		t.Errorf("FetchInfo mismatch (-want+got):\n%v", diff)
	}

	p, err := src.FetchTile(context.Background(), "vol", tile.Coord{Level: 0, X: 1})
	require.NoError(t, err)
	require.Equal(t, tile.Payload{Width: 1, Height: 2, Depth: 2, Type: tile.Uint16, Data: edge}, p)

	p, err = src.FetchTile(context.Background(), "vol", tile.Coord{Level: 0, X: 0})
	require.NoError(t, err)
	require.True(t, p.Empty())
}

func TestWriterInvalidPattern(t *testing.T) {
	_, err := xyz.NewWriter(filepath.Join(t.TempDir(), "{x}.png"), xyz.WriterParams{})
	require.ErrorIs(t, err, xyz.ErrInvalidPattern)
}
