package pm_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/eak1mov/go-tileview/pm"
	"github.com/eak1mov/go-tileview/tile"
	gcmp "github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pmtiles")
	w, err := pm.NewWriter(path, pm.WriterParams{
		Metadata: pm.Metadata{Name: "written", Width: 20, Height: 12, TileSize: 8},
		Levels:   3,
	})
	require.NoError(t, err)
	defer w.Close()

	want := map[tile.Coord]uint8{
		{Level: 0, X: 0, Y: 0}: 10,
		{Level: 0, X: 2, Y: 1}: 20,
		{Level: 0, X: 1, Y: 1}: 10, // same content as 0/0/0
		{Level: 1, X: 1, Y: 0}: 30,
		{Level: 2, X: 0, Y: 0}: 40,
	}
	for c, v := range want {
		require.NoError(t, w.WriteTile(c, grayPNG(t, v)))
	}
	require.NoError(t, w.WriteTile(tile.Coord{Level: 1}, nil))
	require.NoError(t, w.Finalize())
	require.True(t, errors.Is(w.Finalize(), pm.ErrFinalized))
	require.True(t, errors.Is(w.WriteTile(tile.Coord{}, []byte{1}), pm.ErrFinalized))

	s, err := pm.NewFileSource(path, pm.Params{DataType: tile.Uint8})
	require.NoError(t, err)
	defer s.Close()

	header := s.Header()
	require.EqualValues(t, 5, header.AddressedTilesCount)
	require.EqualValues(t, 4, header.TileContentsCount)

	desc, err := s.FetchInfo(context.Background(), "ignored")
	require.NoError(t, err)
	wantLevels := []tile.Level{
		{Width: 20, Height: 12, Depth: 1, TileWidth: 8, TileHeight: 8, TileDepth: 1},
		{Width: 10, Height: 6, Depth: 1, TileWidth: 8, TileHeight: 8, TileDepth: 1},
		{Width: 5, Height: 3, Depth: 1, TileWidth: 8, TileHeight: 8, TileDepth: 1},
	}
	if diff := gcmp.Diff(wantLevels, desc.Levels); diff != "" {
		t.Errorf("FetchInfo() levels mismatch (-want+got):\n%v", diff)
	}
	require.Equal(t, "written", desc.Name)

	for c, v := range want {
		p, err := s.FetchTile(context.Background(), "", c)
		require.NoError(t, err)
		require.Len(t, p.Data, 64)
		require.Equal(t, v, p.Data[0], "tile %v", c)
	}
	p, err := s.FetchTile(context.Background(), "", tile.Coord{Level: 1})
	require.NoError(t, err)
	require.True(t, p.Empty())
}

func TestWriterErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := pm.NewWriter(filepath.Join(dir, "a.pmtiles"), pm.WriterParams{Levels: 0})
	require.Error(t, err)

	w, err := pm.NewWriter(filepath.Join(dir, "b.pmtiles"), pm.WriterParams{Levels: 2})
	require.NoError(t, err)
	defer w.Close()
	require.Error(t, w.WriteTile(tile.Coord{Level: 2}, []byte{1}))
}
