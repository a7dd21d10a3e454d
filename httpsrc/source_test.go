package httpsrc_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eak1mov/go-tileview/httpsrc"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testInfo = `{
	"levels": [
		{"width": 512, "height": 512, "tileWidth": 256, "tileHeight": 256},
		{"width": 256, "height": 256, "tileWidth": 256, "tileHeight": 256}
	],
	"dims": 2,
	"dataType": "uint8"
}`

type server struct {
	*httptest.Server
	infoRequests atomic.Int32
	tileRequests atomic.Int32
	failures     atomic.Int32
}

func newServer(t *testing.T) *server {
	s := &server{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/images/{name}/info", func(w http.ResponseWriter, r *http.Request) {
		s.infoRequests.Add(1)
		if r.PathValue("name") != "slide" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(testInfo))
	})
	mux.HandleFunc("GET /api/images/{name}/tile/{level}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		s.tileRequests.Add(1)
		if s.failures.Load() > 0 {
			s.failures.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		switch r.PathValue("x") {
		case "0":
			img := image.NewGray(image.Rect(0, 0, 4, 4))
			img.SetGray(0, 0, color.Gray{Y: 77})
			png.Encode(w, img)
		case "9":
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newSource(t *testing.T, s *server) *httpsrc.Source {
	src, err := httpsrc.NewSource(httpsrc.Params{
		BaseURL:    s.URL + "/",
		Retries:    2,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return src
}

func TestFetchInfo(t *testing.T) {
	s := newServer(t)
	src := newSource(t, s)

	desc, err := src.FetchInfo(context.Background(), "slide")
	require.NoError(t, err)
	want := tile.Descriptor{
		Name: "slide",
		Levels: []tile.Level{
			{Width: 512, Height: 512, Depth: 1, TileWidth: 256, TileHeight: 256, TileDepth: 1},
			{Width: 256, Height: 256, Depth: 1, TileWidth: 256, TileHeight: 256, TileDepth: 1},
		},
		Dims:     tile.TwoD,
		DataType: tile.Uint8,
	}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Errorf("FetchInfo mismatch (-want+got):\n%v", diff)
	}

	_, err = src.FetchInfo(context.Background(), "other")
	require.ErrorIs(t, err, tile.ErrInvalidDescriptor)
}

func TestFetchInfoOnce(t *testing.T) {
	s := newServer(t)
	src := newSource(t, s)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := src.FetchInfo(context.Background(), "slide"); err != nil {
				t.Errorf("FetchInfo failed: %v", err)
			}
		})
	}
	wg.Wait()
	_, err := src.FetchTile(context.Background(), "slide", tile.Coord{})
	require.NoError(t, err)
	require.Equal(t, int32(1), s.infoRequests.Load())
}

func TestFetchTile(t *testing.T) {
	s := newServer(t)
	src := newSource(t, s)
	ctx := context.Background()

	p, err := src.FetchTile(ctx, "slide", tile.Coord{Level: 1, X: 0, Y: 0})
	require.NoError(t, err)
	require.Equal(t, tile.Uint8, p.Type)
	require.Equal(t, byte(77), p.Data[0])

	p, err = src.FetchTile(ctx, "slide", tile.Coord{Level: 0, X: 1, Y: 1})
	require.NoError(t, err)
	require.True(t, p.Empty())

	_, err = src.FetchTile(ctx, "slide", tile.Coord{Level: 0, X: 9, Y: 0})
	require.True(t, errors.Is(err, httpsrc.ErrStatus), "%v", err)
}

func TestFetchTileRetries(t *testing.T) {
	s := newServer(t)
	src := newSource(t, s)
	ctx := context.Background()
	_, err := src.FetchInfo(ctx, "slide")
	require.NoError(t, err)

	s.failures.Store(2)
	p, err := src.FetchTile(ctx, "slide", tile.Coord{})
	require.NoError(t, err)
	require.False(t, p.Empty())
	require.Equal(t, int32(3), s.tileRequests.Load())

	s.failures.Store(3)
	_, err = src.FetchTile(ctx, "slide", tile.Coord{})
	require.ErrorIs(t, err, httpsrc.ErrStatus)
}

func TestURLs(t *testing.T) {
	src, err := httpsrc.NewSource(httpsrc.Params{
		BaseURL:        "http://tiles.example",
		TileURLPattern: "/{name}/{level}/{z}/{y}/{x}.raw",
	})
	require.NoError(t, err)
	require.Equal(t, "http://tiles.example/a%20b/2/3/4/5.raw", src.TileURL("a b", tile.Coord{Level: 2, X: 5, Y: 4, Z: 3}))
	require.Equal(t, "http://tiles.example/api/images/a%20b/info", src.InfoURL("a b"))
}

func TestDecodeErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/info") {
			w.Write([]byte(testInfo))
			return
		}
		requests.Add(1)
		w.Write([]byte("garbage"))
	}))
	defer srv.Close()

	src, err := httpsrc.NewSource(httpsrc.Params{BaseURL: srv.URL, Retries: 3})
	require.NoError(t, err)
	_, err = src.FetchTile(context.Background(), "slide", tile.Coord{})
	require.Error(t, err)
	require.Equal(t, int32(1), requests.Load())
}
