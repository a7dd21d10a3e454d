package compositor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eak1mov/go-tileview/cache"
	"github.com/eak1mov/go-tileview/compositor"
	"github.com/eak1mov/go-tileview/internal/tiletest"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/viewport"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func slide() tile.Descriptor {
	return tile.Descriptor{
		Levels: []tile.Level{
			{Width: 1024, Height: 1024, TileWidth: 256, TileHeight: 256},
			{Width: 256, Height: 256, TileWidth: 256, TileHeight: 256},
		},
	}
}

// manualScheduler queues tasks until run is called.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *manualScheduler) Schedule(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *manualScheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *manualScheduler) run() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

type recorder struct {
	mu       sync.Mutex
	progress []compositor.Progress
	changes  []compositor.LevelChange
}

func (r *recorder) params(p compositor.Params) compositor.Params {
	p.OnProgress = func(pr compositor.Progress) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.progress = append(r.progress, pr)
	}
	p.OnLevelChange = func(lc compositor.LevelChange) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, lc)
	}
	return p
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = nil
	r.changes = nil
}

func newCompositor(t *testing.T, src tile.Source, params compositor.Params) *compositor.Compositor {
	t.Helper()
	if params.BufferWidth == 0 {
		params.BufferWidth, params.BufferHeight = 256, 256
	}
	if params.Scheduler == nil {
		params.Scheduler = compositor.ImmediateScheduler{}
	}
	c, err := compositor.New(t.Context(), src, "slide", params)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func at(c *compositor.Compositor, x, y int) []byte {
	var out []byte
	c.ReadBuffer(func(b *compositor.Buffer) {
		out = append(out, b.At(x, y, 0)...)
	})
	return out
}

func TestUpdateDrawsVisibleTile(t *testing.T) {
	src := tiletest.NewSource(slide())
	var rec recorder
	c := newCompositor(t, src, rec.params(compositor.Params{}))
	require.Equal(t, 1, c.Level())

	c.Update(t.Context())

	require.Equal(t, 1, src.Fetches(tile.Coord{Level: 1}))
	require.Equal(t, []byte{0, 0, 1, 255}, at(c, 0, 0))
	require.Equal(t, []byte{17, 200, 1, 255}, at(c, 17, 200))
	require.Equal(t, []byte{255, 255, 1, 255}, at(c, 255, 255))

	want := []compositor.Progress{{Level: 1, Loaded: 0, Total: 1}, {Level: 1, Loaded: 1, Total: 1}}
	if diff := cmp.Diff(want, rec.progress); diff != "" {
		t.Errorf("progress mismatch (-want+got):\n%v", diff)
	}

	rec.reset()
	c.Update(t.Context())
	require.Equal(t, 1, src.TotalFetches())
	if diff := cmp.Diff([]compositor.Progress{{Level: 1, Loaded: 1, Total: 1}}, rec.progress); diff != "" {
		t.Errorf("cached progress mismatch (-want+got):\n%v", diff)
	}
}

func TestStorageIsFlipped(t *testing.T) {
	src := tiletest.NewSource(slide())
	c := newCompositor(t, src, compositor.Params{})
	c.Update(t.Context())

	b := c.Buffer()
	// The first storage row holds the bottom screen row.
	require.Equal(t, []byte{0, 255, 1, 255}, b.Data[0:4])
	require.Equal(t, []byte{0, 0, 1, 255}, b.Data[255*256*4:255*256*4+4])
}

func TestMagnify(t *testing.T) {
	src := tiletest.NewSource(slide())
	var rec recorder
	c := newCompositor(t, src, rec.params(compositor.Params{}))

	c.SetState(viewport.State{Center: viewport.Vec{512, 512}, Zoom: 8, Level: 1})

	require.Equal(t, 0, c.Level())
	want := []compositor.LevelChange{{Level: 0, TotalLevels: 2, Width: 1024, Height: 1024, Depth: 1}}
	if diff := cmp.Diff(want, rec.changes); diff != "" {
		t.Errorf("level changes mismatch (-want+got):\n%v", diff)
	}
	require.Equal(t, 4, src.TotalFetches())

	// Render scale is 2: tile (2, 2) starts at pixel 128 and each texel covers two pixels.
	require.Equal(t, []byte{0, 0, 0, 255}, at(c, 128, 128))
	require.Equal(t, []byte{0, 0, 0, 255}, at(c, 129, 129))
	require.Equal(t, []byte{1, 1, 0, 255}, at(c, 130, 130))
	require.Equal(t, []byte{255, 0, 0, 255}, at(c, 127, 128))
}

func TestMinify(t *testing.T) {
	src := tiletest.NewSource(slide())
	c := newCompositor(t, src, compositor.Params{})

	require.Equal(t, 0, c.SetLevel(0))
	require.Equal(t, 16, src.TotalFetches())

	// Render scale is 0.25: tile (1, 1) covers pixels [64, 128).
	require.Equal(t, []byte{2, 2, 0, 255}, at(c, 64, 64))
	require.Equal(t, []byte{6, 2, 0, 255}, at(c, 65, 64))
	require.Equal(t, []byte{254, 254, 0, 255}, at(c, 127, 127))
}

func TestConcurrentUpdatesFetchOnce(t *testing.T) {
	src := tiletest.NewSource(slide())
	release := src.Block()
	defer release()
	c := newCompositor(t, src, compositor.Params{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Update(t.Context())
	}()
	require.Equal(t, tile.Coord{Level: 1}, <-src.Started)

	c.Update(t.Context())
	c.Refresh()
	require.Equal(t, 1, c.CacheStats().Loading)

	release()
	<-done

	require.Equal(t, 1, src.Fetches(tile.Coord{Level: 1}))
	require.Equal(t, 0, c.CacheStats().Loading)
	require.Equal(t, []byte{3, 4, 1, 255}, at(c, 3, 4))
}

func TestSharedCacheFetchesOnce(t *testing.T) {
	src := tiletest.NewSource(slide())
	release := src.Block()
	defer release()
	shared := cache.New(cache.Params{})

	var rec recorder
	a := newCompositor(t, src, compositor.Params{Cache: shared})
	b := newCompositor(t, src, rec.params(compositor.Params{Cache: shared}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Update(t.Context())
	}()
	<-src.Started

	// The tile is loading for a: b accounts for it without fetching.
	b.Update(t.Context())
	if diff := cmp.Diff([]compositor.Progress{{Level: 1, Loaded: 1, Total: 1}}, rec.progress); diff != "" {
		t.Errorf("progress mismatch (-want+got):\n%v", diff)
	}

	release()
	<-done
	require.Equal(t, 1, src.TotalFetches())
}

func TestStaleTileDiscarded(t *testing.T) {
	src := tiletest.NewSource(slide())
	release := src.Block()
	defer release()
	sched := &manualScheduler{}
	c := newCompositor(t, src, compositor.Params{Scheduler: sched})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Update(t.Context())
	}()
	<-src.Started

	c.SetLevel(0)
	release()
	<-done

	// The level 1 tile is cached but was not drawn.
	require.Equal(t, 1, c.CacheStats().Len)
	require.Equal(t, compositor.DefaultBackground, at(c, 0, 0))
	require.Equal(t, compositor.DefaultBackground, at(c, 200, 100))
	require.Positive(t, sched.len())
}

func TestFailedFetchIsRetried(t *testing.T) {
	src := tiletest.NewSource(slide())
	src.Fail = map[tile.Coord]bool{{Level: 1}: true}
	var rec recorder
	c := newCompositor(t, src, rec.params(compositor.Params{}))

	c.Update(t.Context())
	require.Equal(t, compositor.DefaultBackground, at(c, 10, 10))
	require.Equal(t, 0, c.CacheStats().Len)
	require.Equal(t, 0, c.CacheStats().Loading)
	require.Equal(t, compositor.Progress{Level: 1, Loaded: 1, Total: 1}, rec.progress[len(rec.progress)-1])

	src.Fail = nil
	c.Update(t.Context())
	require.Equal(t, 2, src.Fetches(tile.Coord{Level: 1}))
	require.Equal(t, []byte{10, 10, 1, 255}, at(c, 10, 10))
}

func TestZeroSizedTileIsRejected(t *testing.T) {
	src := tiletest.NewSource(slide())
	src.Generate = func(tile.Level, tile.Coord, tile.DataType) tile.Payload {
		return tile.Payload{Width: 256, Height: 0, Type: tile.RGBA8, Data: []byte{}}
	}
	c := newCompositor(t, src, compositor.Params{})

	c.Update(t.Context())
	require.Equal(t, compositor.DefaultBackground, at(c, 10, 10))
	require.Equal(t, 0, c.CacheStats().Len)
	require.Equal(t, 0, c.CacheStats().Loading)

	c.Update(t.Context())
	require.Equal(t, 2, src.Fetches(tile.Coord{Level: 1}))
}

func TestZeroSizedCachedTileIsSkipped(t *testing.T) {
	src := tiletest.NewSource(slide())
	shared := cache.New(cache.Params{})
	shared.Set(cache.NewKey("slide", tile.Coord{Level: 1}), tile.Payload{Width: 0, Height: 256, Type: tile.RGBA8, Data: []byte{}})
	c := newCompositor(t, src, compositor.Params{Cache: shared})

	c.Update(t.Context())
	require.Equal(t, 0, src.TotalFetches())
	require.Equal(t, compositor.DefaultBackground, at(c, 10, 10))
}

func TestMissingTileIsCached(t *testing.T) {
	src := tiletest.NewSource(slide())
	src.Missing = map[tile.Coord]bool{{Level: 1}: true}
	c := newCompositor(t, src, compositor.Params{})

	c.Update(t.Context())
	c.Update(t.Context())
	require.Equal(t, 1, src.TotalFetches())
	require.Equal(t, compositor.DefaultBackground, at(c, 10, 10))
}

func TestProgressReachesTotal(t *testing.T) {
	src := tiletest.NewSource(slide())
	var rec recorder
	sched := &manualScheduler{}
	c := newCompositor(t, src, rec.params(compositor.Params{Scheduler: sched, Concurrency: 3}))

	c.SetLevel(0)
	rec.reset()
	sched.run()

	require.NotEmpty(t, rec.progress)
	for i, p := range rec.progress {
		require.Equal(t, 0, p.Level)
		require.Equal(t, 16, p.Total)
		if i > 0 {
			require.Equal(t, rec.progress[i-1].Loaded+1, p.Loaded)
		}
	}
	require.Equal(t, 16, rec.progress[len(rec.progress)-1].Loaded)
}

func TestRequestUpdateCoalesces(t *testing.T) {
	src := tiletest.NewSource(slide())
	sched := &manualScheduler{}
	c := newCompositor(t, src, compositor.Params{Scheduler: sched})

	c.RequestUpdate()
	c.RequestUpdate()
	c.Pan(viewport.Vec{1, 1})
	require.Equal(t, 1, sched.len())

	sched.run()
	require.Equal(t, 1, src.TotalFetches())

	c.RequestUpdate()
	require.Equal(t, 1, sched.len())
}

func TestUpdateDuringPassRequestsOneMore(t *testing.T) {
	src := tiletest.NewSource(slide())
	release := src.Block()
	defer release()
	sched := &manualScheduler{}
	c := newCompositor(t, src, compositor.Params{Scheduler: sched})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Update(t.Context())
	}()
	<-src.Started

	c.Update(t.Context())
	c.Update(t.Context())
	require.Equal(t, 0, sched.len())

	release()
	<-done
	require.Equal(t, 1, sched.len())
	sched.run()
	require.Equal(t, 1, src.TotalFetches())
	require.Equal(t, 0, sched.len())
}

func TestZoomAtLevelChange(t *testing.T) {
	src := tiletest.NewSource(slide())
	var rec recorder
	c := newCompositor(t, src, rec.params(compositor.Params{Scheduler: &manualScheduler{}}))

	c.ZoomAt(4, viewport.Vec{128, 128})
	require.Equal(t, 0, c.Level())
	require.Len(t, rec.changes, 1)

	c.ZoomAt(1.05, viewport.Vec{128, 128})
	require.Equal(t, 0, c.Level())
	require.Len(t, rec.changes, 1)
	require.InDelta(t, 4.2, c.State().Zoom, 1e-9)
}

func TestCanvasBounds(t *testing.T) {
	src := tiletest.NewSource(slide())
	c := newCompositor(t, src, compositor.Params{
		Scheduler: &manualScheduler{},
		CanvasBounds: func() viewport.CanvasBounds {
			return viewport.CanvasBounds{Left: 100, Top: 0, Width: 512, Height: 512}
		},
	})

	// Canvas (356, 256) is the buffer center.
	require.Equal(t, viewport.Vec{512, 512, 0}, c.ScreenToImage(viewport.Vec{356, 256}))
	c.Pan(viewport.Vec{-8, 0})
	require.Equal(t, 512+4/0.25, c.State().Center[0])
}

func TestResize(t *testing.T) {
	src := tiletest.NewSource(slide())
	c := newCompositor(t, src, compositor.Params{MaxTextureSize: 300})

	require.NoError(t, c.Resize(512, 128, 0))
	require.Equal(t, [3]int{300, 128, 1}, c.Buffer().Size())
	// Level 1 is now drawn at render scale 0.5 from pixel (86, 0).
	require.Equal(t, []byte{129, 1, 1, 255}, at(c, 150, 0))
	require.Error(t, c.Resize(-1, 1, 1))
}

func TestCalibration(t *testing.T) {
	desc := tile.Descriptor{
		DataType: tile.Uint8,
		Levels:   []tile.Level{{Width: 64, Height: 64, TileWidth: 64, TileHeight: 64}},
	}
	src := tiletest.NewSource(desc)
	c := newCompositor(t, src, compositor.Params{BufferWidth: 64, BufferHeight: 64})

	_, _, ok := c.Calibration()
	require.False(t, ok)

	c.Update(t.Context())
	lo, hi, ok := c.Calibration()
	require.True(t, ok)
	require.Equal(t, 0.0, lo)
	require.Equal(t, 63.0, hi)
	require.Equal(t, []byte{5}, at(c, 5, 9))
}

func TestThreeD(t *testing.T) {
	desc := tile.Descriptor{
		Dims:     tile.ThreeD,
		DataType: tile.Uint16,
		Levels: []tile.Level{
			{Width: 64, Height: 64, Depth: 64, TileWidth: 32, TileHeight: 32, TileDepth: 32},
		},
	}
	src := tiletest.NewSource(desc)
	c := newCompositor(t, src, compositor.Params{BufferWidth: 64, BufferHeight: 64, BufferDepth: 64})
	c.Update(t.Context())

	require.Equal(t, 8, src.TotalFetches())
	c.ReadBuffer(func(b *compositor.Buffer) {
		require.Equal(t, [3]int{64, 64, 64}, b.Size())
		require.Equal(t, 8.0, tile.Uint16.Value(b.At(40, 5, 50)))
		require.Equal(t, 31.0, tile.Uint16.Value(b.At(31, 63, 63)))
	})
}

func TestNewErrors(t *testing.T) {
	_, err := compositor.New(t.Context(), tiletest.NewSource(tile.Descriptor{}), "empty", compositor.Params{})
	require.True(t, errors.Is(err, tile.ErrInvalidDescriptor), "err = %v", err)

	_, err = compositor.New(t.Context(), tiletest.NewSource(slide()), "slide", compositor.Params{Background: []byte{1}})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = compositor.New(ctx, tiletest.NewSource(slide()), "slide", compositor.Params{})
	require.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestFrameScheduler(t *testing.T) {
	s := compositor.NewFrameScheduler(time.Millisecond)
	ran := make(chan struct{})
	s.Schedule(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.Schedule(func() { t.Error("task ran after Close") })
}

func TestDefaultSchedulerUpdates(t *testing.T) {
	src := tiletest.NewSource(slide())
	c, err := compositor.New(t.Context(), src, "slide", compositor.Params{BufferWidth: 256, BufferHeight: 256})
	require.NoError(t, err)
	defer c.Close()

	c.Refresh()
	require.Eventually(t, func() bool {
		return string(at(c, 1, 2)) == string([]byte{1, 2, 1, 255})
	}, 5*time.Second, 5*time.Millisecond)
}
