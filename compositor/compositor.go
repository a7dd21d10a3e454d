// Package compositor keeps a fixed-size output buffer filled with the tiles
// visible through a viewport. It fetches missing tiles from a tile.Source,
// caches them and draws them with nearest-neighbor scaling.
package compositor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eak1mov/go-tileview/cache"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/viewport"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBufferSize2D     = 1024
	DefaultBufferSize3D     = 256
	DefaultMaxTextureSize2D = 8192
	DefaultMaxTextureSize3D = 2048
	DefaultConcurrency      = 8
)

// DefaultBackground is the RGBA8 background (#1a1a2e).
var DefaultBackground = []byte{26, 26, 46, 255}

// Progress is reported during a pass after cached tiles are drawn and after
// every fetch settles. The last report of a pass has Loaded == Total.
type Progress struct {
	Level  int
	Loaded int
	Total  int
}

// LevelChange is reported when the active level changes.
type LevelChange struct {
	Level       int
	TotalLevels int
	Width       int
	Height      int
	Depth       int
}

type Params struct {
	// Buffer size in elements. Zero means the default for the dimensionality,
	// and every axis is capped at MaxTextureSize.
	BufferWidth    int
	BufferHeight   int
	BufferDepth    int
	MaxTextureSize int

	// Cache is shared between compositors when set. Otherwise a new cache is
	// created with CacheEntries and CacheBytes.
	Cache        *cache.Cache
	CacheEntries int
	CacheBytes   uint64

	// Background is one element of the descriptor data type.
	Background []byte
	// Concurrency bounds parallel fetches of one pass.
	Concurrency int
	MaxTiles    int

	// Scheduler runs deferred updates. Nil means a FrameScheduler owned by
	// the compositor and stopped by Close.
	Scheduler Scheduler
	// CanvasBounds, if set, tells where the host draws the buffer; Pan and
	// ZoomAt arguments are then canvas coordinates.
	CanvasBounds func() viewport.CanvasBounds

	Logger        *slog.Logger
	OnProgress    func(Progress)
	OnLevelChange func(LevelChange)
}

type Compositor struct {
	src     tile.Source
	dataset string
	desc    tile.Descriptor
	cache   *cache.Cache
	logger  *slog.Logger

	scheduler     Scheduler
	ownsScheduler bool
	concurrency   int
	maxTexture    int
	canvasBounds  func() viewport.CanvasBounds
	onProgress    func(Progress)
	onLevelChange func(LevelChange)

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the viewport and the buffer as a single resource.
	mu         sync.Mutex
	vp         *viewport.Viewport
	buf        *Buffer
	background []byte
	calib      calibration

	// callbackMu serializes callbacks, which run outside mu.
	callbackMu sync.Mutex

	updating atomic.Bool
	pending  atomic.Bool
	dirty    atomic.Bool
}

// New fetches the descriptor of dataset and builds a compositor over it.
// A missing or invalid descriptor is an error.
func New(ctx context.Context, src tile.Source, dataset string, params Params) (*Compositor, error) {
	desc, err := src.FetchInfo(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("tileview: fetch info of %q: %w", dataset, err)
	}
	desc.Normalize()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	size := bufferSize(desc.Dims, params)
	vp, err := viewport.New(desc, size)
	if err != nil {
		return nil, err
	}
	if params.MaxTiles > 0 {
		vp.SetMaxTiles(params.MaxTiles)
	}

	background := params.Background
	switch {
	case background == nil && desc.DataType == tile.RGBA8:
		background = DefaultBackground
	case background == nil:
		background = make([]byte, desc.DataType.Size())
	case len(background) != desc.DataType.Size():
		return nil, fmt.Errorf("tileview: background has %d bytes, %v needs %d",
			len(background), desc.DataType, desc.DataType.Size())
	}

	tc := params.Cache
	if tc == nil {
		tc = cache.New(cache.Params{MaxEntries: params.CacheEntries, MaxBytes: params.CacheBytes})
	}

	c := &Compositor{
		src:           src,
		dataset:       dataset,
		desc:          desc,
		cache:         tc,
		logger:        logger,
		scheduler:     params.Scheduler,
		concurrency:   params.Concurrency,
		maxTexture:    params.MaxTextureSize,
		canvasBounds:  params.CanvasBounds,
		onProgress:    params.OnProgress,
		onLevelChange: params.OnLevelChange,
		vp:            vp,
		buf:           NewBuffer(vp.BufferSize(), desc.DataType),
		background:    background,
	}
	if c.scheduler == nil {
		c.scheduler = NewFrameScheduler(DefaultFrameInterval)
		c.ownsScheduler = true
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.buf.Fill(background)

	logger.Info("tileview: opened dataset",
		"dataset", dataset,
		"levels", len(desc.Levels),
		"dims", int(desc.Dims),
		"type", desc.DataType,
		"buffer", vp.BufferSize(),
		"level", vp.Level())
	return c, nil
}

func bufferSize(dims tile.Dimensionality, params Params) [3]int {
	def, maxTexture := DefaultBufferSize2D, DefaultMaxTextureSize2D
	if dims == tile.ThreeD {
		def, maxTexture = DefaultBufferSize3D, DefaultMaxTextureSize3D
	}
	if params.MaxTextureSize > 0 {
		maxTexture = params.MaxTextureSize
	}
	size := [3]int{params.BufferWidth, params.BufferHeight, params.BufferDepth}
	for i := range size {
		if size[i] == 0 {
			size[i] = def
		}
		size[i] = min(size[i], maxTexture)
	}
	if dims != tile.ThreeD {
		size[2] = 1
	}
	return size
}

// Update runs one composite pass: the buffer is cleared, cached tiles are
// drawn and missing ones are fetched concurrently and drawn as they arrive,
// unless the active level changed meanwhile. Update returns when every fetch
// of the pass has settled.
//
// A call made while a pass is running returns immediately without drawing.
// Unlike RequestUpdate, which drops requests while one is pending, such calls
// are remembered: once the running pass ends, a single RequestUpdate is
// issued so that state changed during the pass is drawn without the host
// having to ask again.
func (c *Compositor) Update(ctx context.Context) {
	if !c.updating.CompareAndSwap(false, true) {
		c.dirty.Store(true)
		return
	}
	defer func() {
		c.updating.Store(false)
		if c.dirty.Swap(false) {
			c.RequestUpdate()
		}
	}()

	c.mu.Lock()
	c.buf.Fill(c.background)
	c.calib.reset()
	level := c.vp.Level()
	tiles, truncated := c.vp.VisibleTiles()
	maxTiles := c.vp.MaxTiles()

	var missing []tile.Coord
	loaded := 0
	for _, t := range tiles {
		key := cache.NewKey(c.dataset, t)
		if p, ok := c.cache.Get(key); ok {
			c.drawLocked(t, p)
			loaded++
			continue
		}
		if !c.cache.TryStartLoading(key) {
			// Fetched by an earlier pass; drawn on arrival if still relevant.
			loaded++
			continue
		}
		missing = append(missing, t)
	}
	c.mu.Unlock()

	if truncated {
		c.logger.Warn("tileview: visible tiles truncated", "level", level, "max", maxTiles)
	}
	total := len(tiles)
	c.reportProgress(Progress{Level: level, Loaded: loaded, Total: total})
	if len(missing) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	var progressMu sync.Mutex
	for _, t := range missing {
		g.Go(func() error {
			c.fetch(ctx, t)
			progressMu.Lock()
			defer progressMu.Unlock()
			loaded++
			c.reportProgress(Progress{Level: level, Loaded: loaded, Total: total})
			return nil
		})
	}
	_ = g.Wait()
}

// fetch loads tile t, caches it and draws it if its level is still active.
// Errors are logged, and the tile stays uncached so a later pass retries it.
func (c *Compositor) fetch(ctx context.Context, t tile.Coord) {
	key := cache.NewKey(c.dataset, t)
	defer c.cache.DoneLoading(key)

	p, err := c.src.FetchTile(ctx, c.dataset, t)
	if err != nil {
		c.logger.Warn("tileview: fetch tile failed", "tile", key, "error", err)
		return
	}
	if !p.Empty() {
		if err := p.Validate(c.desc.Levels[t.Level]); err != nil {
			c.logger.Warn("tileview: invalid tile payload", "tile", key, "error", err)
			return
		}
	}
	c.cache.Set(key, p)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vp.Level() != t.Level {
		c.logger.Debug("tileview: discarding stale tile", "tile", key, "level", c.vp.Level())
		return
	}
	c.drawLocked(t, p)
}

func (c *Compositor) drawLocked(t tile.Coord, p tile.Payload) {
	if p.Empty() {
		return
	}
	if p.Type != c.buf.Type {
		c.logger.Warn("tileview: tile type mismatch", "tile", t, "type", p.Type, "want", c.buf.Type)
		return
	}
	pl := c.vp.TilePlacement(t)
	if pl.Empty() {
		return
	}
	c.buf.Draw(pl, p)
	c.calib.observe(p)
}

// RequestUpdate schedules a pass on the scheduler. Requests made while one
// is already pending are dropped. It never blocks on a running pass.
func (c *Compositor) RequestUpdate() {
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.scheduler.Schedule(func() {
		c.pending.Store(false)
		c.Update(c.ctx)
	})
}

func (c *Compositor) reportProgress(p Progress) {
	if c.onProgress == nil {
		return
	}
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onProgress(p)
}

func (c *Compositor) reportLevelChange(change *LevelChange) {
	if change == nil {
		return
	}
	c.logger.Info("tileview: level changed",
		"level", change.Level,
		"size", [3]int{change.Width, change.Height, change.Depth})
	if c.onLevelChange == nil {
		return
	}
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onLevelChange(*change)
}

// setLevelLocked activates level and describes the change, or returns nil
// if the level did not change.
func (c *Compositor) setLevelLocked(level int) *LevelChange {
	old := c.vp.Level()
	level = c.vp.SetLevel(level)
	if level == old {
		return nil
	}
	l := c.desc.Levels[level]
	return &LevelChange{
		Level:       level,
		TotalLevels: len(c.desc.Levels),
		Width:       l.Width,
		Height:      l.Height,
		Depth:       l.Depth,
	}
}

func (c *Compositor) selectLevelLocked() *LevelChange {
	return c.setLevelLocked(c.vp.BestLevelForZoomWithHysteresis(c.vp.Level()))
}

func (c *Compositor) toBuffer(p viewport.Vec, delta bool) viewport.Vec {
	if c.canvasBounds == nil {
		return p
	}
	if delta {
		return c.vp.CanvasDeltaToBuffer(p, c.canvasBounds())
	}
	return c.vp.CanvasToBuffer(p, c.canvasBounds())
}

// Pan moves the view by delta pixels and requests an update.
func (c *Compositor) Pan(delta viewport.Vec) {
	c.mu.Lock()
	c.vp.Pan(c.toBuffer(delta, true))
	c.mu.Unlock()
	c.RequestUpdate()
}

// ZoomAt zooms around a point, selects the level for the new zoom and
// requests an update.
func (c *Compositor) ZoomAt(factor float64, at viewport.Vec) {
	c.mu.Lock()
	c.vp.ZoomAt(factor, c.toBuffer(at, false))
	change := c.selectLevelLocked()
	c.mu.Unlock()
	c.reportLevelChange(change)
	c.RequestUpdate()
}

// SetLevel forces the active level. It returns the level actually set.
func (c *Compositor) SetLevel(level int) int {
	c.mu.Lock()
	change := c.setLevelLocked(level)
	level = c.vp.Level()
	c.mu.Unlock()
	c.reportLevelChange(change)
	c.RequestUpdate()
	return level
}

// SetState replaces center and zoom, then selects the level starting from
// s.Level with hysteresis.
func (c *Compositor) SetState(s viewport.State) {
	c.mu.Lock()
	old := c.vp.Level()
	c.vp.SetState(s)
	best := c.vp.BestLevelForZoomWithHysteresis(c.vp.Level())
	c.vp.SetLevel(old)
	change := c.setLevelLocked(best)
	c.mu.Unlock()
	c.reportLevelChange(change)
	c.RequestUpdate()
}

// Resize replaces the output buffer. Zero axes take the default size and
// every axis is capped like at construction.
func (c *Compositor) Resize(width, height, depth int) error {
	size := bufferSize(c.desc.Dims, Params{
		BufferWidth:    width,
		BufferHeight:   height,
		BufferDepth:    depth,
		MaxTextureSize: c.maxTexture,
	})
	c.mu.Lock()
	if err := c.vp.SetBufferSize(size); err != nil {
		c.mu.Unlock()
		return err
	}
	c.buf = NewBuffer(c.vp.BufferSize(), c.desc.DataType)
	c.buf.Fill(c.background)
	c.mu.Unlock()
	c.RequestUpdate()
	return nil
}

// Refresh requests a pass without changing the view.
func (c *Compositor) Refresh() {
	c.RequestUpdate()
}

// ClearCache drops all cached tiles and requests a pass that refetches them.
func (c *Compositor) ClearCache() {
	c.cache.Clear()
	c.RequestUpdate()
}

func (c *Compositor) CacheStats() cache.Stats {
	return c.cache.Stats()
}

func (c *Compositor) State() viewport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vp.State()
}

func (c *Compositor) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vp.Level()
}

func (c *Compositor) Descriptor() tile.Descriptor {
	return c.desc
}

// ScreenToImage converts a buffer point into level-0 coordinates.
func (c *Compositor) ScreenToImage(p viewport.Vec) viewport.Vec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vp.ScreenToImage(c.toBuffer(p, false))
}

// Buffer returns the output buffer. It is mutated in place by later passes;
// use ReadBuffer to access it consistently while passes may run.
func (c *Compositor) Buffer() *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// ReadBuffer calls fn with the buffer while no tile is being drawn.
func (c *Compositor) ReadBuffer(fn func(*Buffer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.buf)
}

// Calibration returns the value range of the tiles drawn by the latest pass.
func (c *Compositor) Calibration() (lo, hi float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calib.min, c.calib.max, c.calib.ok
}

// Close cancels deferred passes and stops the scheduler if the compositor created it.
func (c *Compositor) Close() error {
	c.cancel()
	if closer, ok := c.scheduler.(io.Closer); ok && c.ownsScheduler {
		return closer.Close()
	}
	return nil
}
