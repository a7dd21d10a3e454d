package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"math"
	"os"

	"github.com/eak1mov/go-tileview/compositor"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
)

type renderCmd struct {
	source     sourceFlags
	outputPath string
	width      int
	height     int
	depth      int
	level      int
	zoom       float64
	center     [3]float64
	slice      int
	window     string
}

func (c *renderCmd) Name() string     { return "render" }
func (c *renderCmd) Synopsis() string { return "render one viewport of a dataset to PNG" }
func (c *renderCmd) Usage() string {
	return "pyrview render -o <path> [-config <path>] [-i <source>] [-zoom <f>] [-cx <x> -cy <y>] [-level <n>]\n"
}
func (c *renderCmd) SetFlags(f *flag.FlagSet) {
	c.source.register(f)
	f.StringVar(&c.outputPath, "o", "", "Output PNG path")
	f.IntVar(&c.width, "w", 0, "Buffer width (default from config)")
	f.IntVar(&c.height, "h", 0, "Buffer height (default from config)")
	f.IntVar(&c.depth, "d", 0, "Buffer depth for 3D data (default from config)")
	f.IntVar(&c.level, "level", -1, "Pyramid level, -1 selects by zoom")
	f.Float64Var(&c.zoom, "zoom", 1, "Zoom factor")
	f.Float64Var(&c.center[0], "cx", math.NaN(), "Center x in level-0 pixels (default image center)")
	f.Float64Var(&c.center[1], "cy", math.NaN(), "Center y in level-0 pixels (default image center)")
	f.Float64Var(&c.center[2], "cz", math.NaN(), "Center z in level-0 voxels (default image center)")
	f.IntVar(&c.slice, "slice", -1, "Buffer slice written for 3D data (default middle)")
	f.StringVar(&c.window, "window", "", "Gray window lo:hi for non-RGBA data (default calibrated range)")
}

func (c *renderCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.outputPath == "" {
		log.Println("missing output path")
		return subcommands.ExitUsageError
	}
	cfg, err := c.source.load()
	if err != nil {
		log.Println(err)
		return subcommands.ExitUsageError
	}
	logger, logCloser, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer logCloser.Close()

	src, closer, err := openSource(cfg, logger)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer closer.Close()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("tiles"),
		progressbar.OptionShowCount())

	comp, err := compositor.New(ctx, src, cfg.Source.Dataset, compositor.Params{
		BufferWidth:    flagOr(c.width, cfg.View.Width),
		BufferHeight:   flagOr(c.height, cfg.View.Height),
		BufferDepth:    flagOr(c.depth, cfg.View.Depth),
		MaxTextureSize: cfg.View.MaxTextureSize,
		CacheEntries:   cfg.Cache.MaxEntries,
		CacheBytes:     uint64(cfg.Cache.MaxBytes),
		Background:     cfg.View.Background,
		Concurrency:    cfg.Fetch.Concurrency,
		MaxTiles:       cfg.View.MaxTiles,
		Scheduler:      compositor.ImmediateScheduler{},
		Logger:         logger,
		OnProgress: func(p compositor.Progress) {
			bar.ChangeMax(p.Total)
			bar.Set(p.Loaded)
		},
	})
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer comp.Close()

	state := comp.State()
	for axis, v := range c.center {
		if !math.IsNaN(v) {
			state.Center[axis] = v
		}
	}
	state.Zoom = c.zoom
	comp.SetState(state)
	if c.level >= 0 {
		comp.SetLevel(c.level)
	}
	comp.Update(ctx)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	img, err := c.snapshot(comp)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if err := writePNG(c.outputPath, img); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	logger.Info("tileview: rendered", "path", c.outputPath, "level", comp.Level(), "cache", comp.CacheStats().String())
	return subcommands.ExitSuccess
}

// flagOr returns the flag value when set, the config value otherwise.
func flagOr(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func (c *renderCmd) snapshot(comp *compositor.Compositor) (image.Image, error) {
	lo, hi, calibrated := comp.Calibration()
	if c.window != "" {
		if _, err := fmt.Sscanf(c.window, "%g:%g", &lo, &hi); err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", c.window, err)
		}
		calibrated = true
	}

	var img image.Image
	var err error
	comp.ReadBuffer(func(b *compositor.Buffer) {
		z := c.slice
		if z < 0 || z >= b.Depth {
			z = b.Depth / 2
		}
		if b.Type == tile.RGBA8 {
			img, err = b.Image(z)
			return
		}
		if !calibrated {
			lo, hi = 0, 1
		}
		img = b.Windowed(lo, hi, z)
	})
	return img, err
}

func writePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
