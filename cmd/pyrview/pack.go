package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/mb"
	"github.com/eak1mov/go-tileview/pm"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/xyz"
	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// tileWriter is implemented by the pm, mb and xyz writers.
type tileWriter interface {
	WriteTile(c tile.Coord, tileData []byte) error
	Finalize() error
	Close() error
}

type packCmd struct {
	source       sourceFlags
	outputFormat string
	outputPath   string
}

func (c *packCmd) Name() string     { return "pack" }
func (c *packCmd) Synopsis() string { return "copy every tile of a dataset into a pmtiles, mbtiles or xyz store" }
func (c *packCmd) Usage() string {
	return "pyrview pack -o <path> [-of <format>] [-config <path>] [-i <source>] [-dataset <name>]\n"
}
func (c *packCmd) SetFlags(f *flag.FlagSet) {
	c.source.register(f)
	f.StringVar(&c.outputPath, "o", "", "Output path or xyz file pattern")
	f.StringVar(&c.outputFormat, "of", "", "Output format (mbtiles, pmtiles, xyz)")
}

func deduceFormat(format, filePath string) string {
	if format == "" && strings.HasSuffix(filePath, ".mbtiles") {
		return "mbtiles"
	}
	if format == "" && strings.HasSuffix(filePath, ".pmtiles") {
		return "pmtiles"
	}
	if format == "" {
		return "xyz"
	}
	return format
}

// checkArchivable reports whether the pyramid fits a single-file archive:
// 2D, square tiles and every level half of the previous one.
func checkArchivable(desc tile.Descriptor) error {
	if desc.Dims != tile.TwoD {
		return fmt.Errorf("%dD pyramids can only be packed as raw xyz chunks", desc.Dims)
	}
	l0 := desc.Levels[0]
	if l0.TileWidth != l0.TileHeight {
		return fmt.Errorf("tiles are not square: %dx%d", l0.TileWidth, l0.TileHeight)
	}
	want := tile.HalvingLevels(l0.Size(), l0.TileSize(), len(desc.Levels))
	if !slices.Equal(want, desc.Levels) {
		return fmt.Errorf("levels do not halve level 0")
	}
	return nil
}

func (c *packCmd) openWriter(desc tile.Descriptor, dataset string) (tileWriter, func(tile.Payload) ([]byte, error), error) {
	l0 := desc.Levels[0]
	switch format := deduceFormat(c.outputFormat, c.outputPath); format {
	case "pmtiles":
		if err := checkArchivable(desc); err != nil {
			return nil, nil, err
		}
		w, err := pm.NewWriter(c.outputPath, pm.WriterParams{
			Metadata: pm.Metadata{Name: desc.Name, Width: l0.Width, Height: l0.Height, TileSize: l0.TileWidth},
			Levels:   len(desc.Levels),
		})
		return w, decode.PNG, err
	case "mbtiles":
		if err := checkArchivable(desc); err != nil {
			return nil, nil, err
		}
		w, err := mb.NewWriter(c.outputPath, mb.WriterParams{
			Name:     desc.Name,
			Width:    l0.Width,
			Height:   l0.Height,
			TileSize: l0.TileWidth,
			Levels:   len(desc.Levels),
		})
		return w, decode.PNG, err
	case "xyz":
		w, err := xyz.NewWriter(c.outputPath, xyz.WriterParams{Dataset: dataset, Descriptor: desc})
		ext := strings.ToLower(filepath.Ext(c.outputPath))
		if ext == ".raw" || ext == ".bin" {
			return w, encodeRaw, err
		}
		if desc.Dims != tile.TwoD {
			return nil, nil, fmt.Errorf("%dD pyramids need a .raw or .bin file pattern", desc.Dims)
		}
		return w, decode.PNG, err
	default:
		return nil, nil, fmt.Errorf("invalid output format: %q", format)
	}
}

// encodeRaw stores samples as fetched. Payloads must cover the tile extent.
func encodeRaw(p tile.Payload) ([]byte, error) {
	size := p.Size()
	if err := p.Validate(tile.Level{TileWidth: size[0], TileHeight: size[1], TileDepth: size[2]}); err != nil {
		return nil, err
	}
	return p.Data[:size[0]*size[1]*size[2]*p.Type.Size()], nil
}

func (c *packCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
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

	desc, err := src.FetchInfo(ctx, cfg.Source.Dataset)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	desc.Normalize()

	writer, encode, err := c.openWriter(desc, cfg.Source.Dataset)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer writer.Close()

	total := 0
	for level, l := range desc.Levels {
		total += tile.Range{Level: level, Max: l.TileCount()}.Len()
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Fetch.Concurrency, 1))
loop:
	for level, l := range desc.Levels {
		for coord := range (tile.Range{Level: level, Max: l.TileCount()}).All() {
			if gctx.Err() != nil {
				break loop
			}
			g.Go(func() error {
				defer bar.Add(1)
				p, err := src.FetchTile(gctx, cfg.Source.Dataset, coord)
				if err != nil || p.Empty() {
					return err
				}
				data, err := encode(p)
				if err != nil {
					return fmt.Errorf("tile %v: %w", coord, err)
				}
				mu.Lock()
				defer mu.Unlock()
				return writer.WriteTile(coord, data)
			})
		}
	}
	err = g.Wait()
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if err := writer.Finalize(); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
