// Package config loads the TOML configuration of the viewer tools.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/natefinch/lumberjack"
)

var ErrInvalidConfig = errors.New("tileview: invalid config")

const (
	KindHTTP    = "http"
	KindZarr    = "zarr"
	KindPMTiles = "pmtiles"
	KindMBTiles = "mbtiles"
	KindXYZ     = "xyz"
)

type Config struct {
	Source  SourceConfig `toml:"source"`
	View    ViewConfig   `toml:"view"`
	Cache   CacheConfig  `toml:"cache"`
	Fetch   FetchConfig  `toml:"fetch"`
	Logging LogConfig    `toml:"logging"`
}

type SourceConfig struct {
	// Kind is one of http, zarr, pmtiles, mbtiles or xyz.
	Kind string `toml:"kind"`

	// Location is a base URL, a file or directory path, or a file pattern for xyz.
	// Zarr stores are read over HTTP when Location is a URL.
	Location string `toml:"location"`
	Dataset  string `toml:"dataset"`

	// DataType of decoded tiles for archive sources.
	DataType tile.DataType `toml:"data_type"`

	TileURLPattern string `toml:"tile_url_pattern"`
	InfoURLPattern string `toml:"info_url_pattern"`
	NonSpatial     []int  `toml:"non_spatial"`
}

type ViewConfig struct {
	Width          int      `toml:"width"`
	Height         int      `toml:"height"`
	Depth          int      `toml:"depth"`
	MaxTextureSize int      `toml:"max_texture_size"`
	MaxTiles       int      `toml:"max_tiles"`
	Background     []uint8  `toml:"background"`
	FrameInterval  Duration `toml:"frame_interval"`
}

type CacheConfig struct {
	MaxEntries int      `toml:"max_entries"`
	MaxBytes   ByteSize `toml:"max_bytes"`
}

type FetchConfig struct {
	Concurrency int      `toml:"concurrency"`
	Timeout     Duration `toml:"timeout"`
	Retries     int      `toml:"retries"`
	RetryDelay  Duration `toml:"retry_delay"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Logfile string `toml:"logfile"`
	MaxSize int    `toml:"max_log_size"` // megabytes
	MaxAge  int    `toml:"max_log_age"`  // days
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size written in human units ("64MB", "1 GiB").
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

func Default() Config {
	return Config{
		Source: SourceConfig{Kind: KindHTTP},
		View: ViewConfig{
			FrameInterval: Duration{16 * time.Millisecond},
		},
		Cache: CacheConfig{MaxEntries: 500},
		Fetch: FetchConfig{
			Concurrency: 8,
			Timeout:     Duration{30 * time.Second},
			Retries:     2,
			RetryDelay:  Duration{200 * time.Millisecond},
		},
		Logging: LogConfig{Level: "info", Format: "text", MaxSize: 100, MaxAge: 30},
	}
}

// Load reads the file over the defaults. Unknown keys are an error, and
// relative paths are resolved against the directory of the file.
func Load(filename string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(filename, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("could not decode TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	cfg.resolvePaths(filepath.Dir(filename))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (c *Config) resolvePaths(configDir string) {
	if c.Source.Location != "" && !isURL(c.Source.Location) && !filepath.IsAbs(c.Source.Location) {
		c.Source.Location = filepath.Join(configDir, c.Source.Location)
	}
	if c.Logging.Logfile != "" && !filepath.IsAbs(c.Logging.Logfile) {
		c.Logging.Logfile = filepath.Join(configDir, c.Logging.Logfile)
	}
}

// SourceIsURL reports whether the source is read over HTTP.
func (c *Config) SourceIsURL() bool {
	return isURL(c.Source.Location)
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	switch c.Source.Kind {
	case KindHTTP:
		check(isURL(c.Source.Location), "source.location must be a URL for http sources")
	case KindZarr, KindPMTiles, KindMBTiles, KindXYZ:
		check(c.Source.Location != "", "source.location is required")
	default:
		check(false, "unknown source.kind %q", c.Source.Kind)
	}
	for _, v := range []int{c.View.Width, c.View.Height, c.View.Depth, c.View.MaxTextureSize, c.View.MaxTiles} {
		check(v >= 0, "view sizes must not be negative")
	}
	check(c.View.FrameInterval.Duration >= 0, "view.frame_interval must not be negative")
	check(c.Cache.MaxEntries >= 0, "cache.max_entries must not be negative")
	check(c.Fetch.Concurrency >= 0, "fetch.concurrency must not be negative")
	check(c.Fetch.Retries >= 0, "fetch.retries must not be negative")
	_, err := parseLevel(c.Logging.Level)
	check(err == nil, "logging.level %q", c.Logging.Level)
	check(c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format %q", c.Logging.Format)

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the logger described by the config. Without a logfile
// records go to stderr. The returned closer releases the logfile.
func (c *LogConfig) NewLogger(stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: logging.level: %w", ErrInvalidConfig, err)
	}
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if c.Logfile != "" {
		l := &lumberjack.Logger{
			Filename: c.Logfile,
			MaxSize:  c.MaxSize,
			MaxAge:   c.MaxAge,
		}
		w, closer = l, l
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// Dump writes the effective configuration as TOML.
func (c *Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
