package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eak1mov/go-tileview/config"
	"github.com/eak1mov/go-tileview/httpsrc"
	"github.com/eak1mov/go-tileview/mb"
	"github.com/eak1mov/go-tileview/pm"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/eak1mov/go-tileview/xyz"
	"github.com/eak1mov/go-tileview/zarr"
)

// sourceFlags are shared by the commands that read a pyramid. Flags override the config file.
type sourceFlags struct {
	configPath string
	kind       string
	location   string
	dataset    string
	dataType   string
}

func (f *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "TOML config file")
	fs.StringVar(&f.kind, "kind", "", "Source kind (http, zarr, pmtiles, mbtiles, xyz)")
	fs.StringVar(&f.location, "i", "", "Source URL, path or xyz file pattern")
	fs.StringVar(&f.dataset, "dataset", "", "Dataset name")
	fs.StringVar(&f.dataType, "type", "", "Data type of archive tiles (rgba8, uint8, uint16)")
}

func deduceKind(kind, location string) string {
	switch {
	case kind != "":
		return kind
	case strings.HasSuffix(location, ".mbtiles"):
		return config.KindMBTiles
	case strings.HasSuffix(location, ".pmtiles"):
		return config.KindPMTiles
	case strings.HasSuffix(strings.TrimSuffix(location, "/"), ".zarr"):
		return config.KindZarr
	case strings.Contains(location, "{level}"):
		return config.KindXYZ
	}
	return config.KindHTTP
}

func (f *sourceFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if f.location != "" {
		cfg.Source.Location = f.location
		cfg.Source.Kind = ""
	}
	if f.kind != "" || cfg.Source.Kind == "" {
		cfg.Source.Kind = deduceKind(f.kind, cfg.Source.Location)
	}
	if f.dataset != "" {
		cfg.Source.Dataset = f.dataset
	}
	if f.dataType != "" {
		t, err := tile.ParseDataType(f.dataType)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Source.DataType = t
	}
	return cfg, cfg.Validate()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openSource(cfg config.Config, logger *slog.Logger) (tile.Source, io.Closer, error) {
	s := cfg.Source
	switch s.Kind {
	case config.KindHTTP:
		src, err := httpsrc.NewSource(httpsrc.Params{
			BaseURL:        s.Location,
			TileURLPattern: s.TileURLPattern,
			InfoURLPattern: s.InfoURLPattern,
			Client:         &http.Client{Timeout: cfg.Fetch.Timeout.Duration},
			Retries:        cfg.Fetch.Retries,
			RetryDelay:     cfg.Fetch.RetryDelay.Duration,
			Logger:         logger,
		})
		return src, nopCloser{}, err
	case config.KindZarr:
		var store zarr.Store = zarr.FileStore{Root: s.Location}
		if cfg.SourceIsURL() {
			store = zarr.HTTPStore{BaseURL: s.Location, Client: &http.Client{Timeout: cfg.Fetch.Timeout.Duration}}
		}
		return zarr.NewSource(store, zarr.Params{Logger: logger, NonSpatial: s.NonSpatial}), nopCloser{}, nil
	case config.KindPMTiles:
		src, err := pm.NewFileSource(s.Location, pm.Params{Logger: logger, DataType: s.DataType})
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	case config.KindMBTiles:
		src, err := mb.NewSource(s.Location, mb.Params{Logger: logger, DataType: s.DataType})
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	case config.KindXYZ:
		src, err := xyz.NewSource(s.Location, xyz.Params{Logger: logger})
		return src, nopCloser{}, err
	}
	return nil, nil, fmt.Errorf("unknown source kind %q", s.Kind)
}
