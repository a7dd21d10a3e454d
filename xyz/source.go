package xyz

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/tile"
)

const DefaultInfoFile = "info.json"

type Params struct {
	Logger *slog.Logger

	// InfoFile is the descriptor file name, looked up in the root directory of the dataset.
	InfoFile string
}

// Source reads tiles from files. Files with a .raw or .bin extension hold
// little-endian samples of the whole tile extent; others are decoded as images.
type Source struct {
	filePattern string
	raw         bool
	params      Params
	logger      *slog.Logger

	mu    sync.Mutex
	descs map[string]tile.Descriptor
}

// NewSource creates a Source for the given file pattern (e.g. "/data/{name}/{level}/{x}/{y}.png").
// Pyramids of 3D chunks also need the {z} placeholder.
func NewSource(filePattern string, params Params) (*Source, error) {
	if err := validatePattern(filePattern); err != nil {
		return nil, err
	}
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.InfoFile == "" {
		params.InfoFile = DefaultInfoFile
	}
	ext := strings.ToLower(filepath.Ext(filePattern))
	return &Source{
		filePattern: filePattern,
		raw:         ext == ".raw" || ext == ".bin",
		params:      params,
		logger:      params.Logger,
		descs:       make(map[string]tile.Descriptor),
	}, nil
}

func (s *Source) InfoPath(dataset string) string {
	return filepath.Join(rootDir(s.filePattern, dataset), s.params.InfoFile)
}

// FetchInfo reads the descriptor file once per dataset.
func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return tile.Descriptor{}, err
	}
	s.mu.Lock()
	desc, ok := s.descs[dataset]
	s.mu.Unlock()
	if !ok {
		var err error
		if desc, err = s.readInfo(dataset); err != nil {
			return tile.Descriptor{}, err
		}
		s.mu.Lock()
		s.descs[dataset] = desc
		s.mu.Unlock()
	}
	desc.Levels = append([]tile.Level(nil), desc.Levels...)
	return desc, nil
}

func (s *Source) readInfo(dataset string) (tile.Descriptor, error) {
	infoPath := s.InfoPath(dataset)
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return tile.Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	var desc tile.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return tile.Descriptor{}, fmt.Errorf("%w: %s: %w", tile.ErrInvalidDescriptor, infoPath, err)
	}
	if desc.Name == "" {
		desc.Name = dataset
	}
	desc.Normalize()
	if desc.Dims == tile.ThreeD && !strings.Contains(s.filePattern, "{z}") {
		return tile.Descriptor{}, fmt.Errorf("%w: placeholder {z} not found", ErrInvalidPattern)
	}
	if !s.raw && desc.Dims == tile.ThreeD {
		return tile.Descriptor{}, fmt.Errorf("%w: 3D chunks need raw tile files", tile.ErrInvalidDescriptor)
	}
	if err := desc.Validate(); err != nil {
		return tile.Descriptor{}, err
	}
	return desc, nil
}

func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	if err := ctx.Err(); err != nil {
		return tile.Payload{}, err
	}
	filePath := formatPattern(s.filePattern, dataset, c)
	tileData, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("tileview: tile file not found", "path", filePath)
		return tile.Payload{}, nil
	}
	if err != nil {
		return tile.Payload{}, err
	}

	desc, err := s.FetchInfo(ctx, dataset)
	if err != nil {
		return tile.Payload{}, err
	}
	if !s.raw {
		return decode.Image(tileData, desc.DataType)
	}
	if !desc.Contains(c) {
		return tile.Payload{}, nil
	}
	return decode.Raw(tileData, desc.Levels[c.Level].TileExtent(c), desc.DataType, binary.LittleEndian)
}
