// Package pm reads raster pyramids from PMTiles v3 archives.
package pm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/pm/spec"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/golang/groupcache/lru"
)

const DefaultDirectoryCacheSize = 64

type FileAccessFunc = func(offset, length uint64) ([]byte, error)

type Params struct {
	Logger *slog.Logger

	// DataType of the decoded tiles, RGBA8 when unset.
	DataType tile.DataType

	// DirectoryCacheSize bounds the number of decoded directories kept in memory.
	DirectoryCacheSize int
}

// Metadata is the JSON metadata of an archive holding an image pyramid.
// Without width and height the image is assumed to cover every tile of MaxZoom.
type Metadata struct {
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	TileSize int    `json:"tileSize"`
}

// Source serves the tiles of one archive. Pyramid level L is stored at zoom MaxZoom-L.
type Source struct {
	fileAccess FileAccessFunc
	fileCloser func() error
	header     *spec.Header
	params     Params
	logger     *slog.Logger

	mu   sync.Mutex
	dirs *lru.Cache

	infoOnce sync.Once
	desc     tile.Descriptor
	infoErr  error
}

func NewFileSource(filePath string, params Params) (*Source, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	fileAccess := func(offset uint64, length uint64) ([]byte, error) {
		buffer := make([]byte, length)
		if _, err := file.ReadAt(buffer, int64(offset)); err != nil {
			return nil, err
		}
		return buffer, nil
	}
	s, err := NewSource(fileAccess, params)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	s.fileCloser = file.Close
	return s, nil
}

func NewSource(fileAccess FileAccessFunc, params Params) (*Source, error) {
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.DataType == tile.Unknown {
		params.DataType = tile.RGBA8
	}
	if params.DirectoryCacheSize <= 0 {
		params.DirectoryCacheSize = DefaultDirectoryCacheSize
	}
	headerData, err := fileAccess(0, spec.HeaderLength)
	if err != nil {
		return nil, err
	}
	header, err := spec.DeserializeHeader(headerData)
	if err != nil {
		return nil, err
	}
	return &Source{
		fileAccess: fileAccess,
		fileCloser: func() error { return nil },
		header:     header,
		params:     params,
		logger:     params.Logger,
		dirs:       lru.New(params.DirectoryCacheSize),
	}, nil
}

func (s *Source) Close() error {
	return s.fileCloser()
}

func (s *Source) Header() spec.Header {
	return *s.header
}

func (s *Source) ReadMetadata() ([]byte, error) {
	if s.header.MetadataLength == 0 {
		return nil, nil
	}
	data, err := s.fileAccess(s.header.MetadataOffset, s.header.MetadataLength)
	if err != nil {
		return nil, err
	}
	return spec.Decompress(data, s.header.InternalCompression)
}

// FetchInfo ignores the dataset name except for naming the descriptor.
func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return tile.Descriptor{}, err
	}
	s.infoOnce.Do(func() {
		s.desc, s.infoErr = s.readDescriptor()
	})
	if s.infoErr != nil {
		return tile.Descriptor{}, s.infoErr
	}
	desc := s.desc
	desc.Levels = append([]tile.Level(nil), s.desc.Levels...)
	if desc.Name == "" {
		desc.Name = dataset
	}
	return desc, nil
}

func (s *Source) readDescriptor() (tile.Descriptor, error) {
	if s.header.TileType == spec.TileTypeMvt {
		return tile.Descriptor{}, fmt.Errorf("%w: %v tiles", tile.ErrInvalidDescriptor, s.header.TileType)
	}
	var meta Metadata
	data, err := s.ReadMetadata()
	if err != nil {
		return tile.Descriptor{}, fmt.Errorf("read metadata: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &meta); err != nil {
			return tile.Descriptor{}, fmt.Errorf("%w: metadata: %w", tile.ErrInvalidDescriptor, err)
		}
	}
	if meta.TileSize <= 0 {
		meta.TileSize = 256
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		meta.Width = meta.TileSize << s.header.MaxZoom
		meta.Height = meta.Width
	}

	desc := tile.Descriptor{
		Name: meta.Name,
		Levels: tile.HalvingLevels(
			[3]int{meta.Width, meta.Height, 1},
			[3]int{meta.TileSize, meta.TileSize, 1},
			s.header.Zooms()),
		Dims:     tile.TwoD,
		DataType: s.params.DataType,
	}
	if err := desc.Validate(); err != nil {
		return tile.Descriptor{}, err
	}
	return desc, nil
}

func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	desc, err := s.FetchInfo(ctx, dataset)
	if err != nil {
		return tile.Payload{}, err
	}
	if !desc.Contains(c) {
		return tile.Payload{}, nil
	}
	id := spec.TileID{X: uint32(c.X), Y: uint32(c.Y), Z: uint32(int(s.header.MaxZoom) - c.Level)}
	offset, length, err := s.findTile(ctx, spec.EncodeTileID(id))
	if err != nil {
		return tile.Payload{}, err
	}
	if length == 0 {
		return tile.Payload{}, nil
	}
	data, err := s.fileAccess(offset, length)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("read tile %v: %w", c, err)
	}
	if s.header.TileCompression != spec.CompressionUnknown {
		if data, err = spec.Decompress(data, s.header.TileCompression); err != nil {
			return tile.Payload{}, fmt.Errorf("tile %v: %w", c, err)
		}
	}
	return decode.Image(data, desc.DataType)
}

func (s *Source) readDirectory(dirOffset, dirLength uint64) ([]spec.Entry, error) {
	s.mu.Lock()
	cached, ok := s.dirs.Get(dirOffset)
	s.mu.Unlock()
	if ok {
		return cached.([]spec.Entry), nil
	}

	dirCompressed, err := s.fileAccess(dirOffset, dirLength)
	if err != nil {
		return nil, err
	}
	dirData, err := spec.Decompress(dirCompressed, s.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	dirEntries, err := spec.DeserializeDirectory(dirData)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("tileview: pm directory loaded", "offset", dirOffset, "entries", len(dirEntries))

	s.mu.Lock()
	s.dirs.Add(dirOffset, dirEntries)
	s.mu.Unlock()
	return dirEntries, nil
}

// findTile returns the absolute location of a tile, or zero length if the archive does not have it.
func (s *Source) findTile(ctx context.Context, tileCode uint64) (uint64, uint64, error) {
	dirOffset := s.header.RootOffset
	dirLength := s.header.RootLength
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		// v3 archives nest at most three directory levels
		if depth > 3 {
			return 0, 0, fmt.Errorf("%w: directories nested too deep", spec.ErrInvalidDirectory)
		}
		dirEntries, err := s.readDirectory(dirOffset, dirLength)
		if err != nil {
			return 0, 0, err
		}
		entry, found := spec.FindEntry(dirEntries, tileCode)
		if !found {
			return 0, 0, nil
		}
		if entry.RunLength > 0 {
			return s.header.TileDataOffset + entry.Offset, uint64(entry.Length), nil
		}
		dirOffset = s.header.LeafDirectoryOffset + entry.Offset
		dirLength = uint64(entry.Length)
	}
}

func (s *Source) DirectoryCacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs.Len()
}
