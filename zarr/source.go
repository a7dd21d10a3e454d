// Package zarr reads image pyramids from Zarr v2 and OME-Zarr hierarchies.
//
// The last two axes of every array are [y, x]; arrays with three or more
// dimensions are read as volumes with [z, y, x] as the last three axes. Any
// leading axes (time, channel) are fixed to the indices given in Params.NonSpatial.
package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/tile"
	"golang.org/x/sync/singleflight"
)

// MaxProbedLevels bounds level discovery for groups without multiscales metadata.
const MaxProbedLevels = 20

var ErrNoArrays = errors.New("tileview: no zarr arrays found")

type Params struct {
	Logger *slog.Logger

	// NonSpatial selects the element along each leading non-spatial axis.
	// Missing entries select 0.
	NonSpatial []int
}

// ArrayMetadata is the content of a .zarray document.
type ArrayMetadata struct {
	ZarrFormat         int         `json:"zarr_format"`
	Shape              []int       `json:"shape"`
	Chunks             []int       `json:"chunks"`
	DType              string      `json:"dtype"`
	Compressor         *Compressor `json:"compressor"`
	Order              string      `json:"order"`
	Filters            []any       `json:"filters"`
	DimensionSeparator string      `json:"dimension_separator"`
}

type multiscales []struct {
	Name     string `json:"name"`
	Datasets []struct {
		Path string `json:"path"`
	} `json:"datasets"`
}

type groupAttributes struct {
	OME *struct {
		Multiscales multiscales `json:"multiscales"`
	} `json:"ome"`
	Multiscales multiscales `json:"multiscales"`
}

type array struct {
	path  string
	meta  ArrayMetadata
	order binary.ByteOrder
}

type pyramid struct {
	desc   tile.Descriptor
	arrays []array
}

type Source struct {
	store  Store
	params Params
	logger *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*pyramid
}

func NewSource(store Store, params Params) *Source {
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		store:  store,
		params: params,
		logger: params.Logger,
		cache:  make(map[string]*pyramid),
	}
}

// FetchInfo discovers the pyramid under the dataset path of the store
// ("" for the store root).
func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	p, err := s.open(ctx, dataset)
	if err != nil {
		return tile.Descriptor{}, err
	}
	desc := p.desc
	desc.Levels = append([]tile.Level(nil), p.desc.Levels...)
	return desc, nil
}

func (s *Source) open(ctx context.Context, dataset string) (*pyramid, error) {
	s.mu.Lock()
	p, ok := s.cache[dataset]
	s.mu.Unlock()
	if ok {
		return p, nil
	}
	v, err, _ := s.group.Do(dataset, func() (any, error) {
		p, err := s.discover(ctx, dataset)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[dataset] = p
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pyramid), nil
}

func (s *Source) readArray(ctx context.Context, arrayPath string) (ArrayMetadata, error) {
	var meta ArrayMetadata
	data, err := s.store.Get(ctx, path.Join(arrayPath, ".zarray"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: %s/.zarray: %w", tile.ErrInvalidDescriptor, arrayPath, err)
	}
	return meta, nil
}

// levelPaths lists the arrays of the pyramid, highest resolution first: the
// root array itself, the multiscales datasets, or arrays named 0, 1, 2...
func (s *Source) levelPaths(ctx context.Context, root string) ([]string, map[string]ArrayMetadata, error) {
	metas := make(map[string]ArrayMetadata)

	meta, err := s.readArray(ctx, root)
	if err == nil {
		metas[root] = meta
		return []string{root}, metas, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	var ms multiscales
	if data, err := s.store.Get(ctx, path.Join(root, ".zattrs")); err == nil {
		var attrs groupAttributes
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, nil, fmt.Errorf("%w: %s/.zattrs: %w", tile.ErrInvalidDescriptor, root, err)
		}
		ms = attrs.Multiscales
		if attrs.OME != nil {
			ms = attrs.OME.Multiscales
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	var paths []string
	if len(ms) > 0 && len(ms[0].Datasets) > 0 {
		for _, ds := range ms[0].Datasets {
			p := path.Join(root, ds.Path)
			meta, err := s.readArray(ctx, p)
			if err != nil {
				s.logger.Warn("tileview: skipping multiscales dataset", "path", p, "error", err)
				continue
			}
			metas[p] = meta
			paths = append(paths, p)
		}
	} else {
		for i := range MaxProbedLevels {
			p := path.Join(root, strconv.Itoa(i))
			meta, err := s.readArray(ctx, p)
			if errors.Is(err, ErrNotFound) {
				break
			}
			if err != nil {
				return nil, nil, err
			}
			metas[p] = meta
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("%w at %q", ErrNoArrays, root)
	}
	return paths, metas, nil
}

func (s *Source) discover(ctx context.Context, dataset string) (*pyramid, error) {
	root := strings.Trim(dataset, "/")
	paths, metas, err := s.levelPaths(ctx, root)
	if err != nil {
		return nil, err
	}

	p := &pyramid{desc: tile.Descriptor{Name: dataset}}
	for i, arrayPath := range paths {
		meta := metas[arrayPath]
		if err := checkArray(meta); err != nil {
			return nil, fmt.Errorf("array %q: %w", arrayPath, err)
		}
		t, order, err := parseDType(meta.DType)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", arrayPath, err)
		}
		ndim := len(meta.Shape)
		if i == 0 {
			p.desc.DataType = t
			p.desc.Dims = tile.TwoD
			if ndim >= 3 {
				p.desc.Dims = tile.ThreeD
			}
		} else if t != p.desc.DataType || ndim != len(metas[paths[0]].Shape) {
			return nil, fmt.Errorf("%w: array %q differs from level 0", tile.ErrInvalidDescriptor, arrayPath)
		}

		level := tile.Level{
			Width: meta.Shape[ndim-1], TileWidth: meta.Chunks[ndim-1],
			Height: meta.Shape[ndim-2], TileHeight: meta.Chunks[ndim-2],
		}
		if p.desc.Dims == tile.ThreeD {
			level.Depth, level.TileDepth = meta.Shape[ndim-3], meta.Chunks[ndim-3]
		}
		p.desc.Levels = append(p.desc.Levels, level)
		p.arrays = append(p.arrays, array{path: arrayPath, meta: meta, order: order})
	}

	if lead := len(metas[paths[0]].Shape) - p.desc.Dims.Axes(); len(s.params.NonSpatial) > lead {
		return nil, fmt.Errorf("%w: %d non-spatial indices for %d leading axes", tile.ErrInvalidDescriptor, len(s.params.NonSpatial), lead)
	}
	for i, idx := range s.params.NonSpatial {
		if idx < 0 || idx >= metas[paths[0]].Shape[i] {
			return nil, fmt.Errorf("%w: non-spatial index %d out of range on axis %d", tile.ErrInvalidDescriptor, idx, i)
		}
	}

	p.desc.Normalize()
	if err := p.desc.Validate(); err != nil {
		return nil, err
	}
	s.logger.Info("tileview: zarr pyramid opened", "dataset", dataset, "levels", len(p.arrays), "dims", p.desc.Dims, "dtype", p.desc.DataType)
	return p, nil
}

func checkArray(meta ArrayMetadata) error {
	if meta.ZarrFormat != 0 && meta.ZarrFormat != 2 {
		return fmt.Errorf("%w: zarr_format %d", ErrUnsupportedCodec, meta.ZarrFormat)
	}
	if len(meta.Shape) < 2 || len(meta.Chunks) != len(meta.Shape) {
		return fmt.Errorf("%w: shape %v, chunks %v", tile.ErrInvalidDescriptor, meta.Shape, meta.Chunks)
	}
	if meta.Order != "" && meta.Order != "C" {
		return fmt.Errorf("%w: order %q", ErrUnsupportedCodec, meta.Order)
	}
	if len(meta.Filters) > 0 {
		return fmt.Errorf("%w: filters", ErrUnsupportedCodec)
	}
	return meta.Compressor.validate()
}

func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	p, err := s.open(ctx, dataset)
	if err != nil {
		return tile.Payload{}, err
	}
	if !p.desc.Contains(c) {
		return tile.Payload{}, nil
	}
	a := p.arrays[c.Level]
	meta := a.meta
	ndim := len(meta.Shape)
	axes := p.desc.Dims.Axes()
	lead := ndim - axes

	// chunk grid position and element offset within the chunk on leading axes
	indices := make([]string, 0, ndim)
	leadOffset := 0
	for i := range lead {
		idx := 0
		if i < len(s.params.NonSpatial) {
			idx = s.params.NonSpatial[i]
		}
		indices = append(indices, strconv.Itoa(idx/meta.Chunks[i]))
		leadOffset = leadOffset*meta.Chunks[i] + idx%meta.Chunks[i]
	}
	if axes == 3 {
		indices = append(indices, strconv.Itoa(c.Z))
	}
	indices = append(indices, strconv.Itoa(c.Y), strconv.Itoa(c.X))

	sep := meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	key := path.Join(a.path, strings.Join(indices, sep))

	data, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return tile.Payload{}, nil
	}
	if err != nil {
		return tile.Payload{}, err
	}

	level := p.desc.Levels[c.Level]
	chunk := level.TileSize()
	elem := p.desc.DataType.Size()
	block := chunk[0] * chunk[1] * chunk[2] * elem

	total := block
	for i := range lead {
		total *= meta.Chunks[i]
	}
	raw, err := meta.Compressor.decompress(data, total)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("chunk %s: %w", key, err)
	}
	start := leadOffset * block
	if len(raw) < start+block {
		return tile.Payload{}, fmt.Errorf("chunk %s: %w: %d < %d bytes", key, tile.ErrShortPayload, len(raw), start+block)
	}
	payload, err := decode.Raw(raw[start:start+block], chunk, p.desc.DataType, a.order)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("chunk %s: %w", key, err)
	}
	return decode.Crop(payload, level.TileExtent(c)), nil
}
