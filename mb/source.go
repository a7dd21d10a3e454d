// Package mb reads raster pyramids from MBTiles archives.
//
// Note: User must properly initialize the sqlite3 library generic driver
// (e.g. import _ "github.com/mattn/go-sqlite3") before using this package.
package mb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/tile"
)

type Params struct {
	Logger *slog.Logger

	// DataType of the decoded tiles, RGBA8 when unset.
	DataType tile.DataType
}

// Source serves the tiles of one MBTiles file. Pyramid level L is stored at
// zoom maxzoom-L, rows are in TMS order.
type Source struct {
	db     *sql.DB
	stmt   *sql.Stmt
	params Params
	logger *slog.Logger

	infoOnce sync.Once
	desc     tile.Descriptor
	maxZoom  int
	infoErr  error
}

// NewSource opens the file read-only. The returned Source must be closed after use.
func NewSource(filePath string, params Params) (*Source, error) {
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.DataType == tile.Unknown {
		params.DataType = tile.RGBA8
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", filePath))
	if err != nil {
		return nil, err
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Source{db: db, stmt: stmt, params: params, logger: params.Logger}, nil
}

func (s *Source) Close() error {
	return errors.Join(s.stmt.Close(), s.db.Close())
}

func (s *Source) ReadMetadata(ctx context.Context) (map[string]string, error) {
	metadata := make(map[string]string)

	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		metadata[name] = value
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return metadata, nil
}

func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return tile.Descriptor{}, err
	}
	s.infoOnce.Do(func() {
		s.desc, s.maxZoom, s.infoErr = s.readDescriptor(context.WithoutCancel(ctx))
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

func (s *Source) readDescriptor(ctx context.Context) (tile.Descriptor, int, error) {
	metadata, err := s.ReadMetadata(ctx)
	if err != nil {
		return tile.Descriptor{}, 0, fmt.Errorf("read metadata: %w", err)
	}
	if _, ok := metadata["maxzoom"]; !ok {
		var minZoom, maxZoom sql.NullInt64
		row := s.db.QueryRowContext(ctx, "SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles")
		if err := row.Scan(&minZoom, &maxZoom); err != nil {
			return tile.Descriptor{}, 0, fmt.Errorf("read zoom range: %w", err)
		}
		if maxZoom.Valid {
			metadata["minzoom"] = strconv.FormatInt(minZoom.Int64, 10)
			metadata["maxzoom"] = strconv.FormatInt(maxZoom.Int64, 10)
		}
	}
	return descriptorFromMetadata(metadata, s.params.DataType)
}

func parseMetadataInt(metadata map[string]string, name string, fallback int) (int, error) {
	value, ok := metadata[name]
	if !ok || value == "" {
		return fallback, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata %s: %w", tile.ErrInvalidDescriptor, name, err)
	}
	return result, nil
}

// descriptorFromMetadata builds the pyramid from metadata rows. Without width
// and height the image is assumed to cover every tile of maxzoom.
func descriptorFromMetadata(metadata map[string]string, dataType tile.DataType) (tile.Descriptor, int, error) {
	var errs []error
	parse := func(name string, fallback int) int {
		v, err := parseMetadataInt(metadata, name, fallback)
		errs = append(errs, err)
		return v
	}
	minZoom := parse("minzoom", 0)
	maxZoom := parse("maxzoom", -1)
	tileSize := parse("tile_size", 256)
	width := parse("width", 0)
	height := parse("height", 0)
	if err := errors.Join(errs...); err != nil {
		return tile.Descriptor{}, 0, err
	}

	if maxZoom < 0 {
		return tile.Descriptor{}, 0, fmt.Errorf("%w: archive has no tiles", tile.ErrInvalidDescriptor)
	}
	if minZoom < 0 || minZoom > maxZoom || maxZoom > 30 {
		return tile.Descriptor{}, 0, fmt.Errorf("%w: zoom range %d..%d", tile.ErrInvalidDescriptor, minZoom, maxZoom)
	}
	if width <= 0 || height <= 0 {
		width = tileSize << maxZoom
		height = width
	}

	desc := tile.Descriptor{
		Name: metadata["name"],
		Levels: tile.HalvingLevels(
			[3]int{width, height, 1},
			[3]int{tileSize, tileSize, 1},
			maxZoom-minZoom+1),
		Dims:     tile.TwoD,
		DataType: dataType,
	}
	if err := desc.Validate(); err != nil {
		return tile.Descriptor{}, 0, err
	}
	return desc, maxZoom, nil
}

// tmsPosition returns the zoom, column and row a tile is stored at.
func tmsPosition(maxZoom int, c tile.Coord) (int, int, int) {
	z := maxZoom - c.Level
	return z, c.X, (1 << z) - 1 - c.Y
}

func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	desc, err := s.FetchInfo(ctx, dataset)
	if err != nil {
		return tile.Payload{}, err
	}
	if !desc.Contains(c) {
		return tile.Payload{}, nil
	}

	z, x, y := tmsPosition(s.maxZoom, c)
	var tileData []byte
	if err := s.stmt.QueryRowContext(ctx, z, x, y).Scan(&tileData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tile.Payload{}, nil
		}
		return tile.Payload{}, fmt.Errorf("read tile %v: %w", c, err)
	}
	if len(tileData) == 0 {
		return tile.Payload{}, nil
	}
	return decode.Image(tileData, desc.DataType)
}
