package mb

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/eak1mov/go-tileview/tile"
)

type WriterParams struct {
	Name     string
	Width    int
	Height   int
	TileSize int
	// Levels is the number of pyramid levels. Level L is stored at zoom Levels-1-L.
	Levels int
	// Format of the tile blobs, "png" when unset.
	Format string
	Logger *slog.Logger
}

// Writer stores encoded tiles into a new MBTiles file.
type Writer struct {
	db      *sql.DB
	stmt    *sql.Stmt
	logger  *slog.Logger
	maxZoom int
}

func NewWriter(filePath string, params WriterParams) (w *Writer, err error) {
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.Format == "" {
		params.Format = "png"
	}
	if params.Levels < 1 || params.Levels > 31 {
		return nil, fmt.Errorf("tileview: mb writer: %d levels", params.Levels)
	}

	db, err := sql.Open("sqlite3", filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	_, err = db.Exec(`
		CREATE TABLE metadata (name TEXT, value TEXT);
		CREATE TABLE tiles (
			zoom_level INTEGER,
			tile_column INTEGER,
			tile_row INTEGER,
			tile_data BLOB
		);
	`)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"name":    params.Name,
		"format":  params.Format,
		"minzoom": "0",
		"maxzoom": strconv.Itoa(params.Levels - 1),
	}
	if params.Width > 0 && params.Height > 0 {
		metadata["width"] = strconv.Itoa(params.Width)
		metadata["height"] = strconv.Itoa(params.Height)
	}
	if params.TileSize > 0 {
		metadata["tile_size"] = strconv.Itoa(params.TileSize)
	}
	for k, v := range metadata {
		if _, err = db.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			return nil, err
		}
	}

	stmt, err := db.Prepare("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, err
	}

	return &Writer{db: db, stmt: stmt, logger: params.Logger, maxZoom: params.Levels - 1}, nil
}

func (w *Writer) Close() error {
	return errors.Join(w.stmt.Close(), w.db.Close())
}

// WriteTile stores the encoded tile c. Empty tiles are skipped.
func (w *Writer) WriteTile(c tile.Coord, tileData []byte) error {
	if len(tileData) == 0 {
		return nil
	}
	if c.Level < 0 || c.Level > w.maxZoom {
		return fmt.Errorf("tileview: mb writer: level %d out of range", c.Level)
	}
	z, x, y := tmsPosition(w.maxZoom, c)
	_, err := w.stmt.Exec(z, x, y, tileData)
	return err
}

func (w *Writer) Finalize() error {
	w.logger.Debug("tileview: mb creating index")
	_, err := w.db.Exec("CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)")
	return err
}
