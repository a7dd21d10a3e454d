package xyz

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/eak1mov/go-tileview/tile"
)

type WriterParams struct {
	// Dataset replaces the {name} placeholder.
	Dataset string
	// Descriptor is written to the info file on Finalize.
	Descriptor tile.Descriptor
	// InfoFile name, DefaultInfoFile when unset.
	InfoFile string
}

// Writer stores encoded tiles as individual files.
type Writer struct {
	filePattern string
	params      WriterParams
}

// NewWriter creates a Writer for the given file pattern (e.g. "/home/user/tiles/{level}/{x}/{y}.png").
func NewWriter(filePattern string, params WriterParams) (*Writer, error) {
	if err := validatePattern(filePattern); err != nil {
		return nil, err
	}
	if params.InfoFile == "" {
		params.InfoFile = DefaultInfoFile
	}
	return &Writer{filePattern: filePattern, params: params}, nil
}

// WriteTile stores the encoded tile c. Empty tiles are skipped.
func (w *Writer) WriteTile(c tile.Coord, tileData []byte) error {
	if len(tileData) == 0 {
		return nil
	}
	filePath := formatPattern(w.filePattern, w.params.Dataset, c)

	dirPath := filepath.Dir(filePath)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	return os.WriteFile(filePath, tileData, 0644)
}

func (w *Writer) Finalize() error {
	data, err := json.MarshalIndent(w.params.Descriptor, "", "  ")
	if err != nil {
		return err
	}
	infoPath := filepath.Join(rootDir(w.filePattern, w.params.Dataset), w.params.InfoFile)
	if err := os.MkdirAll(filepath.Dir(infoPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(infoPath, data, 0644)
}

func (w *Writer) Close() error {
	return nil
}
