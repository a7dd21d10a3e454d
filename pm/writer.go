package pm

import (
	"bufio"
	"cmp"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/eak1mov/go-tileview/pm/spec"
	"github.com/eak1mov/go-tileview/tile"
)

var ErrFinalized = errors.New("tileview: writer already finalized")

type WriterParams struct {
	// Metadata is stored as JSON and describes level 0 of the pyramid.
	Metadata Metadata
	// Levels is the number of pyramid levels. Level L is stored at zoom Levels-1-L.
	Levels int

	TileType            spec.TileType
	InternalCompression spec.Compression
	Logger              *slog.Logger
}

// Writer builds an archive from encoded tiles. Identical payloads are stored once.
type Writer struct {
	logger *slog.Logger
	file   *os.File
	header spec.Header

	tileWriter *bufio.Writer
	tileOffset uint64

	entries   []spec.Entry
	locations map[[16]byte]uint32 // hash -> entry index
}

func NewWriter(filePath string, params WriterParams) (w *Writer, err error) {
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	if params.Levels < 1 || params.Levels > 31 {
		return nil, fmt.Errorf("tileview: pm writer: %d levels", params.Levels)
	}
	if params.TileType == spec.TileTypeUnknown {
		params.TileType = spec.TileTypePng
	}
	if params.InternalCompression == spec.CompressionUnknown {
		params.InternalCompression = spec.CompressionGzip
	}
	metadata, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, err
	}
	metadata, err = spec.Compress(metadata, params.InternalCompression)
	if err != nil {
		return nil, err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	header := spec.Header{}
	offset := uint64(spec.HeaderRootDirMaxLength)

	if _, err = file.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}
	if _, err = file.Write(metadata); err != nil {
		return nil, err
	}
	header.MetadataOffset = offset
	header.MetadataLength = uint64(len(metadata))
	offset += header.MetadataLength

	header.HeaderMagic = spec.HeaderMagicV3
	header.Clustered = false
	header.InternalCompression = params.InternalCompression
	header.TileCompression = spec.CompressionNone
	header.TileType = params.TileType
	header.MinZoom = 0
	header.MaxZoom = uint8(params.Levels - 1)
	header.TileDataOffset = offset

	return &Writer{
		logger:     params.Logger,
		file:       file,
		header:     header,
		tileWriter: bufio.NewWriter(file),
		locations:  make(map[[16]byte]uint32),
	}, nil
}

// WriteTile stores the encoded tile c. Empty tiles are skipped.
func (w *Writer) WriteTile(c tile.Coord, tileData []byte) error {
	if w.tileWriter == nil {
		return ErrFinalized
	}
	if len(tileData) == 0 {
		return nil
	}
	if c.Level < 0 || c.Level > int(w.header.MaxZoom) {
		return fmt.Errorf("tileview: pm writer: level %d out of range", c.Level)
	}
	tileCode := spec.EncodeTileID(spec.TileID{X: uint32(c.X), Y: uint32(c.Y), Z: uint32(int(w.header.MaxZoom) - c.Level)})

	digest := md5.Sum(tileData)
	if entryIdx, exists := w.locations[digest]; exists {
		w.entries = append(w.entries, spec.Entry{
			TileCode:  tileCode,
			Offset:    w.entries[entryIdx].Offset,
			Length:    w.entries[entryIdx].Length,
			RunLength: 1,
		})
		return nil
	}

	if _, err := w.tileWriter.Write(tileData); err != nil {
		return err
	}
	w.locations[digest] = uint32(len(w.entries))
	w.entries = append(w.entries, spec.Entry{
		TileCode:  tileCode,
		Offset:    w.tileOffset,
		Length:    uint32(len(tileData)),
		RunLength: 1,
	})
	w.tileOffset += uint64(len(tileData))
	return nil
}

func (w *Writer) Finalize() error {
	if w.tileWriter == nil {
		return ErrFinalized
	}

	if err := w.tileWriter.Flush(); err != nil {
		return err
	}
	w.header.TileDataLength = w.tileOffset
	w.tileWriter = nil

	slices.SortFunc(w.entries, func(a, b spec.Entry) int {
		return cmp.Compare(a.TileCode, b.TileCode)
	})
	w.header.AddressedTilesCount = uint64(len(w.entries))
	w.header.TileContentsCount = uint64(len(w.locations))
	w.entries = spec.CompactEntries(w.entries)
	w.header.TileEntriesCount = uint64(len(w.entries))

	rootBytes, leavesBytes, err := spec.SerializeAll(w.entries, w.header.InternalCompression)
	if err != nil {
		return err
	}
	w.logger.Debug("tileview: pm directories serialized",
		"entries", len(w.entries), "root", len(rootBytes), "leaves", len(leavesBytes))

	leavesOffset, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(leavesBytes); err != nil {
		return err
	}
	w.header.LeafDirectoryOffset = uint64(leavesOffset)
	w.header.LeafDirectoryLength = uint64(len(leavesBytes))

	if _, err := w.file.Seek(spec.RootDirOffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(rootBytes); err != nil {
		return err
	}
	w.header.RootOffset = spec.RootDirOffset
	w.header.RootLength = uint64(len(rootBytes))

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(spec.SerializeHeader(&w.header)); err != nil {
		return err
	}

	err = w.file.Close()
	w.file = nil
	w.logger.Info("tileview: pm archive written",
		"tiles", w.header.AddressedTilesCount, "contents", w.header.TileContentsCount,
		"compression", w.header.InternalCompression)
	return err
}

// Close releases the file of a writer that was not finalized.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
