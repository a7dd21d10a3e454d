// Package spec implements the binary layout of PMTiles v3 archives: the
// fixed-size header, run-length encoded tile directories and Hilbert tile codes.
package spec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidHeader          = errors.New("tileview: invalid pmtiles header")
	ErrInvalidVersion         = errors.New("tileview: unsupported pmtiles version")
	ErrInvalidDirectory       = errors.New("tileview: invalid pmtiles directory")
	ErrUnsupportedCompression = errors.New("tileview: pmtiles compression not supported")
)

type Compression uint8

const (
	CompressionUnknown Compression = iota
	CompressionNone
	CompressionGzip
	CompressionBrotli
	CompressionZstd
)

var compressionNames = [...]string{"unknown", "none", "gzip", "brotli", "zstd"}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

type TileType uint8

const (
	TileTypeUnknown TileType = iota
	TileTypeMvt
	TileTypePng
	TileTypeJpeg
	TileTypeWebp
	TileTypeAvif
)

var tileTypeNames = [...]string{"unknown", "mvt", "png", "jpeg", "webp", "avif"}

func (t TileType) String() string {
	if int(t) < len(tileTypeNames) {
		return tileTypeNames[t]
	}
	return fmt.Sprintf("tiletype(%d)", uint8(t))
}

// Header is the fixed 127-byte prefix of an archive, stored little-endian in field order.
type Header struct {
	HeaderMagic         uint64
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

const (
	headerMagic     uint64 = 0x73656C69544D50 // "PMTiles"
	headerMagicMask uint64 = 1<<56 - 1
	HeaderMagicV3   uint64 = headerMagic | (0x03 << 56)

	HeaderLength = 127

	// The root directory must fit in the first 16 KiB together with the header.
	HeaderRootDirMaxLength = 16 << 10
	RootDirOffset          = HeaderLength
	RootDirMaxLength       = HeaderRootDirMaxLength - HeaderLength
)

// Zooms returns the number of zoom levels stored in the archive.
func (h *Header) Zooms() int {
	return int(h.MaxZoom) - int(h.MinZoom) + 1
}

// Validate checks the fields a reader depends on.
func (h *Header) Validate() error {
	if h.MinZoom > h.MaxZoom {
		return fmt.Errorf("%w: min zoom %d > max zoom %d", ErrInvalidHeader, h.MinZoom, h.MaxZoom)
	}
	if h.RootLength == 0 {
		return fmt.Errorf("%w: empty root directory", ErrInvalidHeader)
	}
	if h.RootOffset+h.RootLength < h.RootOffset {
		return fmt.Errorf("%w: root directory overflows", ErrInvalidHeader)
	}
	return nil
}

func SerializeHeader(header *Header) []byte {
	var buffer bytes.Buffer
	buffer.Grow(HeaderLength)
	binary.Write(&buffer, binary.LittleEndian, header)
	return buffer.Bytes()
}

// DeserializeHeader decodes and validates a v3 header.
func DeserializeHeader(buffer []byte) (*Header, error) {
	var header Header
	if _, err := binary.Decode(buffer, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if header.HeaderMagic&headerMagicMask != headerMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if header.HeaderMagic != HeaderMagicV3 {
		return nil, fmt.Errorf("%w (%d)", ErrInvalidVersion, header.HeaderMagic>>56)
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return &header, nil
}
