package spec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
)

type Entry struct {
	TileCode  uint64 // v3 TileID
	Offset    uint64
	Length    uint32
	RunLength uint32 // 0 points at a leaf directory
}

func SerializeDirectory(entries []Entry) []byte {
	buffer := make([]byte, 0)

	buffer = binary.AppendUvarint(buffer, uint64(len(entries)))

	lastCode := uint64(0)
	for _, entry := range entries {
		buffer = binary.AppendUvarint(buffer, entry.TileCode-lastCode)
		lastCode = entry.TileCode
	}

	for _, entry := range entries {
		buffer = binary.AppendUvarint(buffer, uint64(entry.RunLength))
	}

	for _, entry := range entries {
		buffer = binary.AppendUvarint(buffer, uint64(entry.Length))
	}

	nextOffset := uint64(0)
	for i, entry := range entries {
		if i > 0 && entry.Offset == nextOffset {
			buffer = binary.AppendUvarint(buffer, 0)
		} else {
			buffer = binary.AppendUvarint(buffer, entry.Offset+1)
		}
		nextOffset = entry.Offset + uint64(entry.Length)
	}

	return buffer
}

func DeserializeDirectory(data []byte) ([]Entry, error) {
	byteReader := bytes.NewReader(data)

	var err error
	readUvarint := func() uint64 {
		if err != nil {
			return 0
		}
		var value uint64
		value, err = binary.ReadUvarint(byteReader)
		return value
	}

	numEntries := readUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDirectory, err)
	}
	// every entry takes at least four bytes
	if numEntries > uint64(len(data))/4 {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrInvalidDirectory, numEntries, len(data))
	}
	entries := make([]Entry, numEntries)

	lastCode := uint64(0)
	for i := range numEntries {
		value := readUvarint()
		entries[i].TileCode = lastCode + value
		lastCode += value
	}

	for i := range numEntries {
		entries[i].RunLength = uint32(readUvarint())
	}

	for i := range numEntries {
		entries[i].Length = uint32(readUvarint())
	}

	for i := range numEntries {
		value := readUvarint()
		if value == 0 && i > 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = value - 1
		}
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDirectory, err)
	}
	return entries, nil
}

// FindEntry returns the entry covering tileCode. A found entry with zero
// RunLength refers to the leaf directory where the search continues.
func FindEntry(entries []Entry, tileCode uint64) (Entry, bool) {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].TileCode > tileCode
	})

	if idx == 0 {
		return Entry{}, false
	}

	entry := &entries[idx-1]
	if entry.RunLength == 0 {
		return *entry, true
	}
	if tileCode < entry.TileCode+uint64(entry.RunLength) {
		return *entry, true
	}

	return Entry{}, false
}

// CompactEntries merges consecutive tiles sharing one payload into runs.
// Entries must be sorted by TileCode.
func CompactEntries(entries []Entry) []Entry {
	if len(entries) == 0 {
		return entries
	}
	wi := 0
	for ri := 1; ri < len(entries); ri++ {
		last := &entries[wi]
		if entries[ri].Offset == last.Offset &&
			entries[ri].TileCode == last.TileCode+uint64(last.RunLength) {
			last.RunLength++
		} else {
			wi++
			entries[wi] = entries[ri]
		}
	}
	return entries[:wi+1]
}

// SerializeAll returns the compressed root directory and the leaf directories.
// Entries are split into leaves until the root fits RootDirMaxLength.
func SerializeAll(entries []Entry, compression Compression) ([]byte, []byte, error) {
	rootCompressed, err := Compress(SerializeDirectory(entries), compression)
	if err != nil {
		return nil, nil, err
	}
	leavesCompressed := make([]byte, 0)
	if len(rootCompressed) <= RootDirMaxLength {
		return rootCompressed, leavesCompressed, nil
	}

	entriesCount := float64(len(entries))
	entrySize := float64(len(rootCompressed)) / entriesCount
	maxRootEntries := float64(RootDirMaxLength) * 0.9 / entrySize
	leafSize := max(entriesCount/maxRootEntries, 4096, math.Sqrt(entriesCount))

	for len(rootCompressed) > RootDirMaxLength {
		rootEntries := make([]Entry, 0)
		leavesCompressed = leavesCompressed[:0]

		for leafEntries := range slices.Chunk(entries, int(leafSize)) {
			leafCompressed, err := Compress(SerializeDirectory(leafEntries), compression)
			if err != nil {
				return nil, nil, err
			}
			rootEntries = append(rootEntries, Entry{
				TileCode: leafEntries[0].TileCode,
				Offset:   uint64(len(leavesCompressed)),
				Length:   uint32(len(leafCompressed)),
			})
			leavesCompressed = append(leavesCompressed, leafCompressed...)
		}

		if rootCompressed, err = Compress(SerializeDirectory(rootEntries), compression); err != nil {
			return nil, nil, err
		}
		leafSize *= 1.1
	}
	return rootCompressed, leavesCompressed, nil
}
