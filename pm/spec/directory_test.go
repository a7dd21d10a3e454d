package spec_test

import (
	"errors"
	"testing"

	"github.com/eak1mov/go-tileview/pm/spec"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testEntries() []spec.Entry {
	entries := make([]spec.Entry, 0)
	offset := uint64(0)
	for code := range uint64(200) {
		if code%7 == 3 {
			continue
		}
		length := uint32(10 + code%13)
		entries = append(entries, spec.Entry{TileCode: code, Offset: offset, Length: length, RunLength: 1})
		offset += uint64(length)
	}
	// a run sharing one payload and a detached offset
	entries = append(entries,
		spec.Entry{TileCode: 300, Offset: 5, Length: 10, RunLength: 20},
		spec.Entry{TileCode: 400, Offset: 1 << 40, Length: 1, RunLength: 0},
	)
	return entries
}

func TestDirectorySerializer(t *testing.T) {
	for name, entries := range map[string][]spec.Entry{
		"empty":  {},
		"single": {{TileCode: 0, Offset: 0, Length: 42, RunLength: 1}},
		"many":   testEntries(),
	} {
		t.Run(name, func(t *testing.T) {
			deserialized, err := spec.DeserializeDirectory(spec.SerializeDirectory(entries))
			if err != nil {
				t.Fatalf("DeserializeDirectory failed: %v", err)
			}
			if diff := cmp.Diff(entries, deserialized); diff != "" {
				t.Errorf("DeserializeDirectory(SerializeDirectory(input)) mismatch (-want+got):\n%v", diff)
			}
		})
	}
}

func TestDirectoryErrors(t *testing.T) {
	_, err := spec.DeserializeDirectory(nil)
	require.Truef(t, errors.Is(err, spec.ErrInvalidDirectory), "%v", err)

	// claims a million entries
	_, err = spec.DeserializeDirectory([]byte{0xc0, 0x84, 0x3d, 1, 1})
	require.Truef(t, errors.Is(err, spec.ErrInvalidDirectory), "%v", err)

	data := spec.SerializeDirectory(testEntries())
	_, err = spec.DeserializeDirectory(data[:len(data)-3])
	require.Truef(t, errors.Is(err, spec.ErrInvalidDirectory), "%v", err)
}

func TestFindEntry(t *testing.T) {
	entries := testEntries()

	entry, ok := spec.FindEntry(entries, 5)
	require.True(t, ok)
	require.Equal(t, uint64(5), entry.TileCode)

	_, ok = spec.FindEntry(entries, 3)
	require.False(t, ok)

	entry, ok = spec.FindEntry(entries, 315)
	require.True(t, ok)
	require.Equal(t, uint64(300), entry.TileCode)

	_, ok = spec.FindEntry(entries, 320)
	require.False(t, ok)

	entry, ok = spec.FindEntry(entries, 1000)
	require.True(t, ok)
	require.Equal(t, uint32(0), entry.RunLength)

	_, ok = spec.FindEntry(nil, 0)
	require.False(t, ok)
}

func TestCompactEntries(t *testing.T) {
	entries := []spec.Entry{
		{TileCode: 1, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 2, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 3, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 5, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 6, Offset: 5, Length: 7, RunLength: 1},
	}
	want := []spec.Entry{
		{TileCode: 1, Offset: 0, Length: 5, RunLength: 3},
		{TileCode: 5, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 6, Offset: 5, Length: 7, RunLength: 1},
	}
	if diff := cmp.Diff(want, spec.CompactEntries(entries)); diff != "" {
		t.Errorf("CompactEntries mismatch (-want+got):\n%v", diff)
	}
}

func TestSerializeAll(t *testing.T) {
	small := testEntries()
	root, leaves, err := spec.SerializeAll(small, spec.CompressionGzip)
	require.NoError(t, err)
	require.Empty(t, leaves)
	data, err := spec.Decompress(root, spec.CompressionGzip)
	require.NoError(t, err)
	got, err := spec.DeserializeDirectory(data)
	require.NoError(t, err)
	require.Equal(t, small, got)

	// random-looking offsets and lengths defeat compression
	large := make([]spec.Entry, 0, 100000)
	offset := uint64(0)
	for code := range uint64(100000) {
		length := uint32(code*7919%4093 + 1)
		large = append(large, spec.Entry{TileCode: code * 3, Offset: offset, Length: length, RunLength: 1})
		offset += uint64(length) + code%5
	}
	root, leaves, err = spec.SerializeAll(large, spec.CompressionNone)
	require.NoError(t, err)
	require.LessOrEqual(t, len(root), spec.RootDirMaxLength)
	require.NotEmpty(t, leaves)

	rootEntries, err := spec.DeserializeDirectory(root)
	require.NoError(t, err)
	var all []spec.Entry
	for _, leaf := range rootEntries {
		require.Zero(t, leaf.RunLength)
		entries, err := spec.DeserializeDirectory(leaves[leaf.Offset : leaf.Offset+uint64(leaf.Length)])
		require.NoError(t, err)
		all = append(all, entries...)
	}
	if diff := cmp.Diff(large, all); diff != "" {
		t.Errorf("leaf entries mismatch (-want+got):\n%v", diff)
	}
}
