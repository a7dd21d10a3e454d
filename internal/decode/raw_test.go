package decode_test

import (
	"encoding/binary"
	"testing"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRawSwapsBigEndian(t *testing.T) {
	p, err := decode.Raw([]byte{0x01, 0x02, 0x03, 0x04}, [3]int{2, 1, 1}, tile.Uint16, binary.BigEndian)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, p.Data)

	p, err = decode.Raw([]byte{0x01, 0x02, 0x03, 0x04}, [3]int{1, 1, 1}, tile.Float32, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, p.Data)
}

func TestRawShort(t *testing.T) {
	_, err := decode.Raw([]byte{1, 2, 3}, [3]int{2, 1, 1}, tile.Uint16, binary.LittleEndian)
	require.ErrorIs(t, err, tile.ErrShortPayload)
}

func TestCrop(t *testing.T) {
	data := make([]byte, 3*3*2)
	for i := range data {
		data[i] = byte(i)
	}
	p := tile.Payload{Width: 3, Height: 3, Depth: 2, Type: tile.Uint8, Data: data}

	got := decode.Crop(p, [3]int{2, 1, 2})
	want := tile.Payload{Width: 2, Height: 1, Depth: 2, Type: tile.Uint8, Data: []byte{0, 1, 9, 10}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Crop mismatch (-want+got):\n%v", diff)
	}
}
