package tile

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DataType is the element type of tile payloads and of the output buffer.
type DataType uint8

const (
	Unknown DataType = iota
	Uint8
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
	RGBA8
)

var dataTypeNames = map[DataType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
	RGBA8:   "rgba8",
}

// Size returns the number of bytes of one element, or 0 for Unknown.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32, RGBA8:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(s)
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("tileview: unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(text []byte) error {
	parsed, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value decodes the first element of b as a float64.
// For RGBA8 the red channel is returned.
func (t DataType) Value(b []byte) float64 {
	switch t {
	case Uint8, RGBA8:
		return float64(b[0])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}
