// Package tiletest provides an in-memory tile.Source for tests.
package tiletest

import (
	"context"
	"errors"
	"sync"

	"github.com/eak1mov/go-tileview/tile"
)

var ErrFetch = errors.New("tiletest: fetch failed")

// Source serves generated tiles of a fixed descriptor. It counts fetches per
// tile and can hold fetches until released.
type Source struct {
	Desc tile.Descriptor

	// Generate builds the payload of a tile. Nil means Pattern.
	Generate func(l tile.Level, c tile.Coord, t tile.DataType) tile.Payload
	// Fail lists tiles whose fetch returns ErrFetch.
	Fail map[tile.Coord]bool
	// Missing lists tiles reported as absent.
	Missing map[tile.Coord]bool

	// Started receives every coordinate right before its fetch waits on the gate.
	Started chan tile.Coord

	mu      sync.Mutex
	gate    chan struct{}
	fetches map[tile.Coord]int
}

func NewSource(desc tile.Descriptor) *Source {
	desc.Normalize()
	return &Source{
		Desc:    desc,
		Started: make(chan tile.Coord, 1024),
		fetches: make(map[tile.Coord]int),
	}
}

// Block makes subsequent fetches wait until the returned function is called.
func (s *Source) Block() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Fetches returns how many times c was fetched.
func (s *Source) Fetches(c tile.Coord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[c]
}

// TotalFetches returns the number of FetchTile calls.
func (s *Source) TotalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.fetches {
		n += v
	}
	return n
}

func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return tile.Descriptor{}, err
	}
	desc := s.Desc
	desc.Name = dataset
	return desc, nil
}

func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	s.mu.Lock()
	s.fetches[c]++
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.Started <- c:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tile.Payload{}, ctx.Err()
		}
	}

	if s.Fail[c] {
		return tile.Payload{}, ErrFetch
	}
	if s.Missing[c] || !s.Desc.Contains(c) {
		return tile.Payload{}, nil
	}
	generate := s.Generate
	if generate == nil {
		generate = Pattern
	}
	return generate(s.Desc.Levels[c.Level], c, s.Desc.DataType), nil
}

// Pattern fills a tile so that every texel can be identified: for RGBA8 the
// texel (x, y) within tile c is (x, y, level, 255), for other types the first
// byte of each element is the texel x and the rest are zero.
func Pattern(l tile.Level, c tile.Coord, t tile.DataType) tile.Payload {
	size, tileSize := l.Size(), l.TileSize()
	index := [3]int{c.X, c.Y, c.Z}
	var dims [3]int
	for i := range dims {
		dims[i] = max(0, min(tileSize[i], size[i]-index[i]*tileSize[i]))
	}
	es := t.Size()
	p := tile.Payload{Width: dims[0], Height: dims[1], Depth: dims[2], Type: t}
	p.Data = make([]byte, dims[0]*dims[1]*dims[2]*es)
	i := 0
	for range dims[2] {
		for y := range dims[1] {
			for x := range dims[0] {
				if t == tile.RGBA8 {
					copy(p.Data[i:], []byte{byte(x), byte(y), byte(c.Level), 255})
				} else {
					p.Data[i] = byte(x)
				}
				i += es
			}
		}
	}
	return p
}

// Solid returns a generator filling every element with value.
func Solid(value []byte) func(tile.Level, tile.Coord, tile.DataType) tile.Payload {
	return func(l tile.Level, c tile.Coord, t tile.DataType) tile.Payload {
		p := Pattern(l, c, t)
		for i := 0; i+len(value) <= len(p.Data); i += len(value) {
			copy(p.Data[i:], value)
		}
		return p
	}
}
