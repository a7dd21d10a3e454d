// Package xyz reads raster pyramids stored as individual tile files with
// paths like "/tiles/{name}/{level}/{x}/{y}.png".
package xyz

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eak1mov/go-tileview/tile"
)

var ErrInvalidPattern = errors.New("tileview: invalid file pattern")

func validatePattern(pattern string) error {
	for _, p := range []string{"{level}", "{x}", "{y}"} {
		if !strings.Contains(pattern, p) {
			return fmt.Errorf("%w: placeholder %v not found", ErrInvalidPattern, p)
		}
	}
	return nil
}

func formatPattern(pattern, dataset string, c tile.Coord) string {
	return strings.NewReplacer(
		"{name}", dataset,
		"{level}", strconv.Itoa(c.Level),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{z}", strconv.Itoa(c.Z),
	).Replace(pattern)
}

// rootDir returns the deepest directory shared by every tile of the dataset.
func rootDir(pattern, dataset string) string {
	path0 := formatPattern(pattern, dataset, tile.Coord{Level: 0, X: 0, Y: 0, Z: 0})
	path1 := formatPattern(pattern, dataset, tile.Coord{Level: 1, X: 1, Y: 1, Z: 1})
	for path0 != path1 {
		path0 = filepath.Dir(path0)
		path1 = filepath.Dir(path1)
	}
	return path0
}
