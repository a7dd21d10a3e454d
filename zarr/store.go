package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by stores for keys that do not exist.
var ErrNotFound = errors.New("tileview: zarr key not found")

// Store is a read-only key/value view of a zarr hierarchy. Keys use "/" separators.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// FileStore reads a hierarchy from a local directory.
type FileStore struct {
	Root string
}

func (s FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := path.Clean("/" + key)
	data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// HTTPStore reads a hierarchy served over HTTP, e.g. "http://host/volume.zarr".
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimSuffix(s.BaseURL, "/") + "/" + strings.TrimPrefix(key, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		// object stores answer 403 for missing keys of public buckets
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("tileview: zarr get %s: http status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
