// Package httpsrc fetches pyramid descriptors and tiles from an HTTP tile server.
package httpsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eak1mov/go-tileview/internal/decode"
	"github.com/eak1mov/go-tileview/tile"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTileURLPattern = "/api/images/{name}/tile/{level}/{x}/{y}"
	DefaultInfoURLPattern = "/api/images/{name}/info"
	DefaultTimeout        = 30 * time.Second
	DefaultRetryDelay     = 200 * time.Millisecond
)

var ErrStatus = errors.New("tileview: unexpected http status")

type Params struct {
	BaseURL string

	// TileURLPattern is appended to BaseURL. Placeholders: {name}, {level},
	// {x}, {y} and {z} for 3D chunks.
	TileURLPattern string
	InfoURLPattern string

	Client *http.Client

	// Retries is the number of extra attempts after a transient failure
	// (network error or 5xx). Attempt n waits n*RetryDelay first.
	Retries    int
	RetryDelay time.Duration

	Logger *slog.Logger
}

type Source struct {
	params Params
	client *http.Client
	logger *slog.Logger
	info   singleflight.Group

	mu    sync.Mutex
	descs map[string]tile.Descriptor
}

func NewSource(params Params) (*Source, error) {
	if _, err := url.Parse(params.BaseURL); err != nil {
		return nil, fmt.Errorf("tileview: base url: %w", err)
	}
	params.BaseURL = strings.TrimSuffix(params.BaseURL, "/")
	if params.TileURLPattern == "" {
		params.TileURLPattern = DefaultTileURLPattern
	}
	if params.InfoURLPattern == "" {
		params.InfoURLPattern = DefaultInfoURLPattern
	}
	if params.Client == nil {
		params.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if params.Retries < 0 {
		params.Retries = 0
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = DefaultRetryDelay
	}
	if params.Logger == nil {
		params.Logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		params: params,
		client: params.Client,
		logger: params.Logger,
		descs:  make(map[string]tile.Descriptor),
	}, nil
}

func formatURL(pattern, dataset string, c tile.Coord) string {
	return strings.NewReplacer(
		"{name}", url.PathEscape(dataset),
		"{level}", strconv.Itoa(c.Level),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{z}", strconv.Itoa(c.Z),
	).Replace(pattern)
}

func (s *Source) TileURL(dataset string, c tile.Coord) string {
	return s.params.BaseURL + formatURL(s.params.TileURLPattern, dataset, c)
}

func (s *Source) InfoURL(dataset string) string {
	return s.params.BaseURL + formatURL(s.params.InfoURLPattern, dataset, tile.Coord{})
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d %s", ErrStatus, e.code, http.StatusText(e.code))
}

func (e *statusError) Unwrap() error {
	return ErrStatus
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

// get returns the response body, or nil if the server answered 404.
func (s *Source) get(ctx context.Context, u string) ([]byte, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var body []byte
		body, err = s.getOnce(ctx, u)
		if err == nil || attempt >= s.params.Retries || !transient(err) {
			return body, err
		}
		delay := time.Duration(attempt+1) * s.params.RetryDelay
		s.logger.Debug("tileview: retrying request", "url", u, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Source) getOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// FetchInfo requests the descriptor once per dataset. Concurrent callers
// share the request, failures are not remembered.
func (s *Source) FetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	s.mu.Lock()
	desc, ok := s.descs[dataset]
	s.mu.Unlock()
	if !ok {
		v, err, _ := s.info.Do(dataset, func() (any, error) {
			s.mu.Lock()
			desc, ok := s.descs[dataset]
			s.mu.Unlock()
			if ok {
				return desc, nil
			}
			desc, err := s.fetchInfo(ctx, dataset)
			if err == nil {
				s.mu.Lock()
				s.descs[dataset] = desc
				s.mu.Unlock()
			}
			return desc, err
		})
		if err != nil {
			return tile.Descriptor{}, err
		}
		desc = v.(tile.Descriptor)
	}
	desc.Levels = append([]tile.Level(nil), desc.Levels...)
	return desc, nil
}

func (s *Source) fetchInfo(ctx context.Context, dataset string) (tile.Descriptor, error) {
	u := s.InfoURL(dataset)
	body, err := s.get(ctx, u)
	if err != nil {
		return tile.Descriptor{}, fmt.Errorf("fetch info %s: %w", u, err)
	}
	if body == nil {
		return tile.Descriptor{}, fmt.Errorf("%w: dataset %q not found", tile.ErrInvalidDescriptor, dataset)
	}
	var desc tile.Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return tile.Descriptor{}, fmt.Errorf("%w: %s: %w", tile.ErrInvalidDescriptor, u, err)
	}
	if desc.Name == "" {
		desc.Name = dataset
	}
	desc.Normalize()
	if err := desc.Validate(); err != nil {
		return tile.Descriptor{}, err
	}
	return desc, nil
}

// FetchTile decodes image tiles into the data type of the dataset.
func (s *Source) FetchTile(ctx context.Context, dataset string, c tile.Coord) (tile.Payload, error) {
	desc, err := s.FetchInfo(ctx, dataset)
	if err != nil {
		return tile.Payload{}, err
	}
	u := s.TileURL(dataset, c)
	body, err := s.get(ctx, u)
	if err != nil {
		return tile.Payload{}, fmt.Errorf("fetch tile %s: %w", u, err)
	}
	if len(body) == 0 {
		return tile.Payload{}, nil
	}
	return decode.Image(body, desc.DataType)
}
