package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoRoute is returned when the routing service could not produce a
// route.
var ErrNoRoute = errors.New("no route available")

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Service computes a route between two points. The payload is opaque and
// handed to the caller unchanged.
type Service interface {
	Route(ctx context.Context, start, end Coordinate) (json.RawMessage, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, start, end Coordinate) (json.RawMessage, error)

func (f ServiceFunc) Route(ctx context.Context, start, end Coordinate) (json.RawMessage, error) {
	return f(ctx, start, end)
}

type routeRequest struct {
	Start Coordinate `json:"start"`
	End   Coordinate `json:"end"`
}

// HTTPService calls a routing service over HTTP.
type HTTPService struct {
	url    string
	client *http.Client
}

// NewHTTPService returns a Service posting to {baseURL}/api/locations/route.
// client may be nil.
func NewHTTPService(baseURL string, client *http.Client) *HTTPService {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPService{
		url:    strings.TrimRight(baseURL, "/") + "/api/locations/route",
		client: client,
	}
}

func (s *HTTPService) Route(ctx context.Context, start, end Coordinate) (json.RawMessage, error) {
	body, err := json.Marshal(routeRequest{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %s: %d", ErrNoRoute, s.url, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid JSON from %s", ErrNoRoute, s.url)
	}
	return json.RawMessage(payload), nil
}
