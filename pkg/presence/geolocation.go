package presence

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGeolocationUnsupported = errors.New("geolocation is not supported")
	ErrPermissionDenied       = errors.New("location permission denied")
	ErrLocationTimeout        = errors.New("timed out acquiring location")
	ErrLocationUnavailable    = errors.New("location unavailable")
)

// Position is a single reading from a Geolocator.
type Position struct {
	Lat       float64
	Lng       float64
	Accuracy  float64 // metres
	Timestamp time.Time
}

// LocateOptions controls one location reading.
type LocateOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge is how old a cached reading may be. Zero forces a fresh one.
	MaximumAge time.Duration
}

// DefaultLocateOptions asks for a fresh, accurate fix within five seconds.
var DefaultLocateOptions = LocateOptions{
	HighAccuracy: true,
	Timeout:      5 * time.Second,
	MaximumAge:   0,
}

// Geolocator acquires the device position. Implementations return
// ErrPermissionDenied or ErrLocationUnavailable, or give up when ctx ends.
type Geolocator interface {
	Locate(ctx context.Context, opts LocateOptions) (Position, error)
}

// GeolocatorFunc adapts a function to the Geolocator interface.
type GeolocatorFunc func(ctx context.Context, opts LocateOptions) (Position, error)

func (f GeolocatorFunc) Locate(ctx context.Context, opts LocateOptions) (Position, error) {
	return f(ctx, opts)
}

// StaticGeolocator always reports the same position.
type StaticGeolocator struct {
	Position Position
}

func (g StaticGeolocator) Locate(ctx context.Context, _ LocateOptions) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	pos := g.Position
	pos.Timestamp = time.Now()
	return pos, nil
}
