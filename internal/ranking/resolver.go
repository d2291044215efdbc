package ranking

import (
	"context"
	"errors"
	"math"

	"strategy-pipeline/internal/models"
)

// ErrUnavailable is returned when a route cannot be resolved.
var ErrUnavailable = errors.New("distance unavailable")

// Route is a resolved trip between two points.
type Route struct {
	DistanceMiles float64
	DriveMinutes  float64
	Source        string
}

// Resolver computes drive distance and time between two points. Failures
// must wrap ErrUnavailable rather than return a zero route.
type Resolver interface {
	Resolve(ctx context.Context, origin, dest models.Point) (Route, error)
}

const earthRadiusMiles = 3958.8

// HaversineResolver estimates routes from great-circle distance, a road
// detour factor and an average speed.
type HaversineResolver struct {
	SpeedMPH   float64
	RoadFactor float64
}

// NewHaversineResolver returns a resolver at speedMPH with a 1.3 detour factor.
func NewHaversineResolver(speedMPH float64) HaversineResolver {
	if speedMPH <= 0 {
		speedMPH = 25
	}
	return HaversineResolver{SpeedMPH: speedMPH, RoadFactor: 1.3}
}

// Resolve implements Resolver.
func (h HaversineResolver) Resolve(_ context.Context, origin, dest models.Point) (Route, error) {
	if !validPoint(origin) || !validPoint(dest) {
		return Route{}, ErrUnavailable
	}
	miles := HaversineMiles(origin, dest) * h.RoadFactor
	return Route{
		DistanceMiles: miles,
		DriveMinutes:  miles / h.SpeedMPH * 60,
		Source:        models.DistanceHaversine,
	}, nil
}

// HaversineMiles is the great-circle distance between two points.
func HaversineMiles(a, b models.Point) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

func validPoint(p models.Point) bool {
	if p.Lat == 0 && p.Lng == 0 {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
