// Package geofence measures reported coordinates against circular site boundaries.
package geofence

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate indicates a latitude or longitude outside its valid range.
var ErrInvalidCoordinate = errors.New("geofence: invalid coordinate")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Validate reports whether the point lies within the latitude/longitude domain.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return ErrInvalidCoordinate
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// Fence is a circular boundary around a registered site center.
type Fence struct {
	Center       Point
	RadiusMeters float64
}

// Measurement captures the outcome of checking a point against a fence.
type Measurement struct {
	DistanceMeters float64
	// DriftMeters is DistanceMeters minus the fence radius; negative values are inside.
	DriftMeters float64
	Within      bool
}

// Distance returns the haversine great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// IsWithin reports whether the point lies inside or on the fence boundary.
func IsWithin(fence Fence, point Point) bool {
	return Distance(fence.Center, point) <= fence.RadiusMeters
}

// Drift returns how far the point lies beyond the fence radius.
func Drift(fence Fence, point Point) float64 {
	return Distance(fence.Center, point) - fence.RadiusMeters
}

// Measure computes distance, drift and containment in a single pass.
func Measure(fence Fence, point Point) Measurement {
	distance := Distance(fence.Center, point)
	return Measurement{
		DistanceMeters: distance,
		DriftMeters:    distance - fence.RadiusMeters,
		Within:         distance <= fence.RadiusMeters,
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
