// Package geo evaluates great-circle distances and circular geofences.
package geo

import "math"

// EarthRadiusMeters is the mean radius used by the spherical approximation.
const EarthRadiusMeters = 6371000.0

// Point is a coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate within lat [-90,90] and lng [-180,180].
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Fence is a circular allowed area.
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_m"`
}

// Valid reports whether the fence has a valid center and a positive radius.
func (f Fence) Valid() bool {
	return f.Center.Valid() && f.RadiusMeters > 0 && !math.IsInf(f.RadiusMeters, 0)
}

// Contains reports whether p lies within the fence, boundary included.
func (f Fence) Contains(p Point) bool {
	return WithinRadius(p, f.Center, f.RadiusMeters)
}

// DistanceMeters returns the haversine distance in meters between two coordinates in degrees.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can leave a just outside [0, 1] near antipodes.
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance is DistanceMeters for two points.
func Distance(a, b Point) float64 {
	return DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// WithinRadius reports whether point is at most radiusMeters from center.
func WithinRadius(point, center Point, radiusMeters float64) bool {
	return Distance(point, center) <= radiusMeters
}
