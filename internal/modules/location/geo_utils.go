// README: Pure geographic helpers for distance and arrival estimates
// between an agent and a destination.
package location

import (
	"math"

	"courier/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// urbanSpeedKmh is the fixed effective travel speed behind ETA estimates.
	urbanSpeedKmh = 30.0
)

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push a marginally above 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// ETAMinutes converts a distance into whole minutes at the urban speed,
// rounding up.
func ETAMinutes(distanceKm float64) int {
	if distanceKm <= 0 || math.IsNaN(distanceKm) {
		return 0
	}
	return int(math.Ceil(distanceKm * 60 / urbanSpeedKmh))
}

// Estimate is a distance/ETA pair between two points.
type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

func Proximity(from, to types.Point) Estimate {
	d := DistanceKm(from.Lat, from.Lng, to.Lat, to.Lng)
	return Estimate{DistanceKm: d, ETAMinutes: ETAMinutes(d)}
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
