// Package geo holds the great-circle helpers used by matching and trip accounting.
package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Distance returns the haversine distance between a and b in meters.
// NaN inputs yield NaN; validate coordinates before calling.
func Distance(a, b models.Coordinate) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// OffsetNorth returns the point meters due north of c along the meridian.
func OffsetNorth(c models.Coordinate, meters float64) models.Coordinate {
	return models.Coordinate{
		Latitude:  c.Latitude + meters/EarthRadiusMeters*180/math.Pi,
		Longitude: c.Longitude,
	}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
