package domain

import "math"

const earthRadiusMeters = 6371000.0

// DistanceMeters is the haversine great-circle distance on a spherical earth.
// Good enough for city-scale radii.
func DistanceMeters(a, b GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusMeters * c
}

// ETAMinutes converts a straight-line distance to minutes at a flat speed.
// It is a heuristic with no road or traffic awareness.
func ETAMinutes(distanceMeters, speedKmh float64) float64 {
	if speedKmh <= 0 {
		return 0
	}
	return distanceMeters / 1000.0 / speedKmh * 60.0
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
