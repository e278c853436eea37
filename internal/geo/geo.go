package geo

import "math"

const (
	// EarthRadiusKm is Earth's radius for the Haversine calculation.
	EarthRadiusKm = 6371.0

	degToRad = math.Pi / 180
)

// DistanceKm calculates the great-circle distance between two points on
// Earth in kilometers using the Haversine formula.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// ETAMinutes estimates flight time for a distance at a cruise speed.
// Never returns less than one minute for a positive distance.
func ETAMinutes(distanceKm, speedKmh float64) int {
	if distanceKm <= 0 || speedKmh <= 0 {
		return 0
	}
	m := int(math.Ceil(distanceKm / speedKmh * 60))
	if m < 1 {
		m = 1
	}
	return m
}

func ValidLat(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

func ValidLon(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 180
}
