package stops

import (
	"math"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// DefaultWalkSpeedMps is an average pedestrian pace.
const DefaultWalkSpeedMps = 1.4

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Nearest scans a bus's stop list for the closest stop to the rider.
// Stop lists are a handful of entries, so a linear scan is fine.
func Nearest(list []models.Stop, lat, lon float64) (models.Stop, float64, bool) {
	if len(list) == 0 {
		return models.Stop{}, 0, false
	}
	best := list[0]
	bestDist := Haversine(lat, lon, best.Lat, best.Lon)
	for _, s := range list[1:] {
		d := Haversine(lat, lon, s.Lat, s.Lon)
		if d < bestDist {
			best = s
			bestDist = d
		}
	}
	return best, bestDist, true
}

// WalkSeconds estimates time on foot to cover the given distance.
func WalkSeconds(distMeters, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultWalkSpeedMps
	}
	return distMeters / speedMps
}
