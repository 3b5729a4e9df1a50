package domain

import "math"

// earthRadiusKM is the mean Earth radius.
const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance in kilometers between two
// WGS-84 coordinate pairs. Used for exact distance filtering after the
// coarse bounding-box narrowing.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
