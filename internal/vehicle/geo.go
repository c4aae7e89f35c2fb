package vehicle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusKm = 6371.0

type LatLon struct {
	Lat float64
	Lon float64
}

// ParseLatLon reads a "lat,lon" pair.
func ParseLatLon(value string) (LatLon, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return LatLon{}, fmt.Errorf("invalid location %q: expected \"lat,lon\"", value)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return LatLon{}, fmt.Errorf("invalid latitude in %q: %w", value, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return LatLon{}, fmt.Errorf("invalid longitude in %q: %w", value, err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return LatLon{}, fmt.Errorf("location %q out of range", value)
	}
	return LatLon{Lat: lat, Lon: lon}, nil
}

// DistanceKm is the haversine great-circle distance.
func (p LatLon) DistanceKm(other LatLon) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - p.Lat) * math.Pi / 180
	dLon := (other.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
