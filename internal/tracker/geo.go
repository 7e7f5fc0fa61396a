package tracker

import (
	"math"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

const EarthRadiusMeters = 6371000.0

// NoStopsFound is the name NearestStop reports for an empty stop list.
const NoStopsFound = "No stops found"

// Distance is the haversine great-circle distance in meters between two points
// given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Min(1, math.Sqrt(a)))
	return EarthRadiusMeters * c
}

// NearestStop returns the closest located stop and its distance. Ties keep the
// stop listed first. With no stops it returns NoStopsFound and +Inf; when no
// stop is located it returns the first stop with distance 0, meaning unknown.
func NearestStop(lat, lon float64, stops []transit.Stop) (string, float64, error) {
	if reason := checkPosition(lat, lon); reason != "" {
		return "", 0, errors.Wrap(ErrMalformedSample, reason)
	}
	if len(stops) == 0 {
		return NoStopsFound, math.Inf(1), nil
	}

	nearest := ""
	best := math.Inf(1)
	for _, s := range stops {
		slat, slon, ok := s.Coordinates()
		if !ok {
			continue
		}
		d := Distance(lat, lon, slat, slon)
		if math.IsNaN(d) {
			return "", 0, errors.Wrapf(ErrMalformedStopList, "stop %q has invalid coordinates", s.Name)
		}
		if d < best {
			best = d
			nearest = s.Name
		}
	}
	if nearest == "" {
		return stops[0].Name, 0, nil
	}
	return nearest, best, nil
}

// withinThreshold picks the closest located stop no further than threshold.
func withinThreshold(lat, lon float64, stops []transit.Stop, threshold float64) (*transit.Stop, float64) {
	var at *transit.Stop
	best := math.Inf(1)
	for i := range stops {
		slat, slon, ok := stops[i].Coordinates()
		if !ok {
			continue
		}
		d := Distance(lat, lon, slat, slon)
		if d <= threshold && d < best {
			at = &stops[i]
			best = d
		}
	}
	return at, best
}

// checkPosition returns why a coordinate pair is unusable, or "".
func checkPosition(lat, lon float64) string {
	switch {
	case math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0):
		return "coordinates are not finite"
	case lat < -90 || lat > 90:
		return "latitude out of range"
	case lon < -180 || lon > 180:
		return "longitude out of range"
	}
	return ""
}
