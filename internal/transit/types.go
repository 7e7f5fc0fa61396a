package transit

import "time"

// Stop is a scheduled stop on one route/direction. Lat and Lon are nil when the
// timetable does not locate the stop.
type Stop struct {
	Name     string   `json:"name"`
	AtcoCode string   `json:"atcoCode"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
}

// LocatedStop builds a stop with known coordinates.
func LocatedStop(name, atcoCode string, lat, lon float64) Stop {
	return Stop{Name: name, AtcoCode: atcoCode, Lat: &lat, Lon: &lon}
}

// Coordinates reports the stop position; ok is false unless both are known.
func (s Stop) Coordinates() (lat, lon float64, ok bool) {
	if s.Lat == nil || s.Lon == nil {
		return 0, 0, false
	}
	return *s.Lat, *s.Lon, true
}

// StopNames returns the names of stops in list order.
func StopNames(stops []Stop) []string {
	names := make([]string, len(stops))
	for i, s := range stops {
		names[i] = s.Name
	}
	return names
}

type RouteKey struct {
	Route     string
	Direction string
}

// Tab is the journey table name for the route/direction.
func (k RouteKey) Tab() string { return k.Route + "_" + k.Direction }

func (k RouteKey) String() string { return k.Route + "/" + k.Direction }

// Sample is one reported vehicle position. (0,0) means the vehicle had no fix.
type Sample struct {
	BusID     string    `json:"busId"`
	TripID    string    `json:"tripId"`
	Route     string    `json:"route"`
	Direction string    `json:"direction"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

func (s Sample) RouteKey() RouteKey { return RouteKey{Route: s.Route, Direction: s.Direction} }

func (s Sample) NoFix() bool { return s.Latitude == 0 && s.Longitude == 0 }

// ArrivalEvent records a vehicle coming within the arrival threshold of a stop.
type ArrivalEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	BusID          string    `json:"busId"`
	TripID         string    `json:"tripId"`
	Route          string    `json:"route"`
	Direction      string    `json:"direction"`
	StopName       string    `json:"stopName"`
	StopCode       string    `json:"stopCode"`
	DistanceMeters float64   `json:"distanceMeters"`
	BusLat         float64   `json:"busLat"`
	BusLon         float64   `json:"busLon"`
	StopLat        float64   `json:"stopLat"`
	StopLon        float64   `json:"stopLon"`
}

func (e ArrivalEvent) RouteKey() RouteKey { return RouteKey{Route: e.Route, Direction: e.Direction} }

// PositionRecord is the raw audit row written for every polled sample.
type PositionRecord struct {
	Timestamp      time.Time
	BusID          string
	Route          string
	Direction      string
	Latitude       float64
	Longitude      float64
	TripID         string
	NearestStop    string
	DistanceMeters *float64 // nil when no stop could be measured
}
