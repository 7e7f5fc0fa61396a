package stops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// RouteStopsFetcher reads the stop sequence of a GTFS route and direction.
type RouteStopsFetcher interface {
	FetchRouteStops(ctx context.Context, routeID string, directionID int) ([]transit.Stop, error)
}

// DBSource serves stop lists from GTFS tables. Directions maps each configured
// route/direction to its GTFS direction_id.
type DBSource struct {
	fetcher    RouteStopsFetcher
	directions map[transit.RouteKey]int
}

func NewDBSource(f RouteStopsFetcher, directions map[transit.RouteKey]int) *DBSource {
	return &DBSource{fetcher: f, directions: directions}
}

func (s *DBSource) Stops(ctx context.Context, key transit.RouteKey) ([]transit.Stop, error) {
	dir, ok := s.directions[key]
	if !ok {
		return nil, errors.Wrap(ErrUnknownDirection, key.String())
	}
	stops, err := s.fetcher.FetchRouteStops(ctx, key.Route, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch stops for %s", key)
	}
	return stops, nil
}
