package feed

import (
	"context"
	"strconv"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// GTFSRTFeed reads vehicle positions from a GTFS-Realtime endpoint covering
// all routes. Directions maps route -> direction_id -> configured direction
// name; unmapped ids are reported as their number.
type GTFSRTFeed struct {
	url        string
	directions map[string]map[uint32]string
	g          *getter
}

func NewGTFSRTFeed(url string, directions map[string]map[uint32]string, opts ...Option) *GTFSRTFeed {
	return &GTFSRTFeed{url: url, directions: directions, g: newGetter(opts)}
}

var _ MultiRouteFeed = (*GTFSRTFeed)(nil)

func (f *GTFSRTFeed) Poll(ctx context.Context, route string) ([]transit.Sample, error) {
	return f.PollRoutes(ctx, []string{route})
}

// PollRoutes fetches the feed once and keeps the vehicles on routes, grouped
// by route in the order given.
func (f *GTFSRTFeed) PollRoutes(ctx context.Context, routes []string) ([]transit.Sample, error) {
	msg, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	var out []transit.Sample
	for _, route := range routes {
		out = append(out, f.samples(msg, route)...)
	}
	return out, nil
}

func (f *GTFSRTFeed) fetch(ctx context.Context) (*gtfsrt.FeedMessage, error) {
	body, err := f.g.get(ctx, f.url, "application/x-protobuf", "gtfs-rt")
	if err != nil {
		return nil, errors.Wrap(err, "gtfs-rt feed")
	}
	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, errors.Wrap(err, "decode gtfs-rt feed")
	}
	return msg, nil
}

func (f *GTFSRTFeed) samples(msg *gtfsrt.FeedMessage, route string) []transit.Sample {
	var out []transit.Sample
	for _, e := range msg.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		trip := vp.GetTrip()
		if trip.GetRouteId() != route {
			continue
		}
		bus := vp.GetVehicle().GetId()
		if bus == "" {
			bus = vp.GetVehicle().GetLabel()
		}
		if bus == "" {
			continue
		}

		var ts time.Time
		if sec := vp.GetTimestamp(); sec > 0 {
			ts = time.Unix(int64(sec), 0)
		}
		tripID := trip.GetTripId()
		if tripID == "" {
			tripID = route + "_" + bus
		}
		out = append(out, transit.Sample{
			BusID:     bus,
			TripID:    tripID,
			Route:     route,
			Direction: f.direction(route, trip),
			Latitude:  float64(vp.GetPosition().GetLatitude()),
			Longitude: float64(vp.GetPosition().GetLongitude()),
			Timestamp: ts,
		})
	}
	return out
}

func (f *GTFSRTFeed) direction(route string, trip *gtfsrt.TripDescriptor) string {
	if trip == nil || trip.DirectionId == nil {
		return ""
	}
	id := trip.GetDirectionId()
	if name, ok := f.directions[route][id]; ok {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}
