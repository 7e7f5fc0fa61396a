package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func vehicleEntity(id, route, trip, bus string, dir *uint32, lat, lon float32, ts uint64) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfsrt.VehiclePosition{
			Trip: &gtfsrt.TripDescriptor{
				TripId:      proto.String(trip),
				RouteId:     proto.String(route),
				DirectionId: dir,
			},
			Vehicle:   &gtfsrt.VehicleDescriptor{Id: proto.String(bus)},
			Position:  &gtfsrt.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lon)},
			Timestamp: proto.Uint64(ts),
		},
	}
}

func TestGTFSRTFeed_Poll(t *testing.T) {
	feed := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1709540100),
		},
		Entity: []*gtfsrt.FeedEntity{
			vehicleEntity("1", "TUBE", "T1", "50102", proto.Uint32(0), 51.7520, -1.2577, 1709540100),
			vehicleEntity("2", "TUBE", "", "50107", proto.Uint32(1), 51.4926, -0.1490, 0),
			vehicleEntity("3", "X90", "X1", "60001", proto.Uint32(0), 51.5, -0.1, 1709540100),
			vehicleEntity("4", "TUBE", "T4", "50110", proto.Uint32(7), 51.6, -0.9, 1709540100),
			vehicleEntity("5", "TUBE", "T5", "", nil, 51.6, -0.9, 1709540100),
			{Id: proto.String("6"), TripUpdate: &gtfsrt.TripUpdate{Trip: &gtfsrt.TripDescriptor{RouteId: proto.String("TUBE")}}},
		},
	}
	data, err := proto.Marshal(feed)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	f := NewGTFSRTFeed(srv.URL, map[string]map[uint32]string{
		"TUBE": {0: "outbound", 1: "inbound"},
	}, WithHTTPClient(srv.Client()))

	got, err := f.Poll(context.Background(), "TUBE")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "50102", got[0].BusID)
	assert.Equal(t, "T1", got[0].TripID)
	assert.Equal(t, "outbound", got[0].Direction)
	assert.InDelta(t, 51.7520, got[0].Latitude, 1e-5)
	assert.InDelta(t, -1.2577, got[0].Longitude, 1e-5)
	assert.True(t, time.Unix(1709540100, 0).Equal(got[0].Timestamp))

	assert.Equal(t, "TUBE_50107", got[1].TripID)
	assert.Equal(t, "inbound", got[1].Direction)
	assert.True(t, got[1].Timestamp.IsZero())

	assert.Equal(t, "7", got[2].Direction)
}

func TestGTFSRTFeed_Poll_badPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not protobuf"))
	}))
	defer srv.Close()

	f := NewGTFSRTFeed(srv.URL, nil, WithHTTPClient(srv.Client()))
	_, err := f.Poll(context.Background(), "TUBE")
	assert.Error(t, err)
}

func TestGTFSRTFeed_PollRoutes_fetchesOnce(t *testing.T) {
	data, err := proto.Marshal(&gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsrt.FeedEntity{
			vehicleEntity("1", "X90", "X1", "60001", proto.Uint32(0), 51.5, -0.1, 1709540100),
			vehicleEntity("2", "TUBE", "T1", "50102", proto.Uint32(1), 51.7520, -1.2577, 1709540100),
			vehicleEntity("3", "S1", "S1", "70001", proto.Uint32(0), 51.7, -1.2, 1709540100),
		},
	})
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	f := NewGTFSRTFeed(srv.URL, nil, WithHTTPClient(srv.Client()))
	got, err := f.PollRoutes(context.Background(), []string{"TUBE", "X90"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, got, 2)
	assert.Equal(t, "TUBE", got[0].Route)
	assert.Equal(t, "X90", got[1].Route)
}
