package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidread/bus-timeliness/internal/transit"
)

const siriDelivery = `<?xml version="1.0" encoding="UTF-8"?>
<Siri xmlns="http://www.siri.org.uk/siri" version="2.0">
  <ServiceDelivery>
    <ResponseTimestamp>2024-03-04T08:15:05+00:00</ResponseTimestamp>
    <VehicleMonitoringDelivery>
      <VehicleActivity>
        <RecordedAtTime>2024-03-04T08:15:00+00:00</RecordedAtTime>
        <MonitoredVehicleJourney>
          <LineRef>TUBE</LineRef>
          <DirectionRef>outbound</DirectionRef>
          <VehicleLocation><Longitude>-1.2577</Longitude><Latitude>51.7520</Latitude></VehicleLocation>
          <VehicleRef>50102</VehicleRef>
        </MonitoredVehicleJourney>
      </VehicleActivity>
      <VehicleActivity>
        <RecordedAtTime>not a time</RecordedAtTime>
        <MonitoredVehicleJourney>
          <LineRef>TUBE</LineRef>
          <DirectionRef>inbound</DirectionRef>
          <VehicleLocation><Longitude>0</Longitude><Latitude>0</Latitude></VehicleLocation>
          <VehicleRef>50107</VehicleRef>
        </MonitoredVehicleJourney>
      </VehicleActivity>
      <VehicleActivity>
        <MonitoredVehicleJourney>
          <LineRef>TUBE</LineRef>
          <VehicleLocation><Longitude>-1.25</Longitude></VehicleLocation>
          <VehicleRef>50110</VehicleRef>
        </MonitoredVehicleJourney>
      </VehicleActivity>
      <VehicleActivity>
        <MonitoredVehicleJourney>
          <VehicleLocation><Longitude>-1.25</Longitude><Latitude>51.75</Latitude></VehicleLocation>
          <VehicleRef>50111</VehicleRef>
        </MonitoredVehicleJourney>
      </VehicleActivity>
    </VehicleMonitoringDelivery>
  </ServiceDelivery>
</Siri>`

func TestParseSIRI(t *testing.T) {
	got, err := ParseSIRI(strings.NewReader(siriDelivery))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, time.Date(2024, 3, 4, 8, 15, 0, 0, time.UTC).Equal(got[0].Timestamp))
	got[0].Timestamp = time.Time{}

	assert.Equal(t, []transit.Sample{
		{
			BusID:     "50102",
			TripID:    "TUBE_50102",
			Route:     "TUBE",
			Direction: "outbound",
			Latitude:  51.7520,
			Longitude: -1.2577,
		},
		{
			BusID:     "50107",
			TripID:    "TUBE_50107",
			Route:     "TUBE",
			Direction: "inbound",
		},
	}, got)
}

func TestParseSIRI_empty(t *testing.T) {
	got, err := ParseSIRI(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseSIRI(strings.NewReader("<Siri><ServiceDelivery>"))
	assert.Error(t, err)
}

func TestSIRIFeed_Poll(t *testing.T) {
	var calls int32
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(siriDelivery))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewSIRIFeed(srv.URL, "secret", WithHTTPClient(srv.Client()), WithMaxElapsed(30*time.Second))
	f.DumpResponses(dir)

	got, err := f.Poll(context.Background(), "TUBE")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "api_key=secret&lineRef=TUBE", query)

	saved, err := os.ReadFile(filepath.Join(dir, "api_response_TUBE.xml"))
	require.NoError(t, err)
	assert.Equal(t, siriDelivery, string(saved))
}

func TestSIRIFeed_Poll_clientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewSIRIFeed(srv.URL, "bad", WithHTTPClient(srv.Client()))
	_, err := f.Poll(context.Background(), "TUBE")
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSIRIFeed_Poll_cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	f := NewSIRIFeed(srv.URL, "k", WithHTTPClient(srv.Client()), WithMaxElapsed(time.Hour))
	_, err := f.Poll(ctx, "TUBE")
	assert.Error(t, err)
}
