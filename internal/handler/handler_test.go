package handler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidread/bus-timeliness/internal/hub"
	"github.com/davidread/bus-timeliness/internal/tracker"
	"github.com/davidread/bus-timeliness/internal/transit"
)

type fakeReady struct {
	ready bool
	polls int
}

func (f fakeReady) IsReady() bool { return f.ready }
func (f fakeReady) Polls() int    { return f.polls }

func testStates() *tracker.StateStore {
	s := tracker.NewStateStore()
	s.Set(tracker.VehicleKey{BusID: "50102", TripID: "TUBE_50102"}, tracker.AtStop("Carfax"))
	s.Set(tracker.VehicleKey{BusID: "50107", TripID: "TUBE_50107"}, tracker.NotAtStop())
	return s
}

func newServer(t *testing.T, ready fakeReady) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(nil)
	go h.Run(ctx)
	srv := httptest.NewServer(NewMux(h, testStates(), ready, nil))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, h
}

func TestListVehicles(t *testing.T) {
	srv, _ := newServer(t, fakeReady{ready: true})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBuses  []string
	}{
		{name: "all", wantStatus: http.StatusOK, wantBuses: []string{"50102", "50107"}},
		{name: "at stop", query: "?state=at_stop", wantStatus: http.StatusOK, wantBuses: []string{"50102"}},
		{name: "not at stop", query: "?state=not_at_stop", wantStatus: http.StatusOK, wantBuses: []string{"50107"}},
		{name: "bad state", query: "?state=moving", wantStatus: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := srv.Client().Get(srv.URL + "/v1/vehicles" + tc.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantStatus != http.StatusOK {
				return
			}
			var body VehiclesResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, len(tc.wantBuses), body.Count)
			var buses []string
			for _, v := range body.Vehicles {
				buses = append(buses, v.BusID)
			}
			assert.Equal(t, tc.wantBuses, buses)
		})
	}
}

func TestGzipMiddleware(t *testing.T) {
	big := strings.Repeat("x", 4096)
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(big))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, big, string(body))
}

func TestHealth(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		srv, _ := newServer(t, fakeReady{})
		resp, err := srv.Client().Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	tests := []struct {
		name       string
		ready      fakeReady
		wantStatus int
	}{
		{name: "before first cycle", ready: fakeReady{}, wantStatus: http.StatusServiceUnavailable},
		{name: "after first cycle", ready: fakeReady{ready: true, polls: 1}, wantStatus: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, tc.ready)
			resp, err := srv.Client().Get(srv.URL + "/readyz")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.wantStatus, resp.StatusCode)

			var body ReadyResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.ready.ready, body.Ready)
			assert.Equal(t, tc.ready.polls, body.Polls)
			assert.Equal(t, 2, body.VehicleCount)
		})
	}
}

func readArrivals(ctx context.Context, t *testing.T, conn *websocket.Conn) hub.ArrivalsMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg hub.ArrivalsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServeWS(t *testing.T) {
	srv, h := newServer(t, fakeReady{ready: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/arrivals/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","payload":{"routes":["TUBE"]}}`)))
	snap := readArrivals(ctx, t, conn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.Empty(t, snap.Payload)

	h.Broadcast([]transit.ArrivalEvent{
		{BusID: "9", Route: "4", StopName: "Abingdon Road"},
		{BusID: "50102", Route: "TUBE", StopName: "Carfax"},
	})
	msg := readArrivals(ctx, t, conn)
	assert.Equal(t, "arrivals", msg.Type)
	require.Len(t, msg.Payload, 1)
	assert.Equal(t, "Carfax", msg.Payload[0].StopName)
}

func TestServeWS_hubShutdown(t *testing.T) {
	hubCtx, stopHub := context.WithCancel(context.Background())
	h := hub.NewHub(nil)
	go h.Run(hubCtx)
	srv := httptest.NewServer(NewMux(h, testStates(), fakeReady{ready: true}, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/arrivals/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	stopHub()
	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	client := hub.NewClient("after-stop", 1)
	h.Register(client)
	ws := NewWSHandler(h, nil)
	assert.NotPanics(t, func() {
		ws.sendPong(client)
		ws.sendSnapshot(client, []string{hub.AllRoutes})
	})
	assert.Empty(t, client.Send)
}
