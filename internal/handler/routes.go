package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/hub"
)

// NewMux wires the public endpoints.
func NewMux(h *hub.Hub, vehicles VehicleSource, ready Readiness, log *zap.SugaredLogger) *http.ServeMux {
	httpHandler := NewHTTPHandler(vehicles)
	wsHandler := NewWSHandler(h, log)
	healthHandler := NewHealthHandler(ready, vehicles)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/vehicles", GzipMiddleware(http.HandlerFunc(httpHandler.ListVehicles)))
	mux.HandleFunc("/v1/arrivals/ws", wsHandler.ServeWS)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	return mux
}
