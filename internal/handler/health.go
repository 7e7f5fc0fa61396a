package handler

import (
	"net/http"
	"time"
)

type Readiness interface {
	IsReady() bool
	Polls() int
}

type HealthHandler struct {
	ready    Readiness
	vehicles VehicleSource
}

func NewHealthHandler(r Readiness, v VehicleSource) *HealthHandler {
	return &HealthHandler{ready: r, vehicles: v}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready        bool      `json:"ready"`
	Polls        int       `json:"polls"`
	VehicleCount int       `json:"vehicleCount"`
	ServerTime   time.Time `json:"serverTime"`
}

// Readyz reports ready once the first poll cycle has completed.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.ready.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, ReadyResponse{
		Ready:        ready,
		Polls:        h.ready.Polls(),
		VehicleCount: len(h.vehicles.Snapshot()),
		ServerTime:   time.Now(),
	})
}
