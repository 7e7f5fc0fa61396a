package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/davidread/bus-timeliness/internal/tracker"
)

type VehicleSource interface {
	Snapshot() []tracker.VehicleSnapshot
}

type HTTPHandler struct {
	vehicles VehicleSource
}

func NewHTTPHandler(v VehicleSource) *HTTPHandler {
	return &HTTPHandler{vehicles: v}
}

type VehiclesResponse struct {
	Vehicles   []tracker.VehicleSnapshot `json:"vehicles"`
	Count      int                       `json:"count"`
	ServerTime time.Time                 `json:"serverTime"`
}

// ListVehicles returns the vehicle state table, optionally filtered by
// ?state=at_stop|not_at_stop.
func (h *HTTPHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles := h.vehicles.Snapshot()

	if state := r.URL.Query().Get("state"); state != "" {
		switch state {
		case tracker.StateAtStop.String(), tracker.StateNotAtStop.String():
		default:
			respondError(w, http.StatusBadRequest, "invalid state parameter: must be at_stop or not_at_stop")
			return
		}
		filtered := vehicles[:0]
		for _, v := range vehicles {
			if v.State == state {
				filtered = append(filtered, v)
			}
		}
		vehicles = filtered
	}

	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		ServerTime: time.Now(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
