package tracker

import (
	"sort"
	"sync"
)

type StateKind uint8

const (
	StateUnknown StateKind = iota
	StateAtStop
	StateNotAtStop
)

func (k StateKind) String() string {
	switch k {
	case StateAtStop:
		return "at_stop"
	case StateNotAtStop:
		return "not_at_stop"
	default:
		return "unknown"
	}
}

// VehicleState is the last known relation of a vehicle to the stops of its
// route. Stop is set only for StateAtStop.
type VehicleState struct {
	Kind StateKind
	Stop string
}

func AtStop(name string) VehicleState { return VehicleState{Kind: StateAtStop, Stop: name} }

func NotAtStop() VehicleState { return VehicleState{Kind: StateNotAtStop} }

type VehicleKey struct {
	BusID  string
	TripID string
}

// StateStore holds per-vehicle state for one tracking session. Updates come
// from a single detector; the lock only makes snapshots safe to read.
type StateStore struct {
	mu     sync.RWMutex
	states map[VehicleKey]VehicleState
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[VehicleKey]VehicleState)}
}

// Get returns the state for key, StateUnknown if never observed.
func (s *StateStore) Get(key VehicleKey) VehicleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[key]
}

func (s *StateStore) Set(key VehicleKey, st VehicleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = st
}

// Reset forgets every vehicle. Called at session start.
func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[VehicleKey]VehicleState)
}

func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

type VehicleSnapshot struct {
	BusID  string `json:"busId"`
	TripID string `json:"tripId"`
	State  string `json:"state"`
	Stop   string `json:"stop,omitempty"`
}

// Snapshot copies the table sorted by bus then trip.
func (s *StateStore) Snapshot() []VehicleSnapshot {
	s.mu.RLock()
	result := make([]VehicleSnapshot, 0, len(s.states))
	for k, st := range s.states {
		result = append(result, VehicleSnapshot{
			BusID:  k.BusID,
			TripID: k.TripID,
			State:  st.Kind.String(),
			Stop:   st.Stop,
		})
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].BusID != result[j].BusID {
			return result[i].BusID < result[j].BusID
		}
		return result[i].TripID < result[j].TripID
	})
	return result
}
