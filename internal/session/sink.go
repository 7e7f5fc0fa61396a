package session

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/journey"
	"github.com/davidread/bus-timeliness/internal/transit"
)

// Sink persists what a cycle produces. db.Store is the Postgres
// implementation; MemorySink keeps everything in process.
type Sink interface {
	InsertPositions(ctx context.Context, recs []transit.PositionRecord) error
	InsertArrivals(ctx context.Context, events []transit.ArrivalEvent) error
	OpenJourneyTable(ctx context.Context, key transit.RouteKey, stopOrder []string) (journey.Table, error)
}

var ErrHeaderMismatch = errors.New("journey table header does not match stop list")

type MemorySink struct {
	mu        sync.Mutex
	positions []transit.PositionRecord
	arrivals  []transit.ArrivalEvent
	tables    map[transit.RouteKey]*journey.MemoryTable
}

func NewMemorySink() *MemorySink {
	return &MemorySink{tables: make(map[transit.RouteKey]*journey.MemoryTable)}
}

func (m *MemorySink) InsertPositions(_ context.Context, recs []transit.PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, recs...)
	return nil
}

func (m *MemorySink) InsertArrivals(_ context.Context, events []transit.ArrivalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrivals = append(m.arrivals, events...)
	return nil
}

func (m *MemorySink) OpenJourneyTable(_ context.Context, key transit.RouteKey, stopOrder []string) (journey.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[key]; ok {
		if !slices.Equal(t.Header(), journey.Header(stopOrder)) {
			return nil, errors.Wrapf(ErrHeaderMismatch, "table %s", key.Tab())
		}
		return t, nil
	}
	t := journey.NewMemoryTable(stopOrder)
	m.tables[key] = t
	return t, nil
}

func (m *MemorySink) Positions() []transit.PositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transit.PositionRecord(nil), m.positions...)
}

func (m *MemorySink) Arrivals() []transit.ArrivalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transit.ArrivalEvent(nil), m.arrivals...)
}

// Table returns the journey table for key, nil if it was never opened.
func (m *MemorySink) Table(key transit.RouteKey) *journey.MemoryTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[key]
}
