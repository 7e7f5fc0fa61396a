package journey

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryTable keeps a journey table in process memory.
type MemoryTable struct {
	mu     sync.Mutex
	header []string
	rows   [][]string
}

func NewMemoryTable(stopOrder []string) *MemoryTable {
	return &MemoryTable{header: Header(stopOrder)}
}

func (m *MemoryTable) Header() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.header...)
}

// Rows returns a copy of the data rows, without the header.
func (m *MemoryTable) Rows() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

func (m *MemoryTable) Records(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RecordsFromRows(m.header, m.rows, FirstDataRow), nil
}

func (m *MemoryTable) AppendRows(_ context.Context, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.rows = append(m.rows, append([]string(nil), r...))
	}
	return nil
}

func (m *MemoryTable) UpdateCells(_ context.Context, updates []CellUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		i := u.Row - FirstDataRow
		if i < 0 || i >= len(m.rows) || u.Col < 1 {
			return errors.Errorf("cell (%d,%d) outside table", u.Row, u.Col)
		}
		for len(m.rows[i]) < u.Col {
			m.rows[i] = append(m.rows[i], "")
		}
		m.rows[i][u.Col-1] = u.Value
	}
	return nil
}

// RecordsFromRows maps raw rows onto records through the header; the first
// row in rows has row number firstRow. Missing trailing cells read as empty.
func RecordsFromRows(header []string, rows [][]string, firstRow int) []Record {
	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		r := Record{
			Row:    firstRow + i,
			Date:   cell(row, DateColumn),
			BusID:  cell(row, BusColumn),
			TripID: cell(row, TripColumn),
			Times:  make(map[string]string),
		}
		for col := StopColumn; col <= len(header); col++ {
			if v := cell(row, col); v != "" {
				r.Times[header[col-1]] = v
			}
		}
		records = append(records, r)
	}
	return records
}

func cell(row []string, col int) string {
	if col-1 < len(row) {
		return row[col-1]
	}
	return ""
}
