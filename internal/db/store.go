package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/journey"
	"github.com/davidread/bus-timeliness/internal/transit"
)

// ErrHeaderMismatch means a journey tab exists with different stop columns than
// the current stop list, so column positions would no longer line up.
var ErrHeaderMismatch = errors.New("journey tab header does not match stop list")

// Store is the Postgres results sink.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) InsertPositions(ctx context.Context, recs []transit.PositionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO raw_positions (polled_at, bus_id, route, direction, latitude, longitude, trip_id, nearest_stop, distance_m)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recs {
			var dist sql.NullInt64
			if r.DistanceMeters != nil && !math.IsInf(*r.DistanceMeters, 0) {
				dist = sql.NullInt64{Int64: int64(math.Round(*r.DistanceMeters)), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, r.Timestamp, r.BusID, r.Route, r.Direction, r.Latitude, r.Longitude, r.TripID, r.NearestStop, dist); err != nil {
				return errors.Wrapf(err, "insert position for bus %s", r.BusID)
			}
		}
		return nil
	})
}

func (s *Store) InsertArrivals(ctx context.Context, events []transit.ArrivalEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO arrivals (arrived_at, bus_id, trip_id, route, direction, stop_name, stop_code, distance_m, bus_lat, bus_lon, stop_lat, stop_lon)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			if _, err := stmt.ExecContext(ctx, e.Timestamp, e.BusID, e.TripID, e.Route, e.Direction, e.StopName, e.StopCode,
				e.DistanceMeters, e.BusLat, e.BusLon, e.StopLat, e.StopLon); err != nil {
				return errors.Wrapf(err, "insert arrival for bus %s", e.BusID)
			}
		}
		return nil
	})
}

// EnsureJourneyTab creates the tab with the given header, or checks that an
// existing tab has the same one.
func (s *Store) EnsureJourneyTab(ctx context.Context, tab string, header []string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO journey_tabs (tab, header) VALUES ($1, $2) ON CONFLICT (tab) DO NOTHING`, tab, header); err != nil {
		return errors.Wrapf(err, "create journey tab %s", tab)
	}
	existing, err := s.header(ctx, tab)
	if err != nil {
		return err
	}
	if !slices.Equal(existing, header) {
		return errors.Wrapf(ErrHeaderMismatch, "tab %s", tab)
	}
	return nil
}

func (s *Store) header(ctx context.Context, tab string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT array_to_json(header)::text FROM journey_tabs WHERE tab = $1`, tab).Scan(&raw)
	if err != nil {
		return nil, errors.Wrapf(err, "read header of %s", tab)
	}
	return decodeCells(raw)
}

// OpenJourneyTable ensures the tab for key exists with the header derived from
// stopOrder and returns it.
func (s *Store) OpenJourneyTable(ctx context.Context, key transit.RouteKey, stopOrder []string) (journey.Table, error) {
	tab := key.Tab()
	if err := s.EnsureJourneyTab(ctx, tab, journey.Header(stopOrder)); err != nil {
		return nil, err
	}
	return s.JourneyTable(tab), nil
}

// JourneyTable returns the journey.Table view of one tab.
func (s *Store) JourneyTable(tab string) *JourneyTable {
	return &JourneyTable{store: s, tab: tab}
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// JourneyTable stores a journey table as rows of text cells. Row numbers start
// at 2 below the stored header, and columns are 1-based.
type JourneyTable struct {
	store *Store
	tab   string
}

var _ journey.Table = (*JourneyTable)(nil)

func (t *JourneyTable) Records(ctx context.Context) ([]journey.Record, error) {
	header, err := t.store.header(ctx, t.tab)
	if err != nil {
		return nil, err
	}
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT row_index, array_to_json(cells)::text FROM journey_rows WHERE tab = $1 ORDER BY row_index`, t.tab)
	if err != nil {
		return nil, errors.Wrapf(err, "query rows of %s", t.tab)
	}
	defer rows.Close()

	var records []journey.Record
	for rows.Next() {
		var idx int
		var raw string
		if err := rows.Scan(&idx, &raw); err != nil {
			return nil, err
		}
		cells, err := decodeCells(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d of %s", idx, t.tab)
		}
		records = append(records, journey.RecordsFromRows(header, [][]string{cells}, idx)...)
	}
	return records, rows.Err()
}

func (t *JourneyTable) AppendRows(ctx context.Context, rows [][]string) error {
	return t.store.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO journey_rows (tab, row_index, cells)
SELECT $1, COALESCE(MAX(row_index), $3 - 1) + 1, $2 FROM journey_rows WHERE tab = $1`,
				t.tab, r, journey.FirstDataRow); err != nil {
				return errors.Wrapf(err, "append row to %s", t.tab)
			}
		}
		return nil
	})
}

func (t *JourneyTable) UpdateCells(ctx context.Context, updates []journey.CellUpdate) error {
	return t.store.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			res, err := tx.ExecContext(ctx,
				`UPDATE journey_rows SET cells[$3] = $4, updated_at = now() WHERE tab = $1 AND row_index = $2`,
				t.tab, u.Row, u.Col, u.Value)
			if err != nil {
				return errors.Wrapf(err, "update %s (%d,%d)", t.tab, u.Row, u.Col)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return errors.Errorf("%s has no row %d", t.tab, u.Row)
			}
		}
		return nil
	})
}

// decodeCells reads a JSON text array; SQL NULL elements become "".
func decodeCells(raw string) ([]string, error) {
	var cells []*string
	if err := json.Unmarshal([]byte(raw), &cells); err != nil {
		return nil, errors.Wrap(err, "decode cells")
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		if c != nil {
			out[i] = *c
		}
	}
	return out, nil
}
