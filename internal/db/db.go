package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// GTFS reads static schedule tables as loaded by postgis-gtfs-importer.
type GTFS struct {
	db *sql.DB
}

func NewGTFS(db *sql.DB) *GTFS { return &GTFS{db: db} }

// FetchRouteStops returns the stops of the route/direction in stop_sequence
// order, taken from the trip with the most stop_times. Stops are named by
// stop_name and identified by stop_code, falling back to stop_id.
func (g *GTFS) FetchRouteStops(ctx context.Context, routeID string, directionID int) ([]transit.Stop, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlon, err := hasColumns(ctx, g.db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, errors.Wrap(err, "introspect stops columns")
	}
	coords := "s.stop_lat, s.stop_lon"
	if !latlon["stop_lat"] || !latlon["stop_lon"] {
		loc, err := hasColumns(ctx, g.db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, errors.Wrap(err, "introspect stops stop_loc")
		}
		if !loc["stop_loc"] {
			return nil, errors.New("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		coords = "ST_Y(s.stop_loc::geometry), ST_X(s.stop_loc::geometry)"
	}

	q := `
WITH longest AS (
  SELECT t.trip_id
  FROM trips t
  JOIN stop_times st ON st.trip_id = t.trip_id
  WHERE t.route_id = $1 AND t.direction_id::text = $2
  GROUP BY t.trip_id
  ORDER BY COUNT(*) DESC, t.trip_id
  LIMIT 1
)
SELECT COALESCE(s.stop_name, s.stop_id),
       COALESCE(NULLIF(s.stop_code, ''), s.stop_id),
       ` + coords + `
FROM longest l
JOIN stop_times st ON st.trip_id = l.trip_id
JOIN stops s ON s.stop_id = st.stop_id
ORDER BY st.stop_sequence`

	rows, err := g.db.QueryContext(ctx, q, routeID, strconv.Itoa(directionID))
	if err != nil {
		return nil, errors.Wrap(err, "query route stops")
	}
	defer rows.Close()

	var stops []transit.Stop
	seen := make(map[string]struct{})
	for rows.Next() {
		var name, code string
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&name, &code, &lat, &lon); err != nil {
			return nil, err
		}
		// A loop route visits its first stop again at the end.
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		st := transit.Stop{Name: name, AtcoCode: code}
		if lat.Valid && lon.Valid {
			st = transit.LocatedStop(name, code, lat.Float64, lon.Float64)
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
