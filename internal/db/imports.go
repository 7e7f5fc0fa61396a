package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// ResolveGTFSDatabase returns the db_name of the most recent successful GTFS
// import whose name contains city, from public.latest_successful_imports on
// the importer's meta database.
func ResolveGTFSDatabase(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.Errorf("no gtfs import found for city like %q", city)
		}
		return "", errors.Wrap(err, "query latest imports")
	}
	if !dbName.Valid || dbName.String == "" {
		return "", errors.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}

// OpenGTFS opens the GTFS schedule database. With a city, the newest import
// for that city is located through dsn and opened in its place.
func OpenGTFS(ctx context.Context, dsn, city string) (*sql.DB, string, error) {
	if city == "" {
		conn, err := Open(dsn)
		return conn, dsn, err
	}
	meta, err := Open(dsn)
	if err != nil {
		return nil, "", err
	}
	defer meta.Close()

	name, err := ResolveGTFSDatabase(ctx, meta, city)
	if err != nil {
		return nil, "", err
	}
	target, err := WithDBName(dsn, name)
	if err != nil {
		return nil, "", err
	}
	conn, err := Open(target)
	if err != nil {
		return nil, "", err
	}
	return conn, target, nil
}
