package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// chdirTemp runs the test from an empty directory so no .env or .bods_key
// from the working tree is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestLoad_defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://u@localhost:5432/tracker")
	t.Setenv("BODS_KEY", "secret")
	t.Setenv("TZ", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u@localhost:5432/tracker", cfg.DatabaseURL)
	assert.Equal(t, SinkPostgres, cfg.SinkDriver)
	assert.Equal(t, StopsTransXChange, cfg.StopsSource)
	assert.Equal(t, FeedSIRIVM, cfg.FeedFormat)
	assert.Equal(t, "secret", cfg.BODSKey)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 3*time.Hour, cfg.SessionDuration)
	assert.Equal(t, 100.0, cfg.ArrivalThreshold)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2*time.Minute, cfg.FetchMaxElapsed)
	assert.Equal(t, 256, cfg.StopsCache)
	assert.Equal(t, "arrivals", cfg.NATSSubjectPrefix)
	assert.Equal(t, "Europe/London", cfg.Location.String())
	assert.Empty(t, cfg.NATSURL)
	assert.False(t, cfg.StrictRouteValidation)
}

func TestLoad_overrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SINK_DRIVER", "memory")
	t.Setenv("FEED_FORMAT", "gtfs-rt")
	t.Setenv("GTFSRT_URL", "http://feed.example/vehicles.pb")
	t.Setenv("POLL_INTERVAL_SEC", "15")
	t.Setenv("SESSION_DURATION", "0")
	t.Setenv("ARRIVAL_THRESHOLD_METERS", "50")
	t.Setenv("STRICT_ROUTE_VALIDATION", "yes")
	t.Setenv("RUN_MIGRATIONS", "off")
	t.Setenv("TZ", "UTC")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.DatabaseURL, "memory sink with transxchange stops needs no database")
	assert.Equal(t, FeedGTFSRT, cfg.FeedFormat)
	assert.Empty(t, cfg.BODSKey)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Duration(0), cfg.SessionDuration)
	assert.Equal(t, 50.0, cfg.ArrivalThreshold)
	assert.True(t, cfg.StrictRouteValidation)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, time.UTC, cfg.Location)
}

func TestLoad_databaseFromPGVars(t *testing.T) {
	chdirTemp(t)
	for _, k := range []string{"DATABASE_URL", "PG_DSN", "PGDATABASE", "PGPORT", "PGSSLMODE"} {
		t.Setenv(k, "")
	}
	t.Setenv("SINK_DRIVER", "memory")
	t.Setenv("STOPS_SOURCE", "gtfs-db")
	t.Setenv("BODS_KEY", "k")
	t.Setenv("PGHOST", "db")
	t.Setenv("PGUSER", "gtfs")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("CITY", "oxford")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://gtfs:p%40ss@db:5432/postgres?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "oxford", cfg.City)
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad sink", env: map[string]string{"SINK_DRIVER": "sheets"}},
		{name: "bad feed", env: map[string]string{"SINK_DRIVER": "memory", "FEED_FORMAT": "json"}},
		{name: "bad stops source", env: map[string]string{"STOPS_SOURCE": "api"}},
		{name: "no database", env: map[string]string{"BODS_KEY": "k"}},
		{name: "no bods key", env: map[string]string{"SINK_DRIVER": "memory"}},
		{name: "gtfs-rt without url", env: map[string]string{"SINK_DRIVER": "memory", "FEED_FORMAT": "gtfs-rt"}},
		{name: "bad poll interval", env: map[string]string{"SINK_DRIVER": "memory", "BODS_KEY": "k", "POLL_INTERVAL_SEC": "-1"}},
		{name: "bad session duration", env: map[string]string{"SINK_DRIVER": "memory", "BODS_KEY": "k", "SESSION_DURATION": "3 hours"}},
		{name: "bad threshold", env: map[string]string{"SINK_DRIVER": "memory", "BODS_KEY": "k", "ARRIVAL_THRESHOLD_METERS": "0"}},
		{name: "bad bool", env: map[string]string{"SINK_DRIVER": "memory", "BODS_KEY": "k", "STRICT_ROUTE_VALIDATION": "maybe"}},
		{name: "bad tz", env: map[string]string{"SINK_DRIVER": "memory", "BODS_KEY": "k", "TZ": "Mars/Olympus"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chdirTemp(t)
			for _, k := range []string{"DATABASE_URL", "PG_DSN", "PGDATABASE", "CITY", "CITY_NAME", "BODS_KEY", "GTFSRT_URL"} {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadBODSKey_filePreferred(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".bods_key"), []byte("from-file\n"), 0o600))
	t.Setenv("BODS_KEY", "from-env")

	key, err := loadBODSKey(".bods_key")
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)
}

func TestLoadRoutes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"route": "TUBE", "timetableUrl": "https://example.test/tube.zip",
   "directions": [
     {"name": "outbound", "destinationKeywords": ["Oxford Parkway"], "gtfsDirectionId": 0},
     {"name": "inbound", "destinationKeywords": ["City Centre"], "gtfsDirectionId": 1}
   ]}
]`), 0o600))

	routes, err := LoadRoutes(path)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	r := routes[0]
	assert.Equal(t, "TUBE", r.Route)
	assert.Equal(t, []string{"Oxford Parkway"}, r.Directions[0].DestinationKeywords)
	require.NotNil(t, r.Directions[1].GTFSDirectionID)
	assert.Equal(t, 1, *r.Directions[1].GTFSDirectionID)
	assert.Equal(t, filepath.Join("tt", "TUBE.xml"), r.TimetablePath("tt"))
	assert.Equal(t, []transit.RouteKey{{Route: "TUBE", Direction: "outbound"}, {Route: "TUBE", Direction: "inbound"}}, RouteKeys(routes))
	assert.Equal(t, []string{"TUBE"}, RouteNames(routes))
}

func TestLoadRoutes_trimsNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"route": " TUBE ", "directions": [{"name": " outbound\t", "destinationKeywords": [" Oxford ", " "]}]}
]`), 0o600))

	routes, err := LoadRoutes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"TUBE"}, RouteNames(routes))
	assert.Equal(t, []transit.RouteKey{{Route: "TUBE", Direction: "outbound"}}, RouteKeys(routes))
	assert.Equal(t, []string{"Oxford"}, routes[0].Directions[0].DestinationKeywords)
}

func TestLoadRoutes_missingFile(t *testing.T) {
	_, err := LoadRoutes(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidateRoutes(t *testing.T) {
	tests := []struct {
		name   string
		routes []Route
		ok     bool
	}{
		{name: "valid", routes: []Route{{Route: "4", Directions: []Direction{{Name: "a"}, {Name: "b"}}}}, ok: true},
		{name: "empty", routes: nil},
		{name: "no name", routes: []Route{{Directions: []Direction{{Name: "a"}}}}},
		{name: "no directions", routes: []Route{{Route: "4"}}},
		{name: "duplicate route", routes: []Route{{Route: "4", Directions: []Direction{{Name: "a"}}}, {Route: "4", Directions: []Direction{{Name: "b"}}}}},
		{name: "duplicate direction", routes: []Route{{Route: "4", Directions: []Direction{{Name: "a"}, {Name: "a"}}}}},
		{name: "blank direction", routes: []Route{{Route: "4", Directions: []Direction{{Name: " "}}}}},
		{name: "duplicate direction after trim", routes: []Route{{Route: "4", Directions: []Direction{{Name: "a"}, {Name: " a "}}}}},
		{name: "underscore in route", routes: []Route{{Route: "A_B", Directions: []Direction{{Name: "c"}}}}},
		{name: "underscore in direction", routes: []Route{{Route: "A", Directions: []Direction{{Name: "B_c"}}}}, ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRoutes(tc.routes)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRoute_TimetablePath(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "data", "tube.xml")
	assert.Equal(t, abs, Route{Route: "TUBE", TimetableFile: abs}.TimetablePath("tt"))
	assert.Equal(t, filepath.Join("tt", "x.xml"), Route{Route: "TUBE", TimetableFile: "x.xml"}.TimetablePath("tt"))
}
