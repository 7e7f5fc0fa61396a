package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	SinkPostgres = "postgres"
	SinkMemory   = "memory"

	StopsTransXChange = "transxchange"
	StopsGTFSDB       = "gtfs-db"

	FeedSIRIVM = "siri-vm"
	FeedGTFSRT = "gtfs-rt"
)

type Config struct {
	DatabaseURL   string
	City          string
	SinkDriver    string
	RunMigrations bool

	RoutesFile   string
	TimetableDir string
	StopsSource  string
	StopsCache   int

	FeedFormat      string
	BODSAPIURL      string
	BODSKey         string
	GTFSRTURL       string
	DumpDir         string
	FetchTimeout    time.Duration
	FetchMaxElapsed time.Duration

	PollInterval          time.Duration
	SessionDuration       time.Duration // 0 runs until stopped
	ArrivalThreshold      float64
	StrictRouteValidation bool
	Location              *time.Location

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MetricsAddr       string
	HTTPAddr          string
	GCSBucket         string
	GCSPrefix         string

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.SinkDriver = strings.ToLower(getenvDefault("SINK_DRIVER", SinkPostgres))
	if cfg.SinkDriver != SinkPostgres && cfg.SinkDriver != SinkMemory {
		return nil, errors.Errorf("invalid SINK_DRIVER: %q", cfg.SinkDriver)
	}
	cfg.StopsSource = strings.ToLower(getenvDefault("STOPS_SOURCE", StopsTransXChange))
	if cfg.StopsSource != StopsTransXChange && cfg.StopsSource != StopsGTFSDB {
		return nil, errors.Errorf("invalid STOPS_SOURCE: %q", cfg.StopsSource)
	}
	cfg.FeedFormat = strings.ToLower(getenvDefault("FEED_FORMAT", FeedSIRIVM))
	if cfg.FeedFormat != FeedSIRIVM && cfg.FeedFormat != FeedGTFSRT {
		return nil, errors.Errorf("invalid FEED_FORMAT: %q", cfg.FeedFormat)
	}

	// City name for GTFS import database resolution
	cfg.City = firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME"))

	if cfg.SinkDriver == SinkPostgres || cfg.StopsSource == StopsGTFSDB {
		if cfg.DatabaseURL, err = databaseURL(cfg.City); err != nil {
			return nil, err
		}
	}
	if cfg.RunMigrations, err = getenvBool("RUN_MIGRATIONS", true); err != nil {
		return nil, err
	}

	cfg.RoutesFile = getenvDefault("ROUTES_FILE", "routes.json")
	cfg.TimetableDir = getenvDefault("TIMETABLE_DIR", "timetables")
	if cfg.StopsCache, err = getenvInt("STOPS_CACHE_SIZE", 256); err != nil {
		return nil, err
	}

	cfg.BODSAPIURL = getenvDefault("BODS_API_URL", "https://data.bus-data.dft.gov.uk/api/v1/datafeed/")
	cfg.GTFSRTURL = os.Getenv("GTFSRT_URL")
	cfg.DumpDir = os.Getenv("DUMP_RESPONSES_DIR")
	switch cfg.FeedFormat {
	case FeedSIRIVM:
		if cfg.BODSKey, err = loadBODSKey(getenvDefault("BODS_KEY_FILE", ".bods_key")); err != nil {
			return nil, err
		}
	case FeedGTFSRT:
		if cfg.GTFSRTURL == "" {
			return nil, errors.New("GTFSRT_URL must be set when FEED_FORMAT=gtfs-rt")
		}
	}
	if cfg.FetchTimeout, err = getenvDuration("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchMaxElapsed, err = getenvDuration("FETCH_MAX_ELAPSED", 2*time.Minute); err != nil {
		return nil, err
	}

	// Poll interval (seconds)
	if v := os.Getenv("POLL_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, errors.Errorf("invalid POLL_INTERVAL_SEC: %q", v)
		}
		cfg.PollInterval = time.Duration(sec) * time.Second
	} else {
		cfg.PollInterval = 60 * time.Second
	}

	// Session duration; "0" keeps polling until the process is stopped
	if v := os.Getenv("SESSION_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, errors.Errorf("invalid SESSION_DURATION: %q", v)
		}
		cfg.SessionDuration = d
	} else {
		cfg.SessionDuration = 3 * time.Hour
	}

	if v := os.Getenv("ARRIVAL_THRESHOLD_METERS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, errors.Errorf("invalid ARRIVAL_THRESHOLD_METERS: %q", v)
		}
		cfg.ArrivalThreshold = f
	} else {
		cfg.ArrivalThreshold = 100
	}

	if cfg.StrictRouteValidation, err = getenvBool("STRICT_ROUTE_VALIDATION", false); err != nil {
		return nil, err
	}

	// NATS is optional; empty URL disables publishing
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "arrivals")
	if cfg.LogNATSSubjects, err = getenvBool("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	// Listen addresses (e.g., ":9102"). Empty disables the server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")

	cfg.GCSBucket = os.Getenv("GCS_BUCKET")
	cfg.GCSPrefix = getenvDefault("GCS_PREFIX", "raw-positions")

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "json")

	// Time zone for arrival timestamps and journey dates
	loc, err := time.LoadLocation(getenvDefault("TZ", "Europe/London"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid TZ")
	}
	cfg.Location = loc

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds from PG* vars.
func databaseURL(city string) (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && city != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

// loadBODSKey reads the API key from path, falling back to BODS_KEY.
func loadBODSKey(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if key := strings.TrimSpace(string(b)); key != "" {
			return key, nil
		}
	}
	if key := strings.TrimSpace(os.Getenv("BODS_KEY")); key != "" {
		return key, nil
	}
	return "", errors.Errorf("BODS API key not found in %s or BODS_KEY", path)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid %s: %q", k, v)
	}
	return d, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, errors.Errorf("invalid %s: %q", k, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
