package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/archive"
	"github.com/davidread/bus-timeliness/internal/config"
	"github.com/davidread/bus-timeliness/internal/db"
	"github.com/davidread/bus-timeliness/internal/feed"
	"github.com/davidread/bus-timeliness/internal/handler"
	"github.com/davidread/bus-timeliness/internal/hub"
	"github.com/davidread/bus-timeliness/internal/logging"
	"github.com/davidread/bus-timeliness/internal/metrics"
	"github.com/davidread/bus-timeliness/internal/publisher"
	"github.com/davidread/bus-timeliness/internal/session"
	"github.com/davidread/bus-timeliness/internal/stops"
	"github.com/davidread/bus-timeliness/internal/tracker"
	"github.com/davidread/bus-timeliness/internal/transit"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zl, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	routes, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		logger.Fatalw("routes error", "error", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var servers []*http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PollInterval, cfg.ArrivalThreshold)
		servers = append(servers, mcol.Serve(cfg.MetricsAddr, logger))
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	src, closeSrc, err := stopSource(ctx, cfg, routes, httpClient, logger)
	if err != nil {
		logger.Fatalw("stop source error", "error", err)
	}
	defer closeSrc()

	sink, closeSink, err := resultsSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("sink error", "error", err)
	}
	defer closeSink()

	det := tracker.NewDetector(tracker.NewStateStore(),
		tracker.WithThreshold(cfg.ArrivalThreshold),
		tracker.WithLocation(cfg.Location),
		tracker.WithLogger(logger.Named("detector")),
	)

	opts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(mcol),
	}

	if cfg.GCSBucket != "" {
		up, err := archive.NewGCSUploader(ctx)
		if err != nil {
			logger.Fatalw("gcs error", "error", err)
		}
		defer up.Close()
		opts = append(opts, session.WithArchiver(archive.NewArchiver(up, cfg.GCSBucket, cfg.GCSPrefix)))
	}

	// NATS is optional
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, mcol, logger.Named("nats"))
		if err != nil {
			logger.Fatalw("nats error", "error", err)
		}
		defer pub.Close()
		opts = append(opts, session.WithPublisher(pub))
	}

	var arrivalsHub *hub.Hub
	if cfg.HTTPAddr != "" {
		arrivalsHub = hub.NewHub(logger.Named("hub"))
		go arrivalsHub.Run(ctx)
		opts = append(opts, session.WithBroadcaster(arrivalsHub))
	}

	sess := session.New(session.Config{
		Routes:                config.RouteNames(routes),
		Keys:                  config.RouteKeys(routes),
		PollInterval:          cfg.PollInterval,
		Duration:              cfg.SessionDuration,
		StrictRouteValidation: cfg.StrictRouteValidation,
		Location:              cfg.Location,
	}, positionFeed(cfg, routes, httpClient, logger), src, sink, det, opts...)

	if arrivalsHub != nil {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.NewMux(arrivalsHub, det.States(), sess, logger.Named("http"))}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("http server error", "error", err)
			}
		}()
		logger.Infow("http listening", "addr", cfg.HTTPAddr)
		servers = append(servers, srv)
	}

	if err := sess.Initialize(ctx); err != nil {
		logger.Fatalw("session initialisation failed", "error", err)
	}

	polls := sess.Run(ctx)

	// Allow graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Infow("shutdown complete", "polls", polls)
}

func stopSource(ctx context.Context, cfg *config.Config, routes []config.Route, client *http.Client, log *zap.SugaredLogger) (tracker.StopSource, func(), error) {
	switch cfg.StopsSource {
	case config.StopsGTFSDB:
		dirs := make(map[transit.RouteKey]int)
		for _, r := range routes {
			for _, d := range r.Directions {
				if d.GTFSDirectionID == nil {
					return nil, nil, errors.Errorf("route %s direction %s has no gtfsDirectionId", r.Route, d.Name)
				}
				dirs[transit.RouteKey{Route: r.Route, Direction: d.Name}] = *d.GTFSDirectionID
			}
		}
		conn, dsn, err := db.OpenGTFS(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open gtfs database")
		}
		if err := db.Ping(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, errors.Wrap(err, "ping gtfs database")
		}
		log.Infow("using gtfs database for stops", "city", cfg.City, "database", redact(dsn))
		src := stops.NewCache(stops.NewDBSource(db.NewGTFS(conn), dirs), cfg.StopsCache)
		return src, func() { conn.Close() }, nil

	default:
		tts := make([]stops.Timetable, 0, len(routes))
		for _, r := range routes {
			tt := stops.Timetable{
				Route:      r.Route,
				Path:       r.TimetablePath(cfg.TimetableDir),
				URL:        r.TimetableURL,
				Directions: make(map[string][]string, len(r.Directions)),
			}
			for _, d := range r.Directions {
				tt.Directions[d.Name] = d.DestinationKeywords
			}
			if err := stops.EnsureTimetable(ctx, client, tt, cfg.FetchMaxElapsed, log); err != nil {
				return nil, nil, err
			}
			tts = append(tts, tt)
		}
		src := stops.NewCache(stops.NewTransXChangeSource(tts, log.Named("stops")), cfg.StopsCache)
		return src, func() {}, nil
	}
}

func resultsSink(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (session.Sink, func(), error) {
	if cfg.SinkDriver == config.SinkMemory {
		log.Warnw("results kept in memory only")
		return session.NewMemorySink(), func() {}, nil
	}
	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "ping results database")
	}
	return db.NewStore(conn), func() { conn.Close() }, nil
}

func positionFeed(cfg *config.Config, routes []config.Route, client *http.Client, log *zap.SugaredLogger) feed.Feed {
	opts := []feed.Option{
		feed.WithHTTPClient(client),
		feed.WithMaxElapsed(cfg.FetchMaxElapsed),
		feed.WithLogger(log.Named("feed")),
	}
	if cfg.FeedFormat == config.FeedGTFSRT {
		dirs := make(map[string]map[uint32]string)
		for _, r := range routes {
			for _, d := range r.Directions {
				if d.GTFSDirectionID == nil {
					continue
				}
				if dirs[r.Route] == nil {
					dirs[r.Route] = make(map[uint32]string)
				}
				dirs[r.Route][uint32(*d.GTFSDirectionID)] = d.Name
			}
		}
		return feed.NewGTFSRTFeed(cfg.GTFSRTURL, dirs, opts...)
	}
	f := feed.NewSIRIFeed(cfg.BODSAPIURL, cfg.BODSKey, opts...)
	if cfg.DumpDir != "" {
		f.DumpResponses(cfg.DumpDir)
	}
	return f
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}
