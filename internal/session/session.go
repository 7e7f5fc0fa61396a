package session

import (
	"context"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/feed"
	"github.com/davidread/bus-timeliness/internal/journey"
	"github.com/davidread/bus-timeliness/internal/metrics"
	"github.com/davidread/bus-timeliness/internal/tracker"
	"github.com/davidread/bus-timeliness/internal/transit"
)

type Archiver interface {
	ArchivePositions(ctx context.Context, polledAt time.Time, recs []transit.PositionRecord) (string, error)
}

type Publisher interface {
	PublishArrival(ev transit.ArrivalEvent) error
}

type Broadcaster interface {
	Broadcast(events []transit.ArrivalEvent)
}

// Config is what a session needs to know about the routes it tracks.
type Config struct {
	Routes       []string
	Keys         []transit.RouteKey
	PollInterval time.Duration
	// Duration bounds Run; zero runs until the context is cancelled.
	Duration time.Duration
	// StrictRouteValidation makes Initialize fail when a configured route is
	// absent from the live feed.
	StrictRouteValidation bool
	Location              *time.Location
}

// Session drives one tracking run: a single loop polls the feed, detects
// arrivals and persists them, one cycle at a time.
type Session struct {
	cfg      Config
	feed     feed.Feed
	stops    tracker.StopSource
	sink     Sink
	detector *tracker.Detector

	archiver    Archiver
	publisher   Publisher
	broadcaster Broadcaster
	metrics     *metrics.Collector
	log         *zap.SugaredLogger
	now         func() time.Time

	polls atomic.Int64
	ready atomic.Bool
}

type Option func(*Session)

func WithArchiver(a Archiver) Option { return func(s *Session) { s.archiver = a } }

func WithPublisher(p Publisher) Option { return func(s *Session) { s.publisher = p } }

func WithBroadcaster(b Broadcaster) Option { return func(s *Session) { s.broadcaster = b } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Session) { s.metrics = m } }

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

func New(cfg Config, f feed.Feed, stops tracker.StopSource, sink Sink, det *tracker.Detector, opts ...Option) *Session {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	s := &Session{
		cfg:      cfg,
		feed:     f,
		stops:    stops,
		sink:     sink,
		detector: det,
		log:      zap.NewNop().Sugar(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsReady reports whether at least one cycle has completed.
func (s *Session) IsReady() bool { return s.ready.Load() }

func (s *Session) Polls() int { return int(s.polls.Load()) }

// Initialize clears vehicle state and checks that every configured
// route/direction has a usable stop list and journey table. Any failure here
// is a configuration error.
func (s *Session) Initialize(ctx context.Context) error {
	s.detector.States().Reset()
	s.polls.Store(0)
	s.ready.Store(false)

	for _, key := range s.cfg.Keys {
		stops, err := s.stops.Stops(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "load stops for %s", key)
		}
		if len(stops) == 0 {
			return errors.Errorf("no stops found for %s", key)
		}
		if err := tracker.ValidateStops(key, stops); err != nil {
			return err
		}
		located := 0
		for _, st := range stops {
			if _, _, ok := st.Coordinates(); ok {
				located++
			}
		}
		if located == 0 {
			s.log.Warnw("no stop has coordinates, arrivals cannot be detected", "route", key.Route, "direction", key.Direction)
		}
		if _, err := s.sink.OpenJourneyTable(ctx, key, transit.StopNames(stops)); err != nil {
			return errors.Wrapf(err, "journey table for %s", key)
		}
		s.log.Infow("route ready", "route", key.Route, "direction", key.Direction, "stops", len(stops), "located", located)
	}

	if s.cfg.StrictRouteValidation {
		if err := s.validateRoutes(ctx); err != nil {
			return err
		}
	}
	return nil
}

// validateRoutes polls each configured route once and fails if it has no
// vehicles in the feed.
func (s *Session) validateRoutes(ctx context.Context) error {
	s.log.Infow("validating configured routes")
	var available []transit.RouteKey
	mf, multi := s.feed.(feed.MultiRouteFeed)
	if multi {
		samples, err := mf.PollRoutes(ctx, s.cfg.Routes)
		if err != nil {
			return errors.Wrap(err, "validate routes")
		}
		available = feed.AvailableRoutes(samples)
	}
	for _, route := range s.cfg.Routes {
		if !multi {
			samples, err := s.feed.Poll(ctx, route)
			if err != nil {
				return errors.Wrapf(err, "validate route %s", route)
			}
			available = append(available, feed.AvailableRoutes(samples)...)
		}
		if !slices.ContainsFunc(available, func(k transit.RouteKey) bool { return k.Route == route }) {
			s.log.Errorw("route not found in live feed", "route", route, "available", available)
			return errors.Errorf("route %q not found in live feed", route)
		}
	}
	s.log.Infow("all configured routes validated")
	return nil
}

// Run polls immediately and then every poll interval until the session
// duration elapses or ctx is cancelled. It returns the number of cycles run.
func (s *Session) Run(ctx context.Context) int {
	if s.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
		defer cancel()
	}
	s.log.Infow("tracking session started", "interval", s.cfg.PollInterval, "duration", s.cfg.Duration, "routes", s.cfg.Routes)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for ctx.Err() == nil {
		res := s.Cycle(ctx)
		polls++
		s.log.Infow("poll complete", "poll", polls, "samples", res.Samples, "arrivals", len(res.Arrivals), "errors", len(res.Errors))

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	s.log.Infow("tracking session finished", "polls", polls)
	return polls
}

// CycleResult summarises one poll.
type CycleResult struct {
	PolledAt time.Time
	Samples  int // after route filtering
	Detect   tracker.Report
	Arrivals []transit.ArrivalEvent
	Journeys journey.Plan
	Errors   []error
}

// Cycle runs one poll through every stage. An I/O failure in one stage is
// logged and recorded; later stages still run.
func (s *Session) Cycle(ctx context.Context) CycleResult {
	start := time.Now()
	res := CycleResult{PolledAt: s.now().In(s.cfg.Location)}
	fail := func(stage string, err error) {
		res.Errors = append(res.Errors, errors.Wrap(err, stage))
		if s.metrics != nil {
			s.metrics.SinkErrors.WithLabelValues(stage).Inc()
		}
	}

	samples := s.collect(ctx, &res)
	filtered := feed.FilterRoutes(samples, s.cfg.Routes)
	res.Samples = len(filtered)
	s.logLocations(ctx, filtered)

	events, rep := s.detector.Detect(ctx, filtered, s.stops)
	res.Detect = rep
	res.Arrivals = events
	s.log.Infow("arrival detection", "processed", rep.Processed(), "arrivals", rep.Arrivals, "discarded", rep.Discarded, "malformed", rep.Malformed, "skipped", rep.Skipped)

	recs := s.positionRecords(ctx, res.PolledAt, filtered)
	if err := s.sink.InsertPositions(ctx, recs); err != nil {
		s.log.Errorw("failed to record positions", "error", err)
		fail("positions", err)
	}
	if s.archiver != nil {
		if name, err := s.archiver.ArchivePositions(ctx, res.PolledAt, recs); err != nil {
			s.log.Errorw("failed to archive positions", "error", err)
			fail("archive", err)
		} else if name != "" {
			s.log.Debugw("archived positions", "object", name, "rows", len(recs))
		}
	}

	if len(events) > 0 {
		if err := s.sink.InsertArrivals(ctx, events); err != nil {
			s.log.Errorw("failed to record arrivals", "error", err)
			fail("arrivals", err)
		}
		res.Journeys = s.syncJourneys(ctx, events, fail)
		s.fanout(events)
	}

	s.observe(len(samples)-len(filtered), rep, events, res.Journeys, time.Since(start))
	s.polls.Add(1)
	s.ready.Store(true)
	return res
}

// collect polls every configured route. A feed covering all routes is
// fetched once per cycle.
func (s *Session) collect(ctx context.Context, res *CycleResult) []transit.Sample {
	if mf, ok := s.feed.(feed.MultiRouteFeed); ok {
		samples, err := mf.PollRoutes(ctx, s.cfg.Routes)
		if err != nil {
			for _, route := range s.cfg.Routes {
				s.feedError(res, route, err)
			}
			return nil
		}
		return samples
	}

	var all []transit.Sample
	for _, route := range s.cfg.Routes {
		samples, err := s.feed.Poll(ctx, route)
		if err != nil {
			s.feedError(res, route, err)
			continue
		}
		all = append(all, samples...)
	}
	return all
}

func (s *Session) feedError(res *CycleResult, route string, err error) {
	s.log.Errorw("feed error, skipping route", "route", route, "error", err)
	res.Errors = append(res.Errors, errors.Wrapf(err, "poll %s", route))
	if s.metrics != nil {
		s.metrics.FeedErrors.WithLabelValues(route).Inc()
	}
}

func (s *Session) logLocations(ctx context.Context, samples []transit.Sample) {
	valid, invalid := 0, 0
	for _, smp := range samples {
		if smp.NoFix() {
			invalid++
			continue
		}
		valid++
		stops, err := s.stops.Stops(ctx, smp.RouteKey())
		if err != nil {
			continue
		}
		name, dist, err := tracker.NearestStop(smp.Latitude, smp.Longitude, stops)
		if err != nil {
			continue
		}
		s.log.Debugw("bus location", "bus", smp.BusID, "lat", smp.Latitude, "lon", smp.Longitude, "direction", smp.Direction, "nearest", name, "distance_m", math.Round(dist))
	}
	s.log.Infow("current bus locations", "valid", valid, "invalid", invalid)
}

// positionRecords builds the raw audit rows, stamped with the poll time.
func (s *Session) positionRecords(ctx context.Context, polledAt time.Time, samples []transit.Sample) []transit.PositionRecord {
	recs := make([]transit.PositionRecord, 0, len(samples))
	for _, smp := range samples {
		rec := transit.PositionRecord{
			Timestamp:   polledAt,
			BusID:       smp.BusID,
			Route:       smp.Route,
			Direction:   smp.Direction,
			Latitude:    smp.Latitude,
			Longitude:   smp.Longitude,
			TripID:      smp.TripID,
			NearestStop: tracker.NoStopsFound,
		}
		if stops, err := s.stops.Stops(ctx, smp.RouteKey()); err == nil {
			if name, dist, err := tracker.NearestStop(smp.Latitude, smp.Longitude, stops); err == nil {
				rec.NearestStop = name
				if !math.IsInf(dist, 0) {
					rec.DistanceMeters = &dist
				}
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

// syncJourneys reconciles arrivals per route/direction in order of first
// appearance.
func (s *Session) syncJourneys(ctx context.Context, events []transit.ArrivalEvent, fail func(string, error)) journey.Plan {
	var order []transit.RouteKey
	byKey := make(map[transit.RouteKey][]transit.ArrivalEvent)
	for _, ev := range events {
		k := ev.RouteKey()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], ev)
	}

	var total journey.Plan
	for _, key := range order {
		stops, err := s.stops.Stops(ctx, key)
		if err != nil {
			s.log.Errorw("no stop list for journey table", "route", key.Route, "direction", key.Direction, "error", err)
			fail("journeys", err)
			continue
		}
		stopOrder := transit.StopNames(stops)
		table, err := s.sink.OpenJourneyTable(ctx, key, stopOrder)
		if err != nil {
			s.log.Errorw("failed to open journey table", "tab", key.Tab(), "error", err)
			fail("journeys", err)
			continue
		}
		plan, err := journey.Sync(ctx, table, byKey[key], stopOrder, s.log.With("tab", key.Tab()))
		if err != nil {
			s.log.Errorw("failed to update journey table", "tab", key.Tab(), "error", err)
			fail("journeys", err)
			continue
		}
		total.Append = append(total.Append, plan.Append...)
		total.Updates = append(total.Updates, plan.Updates...)
		total.Decisions = append(total.Decisions, plan.Decisions...)
	}
	return total
}

func (s *Session) fanout(events []transit.ArrivalEvent) {
	if s.publisher != nil {
		for _, ev := range events {
			if err := s.publisher.PublishArrival(ev); err != nil {
				s.log.Warnw("publish arrival failed", "bus", ev.BusID, "stop", ev.StopName, "error", err)
			}
		}
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(events)
	}
}

func (s *Session) observe(filtered int, rep tracker.Report, events []transit.ArrivalEvent, plan journey.Plan, took time.Duration) {
	m := s.metrics
	if m == nil {
		return
	}
	m.Polls.Inc()
	m.Samples.WithLabelValues("processed").Add(float64(rep.Processed()))
	m.Samples.WithLabelValues("discarded").Add(float64(rep.Discarded))
	m.Samples.WithLabelValues("malformed").Add(float64(rep.Malformed))
	m.Samples.WithLabelValues("skipped").Add(float64(rep.Skipped))
	m.Samples.WithLabelValues("filtered").Add(float64(filtered))
	for _, ev := range events {
		m.Arrivals.WithLabelValues(ev.Route, ev.Direction).Inc()
	}
	m.JourneyRows.Add(float64(len(plan.Append)))
	m.JourneyCells.Add(float64(len(plan.Updates)))
	m.TrackedVehicles.Set(float64(s.detector.States().Len()))
	m.CycleDuration.Observe(took.Seconds())
}
