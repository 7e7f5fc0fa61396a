package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	Polls           prometheus.Counter
	Samples         *prometheus.CounterVec // outcome label: processed|discarded|malformed|skipped|filtered
	Arrivals        *prometheus.CounterVec // route, direction labels
	JourneyRows     prometheus.Counter
	JourneyCells    prometheus.Counter
	FeedErrors      *prometheus.CounterVec // route label
	SinkErrors      *prometheus.CounterVec // stage label: positions|arrivals|journeys|archive
	TrackedVehicles prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	CycleDuration   prometheus.Histogram
	PublishDuration prometheus.Histogram

	PollInterval     prometheus.Gauge // seconds
	ArrivalThreshold prometheus.Gauge // meters
}

func NewCollector(pollInterval time.Duration, thresholdMeters float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_polls_total",
			Help: "Total feed polling cycles.",
		}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_samples_total",
			Help: "Position samples by outcome.",
		}, []string{"outcome"}),
		Arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_arrivals_total",
			Help: "Arrival events detected.",
		}, []string{"route", "direction"}),
		JourneyRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_journey_rows_appended_total",
			Help: "Journey rows appended.",
		}),
		JourneyCells: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_journey_cells_updated_total",
			Help: "Journey cells filled in existing rows.",
		}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_feed_errors_total",
			Help: "Feed polls that failed.",
		}, []string{"route"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sink_errors_total",
			Help: "Persistence failures by stage.",
		}, []string{"stage"}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_vehicles_tracked",
			Help: "Vehicle state entries held this session.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Duration of one poll, detect and persist cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_poll_interval_seconds",
			Help: "Poll interval in seconds.",
		}),
		ArrivalThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_arrival_threshold_meters",
			Help: "Distance within which a vehicle counts as at a stop.",
		}),
	}

	reg.MustRegister(
		c.Polls, c.Samples, c.Arrivals,
		c.JourneyRows, c.JourneyCells,
		c.FeedErrors, c.SinkErrors, c.TrackedVehicles,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.CycleDuration, c.PublishDuration,
		c.PollInterval, c.ArrivalThreshold,
	)

	c.PollInterval.Set(pollInterval.Seconds())
	c.ArrivalThreshold.Set(thresholdMeters)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server error", "error", err)
		}
	}()
	log.Infow("metrics listening", "addr", addr)
	return srv
}

// The methods below let the collector be passed where a nil-safe recorder is
// wanted. All of them are no-ops on a nil *Collector.

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(b bool) {
	if c == nil {
		return
	}
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
