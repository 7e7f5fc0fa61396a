package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

const DefaultSubjectPrefix = "arrivals"

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	log         *zap.SugaredLogger
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, log *zap.SugaredLogger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	setConnected := func(b bool) {
		if m != nil {
			m.NATSSetConnected(b)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("bus-timeliness"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			log.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			setConnected(true)
			log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			log.Infow("nats closed")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	setConnected(true)
	return newPublisher(nc, prefix, logSubjects, m, log), nil
}

func newPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics, log *zap.SugaredLogger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, log: log}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// PublishArrival sends ev as JSON on <prefix>.<route>.<direction>.<bus>.
func (p *NATSPublisher) PublishArrival(ev transit.ArrivalEvent) error {
	subject := Subject(p.prefix, ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode arrival")
	}
	if p.logSubjects {
		p.log.Debugw("nats publish", "subject", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return errors.Wrapf(err, "publish %s", subject)
}

func Subject(prefix string, ev transit.ArrivalEvent) string {
	return strings.Join([]string{
		prefix,
		subjectToken(ev.Route),
		subjectToken(ev.Direction),
		subjectToken(ev.BusID),
	}, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
