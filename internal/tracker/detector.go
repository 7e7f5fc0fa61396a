package tracker

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

const DefaultArrivalThresholdMeters = 100.0

// StopSource returns the ordered stops of a route/direction. Repeated calls for
// the same key must return the same list.
type StopSource interface {
	Stops(ctx context.Context, key transit.RouteKey) ([]transit.Stop, error)
}

// Detector turns position samples into arrival events. It owns no state of its
// own; vehicle state lives in the StateStore passed to NewDetector.
type Detector struct {
	states    *StateStore
	threshold float64
	loc       *time.Location
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Detector)

func WithThreshold(meters float64) Option {
	return func(d *Detector) {
		if meters > 0 {
			d.threshold = meters
		}
	}
}

// WithLocation sets the zone event timestamps are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(d *Detector) {
		if loc != nil {
			d.loc = loc
		}
	}
}

// WithClock sets the time used for samples that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

func NewDetector(states *StateStore, opts ...Option) *Detector {
	d := &Detector{
		states:    states,
		threshold: DefaultArrivalThresholdMeters,
		loc:       time.Local,
		now:       time.Now,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) Threshold() float64 { return d.threshold }

func (d *Detector) States() *StateStore { return d.states }

// Step applies one sample. A (0,0) sample is discarded without touching state.
// The returned event is nil unless the vehicle arrived at a stop.
func (d *Detector) Step(s transit.Sample, stops []transit.Stop) (*transit.ArrivalEvent, error) {
	if err := validateSample(s); err != nil {
		return nil, err
	}
	if s.NoFix() {
		return nil, nil
	}

	key := VehicleKey{BusID: s.BusID, TripID: s.TripID}
	prev := d.states.Get(key)
	at, dist := withinThreshold(s.Latitude, s.Longitude, stops, d.threshold)

	if at == nil {
		if prev.Kind == StateUnknown {
			d.log.Debugw("first observation away from stops", "bus", s.BusID, "trip", s.TripID)
		}
		d.states.Set(key, NotAtStop())
		return nil, nil
	}

	d.states.Set(key, AtStop(at.Name))

	switch {
	case prev.Kind == StateUnknown:
		d.log.Debugw("first observation at stop, not counted as arrival", "bus", s.BusID, "trip", s.TripID, "stop", at.Name)
		return nil, nil
	case prev.Kind == StateAtStop && prev.Stop == at.Name:
		return nil, nil
	}

	slat, slon, _ := at.Coordinates()
	ev := &transit.ArrivalEvent{
		Timestamp:      d.timestamp(s),
		BusID:          s.BusID,
		TripID:         s.TripID,
		Route:          s.Route,
		Direction:      s.Direction,
		StopName:       at.Name,
		StopCode:       at.AtcoCode,
		DistanceMeters: math.Round(dist),
		BusLat:         s.Latitude,
		BusLon:         s.Longitude,
		StopLat:        slat,
		StopLon:        slon,
	}
	d.log.Infow("arrival detected",
		"bus", s.BusID,
		"stop", at.Name,
		"distance_m", ev.DistanceMeters,
		"was", describe(prev),
	)
	return ev, nil
}

func (d *Detector) timestamp(s transit.Sample) time.Time {
	if s.Timestamp.IsZero() {
		return d.now().In(d.loc)
	}
	return s.Timestamp.In(d.loc)
}

// Report summarises one Detect call.
type Report struct {
	Samples   int
	Discarded int // (0,0) samples
	Malformed int
	Skipped   int // samples whose route/direction had no usable stop list
	Arrivals  int
	Errors    []error
}

func (r Report) Processed() int { return r.Samples - r.Discarded - r.Malformed - r.Skipped }

// Detect runs a batch in order. Malformed samples and routes whose stop list
// fails to load or validate are skipped; state updates for earlier samples stay.
func (d *Detector) Detect(ctx context.Context, samples []transit.Sample, src StopSource) ([]transit.ArrivalEvent, Report) {
	rep := Report{Samples: len(samples)}
	var events []transit.ArrivalEvent

	type stopList struct {
		stops []transit.Stop
		err   error
	}
	lists := make(map[transit.RouteKey]stopList)

	for _, s := range samples {
		if err := validateSample(s); err != nil {
			rep.Malformed++
			rep.Errors = append(rep.Errors, err)
			d.log.Warnw("skipping sample", "error", err)
			continue
		}
		if s.NoFix() {
			rep.Discarded++
			d.log.Debugw("skipping sample with no fix (0,0)", "bus", s.BusID)
			continue
		}

		key := s.RouteKey()
		list, ok := lists[key]
		if !ok {
			stops, err := src.Stops(ctx, key)
			if err == nil {
				err = ValidateStops(key, stops)
			} else {
				err = errors.Wrapf(err, "load stops for %s", key)
			}
			list = stopList{stops: stops, err: err}
			lists[key] = list
			if err != nil {
				rep.Errors = append(rep.Errors, err)
				d.log.Errorw("stop list unusable, skipping route", "route", key.Route, "direction", key.Direction, "error", err)
			}
		}
		if list.err != nil {
			rep.Skipped++
			continue
		}

		ev, err := d.Step(s, list.stops)
		if err != nil {
			rep.Malformed++
			rep.Errors = append(rep.Errors, err)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	rep.Arrivals = len(events)
	return events, rep
}

// ValidateStops rejects stop lists that cannot be matched against: blank or
// duplicate names and coordinates that are not finite or out of range.
func ValidateStops(key transit.RouteKey, stops []transit.Stop) error {
	seen := make(map[string]struct{}, len(stops))
	for i, s := range stops {
		if s.Name == "" {
			return &StopListError{Key: key, Reason: "stop at position " + strconv.Itoa(i+1) + " has no name"}
		}
		if _, dup := seen[s.Name]; dup {
			return &StopListError{Key: key, Reason: "duplicate stop name " + s.Name}
		}
		seen[s.Name] = struct{}{}
		if lat, lon, ok := s.Coordinates(); ok {
			if reason := checkPosition(lat, lon); reason != "" {
				return &StopListError{Key: key, Reason: s.Name + ": " + reason}
			}
		}
	}
	return nil
}

func validateSample(s transit.Sample) error {
	switch {
	case s.BusID == "":
		return &SampleError{Sample: s, Reason: "missing bus id"}
	case s.Route == "":
		return &SampleError{Sample: s, Reason: "missing route"}
	case s.Direction == "":
		return &SampleError{Sample: s, Reason: "missing direction"}
	}
	if reason := checkPosition(s.Latitude, s.Longitude); reason != "" {
		return &SampleError{Sample: s, Reason: reason}
	}
	return nil
}

func describe(st VehicleState) string {
	if st.Kind == StateAtStop {
		return st.Stop
	}
	return st.Kind.String()
}
