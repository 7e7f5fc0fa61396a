package tracker

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

var (
	// ErrMalformedSample marks a sample that cannot be processed. The sample is
	// skipped and the rest of the batch continues.
	ErrMalformedSample = errors.New("malformed sample")
	// ErrMalformedStopList marks a stop list that cannot be matched against until
	// the topology is corrected.
	ErrMalformedStopList = errors.New("malformed stop list")
)

type SampleError struct {
	Sample transit.Sample
	Reason string
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("%s: bus %q trip %q: %s", ErrMalformedSample, e.Sample.BusID, e.Sample.TripID, e.Reason)
}

func (e *SampleError) Unwrap() error { return ErrMalformedSample }

type StopListError struct {
	Key    transit.RouteKey
	Reason string
}

func (e *StopListError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformedStopList, e.Key, e.Reason)
}

func (e *StopListError) Unwrap() error { return ErrMalformedStopList }
