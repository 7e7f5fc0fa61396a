package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// Feed polls live vehicle positions for one route. An empty result is valid.
type Feed interface {
	Poll(ctx context.Context, route string) ([]transit.Sample, error)
}

// MultiRouteFeed is a Feed whose endpoint covers every route at once. PollRoutes
// fetches the endpoint a single time and returns the samples of all routes.
type MultiRouteFeed interface {
	Feed
	PollRoutes(ctx context.Context, routes []string) ([]transit.Sample, error)
}

// StatusError is a non-200 reply from a feed endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status code: %d", e.Code) }

type Option func(*getter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *getter) { g.client = c }
}

// WithMaxElapsed bounds the total time spent retrying one poll.
func WithMaxElapsed(d time.Duration) Option {
	return func(g *getter) { g.maxElapsed = d }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *getter) {
		if l != nil {
			g.log = l
		}
	}
}

// getter performs GETs with exponential backoff. Transport errors and 5xx
// replies are retried; anything else fails at once.
type getter struct {
	client     *http.Client
	maxElapsed time.Duration
	log        *zap.SugaredLogger
}

func newGetter(opts []Option) *getter {
	g := &getter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxElapsed: 2 * time.Minute,
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *getter) get(ctx context.Context, url, accept, label string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = g.maxElapsed

	body, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(errors.Wrap(err, "creating request"))
		}
		req.Header.Set("Cache-Control", "no-cache")
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, errors.Wrap(err, "executing request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := &StatusError{Code: resp.StatusCode}
			if resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading body")
		}
		return data, nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		g.log.Warnw("feed request failed, backing off", "feed", label, "in", d, "error", err)
	})
	return body, err
}

// FilterRoutes keeps samples whose route is one of routes. Direction is not
// checked.
func FilterRoutes(samples []transit.Sample, routes []string) []transit.Sample {
	want := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		want[r] = struct{}{}
	}
	out := make([]transit.Sample, 0, len(samples))
	for _, s := range samples {
		if _, ok := want[s.Route]; ok {
			out = append(out, s)
		}
	}
	return out
}

// AvailableRoutes lists the distinct route/direction pairs present in samples,
// in first-seen order. Samples without a direction are ignored.
func AvailableRoutes(samples []transit.Sample) []transit.RouteKey {
	seen := make(map[transit.RouteKey]struct{})
	var out []transit.RouteKey
	for _, s := range samples {
		if s.Route == "" || s.Direction == "" {
			continue
		}
		k := s.RouteKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
