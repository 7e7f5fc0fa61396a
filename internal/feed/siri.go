package feed

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

const DefaultBODSURL = "https://data.bus-data.dft.gov.uk/api/v1/datafeed/"

// SIRIFeed polls the BODS SIRI-VM datafeed, one request per line.
type SIRIFeed struct {
	baseURL string
	apiKey  string
	dumpDir string
	g       *getter
}

func NewSIRIFeed(baseURL, apiKey string, opts ...Option) *SIRIFeed {
	if baseURL == "" {
		baseURL = DefaultBODSURL
	}
	return &SIRIFeed{baseURL: baseURL, apiKey: apiKey, g: newGetter(opts)}
}

// DumpResponses keeps the last raw response per line in dir as
// api_response_<line>.xml.
func (f *SIRIFeed) DumpResponses(dir string) { f.dumpDir = dir }

func (f *SIRIFeed) Poll(ctx context.Context, route string) ([]transit.Sample, error) {
	params := url.Values{}
	params.Set("api_key", f.apiKey)
	params.Set("lineRef", route)

	body, err := f.g.get(ctx, f.baseURL+"?"+params.Encode(), "application/xml", "siri-vm")
	if err != nil {
		return nil, errors.Wrapf(err, "bods datafeed for %s", route)
	}
	if f.dumpDir != "" {
		path := filepath.Join(f.dumpDir, "api_response_"+strings.ReplaceAll(route, string(filepath.Separator), "_")+".xml")
		if err := os.WriteFile(path, body, 0o644); err != nil {
			f.g.log.Warnw("could not save api response", "path", path, "error", err)
		}
	}

	samples, err := ParseSIRI(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "parse datafeed for %s", route)
	}
	f.g.log.Debugw("parsed siri-vm", "route", route, "vehicles", len(samples))
	return samples, nil
}

type siriActivity struct {
	RecordedAtTime string `xml:"RecordedAtTime"`
	Journey        struct {
		LineRef      string `xml:"LineRef"`
		DirectionRef string `xml:"DirectionRef"`
		VehicleRef   string `xml:"VehicleRef"`
		Location     struct {
			Longitude string `xml:"Longitude"`
			Latitude  string `xml:"Latitude"`
		} `xml:"VehicleLocation"`
	} `xml:"MonitoredVehicleJourney"`
}

// ParseSIRI reads the VehicleActivity entries of a SIRI-VM delivery. Entries
// without a vehicle, line or usable position are dropped. The trip id is
// <line>_<vehicle> since the feed carries no stable journey reference. An
// empty document yields no samples.
func ParseSIRI(r io.Reader) ([]transit.Sample, error) {
	var samples []transit.Sample
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode siri")
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "VehicleActivity" {
			continue
		}
		var va siriActivity
		if err := dec.DecodeElement(&va, &se); err != nil {
			return nil, errors.Wrap(err, "decode vehicle activity")
		}
		if s, ok := va.sample(); ok {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

func (va siriActivity) sample() (transit.Sample, bool) {
	j := va.Journey
	vehicle := strings.TrimSpace(j.VehicleRef)
	line := strings.TrimSpace(j.LineRef)
	if vehicle == "" || line == "" {
		return transit.Sample{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(j.Location.Latitude), 64)
	if err != nil {
		return transit.Sample{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(j.Location.Longitude), 64)
	if err != nil {
		return transit.Sample{}, false
	}
	var ts time.Time
	if v := strings.TrimSpace(va.RecordedAtTime); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			ts = t
		}
	}
	return transit.Sample{
		BusID:     vehicle,
		TripID:    line + "_" + vehicle,
		Route:     line,
		Direction: strings.TrimSpace(j.DirectionRef),
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts,
	}, true
}
