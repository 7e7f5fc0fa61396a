package stops

import (
	"context"
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

var (
	ErrUnknownRoute     = errors.New("route not configured")
	ErrUnknownDirection = errors.New("direction not configured")
)

// Timetable locates the TransXChange document of one route. Directions maps a
// direction name to the destination keywords that identify its stops.
type Timetable struct {
	Route      string
	Path       string
	URL        string
	Directions map[string][]string
}

// TransXChangeSource reads stop lists from TransXChange timetable files on disk.
type TransXChangeSource struct {
	timetables map[string]Timetable
	log        *zap.SugaredLogger
}

func NewTransXChangeSource(timetables []Timetable, log *zap.SugaredLogger) *TransXChangeSource {
	m := make(map[string]Timetable, len(timetables))
	for _, tt := range timetables {
		m[tt.Route] = tt
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TransXChangeSource{timetables: m, log: log}
}

func (s *TransXChangeSource) Stops(_ context.Context, key transit.RouteKey) ([]transit.Stop, error) {
	tt, ok := s.timetables[key.Route]
	if !ok {
		return nil, errors.Wrap(ErrUnknownRoute, key.Route)
	}
	keywords, ok := tt.Directions[key.Direction]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDirection, "%s %s", key.Route, key.Direction)
	}

	f, err := os.Open(tt.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open timetable for %s", key.Route)
	}
	defer f.Close()

	stops, err := ParseTransXChange(f, keywords)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", tt.Path)
	}
	located := 0
	for _, st := range stops {
		if _, _, ok := st.Coordinates(); ok {
			located++
		}
	}
	s.log.Infow("loaded stops", "route", key.Route, "direction", key.Direction, "stops", len(stops), "located", located)
	return stops, nil
}

type txcStopRef struct {
	StopPointRef string `xml:"StopPointRef"`
	CommonName   string `xml:"CommonName"`
}

type txcLocation struct {
	Latitude     string `xml:"Latitude"`
	Longitude    string `xml:"Longitude"`
	TranslatedLa string `xml:"Translation>Latitude"`
	TranslatedLo string `xml:"Translation>Longitude"`
}

func (l txcLocation) coordinates() (lat, lon float64, ok bool) {
	la, lo := l.Latitude, l.Longitude
	if la == "" || lo == "" {
		la, lo = l.TranslatedLa, l.TranslatedLo
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(la), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

type txcRouteLink struct {
	From     string `xml:"From>StopPointRef"`
	To       string `xml:"To>StopPointRef"`
	Mappings []struct {
		Locations []txcLocation `xml:"Location"`
	} `xml:"Track>Mapping"`
}

type txcLinkEnd struct {
	StopPointRef              string `xml:"StopPointRef"`
	DynamicDestinationDisplay *string `xml:"DynamicDestinationDisplay"`
}

type txcTimingLink struct {
	From txcLinkEnd `xml:"From"`
	To   txcLinkEnd `xml:"To"`
}

// ParseTransXChange extracts the ordered stops of one direction. A stop belongs
// to the direction when its destination display contains any keyword, ignoring
// case. Coordinates come from route link tracks: the first track point locates
// the link's origin stop and the last point its destination, first assignment
// winning. Stops never located keep unknown coordinates.
func ParseTransXChange(r io.Reader, keywords []string) ([]transit.Stop, error) {
	names := make(map[string]string)
	type coord struct{ lat, lon float64 }
	coords := make(map[string]coord)
	var links []txcTimingLink

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode transxchange")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "AnnotatedStopPointRef":
			var ref txcStopRef
			if err := dec.DecodeElement(&ref, &se); err != nil {
				return nil, errors.Wrap(err, "decode stop point")
			}
			if ref.StopPointRef != "" {
				names[ref.StopPointRef] = strings.TrimSpace(ref.CommonName)
			}
		case "RouteLink":
			var rl txcRouteLink
			if err := dec.DecodeElement(&rl, &se); err != nil {
				return nil, errors.Wrap(err, "decode route link")
			}
			for _, m := range rl.Mappings {
				if len(m.Locations) == 0 {
					continue
				}
				if lat, lon, ok := m.Locations[0].coordinates(); ok && rl.From != "" {
					if _, seen := coords[rl.From]; !seen {
						coords[rl.From] = coord{lat, lon}
					}
				}
				if lat, lon, ok := m.Locations[len(m.Locations)-1].coordinates(); ok && rl.To != "" {
					if _, seen := coords[rl.To]; !seen {
						coords[rl.To] = coord{lat, lon}
					}
				}
				break
			}
		case "JourneyPatternTimingLink":
			var tl txcTimingLink
			if err := dec.DecodeElement(&tl, &se); err != nil {
				return nil, errors.Wrap(err, "decode timing link")
			}
			links = append(links, tl)
		}
	}

	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}

	var result []transit.Stop
	seen := make(map[string]struct{})
	for _, tl := range links {
		for _, end := range []txcLinkEnd{tl.From, tl.To} {
			if end.DynamicDestinationDisplay == nil || end.StopPointRef == "" {
				continue
			}
			name, ok := names[end.StopPointRef]
			if !ok || name == "" {
				continue
			}
			if !matchesAny(strings.ToLower(*end.DynamicDestinationDisplay), lowered) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			st := transit.Stop{Name: name, AtcoCode: end.StopPointRef}
			if c, ok := coords[end.StopPointRef]; ok {
				st = transit.LocatedStop(name, end.StopPointRef, c.lat, c.lon)
			}
			result = append(result, st)
		}
	}
	return result, nil
}

func matchesAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
