package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// Route is one entry of the routes file.
type Route struct {
	Route         string      `json:"route"`
	TimetableFile string      `json:"timetableFile"`
	TimetableURL  string      `json:"timetableUrl"`
	Directions    []Direction `json:"directions"`
}

type Direction struct {
	Name                string   `json:"name"`
	DestinationKeywords []string `json:"destinationKeywords"`
	GTFSDirectionID     *int     `json:"gtfsDirectionId,omitempty"`
}

func (r Route) Keys() []transit.RouteKey {
	keys := make([]transit.RouteKey, len(r.Directions))
	for i, d := range r.Directions {
		keys[i] = transit.RouteKey{Route: r.Route, Direction: d.Name}
	}
	return keys
}

// TimetablePath resolves the timetable file against dir, defaulting to
// <dir>/<route>.xml.
func (r Route) TimetablePath(dir string) string {
	switch {
	case r.TimetableFile == "":
		return filepath.Join(dir, r.Route+".xml")
	case filepath.IsAbs(r.TimetableFile):
		return r.TimetableFile
	default:
		return filepath.Join(dir, r.TimetableFile)
	}
}

// LoadRoutes reads and validates the routes file.
func LoadRoutes(path string) ([]Route, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read routes file")
	}
	var routes []Route
	if err := json.Unmarshal(b, &routes); err != nil {
		return nil, errors.Wrapf(err, "parse routes file %s", path)
	}
	routes = NormalizeRoutes(routes)
	if err := ValidateRoutes(routes); err != nil {
		return nil, errors.Wrapf(err, "routes file %s", path)
	}
	return routes, nil
}

// NormalizeRoutes trims surrounding space from route and direction names and
// destination keywords, so the names match the feed exactly.
func NormalizeRoutes(routes []Route) []Route {
	out := make([]Route, len(routes))
	for i, r := range routes {
		r.Route = strings.TrimSpace(r.Route)
		r.TimetableFile = strings.TrimSpace(r.TimetableFile)
		r.TimetableURL = strings.TrimSpace(r.TimetableURL)
		dirs := make([]Direction, len(r.Directions))
		for j, d := range r.Directions {
			d.Name = strings.TrimSpace(d.Name)
			kws := make([]string, 0, len(d.DestinationKeywords))
			for _, kw := range d.DestinationKeywords {
				if kw = strings.TrimSpace(kw); kw != "" {
					kws = append(kws, kw)
				}
			}
			d.DestinationKeywords = kws
			dirs[j] = d
		}
		r.Directions = dirs
		out[i] = r
	}
	return out
}

// ValidateRoutes checks names are present and unique. Route names may not
// contain "_": the journey table of a route/direction is named
// <route>_<direction>, and an underscore in the route would let two keys
// share a table.
func ValidateRoutes(routes []Route) error {
	if len(routes) == 0 {
		return errors.New("no routes configured")
	}
	seenRoute := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		name := strings.TrimSpace(r.Route)
		if name == "" {
			return errors.Errorf("route %d has no name", i+1)
		}
		if strings.Contains(name, "_") {
			return errors.Errorf("route %q contains \"_\"", name)
		}
		if _, dup := seenRoute[name]; dup {
			return errors.Errorf("duplicate route %q", name)
		}
		seenRoute[name] = struct{}{}
		if len(r.Directions) == 0 {
			return errors.Errorf("route %q has no directions", name)
		}
		seenDir := make(map[string]struct{}, len(r.Directions))
		for _, d := range r.Directions {
			dir := strings.TrimSpace(d.Name)
			if dir == "" {
				return errors.Errorf("route %q has a direction with no name", name)
			}
			if _, dup := seenDir[dir]; dup {
				return errors.Errorf("duplicate direction %q on route %q", dir, name)
			}
			seenDir[dir] = struct{}{}
		}
	}
	return nil
}

// RouteNames lists configured route names in file order.
func RouteNames(routes []Route) []string {
	names := make([]string, len(routes))
	for i, r := range routes {
		names[i] = r.Route
	}
	return names
}

// RouteKeys lists every configured route/direction in file order.
func RouteKeys(routes []Route) []transit.RouteKey {
	var keys []transit.RouteKey
	for _, r := range routes {
		keys = append(keys, r.Keys()...)
	}
	return keys
}
