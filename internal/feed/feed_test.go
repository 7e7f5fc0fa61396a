package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidread/bus-timeliness/internal/transit"
)

func TestFilterRoutes(t *testing.T) {
	samples := []transit.Sample{
		{BusID: "1", Route: "TUBE", Direction: "inbound"},
		{BusID: "2", Route: "X90", Direction: "outbound"},
		{BusID: "3", Route: "TUBE", Direction: "sideways"},
		{BusID: "4", Route: ""},
	}

	tests := []struct {
		name   string
		routes []string
		expect []string
	}{
		{name: "single route keeps every direction", routes: []string{"TUBE"}, expect: []string{"1", "3"}},
		{name: "several routes", routes: []string{"X90", "TUBE"}, expect: []string{"1", "2", "3"}},
		{name: "nothing configured", routes: nil, expect: []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterRoutes(samples, tc.routes)
			ids := make([]string, 0, len(got))
			for _, s := range got {
				ids = append(ids, s.BusID)
			}
			assert.Equal(t, tc.expect, ids)
		})
	}
}

func TestAvailableRoutes(t *testing.T) {
	got := AvailableRoutes([]transit.Sample{
		{Route: "TUBE", Direction: "inbound"},
		{Route: "TUBE", Direction: ""},
		{Route: "TUBE", Direction: "inbound"},
		{Route: "X90", Direction: "outbound"},
	})
	assert.Equal(t, []transit.RouteKey{
		{Route: "TUBE", Direction: "inbound"},
		{Route: "X90", Direction: "outbound"},
	}, got)
}
