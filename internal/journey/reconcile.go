package journey

import (
	"github.com/davidread/bus-timeliness/internal/transit"
)

// Fixed leading columns of a journey row; stop columns follow from StopColumn.
const (
	DateColumn = 1
	BusColumn  = 2
	TripColumn = 3
	StopColumn = 4

	// FirstDataRow is the row number of the first journey, below the header.
	FirstDataRow = 2
)

// Record is one persisted journey row. Row is the 1-based row number in the
// table, the header being row 1. Times maps stop name to HH:MM:SS.
type Record struct {
	Row    int
	Date   string
	BusID  string
	TripID string
	Times  map[string]string
}

// EarliestTime is the time at the first stop, in stop order, that has one.
func (r Record) EarliestTime(stopOrder []string) string {
	return earliest(r.Times, stopOrder)
}

type CellUpdate struct {
	Row   int
	Col   int
	Value string
}

// Decision explains how one (date, bus) group of arrivals was placed.
type Decision struct {
	Date     string
	BusID    string
	Earliest string
	Row      int // existing row continued, 0 when a new row is appended
	Cells    int // stop-times written
}

// Plan is the set of writes that brings a journey table up to date.
type Plan struct {
	Append    [][]string
	Updates   []CellUpdate
	Decisions []Decision
}

func (p Plan) Empty() bool { return len(p.Append) == 0 && len(p.Updates) == 0 }

// Header is the first row of a journey table for the given stop order.
func Header(stopOrder []string) []string {
	h := make([]string, 0, StopColumn-1+len(stopOrder))
	h = append(h, "Date", "Bus_ID", "Trip_ID")
	return append(h, stopOrder...)
}

type groupKey struct {
	date  string
	busID string
}

// Reconcile decides, for each (date, bus) in events, whether its arrivals
// continue an existing journey row or start a new one. Within a batch the first
// time seen for a stop wins. Arrivals at stops not in stopOrder are ignored.
// Existing cells are never overwritten.
func Reconcile(events []transit.ArrivalEvent, existing []Record, stopOrder []string) Plan {
	var plan Plan
	if len(events) == 0 {
		return plan
	}

	var order []groupKey
	groups := make(map[groupKey]map[string]string)
	tripByBus := make(map[string]string)
	for _, ev := range events {
		k := groupKey{date: ev.Timestamp.Format(DateLayout), busID: ev.BusID}
		times, ok := groups[k]
		if !ok {
			times = make(map[string]string)
			groups[k] = times
			order = append(order, k)
		}
		if _, seen := times[ev.StopName]; !seen {
			times[ev.StopName] = ev.Timestamp.Format(TimeLayout)
		}
		if _, ok := tripByBus[ev.BusID]; !ok {
			tripByBus[ev.BusID] = ev.TripID
		}
	}

	type openJourney struct {
		record   Record
		earliest string
	}
	open := make(map[groupKey][]openJourney)
	for _, r := range existing {
		if r.Date == "" || r.BusID == "" {
			continue
		}
		e := r.EarliestTime(stopOrder)
		if e == "" {
			continue
		}
		k := groupKey{date: r.Date, busID: r.BusID}
		open[k] = append(open[k], openJourney{record: r, earliest: e})
	}

	for _, k := range order {
		times := groups[k]
		first := earliest(times, stopOrder)
		if first == "" {
			continue
		}

		var match *openJourney
		for i := range open[k] {
			if IsSameJourney(first, open[k][i].earliest) {
				match = &open[k][i]
				break
			}
		}

		if match != nil {
			n := 0
			for i, stop := range stopOrder {
				t, ok := times[stop]
				if !ok || match.record.Times[stop] != "" {
					continue
				}
				plan.Updates = append(plan.Updates, CellUpdate{Row: match.record.Row, Col: StopColumn + i, Value: t})
				n++
			}
			plan.Decisions = append(plan.Decisions, Decision{Date: k.date, BusID: k.busID, Earliest: match.earliest, Row: match.record.Row, Cells: n})
			continue
		}

		row := make([]string, 0, StopColumn-1+len(stopOrder))
		row = append(row, k.date, k.busID, tripByBus[k.busID])
		n := 0
		for _, stop := range stopOrder {
			t := times[stop]
			if t != "" {
				n++
			}
			row = append(row, t)
		}
		plan.Append = append(plan.Append, row)
		plan.Decisions = append(plan.Decisions, Decision{Date: k.date, BusID: k.busID, Earliest: first, Cells: n})
	}
	return plan
}

func earliest(times map[string]string, stopOrder []string) string {
	for _, stop := range stopOrder {
		if t := times[stop]; t != "" {
			return t
		}
	}
	return ""
}
