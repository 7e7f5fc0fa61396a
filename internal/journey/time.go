package journey

import "time"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"

	// SameJourneyWindow is the largest gap, exclusive, between the earliest
	// stop-times of two runs that are still treated as one journey.
	SameJourneyWindow = 3 * time.Hour

	dayBoundaryGap = 12 * time.Hour
)

// IsSameJourney reports whether two HH:MM:SS times of day belong to the same run.
// When they are more than 12 hours apart the one before noon is moved to the
// next day, so 23:30 and 01:00 are 90 minutes apart. Unparseable times never
// match.
func IsSameJourney(a, b string) bool {
	ta, err := time.Parse(TimeLayout, a)
	if err != nil {
		return false
	}
	tb, err := time.Parse(TimeLayout, b)
	if err != nil {
		return false
	}

	if absDuration(ta.Sub(tb)) > dayBoundaryGap {
		switch {
		case ta.Hour() < 12 && tb.Hour() > 12:
			ta = ta.Add(24 * time.Hour)
		case tb.Hour() < 12 && ta.Hour() > 12:
			tb = tb.Add(24 * time.Hour)
		}
	}
	return absDuration(ta.Sub(tb)) < SameJourneyWindow
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
