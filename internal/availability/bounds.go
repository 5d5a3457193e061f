package availability

import "time"

type PeriodType string

const (
	PeriodUnlimited PeriodType = "unlimited"
	PeriodRolling   PeriodType = "rolling"
	PeriodRange     PeriodType = "range"
)

// Period is an event's booking-window policy.
type Period struct {
	Type PeriodType
	// Rolling window length; business days unless CountCalendarDays.
	Days              int
	CountCalendarDays bool
	// Inclusive calendar dates for PeriodRange.
	StartDate Date
	EndDate   Date
}

// OutOfBounds reports whether t falls outside the period, judged from now in loc.
func (p Period) OutOfBounds(t, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	switch p.Type {
	case PeriodRolling:
		today := DateOf(now.In(loc))
		var last Date
		if p.CountCalendarDays {
			last = today.AddDays(p.Days)
		} else {
			last = addBusinessDays(today, p.Days)
		}
		return !t.Before(last.AddDays(1).Midnight(loc))
	case PeriodRange:
		if p.StartDate.IsZero() || p.EndDate.IsZero() {
			return false
		}
		first := p.StartDate.Midnight(loc)
		after := p.EndDate.AddDays(1).Midnight(loc)
		return t.Before(first) || !t.Before(after)
	default:
		return false
	}
}

func addBusinessDays(from Date, n int) Date {
	day := from
	for added := 0; added < n; {
		day = day.AddDays(1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			added++
		}
	}
	return day
}
