// Package availability holds the pure slot computations: candidate generation, the
// per-host availability predicate, working-hours aggregation and booking-period bounds.
// Nothing here touches storage; every function is a pure function of its inputs.
package availability

import (
	"fmt"
	"slices"
	"time"
)

const minutesPerDay = 24 * 60

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BusyInterval is a host-specific blocked interval.
type BusyInterval = TimeRange

// Overlaps reports whether r and o share any instant. Touching intervals do not overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return o.End.After(r.Start) && o.Start.Before(r.End)
}

// Contains reports whether o lies entirely inside r.
func (r TimeRange) Contains(o TimeRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

func (r TimeRange) Empty() bool {
	return !r.Start.Before(r.End)
}

// WorkingHours is a recurring weekly window expressed in minutes of the host's local day.
type WorkingHours struct {
	Days        []time.Weekday `json:"days"`
	StartMinute int            `json:"startTime"`
	EndMinute   int            `json:"endTime"`

	// Set by Aggregate to the originating host.
	HostID   int64  `json:"userId,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

func (w WorkingHours) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= w.EndMinute || w.EndMinute > minutesPerDay {
		return fmt.Errorf("working hours %d-%d out of range", w.StartMinute, w.EndMinute)
	}
	for _, day := range w.Days {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("invalid weekday %d", day)
		}
	}
	return nil
}

func (w WorkingHours) AppliesTo(day time.Weekday) bool {
	return slices.Contains(w.Days, day)
}

// ContainsMinute reports whether minute-of-day falls inside [StartMinute, EndMinute).
func (w WorkingHours) ContainsMinute(minute int) bool {
	return minute >= w.StartMinute && minute < w.EndMinute
}

// Window returns the absolute interval the entry covers on day, interpreted in loc.
func (w WorkingHours) Window(day Date, loc *time.Location) TimeRange {
	return TimeRange{
		Start: time.Date(day.Year, day.Month, day.Day, 0, w.StartMinute, 0, 0, loc),
		End:   time.Date(day.Year, day.Month, day.Day, 0, w.EndMinute, 0, 0, loc),
	}
}

// DateOverride replaces a host's working hours for one calendar date. Start == End marks
// the host as unavailable for the whole date.
type DateOverride struct {
	Date  Date      `json:"date"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	HostID int64 `json:"userId,omitempty"`
}

// LocalDate returns the override's calendar date, deriving it from Start in loc when unset.
func (o DateOverride) LocalDate(loc *time.Location) Date {
	if !o.Date.IsZero() {
		return o.Date
	}
	return DateOf(o.Start.In(loc))
}

func (o DateOverride) Window() TimeRange {
	return TimeRange{Start: o.Start, End: o.End}
}

func (o DateOverride) Blocked() bool {
	return o.Start.Equal(o.End)
}

// HostAvailability is the raw availability of one host for a query window.
type HostAvailability struct {
	HostID        int64
	Username      string
	TimeZone      string
	WorkingHours  []WorkingHours
	DateOverrides []DateOverride
	Busy          []BusyInterval
	IsFixed       bool
}

// Location resolves the host's time zone, falling back to UTC.
func (h HostAvailability) Location() *time.Location {
	loc, err := LoadLocation(h.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type SchedulingType string

const (
	SchedulingNone       SchedulingType = ""
	SchedulingCollective SchedulingType = "collective"
	SchedulingRoundRobin SchedulingType = "round_robin"
)

// Slot is a candidate start time together with the hosts it can be assigned to.
type Slot struct {
	Time    time.Time
	UserIDs []int64
}

// LoadLocation resolves an IANA zone name; the empty name resolves to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}
