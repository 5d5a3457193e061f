package availability

import "time"

// Rule names the check that settled an availability decision.
type Rule string

const (
	RuleSeatBooked   Rule = "seat_booked"
	RuleOverride     Rule = "override"
	RuleWorkingHours Rule = "working_hours"
	RuleBusy         Rule = "busy"
	RuleFree         Rule = "free"
)

// Decision is the outcome of Evaluate together with the rule that produced it.
type Decision struct {
	Available bool
	Rule      Rule
}

// SeatOccupancy reports whether a seated booking already starts at an instant.
type SeatOccupancy interface {
	Occupied(at time.Time) bool
}

// CheckInput is everything the predicate needs to judge one candidate for one host.
type CheckInput struct {
	Candidate     time.Time
	EventLength   time.Duration
	Busy          []BusyInterval
	DateOverrides []DateOverride
	WorkingHours  []WorkingHours
	Seats         SeatOccupancy
	// Location buckets override dates and working-hour minutes. Nil means UTC.
	Location *time.Location
}

type verdict int

const (
	pass verdict = iota
	allow
	deny
)

type evaluation struct {
	CheckInput
	slot       TimeRange
	localStart time.Time
	overridden bool
}

type rule struct {
	name  Rule
	check func(*evaluation) verdict
}

// rules run top to bottom; the first allow or deny wins.
var rules = []rule{
	{name: RuleSeatBooked, check: checkSeatBooked},
	{name: RuleOverride, check: checkOverride},
	{name: RuleWorkingHours, check: checkWorkingHours},
	{name: RuleBusy, check: checkBusy},
}

// Evaluate runs the ordered availability rules for in.Candidate.
func Evaluate(in CheckInput) Decision {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	ev := &evaluation{
		CheckInput: in,
		slot: TimeRange{
			Start: in.Candidate.UTC(),
			End:   in.Candidate.Add(in.EventLength).UTC(),
		},
		localStart: in.Candidate.In(loc),
	}
	ev.Location = loc

	for _, r := range rules {
		switch r.check(ev) {
		case allow:
			return Decision{Available: true, Rule: r.name}
		case deny:
			return Decision{Available: false, Rule: r.name}
		}
	}
	return Decision{Available: true, Rule: RuleFree}
}

// IsAvailable reports whether the candidate can be booked with the host described by in.
func IsAvailable(in CheckInput) bool {
	return Evaluate(in).Available
}

// Seated events stack attendees on an existing booking regardless of busy data.
func checkSeatBooked(ev *evaluation) verdict {
	if ev.Seats != nil && ev.Seats.Occupied(ev.Candidate) {
		return allow
	}
	return pass
}

// An override on the slot's local date replaces working hours: the slot must sit inside
// one of that date's override windows. Windows are half-open, so a slot ending exactly at
// an override's start or starting exactly at its end is outside.
func checkOverride(ev *evaluation) verdict {
	day := DateOf(ev.localStart)
	covered := false
	for _, override := range ev.DateOverrides {
		if override.LocalDate(ev.Location) != day {
			continue
		}
		covered = true
		if override.Blocked() {
			continue
		}
		if override.Window().Contains(ev.slot) {
			ev.overridden = true
			return pass
		}
	}
	if covered {
		return deny
	}
	return pass
}

func checkWorkingHours(ev *evaluation) verdict {
	if ev.overridden || len(ev.WorkingHours) == 0 {
		return pass
	}
	weekday := ev.localStart.Weekday()
	minute := ev.localStart.Hour()*60 + ev.localStart.Minute()
	for _, entry := range ev.WorkingHours {
		if entry.AppliesTo(weekday) && entry.ContainsMinute(minute) {
			return pass
		}
	}
	return deny
}

func checkBusy(ev *evaluation) verdict {
	for _, busy := range ev.Busy {
		if ev.slot.Overlaps(busy) {
			return deny
		}
	}
	return pass
}
