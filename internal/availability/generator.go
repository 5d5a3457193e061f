package availability

import (
	"iter"
	"slices"
	"time"
)

// GenerateParams describes one organizer-local day of candidate generation.
type GenerateParams struct {
	Day           Date
	EventLength   time.Duration
	WorkingHours  []WorkingHours
	DateOverrides []DateOverride
	// Frequency defaults to EventLength when zero.
	Frequency     time.Duration
	MinimumNotice time.Duration
	Location      *time.Location
	Now           time.Time
}

// Generate yields the candidate slot starts for p.Day in chronological order.
//
// The bounding windows are the day's date overrides when any exist, otherwise the
// working-hour entries whose weekday matches. Candidates step by Frequency from each
// window's start and must end inside the window. Candidates earlier than
// Now+MinimumNotice are dropped. The sequence may be ranged over any number of times.
func Generate(p GenerateParams) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for _, candidate := range candidates(p) {
			if !yield(candidate) {
				return
			}
		}
	}
}

func candidates(p GenerateParams) []time.Time {
	if p.EventLength <= 0 {
		return nil
	}
	frequency := p.Frequency
	if frequency <= 0 {
		frequency = p.EventLength
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	earliest := p.Now.Add(p.MinimumNotice)

	var out []time.Time
	for _, window := range dayWindows(p.Day, p.WorkingHours, p.DateOverrides, loc) {
		for start := window.Start; !start.Add(p.EventLength).After(window.End); start = start.Add(frequency) {
			if start.Before(earliest) {
				continue
			}
			out = append(out, start)
		}
	}

	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(out, func(a, b time.Time) bool { return a.Equal(b) })
}

func dayWindows(day Date, workingHours []WorkingHours, overrides []DateOverride, loc *time.Location) []TimeRange {
	var (
		windows    []TimeRange
		overridden bool
	)
	for _, override := range overrides {
		if override.LocalDate(loc) != day {
			continue
		}
		overridden = true
		if window := override.Window(); !window.Empty() {
			windows = append(windows, window)
		}
	}
	if overridden {
		return windows
	}

	weekday := day.Weekday()
	for _, entry := range workingHours {
		if !entry.AppliesTo(weekday) {
			continue
		}
		windows = append(windows, entry.Window(day, loc))
	}
	return windows
}
