// Package seats tracks attendee counts for seated event types, keyed by exact slot start.
package seats

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// State is the occupancy of one seated slot.
type State struct {
	SlotTime      time.Time `json:"startTime"`
	AttendeeCount int       `json:"attendees"`
	BookingRef    string    `json:"uid"`
}

// Occupancy is one raw reservation row: Attendees seats taken at SlotStart.
type Occupancy struct {
	SlotStart time.Time
	Attendees int
}

// RefFunc names a seat entry created for a slot time that had no booking yet.
type RefFunc func(slotTime time.Time) string

// States is the seat state of an event, in the order it was folded.
type States []State

// Occupied reports whether a seated booking starts exactly at at.
func (s States) Occupied(at time.Time) bool {
	_, ok := s.Lookup(at)
	return ok
}

func (s States) Lookup(at time.Time) (State, bool) {
	for _, state := range s {
		if state.SlotTime.Equal(at) {
			return state, true
		}
	}
	return State{}, false
}

// Fold merges raw occupancy rows into prior.
//
// Rows whose start already exists in prior increment that entry; the rest are summed per
// start time and appended as new entries in chronological order, named by ref. Entries
// left with zero attendees are dropped. prior is not modified.
func Fold(rows []Occupancy, prior States, ref RefFunc) States {
	out := make(States, len(prior))
	copy(out, prior)

	index := make(map[int64]int, len(out))
	for i, state := range out {
		index[state.SlotTime.UnixNano()] = i
	}

	fresh := map[int64]*State{}
	for _, row := range rows {
		key := row.SlotStart.UnixNano()
		if i, ok := index[key]; ok {
			out[i].AttendeeCount += row.Attendees
			continue
		}
		if state, ok := fresh[key]; ok {
			state.AttendeeCount += row.Attendees
			continue
		}
		fresh[key] = &State{SlotTime: row.SlotStart.UTC(), AttendeeCount: row.Attendees}
	}

	added := make(States, 0, len(fresh))
	for _, state := range fresh {
		if ref != nil {
			state.BookingRef = ref(state.SlotTime)
		}
		added = append(added, *state)
	}
	slices.SortFunc(added, func(a, b State) int { return a.SlotTime.Compare(b.SlotTime) })

	out = append(out, added...)
	return slices.DeleteFunc(out, func(s State) bool { return s.AttendeeCount <= 0 })
}

// DeterministicRef derives stable refs from namespace and slot time, so folding the same
// rows twice names the synthetic entries identically.
func DeterministicRef(namespace string) RefFunc {
	return func(slotTime time.Time) string {
		name := namespace + "/" + slotTime.UTC().Format(time.RFC3339Nano)
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
	}
}
