package slots

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/codr1/bookable/internal/apperr"
	"github.com/codr1/bookable/internal/availability"
	"github.com/codr1/bookable/internal/ledger"
	"github.com/codr1/bookable/internal/models"
	"github.com/codr1/bookable/internal/seats"
)

// ScheduleQuery is a request for the bookable slots of one event in [StartTime, EndTime).
// Exactly one of EventTypeID or Usernames identifies the event.
type ScheduleQuery struct {
	StartTime     string
	EndTime       string
	EventTypeID   int64
	EventTypeSlug string
	// TimeZone is the invitee's zone; slot times are rendered in it.
	TimeZone  string
	Usernames []string
	// Duration in minutes replaces the event length when positive.
	Duration int
	Debug    bool
}

type SlotView struct {
	Time       string   `json:"time"`
	Users      []string `json:"users"`
	Attendees  int      `json:"attendees,omitempty"`
	BookingUID string   `json:"bookingUid,omitempty"`
}

// Schedule maps organizer-local YYYY-MM-DD dates to their slots in chronological order.
type Schedule struct {
	Slots map[string][]SlotView `json:"slots"`
}

type hostData struct {
	models.Host
	fixed bool
	loc   *time.Location
	avail availability.HostAvailability
	seats []seats.State
}

type candidate struct {
	time  time.Time
	loose []int64
}

// scheduleRun carries one GetSchedule call through its stages.
type scheduleRun struct {
	query     ScheduleQuery
	start     time.Time
	end       time.Time
	invitee   *time.Location
	now       time.Time
	event     *models.EventType
	length    time.Duration
	frequency time.Duration
	organizer *time.Location

	hosts      []hostData
	holds      []ledger.Hold
	seats      seats.States
	candidates []candidate

	checks    int
	checkTime time.Duration
}

// GetSchedule resolves the event, fetches every host's availability concurrently and
// returns the slots that survive the host, hold and booking-period filters.
// It has no side effects beyond sweeping expired holds of the event.
func (s *Service) GetSchedule(ctx context.Context, q ScheduleQuery) (*Schedule, error) {
	started := time.Now()

	run, err := s.newRun(q)
	if err != nil {
		return nil, err
	}
	if run.event, err = s.resolveEvent(ctx, q); err != nil {
		return nil, err
	}
	run.applyEventSettings()

	if err := s.fetchHostAvailability(ctx, run); err != nil {
		return nil, err
	}
	fetched := time.Since(started)

	if err := s.loadHolds(ctx, run); err != nil {
		return nil, err
	}
	run.foldSeats()
	run.generateCandidates()
	generated := len(run.candidates)
	run.filterFixedHosts()
	run.filterLooseHosts()
	run.applyHolds()
	run.filterBounds()
	schedule := run.groupByDate()

	level := zerolog.DebugLevel
	if q.Debug {
		level = zerolog.InfoLevel
	}
	log.Ctx(ctx).WithLevel(level).
		Int64("event_type_id", run.event.ID).
		Int("hosts", len(run.hosts)).
		Int("candidates", generated).
		Int("slots", len(run.candidates)).
		Int("availability_checks", run.checks).
		Dur("availability_check_time", run.checkTime).
		Dur("fetch_time", fetched).
		Dur("duration", time.Since(started)).
		Msg("Schedule computed")

	return schedule, nil
}

func (s *Service) newRun(q ScheduleQuery) (*scheduleRun, error) {
	start, err := parseInstant("startTime", q.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := parseInstant("endTime", q.EndTime)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, apperr.InvalidInput("endTime must be after startTime")
	}
	if q.Duration < 0 {
		return nil, apperr.InvalidInput("duration must not be negative")
	}

	invitee := time.UTC
	if q.TimeZone != "" {
		if invitee, err = availability.LoadLocation(q.TimeZone); err != nil {
			return nil, apperr.InvalidInput("invalid timeZone %q", q.TimeZone)
		}
	}

	return &scheduleRun{
		query:   q,
		start:   start,
		end:     end,
		invitee: invitee,
		now:     s.clock.Now(),
	}, nil
}

func parseInstant(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, apperr.InvalidInput("%s is required", field)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.InvalidInput("invalid %s %q", field, raw)
	}
	return t.UTC(), nil
}

func (s *Service) resolveEvent(ctx context.Context, q ScheduleQuery) (*models.EventType, error) {
	switch {
	case q.EventTypeID > 0 && len(q.Usernames) > 0:
		return nil, apperr.InvalidInput("eventTypeId and usernameList are mutually exclusive")
	case q.EventTypeID > 0:
		et, err := s.events.EventTypeByID(ctx, q.EventTypeID)
		if err != nil {
			return nil, asUpstream(err, "load event type %d", q.EventTypeID)
		}
		return et, nil
	case len(q.Usernames) > 0:
		return s.dynamicEvent(ctx, q)
	default:
		return nil, apperr.InvalidInput("either eventTypeId or usernameList is required")
	}
}

// dynamicEvent assembles an unsaved event hosted by every listed user, all fixed.
func (s *Service) dynamicEvent(ctx context.Context, q ScheduleQuery) (*models.EventType, error) {
	var usernames []string
	for _, name := range q.Usernames {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(usernames, name) {
			usernames = append(usernames, name)
		}
	}
	if len(usernames) == 0 {
		return nil, apperr.InvalidInput("usernameList is empty")
	}

	users, err := s.events.UsersByUsername(ctx, usernames)
	if err != nil {
		return nil, asUpstream(err, "load users")
	}
	if len(users) != len(usernames) {
		found := make(map[string]bool, len(users))
		for _, u := range users {
			found[u.Username] = true
		}
		var missing []string
		for _, name := range usernames {
			if !found[name] {
				missing = append(missing, name)
			}
		}
		return nil, apperr.NotFound("users not found: %s", strings.Join(missing, ", "))
	}

	et := &models.EventType{
		Slug:    slug.Make(q.EventTypeSlug),
		Title:   "Dynamic",
		Length:  models.DefaultDynamicLength,
		Period:  availability.Period{Type: availability.PeriodUnlimited},
		Dynamic: true,
	}
	if et.Slug == "" {
		et.Slug = "dynamic"
	}
	for _, u := range users {
		if !u.AllowDynamicBooking {
			return nil, apperr.Unauthorized("%s does not allow dynamic booking", u.Username)
		}
		et.Hosts = append(et.Hosts, models.Host{
			UserID:   u.ID,
			Username: u.Username,
			TimeZone: u.TimeZone,
			IsFixed:  true,
		})
	}
	return et, nil
}

func asUpstream(err error, format string, args ...any) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Upstream(err, format, args...)
}

func (r *scheduleRun) applyEventSettings() {
	r.length = r.event.LengthDuration()
	if r.query.Duration > 0 {
		r.length = time.Duration(r.query.Duration) * time.Minute
	}
	r.frequency = r.event.Frequency()
	if r.event.SlotInterval == 0 {
		r.frequency = r.length
	}
}

// fixedHost reports whether h must attend every slot. Only round-robin events have
// loose hosts.
func (r *scheduleRun) fixedHost(h models.Host) bool {
	if r.event.SchedulingType != availability.SchedulingRoundRobin {
		return true
	}
	return h.IsFixed
}

// fetchHostAvailability loads every host concurrently. Any failure fails the request:
// silently dropping a host would change which slots are valid.
func (s *Service) fetchHostAvailability(ctx context.Context, r *scheduleRun) error {
	r.hosts = make([]hostData, len(r.event.Hosts))

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range r.event.Hosts {
		g.Go(func() error {
			ua, err := s.availability.UserAvailability(gctx, models.AvailabilityQuery{
				UserID:       h.UserID,
				DateFrom:     r.start,
				DateTo:       r.end,
				EventTypeID:  r.event.ID,
				BeforeBuffer: r.event.BeforeBuffer,
				AfterBuffer:  r.event.AfterBuffer,
				Duration:     r.query.Duration,
				ScheduleID:   r.event.ScheduleID,
				Seated:       r.event.Seated(),
			})
			if err != nil {
				return apperr.Upstream(err, "availability of user %d", h.UserID)
			}
			loc, err := availability.LoadLocation(ua.TimeZone)
			if err != nil {
				return apperr.Upstream(err, "availability of user %d", h.UserID)
			}

			fixed := r.fixedHost(h)
			r.hosts[i] = hostData{
				Host:  h,
				fixed: fixed,
				loc:   loc,
				avail: availability.HostAvailability{
					HostID:        h.UserID,
					Username:      h.Username,
					TimeZone:      ua.TimeZone,
					WorkingHours:  ua.WorkingHours,
					DateOverrides: ua.DateOverrides,
					Busy:          ua.Busy,
					IsFixed:       fixed,
				},
				seats: ua.CurrentSeats,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	zone := r.event.OrganizerTimeZone()
	if r.event.TimeZone == "" && r.event.ScheduleTimeZone == "" && len(r.hosts) > 0 {
		// The first host's schedule zone beats the zone on their profile.
		zone = r.hosts[0].avail.TimeZone
	}
	loc, err := availability.LoadLocation(zone)
	if err != nil {
		return apperr.Upstream(err, "organizer time zone of event %d", r.event.ID)
	}
	r.organizer = loc
	return nil
}

func (s *Service) loadHolds(ctx context.Context, r *scheduleRun) error {
	if s.ledger == nil || len(r.hosts) == 0 {
		return nil
	}
	holds, err := s.ledger.Active(ctx, r.event.HostIDs())
	if err != nil {
		return apperr.Upstream(err, "load slot holds")
	}
	r.holds = holds

	if r.event.ID != 0 {
		if err := s.ledger.SweepExpired(ctx, r.event.ID, holds); err != nil {
			log.Ctx(ctx).Warn().Err(err).Int64("event_type_id", r.event.ID).Msg("Failed to sweep slot holds")
		}
	}
	return nil
}

// foldSeats merges the hosts' seated bookings with seat holds of this event. One owner
// holding a seat counts once however many hosts the hold spans.
func (r *scheduleRun) foldSeats() {
	if !r.event.Seated() {
		return
	}

	var prior seats.States
	seen := map[string]bool{}
	for _, h := range r.hosts {
		for _, state := range h.seats {
			key := state.BookingRef
			if key == "" {
				key = state.SlotTime.UTC().Format(time.RFC3339Nano)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			prior = append(prior, state)
		}
	}

	var rows []seats.Occupancy
	owners := map[string]bool{}
	for _, hold := range r.holds {
		if !hold.IsSeat || hold.EventTypeID != r.event.ID {
			continue
		}
		key := hold.OwnerToken + "|" + hold.SlotStart.Format(time.RFC3339Nano)
		if owners[key] {
			continue
		}
		owners[key] = true
		rows = append(rows, seats.Occupancy{SlotStart: hold.SlotStart, Attendees: 1})
	}

	r.seats = seats.Fold(rows, prior, seats.DeterministicRef(fmt.Sprintf("bookable/event-types/%d/seats", r.event.ID)))
}

// generateCandidates runs the generator per host in the host's own zone and keeps the
// sorted union of starts inside [start, end).
func (r *scheduleRun) generateCandidates() {
	hostAvail := make([]availability.HostAvailability, 0, len(r.hosts))
	for _, h := range r.hosts {
		hostAvail = append(hostAvail, h.avail)
	}
	merged := availability.Aggregate(hostAvail, r.event.SchedulingType)
	collective := r.event.SchedulingType == availability.SchedulingCollective

	seen := map[int64]bool{}
	var times []time.Time
	for _, h := range r.hosts {
		if collective && !h.fixed {
			continue
		}
		hours := availability.HoursFor(merged, h.UserID)
		for _, day := range availability.CalendarDaysBetween(r.start, r.end, h.loc) {
			params := availability.GenerateParams{
				Day:           day,
				EventLength:   r.length,
				WorkingHours:  hours,
				DateOverrides: h.avail.DateOverrides,
				Frequency:     r.frequency,
				MinimumNotice: time.Duration(r.event.MinimumBookingNotice) * time.Minute,
				Location:      h.loc,
				Now:           r.now,
			}
			for t := range availability.Generate(params) {
				if t.Before(r.start) || !t.Before(r.end) {
					continue
				}
				key := t.UnixNano()
				if seen[key] {
					continue
				}
				seen[key] = true
				times = append(times, t.UTC())
			}
		}
	}

	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	r.candidates = make([]candidate, 0, len(times))
	for _, t := range times {
		r.candidates = append(r.candidates, candidate{time: t})
	}
}

func (r *scheduleRun) available(h hostData, t time.Time) bool {
	in := availability.CheckInput{
		Candidate:     t,
		EventLength:   r.length,
		Busy:          h.avail.Busy,
		DateOverrides: h.avail.DateOverrides,
		WorkingHours:  h.avail.WorkingHours,
		Location:      h.loc,
	}
	if r.event.Seated() {
		in.Seats = r.seats
	}

	started := time.Now()
	ok := availability.IsAvailable(in)
	r.checks++
	r.checkTime += time.Since(started)
	return ok
}

// filterFixedHosts keeps candidates every fixed host can take.
func (r *scheduleRun) filterFixedHosts() {
	r.candidates = slices.DeleteFunc(r.candidates, func(c candidate) bool {
		for _, h := range r.hosts {
			if h.fixed && !r.available(h, c.time) {
				return true
			}
		}
		return false
	})
}

func (r *scheduleRun) hasLooseHosts() bool {
	return slices.ContainsFunc(r.hosts, func(h hostData) bool { return !h.fixed })
}

// filterLooseHosts attaches the loose hosts free at each candidate and drops candidates
// none of them can take.
func (r *scheduleRun) filterLooseHosts() {
	if !r.hasLooseHosts() {
		return
	}
	out := r.candidates[:0]
	for _, c := range r.candidates {
		c.loose = nil
		for _, h := range r.hosts {
			if !h.fixed && r.available(h, c.time) {
				c.loose = append(c.loose, h.UserID)
			}
		}
		if len(c.loose) > 0 {
			out = append(out, c)
		}
	}
	r.candidates = out
}

// applyHolds removes held hosts from each slot. Seat holds were folded into the seat
// state instead; a held fixed host drops the slot outright.
func (r *scheduleRun) applyHolds() {
	held := map[int64][]availability.TimeRange{}
	for _, hold := range r.holds {
		if hold.IsSeat {
			continue
		}
		held[hold.HostID] = append(held[hold.HostID], availability.TimeRange{Start: hold.SlotStart, End: hold.SlotEnd})
	}
	if len(held) == 0 {
		return
	}

	isHeld := func(hostID int64, slot availability.TimeRange) bool {
		return slices.ContainsFunc(held[hostID], slot.Overlaps)
	}
	loose := r.hasLooseHosts()

	out := r.candidates[:0]
	for _, c := range r.candidates {
		slot := availability.TimeRange{Start: c.time, End: c.time.Add(r.length)}
		blocked := slices.ContainsFunc(r.hosts, func(h hostData) bool {
			return h.fixed && isHeld(h.UserID, slot)
		})
		if blocked {
			continue
		}
		if loose {
			c.loose = slices.DeleteFunc(c.loose, func(id int64) bool { return isHeld(id, slot) })
			if len(c.loose) == 0 {
				continue
			}
		}
		out = append(out, c)
	}
	r.candidates = out
}

func (r *scheduleRun) filterBounds() {
	r.candidates = slices.DeleteFunc(r.candidates, func(c candidate) bool {
		return r.event.Period.OutOfBounds(c.time, r.now, r.organizer)
	})
}

func (r *scheduleRun) groupByDate() *Schedule {
	schedule := &Schedule{Slots: map[string][]SlotView{}}
	for _, c := range r.candidates {
		view := SlotView{
			Time:  c.time.In(r.invitee).Format(time.RFC3339),
			Users: r.usernames(c),
		}
		if state, ok := r.seats.Lookup(c.time); ok {
			view.Attendees = state.AttendeeCount
			view.BookingUID = state.BookingRef
		}
		day := availability.DateOf(c.time.In(r.organizer)).String()
		schedule.Slots[day] = append(schedule.Slots[day], view)
	}
	return schedule
}

// usernames lists the fixed hosts and the loose hosts attached to c, in host order.
func (r *scheduleRun) usernames(c candidate) []string {
	names := make([]string, 0, len(r.hosts))
	for _, h := range r.hosts {
		if h.fixed || slices.Contains(c.loose, h.UserID) {
			names = append(names, h.Username)
		}
	}
	return names
}
