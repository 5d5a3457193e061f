package slots

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/codr1/bookable/internal/apperr"
	"github.com/codr1/bookable/internal/availability"
	"github.com/codr1/bookable/internal/ledger"
	"github.com/codr1/bookable/internal/models"
	"github.com/codr1/bookable/internal/seats"
	"github.com/codr1/bookable/internal/testutil"
)

const (
	wednesday = "2024-01-03"
	dayStart  = "2024-01-03T00:00:00Z"
	dayEnd    = "2024-01-04T00:00:00Z"
)

type fakeEvents struct {
	events map[int64]*models.EventType
	users  []models.User
}

func (f *fakeEvents) EventTypeByID(_ context.Context, id int64) (*models.EventType, error) {
	et, ok := f.events[id]
	if !ok {
		return nil, apperr.NotFound("event type %d not found", id)
	}
	return et, nil
}

func (f *fakeEvents) UsersByUsername(_ context.Context, usernames []string) ([]models.User, error) {
	var out []models.User
	for _, u := range f.users {
		if slices.Contains(usernames, u.Username) {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeAvailability struct {
	mu     sync.Mutex
	byUser map[int64]*models.UserAvailability
	err    error
	calls  []models.AvailabilityQuery
}

func (f *fakeAvailability) UserAvailability(_ context.Context, q models.AvailabilityQuery) (*models.UserAvailability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.err != nil {
		return nil, f.err
	}
	ua, ok := f.byUser[q.UserID]
	if !ok {
		return &models.UserAvailability{TimeZone: "UTC"}, nil
	}
	return ua, nil
}

func weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func hours(startHour, endHour int) []availability.WorkingHours {
	return []availability.WorkingHours{{Days: weekdays(), StartMinute: startHour * 60, EndMinute: endHour * 60}}
}

func at(h, m int) time.Time {
	return time.Date(2024, 1, 3, h, m, 0, 0, time.UTC)
}

type harness struct {
	svc    *Service
	events *fakeEvents
	avail  *fakeAvailability
	clock  *testutil.Clock
}

// newHarness serves event 1: 30 minutes, hosted by alice (fixed, Mon-Fri 09:00-17:00 UTC).
func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	events := &fakeEvents{
		events: map[int64]*models.EventType{
			1: {
				ID:     1,
				Slug:   "intro",
				Length: 30,
				Period: availability.Period{Type: availability.PeriodUnlimited},
				Hosts:  []models.Host{{UserID: 10, Username: "alice", TimeZone: "UTC", IsFixed: true}},
			},
		},
		users: []models.User{
			{ID: 10, Username: "alice", TimeZone: "UTC", AllowDynamicBooking: true},
			{ID: 20, Username: "bob", TimeZone: "UTC", AllowDynamicBooking: true},
			{ID: 30, Username: "carol", TimeZone: "UTC", AllowDynamicBooking: false},
		},
	}
	avail := &fakeAvailability{byUser: map[int64]*models.UserAvailability{
		10: {TimeZone: "UTC", WorkingHours: hours(9, 17)},
	}}
	l := ledger.New(ledger.NewSQLStore(testutil.NewTestDB(t)), ledger.WithClock(clock), ledger.WithTTL(5*time.Minute))
	return &harness{
		svc:    NewService(events, avail, l, WithClock(clock)),
		events: events,
		avail:  avail,
		clock:  clock,
	}
}

func (h *harness) schedule(t *testing.T, q ScheduleQuery) *Schedule {
	t.Helper()
	if q.StartTime == "" {
		q.StartTime = dayStart
	}
	if q.EndTime == "" {
		q.EndTime = dayEnd
	}
	if q.EventTypeID == 0 && len(q.Usernames) == 0 {
		q.EventTypeID = 1
	}
	got, err := h.svc.GetSchedule(context.Background(), q)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	return got
}

func times(slots []SlotView) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Time)
	}
	return out
}

func TestGetSchedule_WorkingDay(t *testing.T) {
	h := newHarness(t)
	got := h.schedule(t, ScheduleQuery{})

	day := got.Slots[wednesday]
	if len(day) != 16 {
		t.Fatalf("expected 16 slots, got %d: %v", len(day), times(day))
	}
	if day[0].Time != "2024-01-03T09:00:00Z" || day[15].Time != "2024-01-03T16:30:00Z" {
		t.Fatalf("unexpected range %s..%s", day[0].Time, day[15].Time)
	}
	if !reflect.DeepEqual(day[0].Users, []string{"alice"}) {
		t.Fatalf("unexpected users %v", day[0].Users)
	}
	if len(got.Slots) != 1 {
		t.Fatalf("expected a single date, got %v", got.Slots)
	}
}

func TestGetSchedule_BusyInterval(t *testing.T) {
	h := newHarness(t)
	h.avail.byUser[10].Busy = []availability.BusyInterval{{Start: at(10, 0), End: at(10, 30)}}

	day := times(h.schedule(t, ScheduleQuery{}).Slots[wednesday])
	if slices.Contains(day, "2024-01-03T10:00:00Z") {
		t.Fatalf("10:00 should be busy: %v", day)
	}
	for _, want := range []string{"2024-01-03T09:30:00Z", "2024-01-03T10:30:00Z"} {
		if !slices.Contains(day, want) {
			t.Fatalf("expected %s in %v", want, day)
		}
	}
	if len(day) != 15 {
		t.Fatalf("expected 15 slots, got %d", len(day))
	}
}

func TestGetSchedule_SeatedBookingStaysVisible(t *testing.T) {
	h := newHarness(t)
	capacity := 4
	h.events.events[1].SeatsPerTimeSlot = &capacity
	h.avail.byUser[10].Busy = []availability.BusyInterval{{Start: at(14, 0), End: at(14, 30)}}
	h.avail.byUser[10].CurrentSeats = []seats.State{{SlotTime: at(14, 0), AttendeeCount: 2, BookingRef: "booking-1"}}

	day := h.schedule(t, ScheduleQuery{}).Slots[wednesday]
	idx := slices.IndexFunc(day, func(s SlotView) bool { return s.Time == "2024-01-03T14:00:00Z" })
	if idx < 0 {
		t.Fatalf("14:00 seat slot missing: %v", times(day))
	}
	if day[idx].Attendees != 2 || day[idx].BookingUID != "booking-1" {
		t.Fatalf("unexpected seat slot %+v", day[idx])
	}
	if len(h.avail.calls) == 0 || !h.avail.calls[0].Seated {
		t.Fatalf("availability must be queried as seated")
	}
}

func TestGetSchedule_CollectiveFixedHosts(t *testing.T) {
	h := newHarness(t)
	et := h.events.events[1]
	et.SchedulingType = availability.SchedulingCollective
	et.Hosts = []models.Host{
		{UserID: 10, Username: "alice", TimeZone: "UTC", IsFixed: true},
		{UserID: 20, Username: "bob", TimeZone: "UTC", IsFixed: true},
	}
	h.avail.byUser[10] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(9, 12)}
	h.avail.byUser[20] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(11, 15)}

	day := h.schedule(t, ScheduleQuery{}).Slots[wednesday]
	want := []string{"2024-01-03T11:00:00Z", "2024-01-03T11:30:00Z"}
	if !reflect.DeepEqual(times(day), want) {
		t.Fatalf("got %v, want %v", times(day), want)
	}
	if !reflect.DeepEqual(day[0].Users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected users %v", day[0].Users)
	}
}

func TestGetSchedule_RoundRobinLooseHosts(t *testing.T) {
	h := newHarness(t)
	et := h.events.events[1]
	et.SchedulingType = availability.SchedulingRoundRobin
	et.Hosts = []models.Host{
		{UserID: 10, Username: "alice", TimeZone: "UTC"},
		{UserID: 20, Username: "bob", TimeZone: "UTC"},
	}
	h.avail.byUser[10] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(9, 12)}
	h.avail.byUser[20] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(11, 15)}

	day := h.schedule(t, ScheduleQuery{}).Slots[wednesday]
	if len(day) != 12 {
		t.Fatalf("expected 12 slots from 09:00 to 14:30, got %v", times(day))
	}
	users := map[string][]string{}
	for _, s := range day {
		users[s.Time] = s.Users
	}
	if !reflect.DeepEqual(users["2024-01-03T09:00:00Z"], []string{"alice"}) {
		t.Fatalf("09:00 users %v", users["2024-01-03T09:00:00Z"])
	}
	if !reflect.DeepEqual(users["2024-01-03T11:30:00Z"], []string{"alice", "bob"}) {
		t.Fatalf("11:30 users %v", users["2024-01-03T11:30:00Z"])
	}
	if !reflect.DeepEqual(users["2024-01-03T14:30:00Z"], []string{"bob"}) {
		t.Fatalf("14:30 users %v", users["2024-01-03T14:30:00Z"])
	}
}

func TestGetSchedule_HoldExcludesSlotUntilReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.svc.ReserveSlot(ctx, ReserveRequest{
		EventTypeID:      1,
		SlotUTCStartDate: "2024-01-03T10:00:00Z",
		SlotUTCEndDate:   "2024-01-03T10:30:00Z",
	}, "")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a minted owner token")
	}

	day := times(h.schedule(t, ScheduleQuery{}).Slots[wednesday])
	if slices.Contains(day, "2024-01-03T10:00:00Z") {
		t.Fatalf("held slot still offered: %v", day)
	}
	if len(day) != 15 {
		t.Fatalf("only the held slot should disappear, got %d slots", len(day))
	}

	if err := h.svc.ReleaseSlots(ctx, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	day = times(h.schedule(t, ScheduleQuery{}).Slots[wednesday])
	if !slices.Contains(day, "2024-01-03T10:00:00Z") {
		t.Fatalf("released slot missing: %v", day)
	}
}

func TestGetSchedule_HoldExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ReserveSlot(ctx, ReserveRequest{
		EventTypeID:      1,
		SlotUTCStartDate: "2024-01-03T10:00:00Z",
		SlotUTCEndDate:   "2024-01-03T10:30:00Z",
	}, "owner-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	day := times(h.schedule(t, ScheduleQuery{}).Slots[wednesday])
	if !slices.Contains(day, "2024-01-03T10:00:00Z") {
		t.Fatalf("expired hold still blocks: %v", day)
	}
}

func TestGetSchedule_HoldRemovesOnlyHeldLooseHost(t *testing.T) {
	h := newHarness(t)
	et := h.events.events[1]
	et.SchedulingType = availability.SchedulingRoundRobin
	et.Hosts = []models.Host{
		{UserID: 10, Username: "alice", TimeZone: "UTC"},
		{UserID: 20, Username: "bob", TimeZone: "UTC"},
	}
	h.avail.byUser[20] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(9, 17)}

	_, err := h.svc.ledger.Acquire(context.Background(), ledger.AcquireRequest{
		EventTypeID: 1,
		HostIDs:     []int64{10},
		SlotStart:   at(10, 0),
		SlotEnd:     at(10, 30),
		OwnerToken:  "owner-1",
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	day := h.schedule(t, ScheduleQuery{}).Slots[wednesday]
	idx := slices.IndexFunc(day, func(s SlotView) bool { return s.Time == "2024-01-03T10:00:00Z" })
	if idx < 0 {
		t.Fatalf("10:00 should remain for bob: %v", times(day))
	}
	if !reflect.DeepEqual(day[idx].Users, []string{"bob"}) {
		t.Fatalf("expected only bob at 10:00, got %v", day[idx].Users)
	}
	if !reflect.DeepEqual(day[0].Users, []string{"alice", "bob"}) {
		t.Fatalf("unheld slot users %v", day[0].Users)
	}
}

func TestGetSchedule_SeatHoldCountsAsAttendee(t *testing.T) {
	h := newHarness(t)
	capacity := 3
	h.events.events[1].SeatsPerTimeSlot = &capacity

	_, err := h.svc.ReserveSlot(context.Background(), ReserveRequest{
		EventTypeID:      1,
		SlotUTCStartDate: "2024-01-03T15:00:00Z",
		SlotUTCEndDate:   "2024-01-03T15:30:00Z",
	}, "owner-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first := h.schedule(t, ScheduleQuery{})
	second := h.schedule(t, ScheduleQuery{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("schedule not idempotent")
	}

	day := first.Slots[wednesday]
	if len(day) != 16 {
		t.Fatalf("seat holds must not remove slots, got %d", len(day))
	}
	idx := slices.IndexFunc(day, func(s SlotView) bool { return s.Time == "2024-01-03T15:00:00Z" })
	if day[idx].Attendees != 1 || day[idx].BookingUID == "" {
		t.Fatalf("expected a synthetic seat entry, got %+v", day[idx])
	}
}

func TestGetSchedule_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.avail.byUser[10].Busy = []availability.BusyInterval{{Start: at(12, 0), End: at(13, 0)}}

	first := h.schedule(t, ScheduleQuery{})
	second := h.schedule(t, ScheduleQuery{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated query differs:\n%v\n%v", first, second)
	}
}

func TestGetSchedule_DurationOverride(t *testing.T) {
	h := newHarness(t)
	day := h.schedule(t, ScheduleQuery{Duration: 60}).Slots[wednesday]
	if len(day) != 8 || day[7].Time != "2024-01-03T16:00:00Z" {
		t.Fatalf("expected 8 hourly slots, got %v", times(day))
	}
}

func TestGetSchedule_InviteeTimeZone(t *testing.T) {
	h := newHarness(t)
	got := h.schedule(t, ScheduleQuery{TimeZone: "America/New_York"})

	day := got.Slots[wednesday]
	if len(day) != 16 {
		t.Fatalf("dates stay organizer-local; got %v", got.Slots)
	}
	if day[0].Time != "2024-01-03T04:00:00-05:00" {
		t.Fatalf("expected invitee rendering, got %s", day[0].Time)
	}
}

func TestGetSchedule_MultiDayRangeGroupsByDate(t *testing.T) {
	h := newHarness(t)
	got := h.schedule(t, ScheduleQuery{StartTime: "2024-01-03T00:00:00Z", EndTime: "2024-01-08T00:00:00Z"})

	// Wednesday through Friday; the weekend has no working hours.
	want := []string{"2024-01-03", "2024-01-04", "2024-01-05"}
	var dates []string
	for date := range got.Slots {
		dates = append(dates, date)
	}
	slices.Sort(dates)
	if !reflect.DeepEqual(dates, want) {
		t.Fatalf("got dates %v, want %v", dates, want)
	}
}

func TestGetSchedule_RequestedRangeClipsCandidates(t *testing.T) {
	h := newHarness(t)
	day := h.schedule(t, ScheduleQuery{StartTime: "2024-01-03T12:00:00Z", EndTime: "2024-01-03T13:00:00Z"}).Slots[wednesday]
	want := []string{"2024-01-03T12:00:00Z", "2024-01-03T12:30:00Z"}
	if !reflect.DeepEqual(times(day), want) {
		t.Fatalf("got %v, want %v", times(day), want)
	}
}

func TestGetSchedule_PeriodBounds(t *testing.T) {
	h := newHarness(t)
	h.events.events[1].Period = availability.Period{
		Type:      availability.PeriodRange,
		StartDate: availability.Date{Year: 2024, Month: time.January, Day: 1},
		EndDate:   availability.Date{Year: 2024, Month: time.January, Day: 2},
	}
	if got := h.schedule(t, ScheduleQuery{}); len(got.Slots) != 0 {
		t.Fatalf("slots past the booking period must be dropped: %v", got.Slots)
	}
}

func TestGetSchedule_MinimumNotice(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(at(11, 0))
	h.events.events[1].MinimumBookingNotice = 30

	day := h.schedule(t, ScheduleQuery{}).Slots[wednesday]
	if len(day) != 11 || day[0].Time != "2024-01-03T11:30:00Z" {
		t.Fatalf("expected slots from 11:30, got %v", times(day))
	}
}

func TestGetSchedule_DynamicEvent(t *testing.T) {
	h := newHarness(t)
	h.avail.byUser[10] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(9, 12)}
	h.avail.byUser[20] = &models.UserAvailability{TimeZone: "UTC", WorkingHours: hours(11, 15)}

	got := h.schedule(t, ScheduleQuery{Usernames: []string{"alice", "bob", "alice"}, EventTypeSlug: "Quick Chat"})
	day := got.Slots[wednesday]
	if !reflect.DeepEqual(times(day), []string{"2024-01-03T11:00:00Z", "2024-01-03T11:30:00Z"}) {
		t.Fatalf("dynamic event needs every user: %v", times(day))
	}
	if !reflect.DeepEqual(day[0].Users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected users %v", day[0].Users)
	}
}

func TestGetSchedule_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query ScheduleQuery
		want  apperr.Kind
	}{
		{name: "no event", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd}, want: apperr.KindInvalidInput},
		{name: "event and users", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, EventTypeID: 1, Usernames: []string{"alice"}}, want: apperr.KindInvalidInput},
		{name: "unparsable start", query: ScheduleQuery{StartTime: "yesterday", EndTime: dayEnd, EventTypeID: 1}, want: apperr.KindInvalidInput},
		{name: "end before start", query: ScheduleQuery{StartTime: dayEnd, EndTime: dayStart, EventTypeID: 1}, want: apperr.KindInvalidInput},
		{name: "empty range", query: ScheduleQuery{StartTime: dayStart, EndTime: dayStart, EventTypeID: 1}, want: apperr.KindInvalidInput},
		{name: "bad time zone", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, EventTypeID: 1, TimeZone: "Mars/Olympus"}, want: apperr.KindInvalidInput},
		{name: "unknown event", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, EventTypeID: 99}, want: apperr.KindNotFound},
		{name: "unknown user", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, Usernames: []string{"alice", "mallory"}}, want: apperr.KindNotFound},
		{name: "dynamic disallowed", query: ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, Usernames: []string{"alice", "carol"}}, want: apperr.KindUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.GetSchedule(context.Background(), tt.query)
			if got := apperr.KindOf(err); got != tt.want {
				t.Fatalf("got %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestGetSchedule_UpstreamFailureFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.avail.err = errors.New("calendar offline")

	_, err := h.svc.GetSchedule(context.Background(), ScheduleQuery{StartTime: dayStart, EndTime: dayEnd, EventTypeID: 1})
	if !apperr.Is(err, apperr.KindUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestReserveSlot_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  ReserveRequest
		want apperr.Kind
	}{
		{name: "missing event", req: ReserveRequest{SlotUTCStartDate: "2024-01-03T10:00:00Z", SlotUTCEndDate: "2024-01-03T10:30:00Z"}, want: apperr.KindInvalidInput},
		{name: "bad start", req: ReserveRequest{EventTypeID: 1, SlotUTCStartDate: "10am", SlotUTCEndDate: "2024-01-03T10:30:00Z"}, want: apperr.KindInvalidInput},
		{name: "end before start", req: ReserveRequest{EventTypeID: 1, SlotUTCStartDate: "2024-01-03T10:30:00Z", SlotUTCEndDate: "2024-01-03T10:00:00Z"}, want: apperr.KindInvalidInput},
		{name: "unknown event", req: ReserveRequest{EventTypeID: 42, SlotUTCStartDate: "2024-01-03T10:00:00Z", SlotUTCEndDate: "2024-01-03T10:30:00Z"}, want: apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.ReserveSlot(context.Background(), tt.req, "")
			if got := apperr.KindOf(err); got != tt.want {
				t.Fatalf("got %v (%v), want %v", got, err, tt.want)
			}
		})
	}
}

func TestReserveSlot_RetryKeepsOneHoldPerHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := ReserveRequest{
		EventTypeID:      1,
		SlotUTCStartDate: "2024-01-03T10:00:00Z",
		SlotUTCEndDate:   "2024-01-03T10:30:00Z",
	}

	token, err := h.svc.ReserveSlot(ctx, req, "")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	again, err := h.svc.ReserveSlot(ctx, req, token)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again != token {
		t.Fatalf("retry must keep the caller's token")
	}

	holds, err := h.svc.ledger.Active(ctx, []int64{10})
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(holds) != 1 {
		t.Fatalf("expected one hold, got %d", len(holds))
	}
}

func TestReleaseSlots_EmptyTokenIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.ReleaseSlots(context.Background(), ""); err != nil {
		t.Fatalf("release: %v", err)
	}
}
