// internal/models/store.go
package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codr1/bookable/internal/apperr"
	"github.com/codr1/bookable/internal/availability"
	"github.com/codr1/bookable/internal/db"
	"github.com/codr1/bookable/internal/seats"
)

// AvailabilityQuery asks for one user's raw availability across [DateFrom, DateTo).
// Buffers and Duration are minutes.
type AvailabilityQuery struct {
	UserID       int64
	DateFrom     time.Time
	DateTo       time.Time
	EventTypeID  int64
	BeforeBuffer int
	AfterBuffer  int
	Duration     int
	// ScheduleID selects a schedule other than the user's default when non-zero.
	ScheduleID int64
	Seated     bool
}

type UserAvailability struct {
	Busy          []availability.BusyInterval
	WorkingHours  []availability.WorkingHours
	DateOverrides []availability.DateOverride
	TimeZone      string
	CurrentSeats  []seats.State
}

// Store reads event types, users and availability through sqlx.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

const eventTypeQuery = `
SELECT et.id, et.slug, et.title, et.owner_id, et.length_minutes, et.slot_interval_minutes,
       et.minimum_booking_notice_minutes, et.before_buffer_minutes, et.after_buffer_minutes,
       et.seats_per_time_slot, et.scheduling_type, et.time_zone, et.schedule_id,
       s.time_zone AS schedule_time_zone,
       et.period_type, et.period_days, et.period_count_calendar_days,
       et.period_start_date, et.period_end_date
FROM event_types et
LEFT JOIN schedules s ON s.id = et.schedule_id
WHERE et.id = ?`

const eventHostsQuery = `
SELECT u.id, u.username, u.time_zone, eh.is_fixed
FROM event_hosts eh
JOIN users u ON u.id = eh.user_id
WHERE eh.event_type_id = ?
ORDER BY u.id`

type hostRow struct {
	UserID   int64  `db:"id"`
	Username string `db:"username"`
	TimeZone string `db:"time_zone"`
	IsFixed  bool   `db:"is_fixed"`
}

// EventTypeByID loads an event type with its hosts. An event without explicit hosts is
// hosted by its owner alone.
func (s *Store) EventTypeByID(ctx context.Context, id int64) (*EventType, error) {
	var row eventTypeRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(eventTypeQuery), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("event type %d not found", id)
		}
		return nil, fmt.Errorf("get event type %d: %w", id, err)
	}
	et := row.eventType()

	var hosts []hostRow
	if err := s.db.SelectContext(ctx, &hosts, s.db.Rebind(eventHostsQuery), id); err != nil {
		return nil, fmt.Errorf("list hosts of event type %d: %w", id, err)
	}
	for _, h := range hosts {
		et.Hosts = append(et.Hosts, Host(h))
	}

	if len(et.Hosts) == 0 && row.OwnerID.Valid {
		var owner User
		err := s.db.GetContext(ctx, &owner, s.db.Rebind(`
			SELECT id, username, name, time_zone, allow_dynamic_booking, default_schedule_id
			FROM users WHERE id = ?`), row.OwnerID.Int64)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get owner of event type %d: %w", id, err)
		}
		if err == nil {
			et.Hosts = []Host{{UserID: owner.ID, Username: owner.Username, TimeZone: owner.TimeZone, IsFixed: true}}
		}
	}
	return et, nil
}

// UsersByUsername returns the users found, in the order the usernames were given.
func (s *Store) UsersByUsername(ctx context.Context, usernames []string) ([]User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, username, name, time_zone, allow_dynamic_booking, default_schedule_id
		FROM users WHERE username IN (?)`, usernames)
	if err != nil {
		return nil, fmt.Errorf("build users query: %w", err)
	}
	var found []User
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	byName := make(map[string]User, len(found))
	for _, u := range found {
		byName[u.Username] = u
	}
	users := make([]User, 0, len(found))
	for _, name := range usernames {
		if u, ok := byName[name]; ok {
			users = append(users, u)
			delete(byName, name)
		}
	}
	return users, nil
}

type scheduleRow struct {
	ID       int64  `db:"id"`
	TimeZone string `db:"time_zone"`
}

type workingHoursRow struct {
	Days        string `db:"days"`
	StartMinute int    `db:"start_minute"`
	EndMinute   int    `db:"end_minute"`
}

type overrideRow struct {
	Date        string `db:"override_date"`
	StartMinute int    `db:"start_minute"`
	EndMinute   int    `db:"end_minute"`
}

type bookingRow struct {
	UID         string        `db:"uid"`
	EventTypeID sql.NullInt64 `db:"event_type_id"`
	StartMs     int64         `db:"start_ms"`
	EndMs       int64         `db:"end_ms"`
	Attendees   int           `db:"attendees"`
}

// UserAvailability assembles the user's working hours, overrides and busy intervals for
// the query window. A user with no schedule has no working hours and so no candidates.
func (s *Store) UserAvailability(ctx context.Context, q AvailabilityQuery) (*UserAvailability, error) {
	var user User
	err := s.db.GetContext(ctx, &user, s.db.Rebind(`
		SELECT id, username, name, time_zone, allow_dynamic_booking, default_schedule_id
		FROM users WHERE id = ?`), q.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("user %d not found", q.UserID)
		}
		return nil, fmt.Errorf("get user %d: %w", q.UserID, err)
	}

	out := &UserAvailability{TimeZone: user.TimeZone}

	schedule, err := s.schedule(ctx, user, q.ScheduleID)
	if err != nil {
		return nil, err
	}
	if schedule != nil {
		if schedule.TimeZone != "" {
			out.TimeZone = schedule.TimeZone
		}
		loc, err := availability.LoadLocation(out.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", user.ID, err)
		}
		if out.WorkingHours, err = s.workingHours(ctx, schedule.ID); err != nil {
			return nil, err
		}
		if out.DateOverrides, err = s.dateOverrides(ctx, schedule.ID, q, loc); err != nil {
			return nil, err
		}
	}

	if err := s.bookings(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// schedule picks the requested schedule, else the user's default, else their first.
func (s *Store) schedule(ctx context.Context, user User, requested int64) (*scheduleRow, error) {
	var (
		row   scheduleRow
		query string
		args  []any
	)
	switch {
	case requested != 0:
		query, args = "SELECT id, time_zone FROM schedules WHERE id = ?", []any{requested}
	case user.DefaultScheduleID.Valid:
		query, args = "SELECT id, time_zone FROM schedules WHERE id = ?", []any{user.DefaultScheduleID.Int64}
	default:
		query, args = "SELECT id, time_zone FROM schedules WHERE user_id = ? ORDER BY id LIMIT 1", []any{user.ID}
	}
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get schedule for user %d: %w", user.ID, err)
	}
	return &row, nil
}

func (s *Store) workingHours(ctx context.Context, scheduleID int64) ([]availability.WorkingHours, error) {
	var rows []workingHoursRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT days, start_minute, end_minute FROM working_hours
		WHERE schedule_id = ? ORDER BY id`), scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list working hours of schedule %d: %w", scheduleID, err)
	}

	hours := make([]availability.WorkingHours, 0, len(rows))
	for _, r := range rows {
		days, err := ParseDays(r.Days)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", scheduleID, err)
		}
		hours = append(hours, availability.WorkingHours{
			Days:        days,
			StartMinute: r.StartMinute,
			EndMinute:   r.EndMinute,
		})
	}
	return hours, nil
}

// dateOverrides converts stored (date, minutes) overrides into absolute windows in loc.
// The lookup spans a day either side of the query so zone shifts cannot drop one.
func (s *Store) dateOverrides(ctx context.Context, scheduleID int64, q AvailabilityQuery, loc *time.Location) ([]availability.DateOverride, error) {
	from := availability.DateOf(q.DateFrom.In(loc)).AddDays(-1)
	to := availability.DateOf(q.DateTo.In(loc)).AddDays(1)

	var rows []overrideRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT override_date, start_minute, end_minute FROM date_overrides
		WHERE schedule_id = ? AND override_date >= ? AND override_date <= ?
		ORDER BY override_date, start_minute`), scheduleID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("list date overrides of schedule %d: %w", scheduleID, err)
	}

	overrides := make([]availability.DateOverride, 0, len(rows))
	for _, r := range rows {
		date, err := availability.ParseDate(r.Date)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", scheduleID, err)
		}
		midnight := date.Midnight(loc)
		overrides = append(overrides, availability.DateOverride{
			Date:  date,
			Start: midnight.Add(time.Duration(r.StartMinute) * time.Minute),
			End:   midnight.Add(time.Duration(r.EndMinute) * time.Minute),
		})
	}
	return overrides, nil
}

// bookings fills Busy from accepted bookings, widened so a slot keeps the event's
// buffers clear of them. Seated events also report their own bookings as seats.
func (s *Store) bookings(ctx context.Context, q AvailabilityQuery, out *UserAvailability) error {
	before := time.Duration(q.BeforeBuffer) * time.Minute
	after := time.Duration(q.AfterBuffer) * time.Minute

	var rows []bookingRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT b.uid, b.event_type_id, b.start_ms, b.end_ms,
		       (SELECT COUNT(*) FROM attendees a WHERE a.booking_id = b.id) AS attendees
		FROM bookings b
		WHERE b.user_id = ? AND b.status = 'accepted'
		  AND b.start_ms < ? AND b.end_ms > ?
		ORDER BY b.start_ms`),
		q.UserID, q.DateTo.Add(after).UnixMilli(), q.DateFrom.Add(-before).UnixMilli())
	if err != nil {
		return fmt.Errorf("list bookings of user %d: %w", q.UserID, err)
	}

	for _, r := range rows {
		start := time.UnixMilli(r.StartMs).UTC()
		end := time.UnixMilli(r.EndMs).UTC()
		out.Busy = append(out.Busy, availability.BusyInterval{
			Start: start.Add(-after),
			End:   end.Add(before),
		})
		if q.Seated && r.EventTypeID.Valid && r.EventTypeID.Int64 == q.EventTypeID {
			out.CurrentSeats = append(out.CurrentSeats, seats.State{
				SlotTime:      start,
				AttendeeCount: r.Attendees,
				BookingRef:    r.UID,
			})
		}
	}
	return nil
}

// ParseDays reads a comma-separated weekday list, 0 being Sunday.
func ParseDays(raw string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}
