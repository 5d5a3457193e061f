// internal/models/event_types.go
package models

import (
	"database/sql"
	"time"

	"github.com/codr1/bookable/internal/availability"
)

// DefaultDynamicLength is the length of an event assembled from a username list.
const DefaultDynamicLength = 30

// Host is a user attached to an event type.
type Host struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	TimeZone string `json:"timeZone"`
	IsFixed  bool   `json:"isFixed"`
}

type User struct {
	ID                  int64         `db:"id" json:"id"`
	Username            string        `db:"username" json:"username"`
	Name                string        `db:"name" json:"name"`
	TimeZone            string        `db:"time_zone" json:"timeZone"`
	AllowDynamicBooking bool          `db:"allow_dynamic_booking" json:"allowDynamicBooking"`
	DefaultScheduleID   sql.NullInt64 `db:"default_schedule_id" json:"-"`
}

// EventType is the booking configuration slots are computed for. Durations are minutes.
type EventType struct {
	ID                   int64                       `json:"id"`
	Slug                 string                      `json:"slug"`
	Title                string                      `json:"title"`
	Length               int                         `json:"length"`
	SlotInterval         int                         `json:"slotInterval,omitempty"`
	MinimumBookingNotice int                         `json:"minimumBookingNotice"`
	BeforeBuffer         int                         `json:"beforeEventBuffer"`
	AfterBuffer          int                         `json:"afterEventBuffer"`
	SeatsPerTimeSlot     *int                        `json:"seatsPerTimeSlot,omitempty"`
	SchedulingType       availability.SchedulingType `json:"schedulingType,omitempty"`
	TimeZone             string                      `json:"timeZone,omitempty"`
	ScheduleID           int64                       `json:"scheduleId,omitempty"`
	ScheduleTimeZone     string                      `json:"scheduleTimeZone,omitempty"`
	Period               availability.Period         `json:"-"`
	Hosts                []Host                      `json:"hosts"`
	// Dynamic events are assembled from a username list and never persisted.
	Dynamic bool `json:"dynamic,omitempty"`
}

func (e *EventType) Seated() bool {
	return e.SeatsPerTimeSlot != nil && *e.SeatsPerTimeSlot > 0
}

func (e *EventType) LengthDuration() time.Duration {
	return time.Duration(e.Length) * time.Minute
}

// Frequency is the step between candidates: the slot interval, else the length.
func (e *EventType) Frequency() time.Duration {
	if e.SlotInterval > 0 {
		return time.Duration(e.SlotInterval) * time.Minute
	}
	return e.LengthDuration()
}

func (e *EventType) HostIDs() []int64 {
	ids := make([]int64, 0, len(e.Hosts))
	for _, h := range e.Hosts {
		ids = append(ids, h.UserID)
	}
	return ids
}

// OrganizerTimeZone is the zone slots are bucketed in: the event's own zone, else its
// schedule's, else the first host's.
func (e *EventType) OrganizerTimeZone() string {
	switch {
	case e.TimeZone != "":
		return e.TimeZone
	case e.ScheduleTimeZone != "":
		return e.ScheduleTimeZone
	case len(e.Hosts) > 0:
		return e.Hosts[0].TimeZone
	default:
		return ""
	}
}

type eventTypeRow struct {
	ID                   int64          `db:"id"`
	Slug                 string         `db:"slug"`
	Title                string         `db:"title"`
	OwnerID              sql.NullInt64  `db:"owner_id"`
	Length               int            `db:"length_minutes"`
	SlotInterval         sql.NullInt64  `db:"slot_interval_minutes"`
	MinimumBookingNotice int            `db:"minimum_booking_notice_minutes"`
	BeforeBuffer         int            `db:"before_buffer_minutes"`
	AfterBuffer          int            `db:"after_buffer_minutes"`
	SeatsPerTimeSlot     sql.NullInt64  `db:"seats_per_time_slot"`
	SchedulingType       string         `db:"scheduling_type"`
	TimeZone             string         `db:"time_zone"`
	ScheduleID           sql.NullInt64  `db:"schedule_id"`
	ScheduleTimeZone     sql.NullString `db:"schedule_time_zone"`
	PeriodType           string         `db:"period_type"`
	PeriodDays           int            `db:"period_days"`
	PeriodCalendarDays   bool           `db:"period_count_calendar_days"`
	PeriodStartDate      sql.NullString `db:"period_start_date"`
	PeriodEndDate        sql.NullString `db:"period_end_date"`
}

func (r eventTypeRow) eventType() *EventType {
	et := &EventType{
		ID:                   r.ID,
		Slug:                 r.Slug,
		Title:                r.Title,
		Length:               r.Length,
		MinimumBookingNotice: r.MinimumBookingNotice,
		BeforeBuffer:         r.BeforeBuffer,
		AfterBuffer:          r.AfterBuffer,
		SchedulingType:       availability.SchedulingType(r.SchedulingType),
		TimeZone:             r.TimeZone,
		ScheduleTimeZone:     r.ScheduleTimeZone.String,
		Period: availability.Period{
			Type:              availability.PeriodType(r.PeriodType),
			Days:              r.PeriodDays,
			CountCalendarDays: r.PeriodCalendarDays,
			StartDate:         parsePeriodDate(r.PeriodStartDate),
			EndDate:           parsePeriodDate(r.PeriodEndDate),
		},
	}
	if r.SlotInterval.Valid {
		et.SlotInterval = int(r.SlotInterval.Int64)
	}
	if r.SeatsPerTimeSlot.Valid {
		seats := int(r.SeatsPerTimeSlot.Int64)
		et.SeatsPerTimeSlot = &seats
	}
	if r.ScheduleID.Valid {
		et.ScheduleID = r.ScheduleID.Int64
	}
	return et
}

// parsePeriodDate reads a YYYY-MM-DD column; anything else leaves the bound unset.
func parsePeriodDate(v sql.NullString) availability.Date {
	if !v.Valid || v.String == "" {
		return availability.Date{}
	}
	d, err := availability.ParseDate(v.String)
	if err != nil {
		return availability.Date{}
	}
	return d
}
