// internal/api/slots/handlers.go
package slots

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/api/apiutil"
	slotsvc "github.com/codr1/bookable/internal/slots"
)

// OwnerCookie carries the token that owns a client's slot holds.
const OwnerCookie = "uid"

var (
	service     *slotsvc.Service
	serviceOnce sync.Once
)

// InitHandlers must be called during server startup before handling requests.
func InitHandlers(svc *slotsvc.Service) {
	if svc == nil {
		log.Warn().Msg("slots.InitHandlers called with nil service")
		return
	}
	serviceOnce.Do(func() {
		service = svc
	})
}

func loadService() *slotsvc.Service {
	return service
}

// GET /api/v1/slots
func HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	svc := loadService()
	if svc == nil {
		logger.Error().Msg("Slot service not initialized")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	query, err := scheduleQueryFromRequest(r)
	if err != nil {
		apiutil.WriteError(w, r, apiutil.HandlerError{Status: http.StatusBadRequest, Message: err.Error(), Err: err})
		return
	}

	schedule, err := svc.GetSchedule(r.Context(), query)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	if err := apiutil.WriteJSON(w, http.StatusOK, schedule); err != nil {
		logger.Error().Err(err).Msg("Failed to write schedule response")
	}
}

func scheduleQueryFromRequest(r *http.Request) (slotsvc.ScheduleQuery, error) {
	values := r.URL.Query()
	query := slotsvc.ScheduleQuery{
		StartTime:     strings.TrimSpace(values.Get("startTime")),
		EndTime:       strings.TrimSpace(values.Get("endTime")),
		EventTypeSlug: strings.TrimSpace(values.Get("eventTypeSlug")),
		TimeZone:      strings.TrimSpace(values.Get("timeZone")),
		Usernames:     apiutil.SplitList(values.Get("usernameList")),
	}

	if raw := strings.TrimSpace(values.Get("eventTypeId")); raw != "" {
		id, err := apiutil.ParsePositiveInt64Field(raw, "eventTypeId")
		if err != nil {
			return query, err
		}
		query.EventTypeID = id
	}

	duration, err := apiutil.ParseOptionalInt(values.Get("duration"), "duration")
	if err != nil {
		return query, err
	}
	query.Duration = duration

	if raw := values.Get("debug"); raw != "" {
		query.Debug, _ = strconv.ParseBool(raw)
	}
	return query, nil
}

// POST /api/v1/slots/reserve
func HandleReserveSlot(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	svc := loadService()
	if svc == nil {
		logger.Error().Msg("Slot service not initialized")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var req slotsvc.ReserveRequest
	if err := apiutil.DecodeJSON(r, &req); err != nil {
		apiutil.WriteError(w, r, apiutil.HandlerError{Status: http.StatusBadRequest, Message: "Invalid request body", Err: err})
		return
	}

	token, err := svc.ReserveSlot(r.Context(), req, OwnerToken(r))
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     OwnerCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/slots/release
func HandleReleaseSlots(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	svc := loadService()
	if svc == nil {
		logger.Error().Msg("Slot service not initialized")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if err := svc.ReleaseSlots(r.Context(), OwnerToken(r)); err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OwnerToken returns the hold owner token the client presented, or "".
func OwnerToken(r *http.Request) string {
	cookie, err := r.Cookie(OwnerCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}
