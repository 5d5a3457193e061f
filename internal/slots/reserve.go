package slots

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/apperr"
	"github.com/codr1/bookable/internal/ledger"
)

// ReserveRequest asks to hold a slot of an event for every one of its hosts.
type ReserveRequest struct {
	EventTypeID      int64  `json:"eventTypeId"`
	SlotUTCStartDate string `json:"slotUtcStartDate"`
	SlotUTCEndDate   string `json:"slotUtcEndDate"`
}

// ReserveSlot holds the requested slot for all hosts of the event on behalf of
// ownerToken, minting a token when the caller has none. It returns the token in use.
// Either every host is held or the call fails.
func (s *Service) ReserveSlot(ctx context.Context, req ReserveRequest, ownerToken string) (string, error) {
	if req.EventTypeID <= 0 {
		return "", apperr.InvalidInput("eventTypeId is required")
	}
	start, err := parseInstant("slotUtcStartDate", req.SlotUTCStartDate)
	if err != nil {
		return "", err
	}
	end, err := parseInstant("slotUtcEndDate", req.SlotUTCEndDate)
	if err != nil {
		return "", err
	}
	if !end.After(start) {
		return "", apperr.InvalidInput("slotUtcEndDate must be after slotUtcStartDate")
	}

	et, err := s.events.EventTypeByID(ctx, req.EventTypeID)
	if err != nil {
		return "", err
	}

	if ownerToken == "" {
		ownerToken = uuid.NewString()
	}

	_, err = s.ledger.Acquire(ctx, ledger.AcquireRequest{
		EventTypeID: et.ID,
		HostIDs:     et.HostIDs(),
		SlotStart:   start,
		SlotEnd:     end,
		OwnerToken:  ownerToken,
		IsSeat:      et.Seated(),
	})
	if err != nil {
		return "", fmt.Errorf("reserve slot for event %d: %w", et.ID, err)
	}

	log.Ctx(ctx).Info().
		Int64("event_type_id", et.ID).
		Time("slot_start", start).
		Int("hosts", len(et.Hosts)).
		Msg("Slot reserved")
	return ownerToken, nil
}

// ReleaseSlots drops every hold owned by ownerToken. An empty token is a no-op.
func (s *Service) ReleaseSlots(ctx context.Context, ownerToken string) error {
	if ownerToken == "" {
		return nil
	}
	return s.ledger.Release(ctx, ownerToken)
}
