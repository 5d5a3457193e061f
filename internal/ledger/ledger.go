// Package ledger keeps short-lived holds on slots while a client finishes booking.
//
// A hold is a lease: Acquire creates or refreshes it, Release drops every hold of an
// owner, and holds past their expiry are treated as absent by every reader whether or
// not a sweep has removed them yet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a hold lives when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Hold is one host's claim on a slot, owned by a client token.
type Hold struct {
	ID          string    `json:"id"`
	EventTypeID int64     `json:"eventTypeId"`
	HostID      int64     `json:"userId"`
	SlotStart   time.Time `json:"slotUtcStartDate"`
	SlotEnd     time.Time `json:"slotUtcEndDate"`
	OwnerToken  string    `json:"uid"`
	ExpiresAt   time.Time `json:"releaseAt"`
	IsSeat      bool      `json:"isSeat"`
}

// Active reports whether the hold is still in force at now.
func (h Hold) Active(now time.Time) bool {
	return h.ExpiresAt.After(now)
}

// Store persists holds. Upsert is keyed by (HostID, SlotStart, SlotEnd, OwnerToken) and
// must apply every hold or none.
type Store interface {
	Upsert(ctx context.Context, holds []Hold) error
	DeleteByOwner(ctx context.Context, ownerToken string) (int, error)
	ListActive(ctx context.Context, hostIDs []int64, now time.Time) ([]Hold, error)
	// DeleteForEventExcept removes the event's holds missing from keepIDs that have
	// expired by now.
	DeleteForEventExcept(ctx context.Context, eventTypeID int64, keepIDs []string, now time.Time) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

var ErrEmptyOwner = errors.New("owner token is required")

// AcquireRequest asks for one hold per host on the same slot.
type AcquireRequest struct {
	EventTypeID int64
	HostIDs     []int64
	SlotStart   time.Time
	SlotEnd     time.Time
	OwnerToken  string
	IsSeat      bool
}

type Ledger struct {
	store Store
	clock Clock
	ttl   time.Duration
}

type Option func(*Ledger)

func WithClock(clock Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, clock: realClock{}, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Acquire creates or refreshes a hold for every host in req. A retry with the same owner
// refreshes the expiry of the existing holds instead of adding new ones.
func (l *Ledger) Acquire(ctx context.Context, req AcquireRequest) ([]Hold, error) {
	if req.OwnerToken == "" {
		return nil, ErrEmptyOwner
	}
	if !req.SlotEnd.After(req.SlotStart) {
		return nil, fmt.Errorf("slot end %s must be after start %s", req.SlotEnd, req.SlotStart)
	}
	if len(req.HostIDs) == 0 {
		return nil, nil
	}

	expiresAt := l.clock.Now().Add(l.ttl).UTC()
	holds := make([]Hold, 0, len(req.HostIDs))
	for _, hostID := range req.HostIDs {
		holds = append(holds, Hold{
			EventTypeID: req.EventTypeID,
			HostID:      hostID,
			SlotStart:   req.SlotStart.UTC(),
			SlotEnd:     req.SlotEnd.UTC(),
			OwnerToken:  req.OwnerToken,
			ExpiresAt:   expiresAt,
			IsSeat:      req.IsSeat,
		})
	}

	if err := l.store.Upsert(ctx, holds); err != nil {
		return nil, fmt.Errorf("acquire holds: %w", err)
	}

	log.Ctx(ctx).Debug().
		Int64("event_type_id", req.EventTypeID).
		Int("hosts", len(holds)).
		Time("slot_start", req.SlotStart).
		Time("expires_at", expiresAt).
		Msg("Slot holds acquired")
	return holds, nil
}

// Release drops every hold owned by ownerToken. An empty token is a no-op.
func (l *Ledger) Release(ctx context.Context, ownerToken string) error {
	if ownerToken == "" {
		return nil
	}
	n, err := l.store.DeleteByOwner(ctx, ownerToken)
	if err != nil {
		return fmt.Errorf("release holds: %w", err)
	}
	log.Ctx(ctx).Debug().Int("released", n).Msg("Slot holds released")
	return nil
}

// Active returns the unexpired holds of the given hosts.
func (l *Ledger) Active(ctx context.Context, hostIDs []int64) ([]Hold, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}
	now := l.clock.Now()
	holds, err := l.store.ListActive(ctx, hostIDs, now)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	// Stores filter too; this keeps a lagging store from leaking expired holds.
	out := holds[:0]
	for _, h := range holds {
		if h.Active(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

// SweepExpired deletes the event's holds that are not among valid, typically the
// result of a preceding Active call. Holds acquired after valid was read are unexpired
// and survive.
func (l *Ledger) SweepExpired(ctx context.Context, eventTypeID int64, valid []Hold) error {
	keep := make([]string, 0, len(valid))
	for _, h := range valid {
		if h.EventTypeID == eventTypeID {
			keep = append(keep, h.ID)
		}
	}
	n, err := l.store.DeleteForEventExcept(ctx, eventTypeID, keep, l.clock.Now())
	if err != nil {
		return fmt.Errorf("sweep holds for event %d: %w", eventTypeID, err)
	}
	if n > 0 {
		log.Ctx(ctx).Debug().Int64("event_type_id", eventTypeID).Int("swept", n).Msg("Stale slot holds swept")
	}
	return nil
}

// ExpireAll removes every hold whose expiry has passed.
func (l *Ledger) ExpireAll(ctx context.Context) (int, error) {
	n, err := l.store.DeleteExpired(ctx, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire holds: %w", err)
	}
	return n, nil
}
