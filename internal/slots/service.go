// Package slots computes bookable slots for an event type and manages the short-lived
// holds clients place on them while booking.
package slots

import (
	"context"
	"time"

	"github.com/codr1/bookable/internal/ledger"
	"github.com/codr1/bookable/internal/models"
)

// EventTypeStore resolves event configuration.
type EventTypeStore interface {
	EventTypeByID(ctx context.Context, id int64) (*models.EventType, error)
	UsersByUsername(ctx context.Context, usernames []string) ([]models.User, error)
}

// AvailabilityProvider returns one user's raw availability.
type AvailabilityProvider interface {
	UserAvailability(ctx context.Context, q models.AvailabilityQuery) (*models.UserAvailability, error)
}

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Service struct {
	events       EventTypeStore
	availability AvailabilityProvider
	ledger       *ledger.Ledger
	clock        Clock
}

type Option func(*Service)

func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewService(events EventTypeStore, provider AvailabilityProvider, l *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		events:       events,
		availability: provider,
		ledger:       l,
		clock:        realClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
