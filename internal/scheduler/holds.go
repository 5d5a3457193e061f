package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/ledger"
)

const (
	HoldSweepJobName = "slot_hold_sweep"
	holdSweepTimeout = time.Minute
)

// HoldExpirer removes holds past their expiry.
type HoldExpirer interface {
	ExpireAll(ctx context.Context) (int, error)
}

var _ HoldExpirer = (*ledger.Ledger)(nil)

// RegisterHoldSweepJob periodically deletes expired slot holds. Readers already ignore
// expired holds; the sweep only keeps the store small.
func (s *Service) RegisterHoldSweepJob(expirer HoldExpirer, cronExpr string) error {
	if expirer == nil {
		return fmt.Errorf("hold sweep job requires a ledger")
	}
	return s.AddJob(HoldSweepJobName, cronExpr, holdSweepTimeout, func(ctx context.Context) error {
		return SweepHolds(ctx, expirer)
	})
}

// SweepHolds runs one expiry pass.
func SweepHolds(ctx context.Context, expirer HoldExpirer) error {
	n, err := expirer.ExpireAll(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired holds: %w", err)
	}
	log.Ctx(ctx).Info().Int("expired", n).Msg("Expired slot holds swept")
	return nil
}
