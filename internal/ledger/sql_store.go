package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codr1/bookable/internal/db"
)

const upsertHoldSQL = `
INSERT INTO selected_slots (event_type_id, user_id, slot_start_ms, slot_end_ms, owner_token, release_at_ms, is_seat)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, slot_start_ms, slot_end_ms, owner_token)
DO UPDATE SET release_at_ms = excluded.release_at_ms,
              event_type_id = excluded.event_type_id,
              is_seat = excluded.is_seat`

type holdRow struct {
	ID          int64  `db:"id"`
	EventTypeID int64  `db:"event_type_id"`
	UserID      int64  `db:"user_id"`
	SlotStartMs int64  `db:"slot_start_ms"`
	SlotEndMs   int64  `db:"slot_end_ms"`
	OwnerToken  string `db:"owner_token"`
	ReleaseAtMs int64  `db:"release_at_ms"`
	IsSeat      bool   `db:"is_seat"`
}

func (r holdRow) hold() Hold {
	return Hold{
		ID:          strconv.FormatInt(r.ID, 10),
		EventTypeID: r.EventTypeID,
		HostID:      r.UserID,
		SlotStart:   time.UnixMilli(r.SlotStartMs).UTC(),
		SlotEnd:     time.UnixMilli(r.SlotEndMs).UTC(),
		OwnerToken:  r.OwnerToken,
		ExpiresAt:   time.UnixMilli(r.ReleaseAtMs).UTC(),
		IsSeat:      r.IsSeat,
	}
}

// SQLStore keeps holds in the selected_slots table.
type SQLStore struct {
	db *db.DB
}

func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database}
}

func (s *SQLStore) Upsert(ctx context.Context, holds []Hold) error {
	query := s.db.Rebind(upsertHoldSQL)
	return s.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		for _, h := range holds {
			if _, err := tx.ExecContext(ctx, query,
				h.EventTypeID,
				h.HostID,
				h.SlotStart.UnixMilli(),
				h.SlotEnd.UnixMilli(),
				h.OwnerToken,
				h.ExpiresAt.UnixMilli(),
				h.IsSeat,
			); err != nil {
				return fmt.Errorf("upsert hold for host %d: %w", h.HostID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteByOwner(ctx context.Context, ownerToken string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM selected_slots WHERE owner_token = ?"), ownerToken)
	if err != nil {
		return 0, fmt.Errorf("delete holds by owner: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) ListActive(ctx context.Context, hostIDs []int64, now time.Time) ([]Hold, error) {
	query, args, err := sqlx.In(`
		SELECT id, event_type_id, user_id, slot_start_ms, slot_end_ms, owner_token, release_at_ms, is_seat
		FROM selected_slots
		WHERE user_id IN (?) AND release_at_ms > ?
		ORDER BY slot_start_ms, user_id`, hostIDs, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("build hold query: %w", err)
	}

	var rows []holdRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	holds := make([]Hold, 0, len(rows))
	for _, r := range rows {
		holds = append(holds, r.hold())
	}
	return holds, nil
}

func (s *SQLStore) DeleteForEventExcept(ctx context.Context, eventTypeID int64, keepIDs []string, now time.Time) (int, error) {
	query := "DELETE FROM selected_slots WHERE event_type_id = ? AND release_at_ms <= ?"
	args := []any{eventTypeID, now.UnixMilli()}
	if len(keepIDs) > 0 {
		ids := make([]int64, 0, len(keepIDs))
		for _, raw := range keepIDs {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid hold id %q: %w", raw, err)
			}
			ids = append(ids, id)
		}
		var err error
		query, args, err = sqlx.In(query+" AND id NOT IN (?)", eventTypeID, now.UnixMilli(), ids)
		if err != nil {
			return 0, fmt.Errorf("build sweep query: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("sweep holds: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM selected_slots WHERE release_at_ms <= ?"), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired holds: %w", err)
	}
	return affected(res)
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func affected(res rowsAffected) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
