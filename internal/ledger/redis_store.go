package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each hold in a hash keyed by its natural key, with index sets per
// owner, host and event plus a sorted set of expiries. Hash keys carry a PEXPIREAT so
// Redis drops them on its own; index entries pointing at vanished hashes are ignored
// by readers and pruned by the delete paths.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bookable:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) holdID(h Hold) string {
	return fmt.Sprintf("%d:%d:%d:%s", h.HostID, h.SlotStart.UnixMilli(), h.SlotEnd.UnixMilli(), h.OwnerToken)
}

func (s *RedisStore) holdKey(id string) string { return s.prefix + "hold:" + id }
func (s *RedisStore) ownerKey(owner string) string { return s.prefix + "owner:" + owner }
func (s *RedisStore) hostKey(hostID int64) string { return s.prefix + "host:" + strconv.FormatInt(hostID, 10) }
func (s *RedisStore) eventKey(eventID int64) string { return s.prefix + "event:" + strconv.FormatInt(eventID, 10) }
func (s *RedisStore) expiryKey() string { return s.prefix + "expiry" }

func (s *RedisStore) Upsert(ctx context.Context, holds []Hold) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range holds {
			id := s.holdID(h)
			key := s.holdKey(id)
			pipe.HSet(ctx, key, map[string]any{
				"event_type_id": h.EventTypeID,
				"user_id":       h.HostID,
				"slot_start_ms": h.SlotStart.UnixMilli(),
				"slot_end_ms":   h.SlotEnd.UnixMilli(),
				"owner_token":   h.OwnerToken,
				"release_at_ms": h.ExpiresAt.UnixMilli(),
				"is_seat":       strconv.FormatBool(h.IsSeat),
			})
			pipe.PExpireAt(ctx, key, h.ExpiresAt)
			pipe.SAdd(ctx, s.ownerKey(h.OwnerToken), id)
			pipe.SAdd(ctx, s.hostKey(h.HostID), id)
			pipe.SAdd(ctx, s.eventKey(h.EventTypeID), id)
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(h.ExpiresAt.UnixMilli()), Member: id})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert holds: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteByOwner(ctx context.Context, ownerToken string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.ownerKey(ownerToken)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis owner index: %w", err)
	}
	return s.deleteIDs(ctx, ids)
}

func (s *RedisStore) ListActive(ctx context.Context, hostIDs []int64, now time.Time) ([]Hold, error) {
	var ids []string
	for _, hostID := range hostIDs {
		members, err := s.client.SMembers(ctx, s.hostKey(hostID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis host index: %w", err)
		}
		ids = append(ids, members...)
	}

	holds, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := holds[:0]
	for _, h := range holds {
		if h.Active(now) {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b Hold) int {
		if c := a.SlotStart.Compare(b.SlotStart); c != 0 {
			return c
		}
		return int(a.HostID - b.HostID)
	})
	return out, nil
}

func (s *RedisStore) DeleteForEventExcept(ctx context.Context, eventTypeID int64, keepIDs []string, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.eventKey(eventTypeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis event index: %w", err)
	}
	holds, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(holds))
	for _, h := range holds {
		live[h.ID] = h.Active(now)
	}

	var doomed []string
	for _, id := range ids {
		if slices.Contains(keepIDs, id) || live[id] {
			continue
		}
		doomed = append(doomed, id)
	}
	return s.deleteIDs(ctx, doomed)
}

func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis expiry index: %w", err)
	}
	return s.deleteIDs(ctx, ids)
}

// load fetches the hashes behind ids, skipping ones Redis already expired.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Hold, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.holdKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load holds: %w", err)
	}

	holds := make([]Hold, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		h, err := parseHold(ids[i], fields)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, nil
}

// deleteIDs removes holds and every index entry that points at them.
func (s *RedisStore) deleteIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	holds, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]Hold, len(holds))
	for _, h := range holds {
		byID[h.ID] = h
	}

	var deleted []*redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			deleted = append(deleted, pipe.Del(ctx, s.holdKey(id)))
			pipe.ZRem(ctx, s.expiryKey(), id)
			if h, ok := byID[id]; ok {
				pipe.SRem(ctx, s.ownerKey(h.OwnerToken), id)
				pipe.SRem(ctx, s.hostKey(h.HostID), id)
				pipe.SRem(ctx, s.eventKey(h.EventTypeID), id)
				continue
			}
			// The hash is gone; the id still names its host and owner.
			if hostID, owner, ok := splitHoldID(id); ok {
				pipe.SRem(ctx, s.ownerKey(owner), id)
				pipe.SRem(ctx, s.hostKey(hostID), id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete holds: %w", err)
	}

	n := 0
	for _, cmd := range deleted {
		n += int(cmd.Val())
	}
	return n, nil
}

func parseHold(id string, fields map[string]string) (Hold, error) {
	ints := make(map[string]int64, 5)
	for _, name := range []string{"event_type_id", "user_id", "slot_start_ms", "slot_end_ms", "release_at_ms"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return Hold{}, fmt.Errorf("hold %s: field %s: %w", id, name, err)
		}
		ints[name] = v
	}
	isSeat, _ := strconv.ParseBool(fields["is_seat"])
	return Hold{
		ID:          id,
		EventTypeID: ints["event_type_id"],
		HostID:      ints["user_id"],
		SlotStart:   time.UnixMilli(ints["slot_start_ms"]).UTC(),
		SlotEnd:     time.UnixMilli(ints["slot_end_ms"]).UTC(),
		OwnerToken:  fields["owner_token"],
		ExpiresAt:   time.UnixMilli(ints["release_at_ms"]).UTC(),
		IsSeat:      isSeat,
	}, nil
}

// splitHoldID recovers the host and owner from "host:start:end:owner".
func splitHoldID(id string) (int64, string, bool) {
	var (
		hostID     int64
		start, end int64
		owner      string
	)
	if n, err := fmt.Sscanf(id, "%d:%d:%d:%s", &hostID, &start, &end, &owner); err != nil || n != 4 {
		return 0, "", false
	}
	return hostID, owner, true
}
