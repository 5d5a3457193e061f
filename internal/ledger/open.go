package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codr1/bookable/internal/config"
	"github.com/codr1/bookable/internal/db"
)

// Open builds a ledger on the configured hold store. The returned close func releases
// the store's connection and is never nil.
func Open(ctx context.Context, cfg config.LedgerConfig, database *db.DB, opts ...Option) (*Ledger, func() error, error) {
	opts = append([]Option{WithTTL(time.Duration(cfg.HoldMinutes) * time.Minute)}, opts...)

	switch cfg.Backend {
	case config.LedgerBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return New(NewRedisStore(client, ""), opts...), client.Close, nil
	case config.LedgerBackendDatabase, "":
		return New(NewSQLStore(database), opts...), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger backend: %s", cfg.Backend)
	}
}
