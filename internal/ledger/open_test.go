package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/codr1/bookable/internal/config"
	"github.com/codr1/bookable/internal/testutil"
)

func TestOpen_DatabaseBackend(t *testing.T) {
	database := testutil.NewTestDB(t)

	l, closeStore, err := Open(context.Background(), config.LedgerConfig{
		Backend:     config.LedgerBackendDatabase,
		HoldMinutes: 15,
	}, database)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeStore()

	if l.TTL() != 15*time.Minute {
		t.Fatalf("expected ttl 15m, got %s", l.TTL())
	}
	if _, ok := l.store.(*SQLStore); !ok {
		t.Fatalf("expected SQL store, got %T", l.store)
	}
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	if _, _, err := Open(context.Background(), config.LedgerConfig{Backend: "memcached"}, nil); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}
