// cmd/server/server.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/bookable/internal/api"
	apislots "github.com/codr1/bookable/internal/api/slots"
	"github.com/codr1/bookable/internal/config"
	"github.com/codr1/bookable/internal/db"
	"github.com/codr1/bookable/internal/ledger"
	"github.com/codr1/bookable/internal/models"
	"github.com/codr1/bookable/internal/ratelimit"
	"github.com/codr1/bookable/internal/slots"
)

type dependencies struct {
	db          *db.DB
	ledger      *ledger.Ledger
	closeLedger func() error
	limiter     *ratelimit.Limiter
	slots       *slots.Service
	closed      bool
}

// buildDeps opens the database, selects the hold store and wires the slot service.
func buildDeps(cfg *config.Config) (*dependencies, error) {
	database, err := db.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	deps := &dependencies{db: database}

	deps.ledger, deps.closeLedger, err = ledger.Open(context.Background(), cfg.Ledger, database)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	modelStore := models.NewStore(database)
	deps.slots = slots.NewService(modelStore, modelStore, deps.ledger)
	deps.limiter = ratelimit.New(&ratelimit.Config{
		Window:      time.Minute,
		MaxPerIP:    cfg.RateLimit.ReservePerMinuteIP,
		MaxPerOwner: cfg.RateLimit.ReservePerMinuteOwner,
		TrustProxy:  cfg.RateLimit.TrustProxy,
	})
	return deps, nil
}

func (d *dependencies) Close() {
	if d.closed {
		return
	}
	d.closed = true
	if d.limiter != nil {
		d.limiter.Close()
	}
	if d.closeLedger != nil {
		if err := d.closeLedger(); err != nil {
			log.Error().Err(err).Msg("Failed to close hold store")
		}
	}
	if err := d.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

func newServer(cfg *config.Config, deps *dependencies) *http.Server {
	router := http.NewServeMux()

	// Setup middleware chain
	handler := api.ChainMiddleware(
		router,
		api.WithLogging,
		api.WithRecovery,
		api.WithRequestID,
	)

	apislots.InitHandlers(deps.slots)
	registerRoutes(router, deps)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *dependencies) {
	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.db.PingContext(r.Context()); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("Health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Slot routes
	mux.HandleFunc("GET /api/v1/slots", apislots.HandleGetSchedule)
	mux.Handle("POST /api/v1/slots/reserve",
		deps.limiter.Middleware(apislots.OwnerToken)(http.HandlerFunc(apislots.HandleReserveSlot)))
	mux.HandleFunc("POST /api/v1/slots/release", apislots.HandleReleaseSlots)
}
