// slotctl queries and manages slot availability against the configured database and hold store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codr1/bookable/internal/config"
	"github.com/codr1/bookable/internal/db"
	"github.com/codr1/bookable/internal/ledger"
	"github.com/codr1/bookable/internal/models"
	"github.com/codr1/bookable/internal/scheduler"
	"github.com/codr1/bookable/internal/slots"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "slotctl",
		Short: "Inspect bookable slots and manage slot holds",
		Long: `slotctl runs the slot resolution service directly against the configured store.

Examples:
  # Slots for an event type in the invitee's zone
  slotctl slots --event-type-id 3 --start 2024-01-08T00:00:00Z --end 2024-01-09T00:00:00Z --tz Europe/Paris

  # Hold a slot, then release it
  slotctl reserve --event-type-id 3 --start 2024-01-08T09:00:00Z --end 2024-01-08T09:30:00Z
  slotctl release --owner <token>`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config/app.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(sweepCmd())
	return rootCmd
}

// session is what every subcommand operates on.
type session struct {
	db      *db.DB
	ledger  *ledger.Ledger
	service *slots.Service
	close   func() error
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	database, err := db.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	l, closeLedger, err := ledger.Open(ctx, cfg.Ledger, database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	store := models.NewStore(database)
	return &session{
		db:      database,
		ledger:  l,
		service: slots.NewService(store, store, l),
		close: func() error {
			if err := closeLedger(); err != nil {
				database.Close()
				return err
			}
			return database.Close()
		},
	}, nil
}

// withSession runs fn with an interrupt-aware context and an open session.
func withSession(fn func(ctx context.Context, rt *session, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.close(); err != nil {
				log.Error().Err(err).Msg("Failed to close store")
			}
		}()
		return fn(ctx, rt, cmd.OutOrStdout())
	}
}

func slotsCmd() *cobra.Command {
	var query slots.ScheduleQuery
	var users []string

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List bookable slots for an event type or a set of users",
		RunE: withSession(func(ctx context.Context, rt *session, out io.Writer) error {
			query.Usernames = users
			schedule, err := rt.service.GetSchedule(ctx, query)
			if err != nil {
				return err
			}
			return writeJSON(out, schedule)
		}),
	}

	cmd.Flags().Int64Var(&query.EventTypeID, "event-type-id", 0, "Event type to resolve")
	cmd.Flags().StringSliceVar(&users, "users", nil, "Usernames for a dynamic event (comma separated)")
	cmd.Flags().StringVar(&query.EventTypeSlug, "slug", "", "Slug for a dynamic event")
	cmd.Flags().StringVar(&query.StartTime, "start", "", "Range start (RFC 3339)")
	cmd.Flags().StringVar(&query.EndTime, "end", "", "Range end (RFC 3339)")
	cmd.Flags().StringVar(&query.TimeZone, "tz", "", "Invitee time zone used to render slot times")
	cmd.Flags().IntVar(&query.Duration, "duration", 0, "Override the event length in minutes")
	cmd.Flags().BoolVar(&query.Debug, "debug", false, "Log the schedule summary at info level")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	cmd.MarkFlagsMutuallyExclusive("event-type-id", "users")
	return cmd
}

func reserveCmd() *cobra.Command {
	var (
		req   slots.ReserveRequest
		owner string
	)

	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Hold a slot for every host of an event type",
		RunE: withSession(func(ctx context.Context, rt *session, out io.Writer) error {
			token, err := rt.service.ReserveSlot(ctx, req, owner)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		}),
	}

	cmd.Flags().Int64Var(&req.EventTypeID, "event-type-id", 0, "Event type to reserve")
	cmd.Flags().StringVar(&req.SlotUTCStartDate, "start", "", "Slot start (RFC 3339)")
	cmd.Flags().StringVar(&req.SlotUTCEndDate, "end", "", "Slot end (RFC 3339)")
	cmd.Flags().StringVar(&owner, "owner", "", "Existing owner token (a new one is minted when empty)")
	_ = cmd.MarkFlagRequired("event-type-id")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func releaseCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release every hold owned by a token",
		RunE: withSession(func(ctx context.Context, rt *session, out io.Writer) error {
			return rt.service.ReleaseSlots(ctx, owner)
		}),
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner token to release")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired slot holds once",
		RunE: withSession(func(ctx context.Context, rt *session, out io.Writer) error {
			return scheduler.SweepHolds(ctx, rt.ledger)
		}),
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
