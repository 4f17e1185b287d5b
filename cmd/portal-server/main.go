package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicportal/portal/internal/config"
	"github.com/clinicportal/portal/internal/domain/weekview"
	"github.com/clinicportal/portal/internal/platform/db"
	"github.com/clinicportal/portal/internal/platform/tz"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "portal-server",
		Short:        "Clinician portal week view API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(weekCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(cfg, newLogger(cfg.Env))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var dir, schema string
	newMigrator := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		logger := newLogger(cfg.Env)
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, 2, 1)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, dir, logger).WithSchema(schema), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := newMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closePool, err := newMigrator(ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().StringVar(&dir, "dir", "./migrations", "Path to migrations directory")
		c.Flags().StringVar(&schema, "schema", db.DefaultSchema, "Target schema")
		cmd.AddCommand(c)
	}
	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		state, at := "pending", "-"
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
	}
	w.Flush()
}

// weekOptions are the flags of the week command.
type weekOptions struct {
	clinician string
	start     string
	days      int
	zone      string
}

func (o weekOptions) request() (weekview.WeekRequest, error) {
	id, err := uuid.Parse(o.clinician)
	if err != nil {
		return weekview.WeekRequest{}, fmt.Errorf("--clinician must be a UUID: %w", err)
	}
	return weekview.WeekRequest{
		ClinicianID: id,
		Start:       o.start,
		Days:        o.days,
		// The operator acts on the clinician's behalf, so an explicit zone
		// is honored like the clinician's own browser zone.
		Viewer: tz.ViewerContext{BrowserZone: o.zone, OwnCalendar: o.zone != ""},
	}, nil
}

func weekCmd() *cobra.Command {
	var opts weekOptions
	cmd := &cobra.Command{
		Use:   "week",
		Short: "Print a clinician's reconciled week as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, 4, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := newWeekService(cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			view, err := svc.BuildWeek(cmd.Context(), req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
	cmd.Flags().StringVar(&opts.clinician, "clinician", "", "Clinician UUID")
	cmd.Flags().StringVar(&opts.start, "start", "", "First day (YYYY-MM-DD); defaults to this week's Monday")
	cmd.Flags().IntVar(&opts.days, "days", weekview.DefaultWeekDays, "Number of days")
	cmd.Flags().StringVar(&opts.zone, "tz", "", "IANA zone to render in")
	cmd.MarkFlagRequired("clinician")
	return cmd
}
