package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stevening1/rpm-to-fhir-api/internal/config"
	"github.com/stevening1/rpm-to-fhir-api/internal/domain/ingest"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/db"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/fhirclient"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/middleware"
	"github.com/stevening1/rpm-to-fhir-api/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "rpm-gateway",
		Short:        "Remote patient monitoring to FHIR gateway",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func invokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run one invocation event from a file or stdin and print the response event",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			raw, _ := cmd.Flags().GetBool("raw")

			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open event file: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.InvocationTimeout)
			defer cancel()

			svc, cleanup, err := buildService(ctx, cfg, logger, telemetry.NewProvider())
			if err != nil {
				return err
			}
			defer cleanup()

			return runInvoke(ctx, svc, in, cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().String("file", "", "Path to the invocation event JSON (default stdin)")
	cmd.Flags().Bool("raw", false, "Treat the input as the payload itself rather than an event envelope")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the dispatch attempt ledger schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openLedgerPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openLedgerPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func openLedgerPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.HasDatabase() {
		return nil, errors.New("DATABASE_URL is required for migrations")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// setup loads and validates configuration and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg, os.Stderr), nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "rpm-gateway").Logger()
}

func policyFrom(cfg *config.Config) (ingest.Policy, error) {
	patient, err := ingest.ParseFailureAction(cfg.PatientFailurePolicy)
	if err != nil {
		return ingest.Policy{}, fmt.Errorf("PATIENT_FAILURE_POLICY: %w", err)
	}
	observation, err := ingest.ParseFailureAction(cfg.ObservationFailurePolicy)
	if err != nil {
		return ingest.Policy{}, fmt.Errorf("OBSERVATION_FAILURE_POLICY: %w", err)
	}
	return ingest.Policy{Patient: patient, Observation: observation}, nil
}

// buildService wires the FHIR client, attempt ledger and metrics into the
// dispatcher. The returned cleanup closes the ledger pool, if any.
func buildService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics ingest.MetricsRecorder) (*ingest.Service, func(), error) {
	return buildServiceWithPool(ctx, cfg, logger, metrics, nil)
}

func buildServiceWithPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics ingest.MetricsRecorder, pool *pgxpool.Pool) (*ingest.Service, func(), error) {
	client, err := fhirclient.New(cfg.FHIRBaseURL, fhirclient.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	policy, err := policyFrom(cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	var attempts ingest.AttemptRepository = ingest.NewInMemoryAttemptRepository(cfg.AttemptBufferSize)
	if pool == nil && cfg.HasDatabase() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		cleanup = pool.Close
	}
	if pool != nil {
		attempts = ingest.NewAttemptRepo(pool)
	}

	svc := ingest.NewService(client,
		ingest.WithPolicy(policy),
		ingest.WithAttemptRepository(attempts),
		ingest.WithMetrics(metrics),
		ingest.WithLogger(logger),
	)
	return svc, cleanup, nil
}

// runInvoke reads one event (or a raw payload) from in, dispatches it and
// writes the response event to out.
func runInvoke(ctx context.Context, svc *ingest.Service, in io.Reader, out io.Writer, raw bool) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}

	env := ingest.NewEnvelope(data)
	if !raw {
		env = ingest.Envelope{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
		}
	}

	ev, err := ingest.BuildResponse(svc.Dispatch(ctx, env)).Event()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(ev)
}

// newServer assembles the echo instance. pool may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *ingest.Service, metrics *telemetry.Provider, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.InvocationDeadline(cfg.InvocationTimeout))

	apiV1 := e.Group("/api/v1")
	ingest.NewHandler(svc).RegisterRoutes(e, apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":   "ok",
			"fhir_url": cfg.FHIRBaseURL,
			"policy":   svc.Policy().String(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.PrometheusHandler())

	return e
}

// errorHandler renders every error as {"error": message}. 5xx messages are
// replaced with the generic internal error text.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := ingest.MsgInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if code < http.StatusInternalServerError {
				msg = fmt.Sprint(he.Message)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}
		if werr := c.JSON(code, ingest.ErrorBody{Error: msg}); werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.HasDatabase() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to attempt ledger database")
	}

	metrics := telemetry.NewProvider()
	svc, _, err := buildServiceWithPool(ctx, cfg, logger, metrics, pool)
	if err != nil {
		return err
	}
	e := newServer(cfg, logger, svc, metrics, pool)

	logger.Info().
		Str("fhir_url", cfg.FHIRBaseURL).
		Str("policy", svc.Policy().String()).
		Dur("invocation_timeout", cfg.InvocationTimeout).
		Bool("postgres_ledger", pool != nil).
		Msg("gateway configured")

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
