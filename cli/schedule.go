package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/petal-labs/rownumber/bus"
	"github.com/petal-labs/rownumber/config"
	"github.com/petal-labs/rownumber/sse"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// nextCronRunsUTC returns the next n activation times after now.
func nextCronRunsUTC(schedule cron.Schedule, now time.Time, n int) []time.Time {
	runs := make([]time.Time, 0, n)
	t := now.UTC()
	for i := 0; i < n; i++ {
		t = schedule.Next(t)
		runs = append(runs, t)
	}
	return runs
}

// NewScheduleCmd creates the "schedule" subcommand.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule [input...]",
		Short: "Run the job repeatedly on a UTC cron schedule",
		RunE:  runSchedule,
	}

	addJobFlags(cmd)
	cmd.Flags().String("cron", "", "Five-field UTC cron expression (default: schedule from the job file)")
	cmd.Flags().Int("next", 0, "Print the next N activation times and exit")
	cmd.Flags().String("listen", "", "Serve run events as SSE at GET /runs/{run_id}/events on this address")

	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadJob(cmd, args)
	if err != nil {
		return wrapExit("loading job", err)
	}

	expr := cfg.Schedule
	if cmd.Flags().Changed("cron") {
		expr, _ = cmd.Flags().GetString("cron")
	}
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	out := cmd.OutOrStdout()
	if n, _ := cmd.Flags().GetInt("next"); n > 0 {
		for _, t := range nextCronRunsUTC(schedule, time.Now(), n) {
			printf(out, "%s\n", t.Format(time.RFC3339))
		}
		return nil
	}

	if len(cfg.Inputs) == 0 || cfg.Output.Dir == "" {
		return exitError(exitValidation, "schedule requires inputs and an output directory")
	}

	logger := newLogger(cmd)
	ctx := cmd.Context()

	var shared *bus.MemBus
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		eb, stop, err := serveEvents(cfg, listen, logger)
		if err != nil {
			return wrapExit("starting event server", err)
		}
		defer stop()
		shared = eb
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(standardCronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(
			slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		))),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		result, err := runJob(ctx, cfg, logger, shared)
		if err != nil {
			logger.Error("scheduled run failed", "error", err, "exit_code", exitCodeFor(err))
			return
		}
		logger.Info("scheduled run finished",
			"run_id", result.RunID,
			"records", result.Records,
		)
	}))

	logger.Info("scheduler started", "cron", strings.TrimSpace(expr), "next", schedule.Next(time.Now().UTC()))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("scheduler stopped")
	return nil
}

// serveEvents starts an HTTP server streaming the events of every scheduled
// run. Events are kept in the configured SQLite event store, or in memory
// for the lifetime of the scheduler when none is set. The returned stop
// function shuts the server down and flushes pending events.
func serveEvents(cfg config.Config, addr string, logger *slog.Logger) (*bus.MemBus, func(), error) {
	var (
		store   bus.EventStore = bus.NewMemEventStore()
		closeDB                = func() {}
	)
	if cfg.Events.DSN != "" {
		es, err := openEventStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		store = es
		closeDB = func() { _ = es.Close() }
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	eb := bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 4096})
	sub := eb.SubscribeAll()
	drained := make(chan struct{})
	go func() {
		bus.NewStoreSubscriber(store, logger).Drain(sub)
		close(drained)
	}()

	mux := http.NewServeMux()
	sse.NewHandler(store, eb).Register(mux)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("event server failed", "error", err)
		}
	}()
	logger.Info("serving run events", "addr", ln.Addr().String())

	stop := func() {
		// Closing the bus ends every open stream.
		_ = eb.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-drained
		closeDB()
	}
	return eb, stop, nil
}
