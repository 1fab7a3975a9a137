package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rownumber/bus"
	"github.com/petal-labs/rownumber/config"
	"github.com/petal-labs/rownumber/runtime"
)

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "List recorded runs, or print the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEvents,
	}

	cmd.Flags().StringP("config", "c", "", "Job file providing events.dsn")
	cmd.Flags().String("events-db", "", "SQLite DSN of the event store")
	cmd.Flags().Uint64("after", 0, "Only print events with a sequence number above this")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown format %q (want text or json)", format)
	}

	var cfg config.Config
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicit)
	if err != nil {
		return wrapExit("loading job", err)
	}
	if found {
		if cfg, err = config.Load(path); err != nil {
			return wrapExit("loading job", err)
		}
	}
	if cmd.Flags().Changed("events-db") {
		cfg.Events.DSN, _ = cmd.Flags().GetString("events-db")
	}
	if cfg.Events.DSN == "" {
		return exitError(exitValidation, "no event store configured (--events-db or events.dsn)")
	}

	es, err := openEventStore(cfg)
	if err != nil {
		return wrapExit("opening event store", err)
	}
	defer func() {
		_ = es.Close()
	}()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := es.Runs(ctx)
		if err != nil {
			return wrapExit("listing runs", err)
		}
		if format == "json" {
			if runs == nil {
				runs = []bus.RunInfo{}
			}
			return json.NewEncoder(out).Encode(runs)
		}
		for _, r := range runs {
			records := "-"
			if r.Records != nil {
				records = strconv.FormatInt(*r.Records, 10)
			}
			printf(out, "%s  %-9s  %s  %s\n", r.RunID, r.Status, records, r.FirstSeen.Format(time.RFC3339))
		}
		return nil
	}

	after, _ := cmd.Flags().GetUint64("after")
	events, err := es.List(ctx, args[0], after, 0)
	if err != nil {
		return wrapExit("listing events", err)
	}
	if len(events) == 0 && after == 0 {
		return exitError(exitFileNotFound, "no events recorded for run %s", args[0])
	}

	enc := json.NewEncoder(out)
	for _, e := range events {
		if format == "json" {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("writing event: %w", err)
			}
			continue
		}
		printf(out, "%s\n", formatEvent(e))
	}
	return nil
}

// formatEvent renders one event as a single text line.
func formatEvent(e runtime.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d  %s  %-18s", e.Seq, e.Time.UTC().Format("15:04:05.000"), e.Kind)
	if e.Shard != runtime.None {
		fmt.Fprintf(&b, "  shard=%s attempt=%d", e.ShardName, e.Attempt)
	}
	if e.Partition != runtime.None {
		fmt.Fprintf(&b, "  partition=%d", e.Partition)
	}
	for _, key := range []string{"records", "base", "status", "error"} {
		if v, ok := e.Payload[key]; ok {
			fmt.Fprintf(&b, "  %s=%v", key, v)
		}
	}
	return b.String()
}
