package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rownumber/config"
)

// AddGlobalFlags registers the persistent flags shared by every subcommand.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	root.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
}

// newLogger builds the command's logger from --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// addJobFlags registers the flags that override job file settings.
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Job file (default: ./rownumber.yaml, then ~/.rownumber/config.yaml)")
	cmd.Flags().IntP("partitions", "k", config.DefaultPartitions, "Number of output partitions")
	cmd.Flags().String("partitioner", config.PartitionerHash, "Partition function: hash | range")
	cmd.Flags().StringSlice("boundaries", nil, "Sorted split points for the range partitioner")
	cmd.Flags().Int("concurrency", 0, "Worker pool size (default: number of CPUs)")
	cmd.Flags().Int64("split-size", config.DefaultSplitSize, "Maximum input split size in bytes (0 disables splitting)")
	cmd.Flags().Int("max-shard-attempts", config.DefaultMaxShardAttempts, "Attempts per shard before the run fails")
	cmd.Flags().Int64("progress-every", config.DefaultProgressEvery, "Emit shard progress every N records (0 disables)")
	cmd.Flags().StringP("output", "o", "", "Output directory")
	cmd.Flags().Bool("compress", false, "Write zstd-compressed partition files")
	cmd.Flags().String("store", "", "SQLite DSN for the shuffle store (default: in memory)")
	cmd.Flags().String("events-db", "", "SQLite DSN for persisted run events")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint URL")
}

// loadJob resolves the job file, applies flag and argument overrides, and
// validates the result.
func loadJob(cmd *cobra.Command, args []string) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicit)
	if err != nil {
		return config.Config{}, err
	}

	var cfg config.Config
	if found {
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("partitioner") {
		cfg.Partitioner, _ = flags.GetString("partitioner")
	}
	if flags.Changed("boundaries") {
		cfg.Boundaries, _ = flags.GetStringSlice("boundaries")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("split-size") {
		cfg.SplitSize, _ = flags.GetInt64("split-size")
		if cfg.SplitSize == 0 {
			// Zero in the file means "default"; on the command line it means no splitting.
			cfg.SplitSize = -1
		}
	}
	if flags.Changed("max-shard-attempts") {
		cfg.MaxShardAttempts, _ = flags.GetInt("max-shard-attempts")
	}
	if flags.Changed("progress-every") {
		cfg.ProgressEvery, _ = flags.GetInt64("progress-every")
		if cfg.ProgressEvery == 0 {
			cfg.ProgressEvery = -1
		}
	}
	if flags.Changed("output") {
		cfg.Output.Dir, _ = flags.GetString("output")
	}
	if flags.Changed("compress") {
		cfg.Output.Compress, _ = flags.GetBool("compress")
	}
	if flags.Changed("store") {
		cfg.Store.DSN, _ = flags.GetString("store")
	}
	if flags.Changed("events-db") {
		cfg.Events.DSN, _ = flags.GetString("events-db")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if len(args) > 0 {
		cfg.Inputs = args
	}

	cfg.ApplyDefaults()
	// Applied after defaults so an explicit --partitions 0 is rejected
	// rather than replaced.
	if flags.Changed("partitions") {
		cfg.Partitions, _ = flags.GetInt("partitions")
	}
	if cfg.SplitSize < 0 {
		cfg.SplitSize = 0
	}
	if cfg.ProgressEvery < 0 {
		cfg.ProgressEvery = 0
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
