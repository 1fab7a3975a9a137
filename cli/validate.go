package cli

import (
	"github.com/spf13/cobra"

	"github.com/petal-labs/rownumber/lineio"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [input...]",
		Short: "Validate a job without running it",
		RunE:  runValidate,
	}

	addJobFlags(cmd)

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadJob(cmd, args)
	if err != nil {
		return wrapExit("validation failed", err)
	}

	shards, err := lineio.Split(cfg.Inputs, cfg.SplitSize)
	if err != nil {
		return wrapExit("validation failed", err)
	}

	out := cmd.OutOrStdout()
	printf(out, "Valid: %d %s, %d %s, %d %s (%s partitioner)\n",
		len(cfg.Inputs), pluralize("input", len(cfg.Inputs)),
		len(shards), pluralize("shard", len(shards)),
		cfg.Partitions, pluralize("partition", cfg.Partitions),
		cfg.Partitioner,
	)
	if cfg.Output.Dir == "" {
		printf(out, "Warning: no output directory set; run requires --output\n")
	}
	return nil
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
