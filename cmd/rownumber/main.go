package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rownumber/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rownumber",
	Short: "Dense global row numbering over partitioned input",
	Long:  "rownumber assigns every input line a unique index 0..N-1 with two parallel passes and no shared counter.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	cli.AddGlobalFlags(rootCmd)

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("rownumber version %s\n", version))

	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewScheduleCmd())
	rootCmd.AddCommand(cli.NewEventsCmd())
}
