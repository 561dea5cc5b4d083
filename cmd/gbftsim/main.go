// Command gbftsim runs in-process consensus clusters and inspects their
// write-ahead logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockberries/gbft/cmd/gbftsim/initnet"
	"github.com/blockberries/gbft/cmd/gbftsim/run"
	"github.com/blockberries/gbft/cmd/gbftsim/walcmd"
	"github.com/blockberries/gbft/engine"
)

func main() {
	root := &cobra.Command{
		Use:           "gbftsim",
		Short:         "Simulates a BFT validator cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		run.Command(),
		initnet.Command(),
		walcmd.Command(),
		&cobra.Command{
			Use:   "version",
			Short: "Prints the engine version",
			Run: func(c *cobra.Command, _ []string) {
				c.Println(engine.Version)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gbftsim: %v\n", err)
		stop()
		os.Exit(1)
	}
}
