package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tallyworks/flowline/internal/engine"
	"github.com/tallyworks/flowline/internal/workflows"
	"github.com/tallyworks/flowline/pkg/flowline"
)

func main() {
	root := &cobra.Command{
		Use:   "flowline",
		Short: "Event-sourced workflow orchestration engine",
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, stream consumers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			flowline.SetupLogger()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			actions := engine.NewActionRegistry()
			workflows.RegisterBuiltins(actions)

			if err := flowline.Start(ctx, nil, actions); err != nil {
				slog.Error("Engine exited with error", "error", err)
				return err
			}
			return nil
		},
	}
}
