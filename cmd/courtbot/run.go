package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/app"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the booking daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, opts.cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				} else {
					reason = app.StopAppStop
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return stopErr
		},
	}
}
