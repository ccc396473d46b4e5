package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/receipts/internal/config"
	"github.com/roach88/receipts/internal/engine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SweepInterval time.Duration
	NoSweep       bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation engine until interrupted",
		Long: `Run the reconciliation engine against the configured billing store,
backend and cache.

The engine sweeps once at startup, then again on every store reconnect,
every SIGHUP and, when --sweep-interval is set, periodically. SIGINT and
SIGTERM stop it after queued work drains.

Example:
  receipts serve --sweep-interval 15m
  RECEIPTS_REDIS_ADDR=localhost:6379 receipts serve --log-format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.SweepInterval, "sweep-interval", 0, "periodic sweep interval (default $RECEIPTS_SWEEP_INTERVAL)")
	cmd.Flags().BoolVar(&opts.NoSweep, "no-startup-sweep", false, "skip the sweep at startup")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := startRuntime(ctx, cmd, opts.RootOptions, true, func(c *config.Config) {
		if opts.SweepInterval > 0 {
			c.SweepInterval = opts.SweepInterval
		}
	})
	if err != nil {
		return err
	}
	logger := rt.logger

	engine.SetShared(rt.engine)
	defer func() {
		if err := engine.CloseShared(); err != nil {
			logger.Error("error closing engine", "error", err)
		}
		if err := rt.close(); err != nil {
			logger.Error("error releasing collaborators", "error", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	sweep := func(trigger string) {
		rt.engine.Sweep(func(r engine.Result[engine.SweepReport]) {
			report, err := r.Get()
			if err != nil {
				logger.Warn("sweep failed", "trigger", trigger, "error", err)
				return
			}
			logger.Info("sweep finished",
				"trigger", trigger,
				"aborted", report.Aborted,
				"reason", report.Reason,
				"posted", report.Posted,
				"confirmed", report.Confirmed,
				"failed", report.Failed,
			)
		})
	}

	if !opts.NoSweep {
		sweep("startup")
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Reconciling purchases for", rt.engine.AppUserID())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	for {
		select {
		case <-hup:
			sweep("sighup")
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}
