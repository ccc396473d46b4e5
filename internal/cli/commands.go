package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/receipts/internal/catalog"
	"github.com/roach88/receipts/internal/engine"
	"github.com/roach88/receipts/internal/ir"
)

// DefaultCommandTimeout bounds one-shot commands.
const DefaultCommandTimeout = 2 * time.Minute

// OneShotOptions holds flags shared by the single-operation commands.
type OneShotOptions struct {
	*RootOptions
	Timeout time.Duration
	Force   bool
}

func newOneShotCommand(rootOpts *RootOptions, use, short, long string, force bool, run func(ctx context.Context, cmd *cobra.Command, rt *runtime, opts *OneShotOptions) error) *cobra.Command {
	opts := &OneShotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, opts.Timeout)
			defer cancel()

			rt, err := startRuntime(ctx, cmd, opts.RootOptions, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.close(); err != nil {
					rt.logger.Error("error releasing collaborators", "error", err)
				}
			}()
			return run(ctx, cmd, rt, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultCommandTimeout, "give up after this long")
	if force {
		cmd.Flags().BoolVar(&opts.Force, "force", false, "bypass the cache and fetch from the backend")
	}
	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return newOneShotCommand(rootOpts, "sweep",
		"Post unsent receipts once and exit",
		`Query the billing store's active purchases, post every receipt the
backend has not confirmed and finalize the ones it accepts.

Exits 1 when the sweep aborted or any purchase stayed unconfirmed.

Example:
  receipts sweep --app-user-id user-42
  receipts sweep --format json`,
		false, runSweep)
}

func runSweep(ctx context.Context, cmd *cobra.Command, rt *runtime, opts *OneShotOptions) error {
	f := opts.formatterFor(cmd)

	report, err := await(ctx, rt.engine.Sweep)
	if err != nil {
		return f.Fail(ExitFailure, CodeEngine, "sweep failed", err)
	}

	if report.Aborted || report.Failed > 0 {
		if f.Format == "json" {
			_ = f.Error(CodeUnfinished, "sweep left purchases unconfirmed", report)
		} else {
			renderSweep(f.Writer, report)
		}
		return NewExitError(ExitFailure, "sweep left purchases unconfirmed")
	}

	return f.Success(report, func(w io.Writer) { renderSweep(w, report) })
}

func renderSweep(w io.Writer, r engine.SweepReport) {
	if r.Aborted {
		fmt.Fprintf(w, "Sweep aborted: %s\n", r.Reason)
		return
	}
	fmt.Fprintf(w, "Sweep complete: %d active, %d posted, %d confirmed, %d failed, %d pruned\n",
		r.Active, r.Posted, r.Confirmed, r.Failed, r.Pruned)
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return newOneShotCommand(rootOpts, "restore",
		"Restore purchases from the store's history",
		`Post every purchase in the billing store's history, including
ones already sent, and print the resulting entitlements.

Example:
  receipts restore --app-user-id user-42`,
		false, runRestore)
}

func runRestore(ctx context.Context, cmd *cobra.Command, rt *runtime, opts *OneShotOptions) error {
	f := opts.formatterFor(cmd)

	snap, err := await(ctx, rt.engine.Restore)
	if err != nil {
		return f.Fail(ExitFailure, CodeEngine, "restore failed", err)
	}
	return f.Success(snap, func(w io.Writer) { renderEntitlements(w, snap) })
}

// NewEntitlementsCommand creates the entitlements command.
func NewEntitlementsCommand(rootOpts *RootOptions) *cobra.Command {
	return newOneShotCommand(rootOpts, "entitlements",
		"Print the current user's entitlements",
		`Print the entitlement snapshot for the current user. A fresh cached
snapshot is served without contacting the backend unless --force is set.

Example:
  receipts entitlements --app-user-id user-42
  receipts entitlements --force --format json`,
		true, runEntitlements)
}

func runEntitlements(ctx context.Context, cmd *cobra.Command, rt *runtime, opts *OneShotOptions) error {
	f := opts.formatterFor(cmd)

	snap, err := await(ctx, func(h engine.Handler[ir.EntitlementSnapshot]) {
		rt.engine.GetEntitlements(opts.Force, h)
	})
	if err != nil {
		return f.Fail(ExitFailure, CodeEngine, "failed to get entitlements", err)
	}
	return f.Success(snap, func(w io.Writer) { renderEntitlements(w, snap) })
}

func renderEntitlements(w io.Writer, snap ir.EntitlementSnapshot) {
	fmt.Fprintf(w, "Entitlements for %s (issued %s)\n", snap.AppUserID, snap.RequestDate.UTC().Format(time.RFC3339))
	if len(snap.Raw) == 0 {
		return
	}
	var pretty any
	if err := json.Unmarshal(snap.Raw, &pretty); err != nil {
		fmt.Fprintln(w, string(snap.Raw))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Fprintln(w, string(out))
}

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	return newOneShotCommand(rootOpts, "catalog",
		"Print the offerings catalog",
		`Print the offerings catalog with the billing store's product details
joined in. Packages whose products the store does not know are omitted.

Example:
  receipts catalog
  receipts catalog --force --format json`,
		true, runCatalog)
}

func runCatalog(ctx context.Context, cmd *cobra.Command, rt *runtime, opts *OneShotOptions) error {
	f := opts.formatterFor(cmd)

	offerings, err := await(ctx, func(h engine.Handler[catalog.Offerings]) {
		rt.engine.GetCatalog(opts.Force, h)
	})
	if err != nil {
		return f.Fail(ExitFailure, CodeEngine, "failed to get catalog", err)
	}
	return f.Success(offerings, func(w io.Writer) { renderCatalog(w, offerings) })
}

func renderCatalog(w io.Writer, o catalog.Offerings) {
	if len(o.Offerings) == 0 {
		fmt.Fprintln(w, "No offerings")
		return
	}
	for _, off := range o.Offerings {
		marker := ""
		if off.Identifier == o.CurrentOfferingID {
			marker = " (current)"
		}
		fmt.Fprintf(w, "%s%s: %d packages\n", off.Identifier, marker, len(off.Packages))
	}
}
