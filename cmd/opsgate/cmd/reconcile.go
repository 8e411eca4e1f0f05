package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail abandoned operations and start the next queued one",
	Long: `Run one reconciliation sweep against the shared ledger: running or paused
major operations whose holder process exited, or whose heartbeat is older
than reconciler.stale_after, are ended, and the head of the major queue is
started if the slot is free.

With --watch the sweep repeats every reconciler.interval and whenever a major
operation changes, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var reconcileWatch bool

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVarP(&reconcileWatch, "watch", "w", false, "Keep reconciling until interrupted")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if reconcileWatch {
		if err := rt.Reconciler.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return rt.Reconciler.Stop(context.WithoutCancel(ctx))
	}

	report, err := rt.Reconciler.Sweep(ctx)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, report); ok {
		return err
	}
	if mode == tui.ModeQuiet {
		if report.Promoted != nil {
			fmt.Fprintln(w, report.Promoted.ID)
		}
		return nil
	}

	board := tui.NewBoard(mode == tui.ModeStyled)
	for _, rec := range report.Stale {
		fmt.Fprintf(w, "expired:  %s\n", board.Line(rec))
	}
	if report.Promoted != nil {
		fmt.Fprintf(w, "promoted: %s\n", board.Line(report.Promoted))
	}
	if report.Promoted == nil && len(report.Stale) == 0 {
		fmt.Fprintln(w, "Nothing to reconcile")
	}
	return nil
}
