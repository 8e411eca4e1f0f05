package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the operation panel",
	Long: `Display the running or paused major operation, the major queue, minor
operations in flight and recently finished operations.

With --watch the panel is redrawn whenever any process changes the ledger.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusWatch   bool
	statusHistory int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Redraw on every ledger change")
	statusCmd.Flags().IntVar(&statusHistory, "history", 0, "Recent history entries (default: observer.history_limit)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	limit := statusHistory
	if limit <= 0 {
		limit = rt.Config.Observer.HistoryLimit
	}
	obs := observer.New(rt.Ledger,
		observer.WithHistoryLimit(limit),
		observer.WithFallbackInterval(rt.Config.Observer.FallbackInterval),
		observer.WithEventBus(rt.Bus),
		observer.WithLogger(rt.Logger),
	)

	w := cmd.OutOrStdout()
	if !statusWatch {
		views, err := obs.Resync(ctx)
		if err != nil {
			return err
		}
		return printViews(w, views)
	}

	changes, unsubscribe := obs.Changes()
	defer unsubscribe()
	if err := obs.Start(ctx); err != nil {
		return err
	}
	defer obs.Stop()

	redraw := resolveOutputMode() == tui.ModeStyled
	for {
		select {
		case <-ctx.Done():
			return nil
		case views, ok := <-changes:
			if !ok {
				return nil
			}
			if redraw {
				fmt.Fprint(w, "\033[H\033[2J")
			}
			if err := printViews(w, views); err != nil {
				return err
			}
		}
	}
}
