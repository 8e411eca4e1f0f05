package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

var startCmd = &cobra.Command{
	Use:   "start <operation-type>",
	Short: "Start an operation, or queue it behind the running major operation",
	Long: `Register an operation in the shared ledger.

Major operation types start immediately when no other major operation is
running or paused; otherwise they join the FIFO queue and are started
automatically when the slot frees up. Minor types always start at once.

Examples:
  opsgate start rescoring --description "Nightly rescoring" --total 1200
  opsgate start universe_rebuild --wait
  opsgate start contact_enrichment --total 40 --holder-pid $$`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var progressCmd = &cobra.Command{
	Use:   "progress <operation-id>",
	Short: "Report progress counters for a running operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgress,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <operation-id>",
	Short: "Record a sign of life for a running operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeartbeat,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <operation-id>",
	Short: "Pause a running operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <operation-id>",
	Short: "Resume a paused operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a queued, running or paused operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var completeCmd = &cobra.Command{
	Use:   "complete <operation-id>",
	Short: "Finish a running operation as completed or failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

var showCmd = &cobra.Command{
	Use:   "show <operation-id>",
	Short: "Show one operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations in the ledger",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var (
	startDescription string
	startTotal       int
	startContext     map[string]string
	startHolderPID   int
	startWait        bool
	startWaitTimeout time.Duration

	progressCompleted int
	progressFailed    int
	progressTotal     int
	progressErrors    []string

	pauseReason    string
	cancelReason   string
	completeStatus string

	listStatus []string
	listClass  string
	listTypes  []string
	listBy     string
	listOrder  string
	listLimit  int
)

func init() {
	rootCmd.AddCommand(startCmd, progressCmd, heartbeatCmd, pauseCmd, resumeCmd,
		cancelCmd, completeCmd, showCmd, listCmd)

	startCmd.Flags().StringVarP(&startDescription, "description", "d", "", "Human-readable description (default: the operation type)")
	startCmd.Flags().IntVar(&startTotal, "total", 0, "Number of items the operation will process")
	startCmd.Flags().StringToStringVar(&startContext, "context", nil, "Context values as key=value (repeatable)")
	startCmd.Flags().IntVar(&startHolderPID, "holder-pid", 0, "PID of the worker process; the reconciler fails the operation when it exits")
	startCmd.Flags().BoolVar(&startWait, "wait", false, "Block until a queued operation starts")
	startCmd.Flags().DurationVar(&startWaitTimeout, "wait-timeout", 0, "Give up waiting after this long (0 waits forever)")

	progressCmd.Flags().IntVar(&progressCompleted, "completed", -1, "Items completed so far")
	progressCmd.Flags().IntVar(&progressFailed, "failed", -1, "Items failed so far")
	progressCmd.Flags().IntVar(&progressTotal, "total", -1, "Revised total item count")
	progressCmd.Flags().StringArrayVar(&progressErrors, "error", nil, "Item failure as item=message (repeatable)")

	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "Why the operation is paused")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Why the operation is cancelled")
	completeCmd.Flags().StringVar(&completeStatus, "status", string(core.StatusCompleted), "Final status: completed | failed")

	listCmd.Flags().StringSliceVar(&listStatus, "status", nil, "Filter by status (repeatable or comma-separated)")
	listCmd.Flags().StringVar(&listClass, "class", "", "Filter by classification: major | minor")
	listCmd.Flags().StringSliceVar(&listTypes, "type", nil, "Filter by operation type")
	listCmd.Flags().StringVar(&listBy, "created-by", "", "Filter by creator")
	listCmd.Flags().StringVar(&listOrder, "order", "seq", "Order: seq | fifo | recent")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of records (0 for all)")
}

func buildRequest(opType string) core.Request {
	req := core.Request{
		Type:        core.OperationType(opType),
		Description: startDescription,
		CreatedBy:   currentActor(),
		TotalItems:  startTotal,
	}
	if req.Description == "" {
		req.Description = opType
	}
	if len(startContext) > 0 {
		req.Context = make(map[string]any, len(startContext))
		for k, v := range startContext {
			req.Context[k] = v
		}
	}
	return req
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := logging.ContextWithActor(cmd.Context(), currentActor())
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	holder := core.CurrentHolder()
	holder.PID = startHolderPID
	g := gate.New(rt.Ledger,
		gate.WithNotifier(rt.Notifier),
		gate.WithLogger(rt.Logger),
		gate.WithHolder(holder),
	)

	req := buildRequest(args[0])
	class, err := g.Registry().Resolve(req)
	if err != nil {
		return err
	}
	if class == core.ClassMinor {
		rec, err := g.RegisterMinor(ctx, req)
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), rec)
	}

	adm, err := g.StartOrQueueMajor(ctx, req)
	if err != nil {
		return err
	}
	if !adm.Queued {
		return printRecord(cmd.OutOrStdout(), adm.Record)
	}

	if !quiet {
		fmt.Fprintln(cmd.ErrOrStderr(), gate.QueuedMessage(adm.Blocker))
	}
	if !startWait {
		return printRecord(cmd.OutOrStdout(), adm.Record)
	}

	rec, err := waitUntilStarted(ctx, rt, adm.Record.ID, startWaitTimeout)
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

// waitUntilStarted blocks until id leaves the queue. An in-process reconciler
// keeps the queue moving in case no server is running.
func waitUntilStarted(ctx context.Context, rt *Runtime, id core.OperationID, timeout time.Duration) (*core.OperationRecord, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	changed := make(chan struct{}, 1)
	unsubscribe := rt.Ledger.Subscribe(func(ev core.ChangeEvent) {
		if ev.Record != nil && ev.Record.ID == id {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := rt.Reconciler.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = rt.Reconciler.Stop(context.WithoutCancel(ctx)) }()

	for {
		rec, err := rt.Ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status != core.StatusQueued {
			if rec.Status.IsTerminal() {
				return rec, fmt.Errorf("operation %s ended as %s before it started", id, rec.Status)
			}
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("waiting for %s: %w", id, ctx.Err())
		case <-changed:
		case <-time.After(rt.Config.Reconciler.Interval):
		}
	}
}

// parseErrorFlags turns item=message pairs into error log entries.
func parseErrorFlags(raw []string, now time.Time) ([]core.ErrorEntry, error) {
	var out []core.ErrorEntry
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid --error value %q (expected item=message)", item)
		}
		out = append(out, core.ErrorEntry{
			ItemID:    strings.TrimSpace(parts[0]),
			Error:     strings.TrimSpace(parts[1]),
			Timestamp: now,
		})
	}
	return out, nil
}

func optionalCount(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}

func runProgress(cmd *cobra.Command, args []string) error {
	errs, err := parseErrorFlags(progressErrors, time.Now())
	if err != nil {
		return err
	}
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.UpdateProgress(ctx, id, lifecycle.Progress{
			CompletedItems: optionalCount(progressCompleted),
			FailedItems:    optionalCount(progressFailed),
			TotalItems:     optionalCount(progressTotal),
			Errors:         errs,
		})
	}, args[0])
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Heartbeat(ctx, id)
	}, args[0])
}

func runPause(cmd *cobra.Command, args []string) error {
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Pause(ctx, id, pauseReason)
	}, args[0])
}

func runResume(cmd *cobra.Command, args []string) error {
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Resume(ctx, id)
	}, args[0])
}

func runCancel(cmd *cobra.Command, args []string) error {
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Cancel(ctx, id, cancelReason)
	}, args[0])
}

func runComplete(cmd *cobra.Command, args []string) error {
	final := core.OperationStatus(completeStatus)
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Complete(ctx, id, final)
	}, args[0])
}

func runShow(cmd *cobra.Command, args []string) error {
	return mutate(cmd, func(ctx context.Context, m *lifecycle.Manager, id core.OperationID) (*core.OperationRecord, error) {
		return m.Get(ctx, id)
	}, args[0])
}

// mutate opens the runtime, applies fn to the operation and prints the result.
func mutate(cmd *cobra.Command, fn func(context.Context, *lifecycle.Manager, core.OperationID) (*core.OperationRecord, error), rawID string) error {
	ctx := logging.ContextWithActor(cmd.Context(), currentActor())
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := core.OperationID(strings.TrimSpace(rawID))
	ctx = logging.ContextWithOperation(ctx, string(id))
	rec, err := fn(ctx, rt.Lifecycle, id)
	if err != nil {
		return err
	}
	return printRecord(cmd.OutOrStdout(), rec)
}

func buildListFilter() (core.Filter, error) {
	var f core.Filter
	for _, raw := range listStatus {
		st := core.OperationStatus(strings.TrimSpace(raw))
		if !st.Valid() {
			return f, fmt.Errorf("invalid status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if listClass != "" {
		c := core.Classification(listClass)
		if !c.Valid() {
			return f, fmt.Errorf("invalid classification %q", listClass)
		}
		f.Classifications = []core.Classification{c}
	}
	for _, t := range listTypes {
		f.Types = append(f.Types, core.OperationType(strings.TrimSpace(t)))
	}
	f.CreatedBy = listBy
	switch listOrder {
	case "", "seq":
		f.Order = core.OrderSeq
	case "fifo":
		f.Order = core.OrderFIFO
	case "recent":
		f.Order = core.OrderRecentlyFinished
	default:
		return f, fmt.Errorf("invalid order %q (expected seq, fifo or recent)", listOrder)
	}
	if listLimit < 0 {
		return f, fmt.Errorf("invalid limit %d", listLimit)
	}
	f.Limit = listLimit
	return f, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	filter, err := buildListFilter()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.Ledger.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*core.OperationRecord{}
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, records); ok {
		return err
	}
	if len(records) == 0 && mode != tui.ModeQuiet {
		fmt.Fprintln(w, "No operations")
		return nil
	}
	board := tui.NewBoard(mode == tui.ModeStyled)
	for _, rec := range records {
		if mode == tui.ModeQuiet {
			fmt.Fprintln(w, rec.ID)
			continue
		}
		fmt.Fprintln(w, board.Line(rec))
	}
	return nil
}
