package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/snapshot"
	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export and import ledger snapshots",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger records and derived views into a snapshot archive",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotExport,
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import ledger records from a snapshot archive",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotImport,
}

var snapshotValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a snapshot archive without importing it",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotValidate,
}

var (
	snapshotExportPath       string
	snapshotExportActiveOnly bool

	snapshotImportPath           string
	snapshotImportDryRun         bool
	snapshotImportConflictPolicy string
	snapshotImportSkipTerminal   bool

	snapshotValidatePath string
)

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)
	snapshotCmd.AddCommand(snapshotValidateCmd)

	snapshotExportCmd.Flags().StringVarP(&snapshotExportPath, "file", "f", "", "Output .tar.gz path (default: ./opsgate-snapshot-<timestamp>.tar.gz)")
	snapshotExportCmd.Flags().BoolVar(&snapshotExportActiveOnly, "active-only", false, "Leave finished operations out of the snapshot")

	snapshotImportCmd.Flags().StringVarP(&snapshotImportPath, "file", "f", "", "Input .tar.gz snapshot path")
	snapshotImportCmd.Flags().BoolVar(&snapshotImportDryRun, "dry-run", false, "Preview import actions without writing to the ledger")
	snapshotImportCmd.Flags().StringVar(&snapshotImportConflictPolicy, "conflict-policy", string(snapshot.ConflictSkip), "Conflict policy: skip | fail")
	snapshotImportCmd.Flags().BoolVar(&snapshotImportSkipTerminal, "skip-terminal", false, "Restore only queued, running and paused operations")
	_ = snapshotImportCmd.MarkFlagRequired("file")

	snapshotValidateCmd.Flags().StringVarP(&snapshotValidatePath, "file", "f", "", "Input .tar.gz snapshot path")
	_ = snapshotValidateCmd.MarkFlagRequired("file")
}

func runSnapshotExport(cmd *cobra.Command, _ []string) error {
	outputPath := strings.TrimSpace(snapshotExportPath)
	if outputPath == "" {
		outputPath = filepath.Join(".", fmt.Sprintf("opsgate-snapshot-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := snapshot.Export(cmd.Context(), rt.Ledger, &snapshot.ExportOptions{
		OutputPath:     outputPath,
		OpsgateVersion: GetVersion(),
		LedgerDriver:   rt.Config.Ledger.Driver,
		HistoryLimit:   rt.Config.Observer.HistoryLimit,
		ActiveOnly:     snapshotExportActiveOnly,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, result); ok {
		return err
	}
	if mode == tui.ModeQuiet {
		fmt.Fprintln(w, result.OutputPath)
		return nil
	}

	counts := result.Manifest.Counts
	fmt.Fprintf(w, "Snapshot exported to %s\n", result.OutputPath)
	fmt.Fprintf(w, "Operations: %d (major %d, minor %d)\n", counts.Records, counts.Major, counts.Minor)
	fmt.Fprintf(w, "Queued majors: %d\n", counts.QueueSize)
	if counts.Blocker != "" {
		fmt.Fprintf(w, "Slot held by: %s\n", counts.Blocker)
	}
	return nil
}

func runSnapshotImport(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := snapshot.Import(cmd.Context(), rt.Ledger, &snapshot.ImportOptions{
		InputPath:      snapshotImportPath,
		DryRun:         snapshotImportDryRun,
		ConflictPolicy: snapshot.ConflictPolicy(snapshotImportConflictPolicy),
		SkipTerminal:   snapshotImportSkipTerminal,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if mode == tui.ModeQuiet {
		mode = tui.ModeJSON
	}
	if ok, err := printStructured(w, mode, report); ok {
		return err
	}

	fmt.Fprintf(w, "Snapshot import complete (dry_run=%t, conflict_policy=%s)\n", report.DryRun, report.ConflictPolicy)
	fmt.Fprintf(w, "Operations restored: %d\n", report.Restored)
	fmt.Fprintf(w, "Operations skipped: %d\n", report.Skipped)
	for _, rec := range report.Records {
		line := fmt.Sprintf("  %-14s %s", rec.Action, rec.SourceID)
		if rec.TargetID != "" {
			line += " -> " + string(rec.TargetID)
		}
		if rec.Reason != "" {
			line += " (" + rec.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	return nil
}

func runSnapshotValidate(cmd *cobra.Command, _ []string) error {
	manifest, err := snapshot.ValidateSnapshot(snapshotValidatePath)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if mode == tui.ModeQuiet {
		mode = tui.ModeJSON
	}
	if ok, err := printStructured(w, mode, manifest); ok {
		return err
	}
	fmt.Fprintf(w, "Snapshot valid: operations=%d files=%d created=%s\n",
		manifest.Counts.Records, len(manifest.Files), manifest.CreatedAt.Format(time.RFC3339))
	return nil
}
