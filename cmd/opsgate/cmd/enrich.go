package cmd

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/config"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/enrich"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/fsutil"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
	"github.com/hugo-lorenzo-mato/opsgate/internal/tui"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Find contacts for a list of companies",
	Long: `Run contact enrichment as a minor operation.

The input CSV needs "Domain" and "Company Name" columns. Companies are
processed in rate-limited batches; progress is written to the shared ledger
after every batch, so the run shows up in 'opsgate status' and can be paused
or cancelled from any process with 'opsgate pause|cancel <id>'. Running out
of search or model credits stops the run and marks it failed.

Examples:
  opsgate enrich --input companies.csv --out contacts.csv
  OPSGATE_ENRICH_SERPER_API_KEY=... OPSGATE_ENRICH_OPENROUTER_API_KEY=... opsgate enrich -i leads.csv`,
	Args: cobra.NoArgs,
	RunE: runEnrich,
}

var (
	enrichInput       string
	enrichOutput      string
	enrichDescription string
)

func init() {
	rootCmd.AddCommand(enrichCmd)
	enrichCmd.Flags().StringVarP(&enrichInput, "input", "i", "", "Input CSV with Domain and Company Name columns")
	enrichCmd.Flags().StringVar(&enrichOutput, "out", "contacts.csv", "Output CSV for found contacts")
	enrichCmd.Flags().StringVarP(&enrichDescription, "description", "d", "", "Description recorded on the operation")
	_ = enrichCmd.MarkFlagRequired("input")
}

// newFinder wires the search and extraction clients from configuration. One
// rate limiter is shared by every search of the run.
func newFinder(cfg *config.Config, logger *logging.Logger) (*enrich.Finder, *batch.RateLimiter, error) {
	if cfg.Enrich.SerperAPIKey == "" {
		return nil, nil, fmt.Errorf("enrich.serper_api_key is not set (OPSGATE_ENRICH_SERPER_API_KEY)")
	}
	if cfg.Enrich.OpenRouterAPIKey == "" {
		return nil, nil, fmt.Errorf("enrich.openrouter_api_key is not set (OPSGATE_ENRICH_OPENROUTER_API_KEY)")
	}
	limiter := cfg.Batch.RateLimiter()
	searchOpts := []enrich.SearchOption{enrich.WithSearchURL(cfg.Enrich.SerperURL)}
	if limiter != nil {
		searchOpts = append(searchOpts, enrich.WithSearchRateLimiter(limiter))
	}
	search := enrich.NewSerperClient(cfg.Enrich.SerperAPIKey, searchOpts...)
	extract := enrich.NewOpenRouterClient(cfg.Enrich.OpenRouterAPIKey,
		enrich.WithExtractURL(cfg.Enrich.OpenRouterURL),
		enrich.WithModel(cfg.Enrich.Model),
	)
	finder := enrich.NewFinder(search, extract,
		enrich.WithQueries(cfg.Enrich.Queries),
		enrich.WithLogger(logger),
	)
	return finder, limiter, nil
}

func readCompanies(path string) ([]enrich.Company, error) {
	f, err := fsutil.OpenScoped(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()
	companies, err := enrich.ReadCompanies(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(companies) == 0 {
		return nil, fmt.Errorf("%s has no companies", path)
	}
	return companies, nil
}

func writeContacts(path string, contacts []enrich.Contact) error {
	var buf bytes.Buffer
	if err := enrich.WriteContacts(&buf, contacts); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600)
}

// reportProgress prints batch tallies and credit notices until ch closes.
func reportProgress(w io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.BatchProgressEvent:
			fmt.Fprintf(w, "batch %d: %d/%d processed, %d ok, %d failed, %d empty\n",
				e.Batch, e.Processed, e.Total, e.Successful, e.Failed, e.Warnings)
		case events.NotificationEvent:
			fmt.Fprintln(w, e.Message)
		}
	}
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	companies, err := readCompanies(enrichInput)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	finder, limiter, err := newFinder(rt.Config, rt.Logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if !quiet {
		progress := rt.Bus.Subscribe(events.TypeBatchProgress, events.TypeCreditsDepleted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reportProgress(cmd.ErrOrStderr(), progress)
		}()
		defer func() {
			rt.Bus.Unsubscribe(progress)
			wg.Wait()
		}()
	}

	description := strings.TrimSpace(enrichDescription)
	if description == "" {
		description = fmt.Sprintf("Contact enrichment of %d companies", len(companies))
	}
	req := core.Request{
		Type:        core.OpContactEnrichment,
		Description: description,
		CreatedBy:   currentActor(),
		Context:     map[string]any{"input": enrichInput, "output": enrichOutput},
	}
	runner := rt.Config.Batch.Runner()
	runner.BatchSize = rt.Config.Enrich.BatchSize

	opts := []batch.RunOption{}
	if limiter != nil {
		opts = append(opts, batch.WithRateLimiter(limiter))
	}

	result, runErr := batch.Execute(logging.ContextWithActor(ctx, req.CreatedBy), batch.Deps{
		Ledger:            rt.Ledger,
		Gate:              rt.Gate,
		Lifecycle:         rt.Lifecycle,
		Notifier:          rt.Notifier,
		Bus:               rt.Bus,
		Logger:            rt.Logger,
		HeartbeatInterval: rt.Config.Batch.Heartbeat,
	}, runner, req, enrich.Items(companies), finder.Process, opts...)

	// Keep whatever was found, even when the run stopped early.
	contacts := finder.Contacts()
	if len(contacts) > 0 {
		if err := writeContacts(enrichOutput, contacts); err != nil {
			return fmt.Errorf("writing contacts: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	w := cmd.OutOrStdout()
	mode := resolveOutputMode()
	if ok, err := printStructured(w, mode, result); ok {
		return err
	}
	if mode == tui.ModeQuiet {
		fmt.Fprintln(w, result.Record.ID)
		return nil
	}

	s := result.Summary
	fmt.Fprintln(w, tui.NewBoard(mode == tui.ModeStyled).Line(result.Record))
	fmt.Fprintf(w, "Companies: %d processed of %d (%d with contacts, %d empty, %d failed)\n",
		s.Processed, s.Total, s.Successful, s.Warnings, s.Failed)
	fmt.Fprintf(w, "Contacts: %d written to %s\n", len(contacts), enrichOutput)
	return nil
}
