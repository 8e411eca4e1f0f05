package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// DefaultBatchSize keeps roughly 70 searches in flight per batch with the
// default five queries per company.
const DefaultBatchSize = 14

// resultsPerQuery bounds how many hits of each search reach the model.
const resultsPerQuery = 4

// DefaultQueries are the search templates run for every company.
var DefaultQueries = []string{
	"{domain} {company_name} CEO -zoominfo -dnb",
	"{domain} {company_name} Founder owner -zoominfo -dnb",
	"{domain} {company_name} president chairman -zoominfo -dnb",
	"{domain} {company_name} partner -zoominfo -dnb",
	"{domain} {company_name} contact email",
}

// Finder finds contacts for companies and collects them across a run.
type Finder struct {
	search  Searcher
	extract Extractor
	queries []string
	logger  *logging.Logger

	mu       sync.Mutex
	contacts []Contact
}

// FinderOption configures a Finder.
type FinderOption func(*Finder)

// WithQueries replaces the search templates. {domain} and {company_name} are
// substituted.
func WithQueries(q []string) FinderOption {
	return func(f *Finder) {
		if len(q) > 0 {
			f.queries = q
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) FinderOption {
	return func(f *Finder) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFinder creates a Finder.
func NewFinder(s Searcher, e Extractor, opts ...FinderOption) *Finder {
	f := &Finder{
		search:  s,
		extract: e,
		queries: DefaultQueries,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Queries expands the templates for c.
func (f *Finder) Queries(c Company) []string {
	r := strings.NewReplacer("{domain}", c.Domain, "{company_name}", c.Name)
	out := make([]string, len(f.queries))
	for i, q := range f.queries {
		out[i] = strings.TrimSpace(r.Replace(q))
	}
	return out
}

// FindContacts runs all searches for c concurrently and extracts contacts
// from the combined results. Failed searches are skipped unless every one
// fails; running out of credits fails the company at once.
func (f *Finder) FindContacts(ctx context.Context, c Company) ([]Contact, error) {
	queries := f.Queries(c)
	results := make([]SearchResult, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := f.search.Search(gctx, q)
			if err != nil {
				if core.IsResourceExhausted(err) {
					return err
				}
				errs[i] = err
				res = SearchResult{Query: q}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			f.logger.Debug("search failed", "domain", c.Domain, "query", queries[i], "error", err)
		}
	}
	if failed == len(queries) {
		return nil, core.ErrProcessing(c.Domain, fmt.Sprintf("all %d searches failed: %v", failed, errs[0]))
	}

	contacts, err := f.extract.Extract(ctx, FormatResults(results))
	if err != nil {
		return nil, err
	}
	for i := range contacts {
		contacts[i].Domain = c.Domain
		contacts[i].CompanyName = c.Name
		contacts[i].LinkedInURL = ValidLinkedInURL(contacts[i].LinkedInURL)
	}
	return contacts, nil
}

// Process is the batch.ProcessFunc for enrichment items. A company with no
// contacts is reported as an empty outcome.
func (f *Finder) Process(ctx context.Context, item batch.Item) (batch.Outcome, error) {
	c, ok := item.Value.(Company)
	if !ok {
		return batch.Outcome{}, core.ErrProcessing(item.ID, fmt.Sprintf("unexpected item value %T", item.Value))
	}
	contacts, err := f.FindContacts(ctx, c)
	if err != nil {
		return batch.Outcome{}, err
	}
	if len(contacts) == 0 {
		return batch.Outcome{Empty: true, Detail: "no contacts found"}, nil
	}

	f.mu.Lock()
	f.contacts = append(f.contacts, contacts...)
	f.mu.Unlock()
	return batch.Outcome{Detail: fmt.Sprintf("%d contacts", len(contacts))}, nil
}

// Contacts returns everything collected so far.
func (f *Finder) Contacts() []Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Contact(nil), f.contacts...)
}

// FormatResults condenses search results into the text sent to the model.
func FormatResults(results []SearchResult) string {
	sections := make([]string, 0, len(results))
	for _, res := range results {
		var hits []string
		for _, o := range res.Organic {
			if len(hits) == resultsPerQuery {
				break
			}
			if o.Title == "" || o.Link == "" || o.Snippet == "" {
				continue
			}
			hits = append(hits, fmt.Sprintf("- %s\n  %s\n  %s", o.Title, o.Link, o.Snippet))
		}
		sections = append(sections, fmt.Sprintf("**Search Query:** %s\n\n%s", res.Query, strings.Join(hits, "\n---\n")))
	}
	return strings.Join(sections, "\n\n\n")
}
