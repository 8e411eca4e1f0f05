package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	fail    func(query string) error
}

func (s *fakeSearcher) Search(_ context.Context, q string) (SearchResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(q); err != nil {
			return SearchResult{}, err
		}
	}
	return SearchResult{Query: q, Organic: []OrganicResult{{Title: "t " + q, Link: "https://x", Snippet: "s"}}}, nil
}

type fakeExtractor struct {
	byDomain map[string][]Contact
	err      error
}

func (e *fakeExtractor) Extract(_ context.Context, summary string) ([]Contact, error) {
	if e.err != nil {
		return nil, e.err
	}
	for domain, contacts := range e.byDomain {
		if strings.Contains(summary, domain) {
			return append([]Contact(nil), contacts...), nil
		}
	}
	return nil, nil
}

var acme = Company{Domain: "acme.example", Name: "Acme"}

func TestFinder_Queries(t *testing.T) {
	f := NewFinder(&fakeSearcher{}, &fakeExtractor{})
	q := f.Queries(acme)
	require.Len(t, q, 5)
	assert.Equal(t, "acme.example Acme CEO -zoominfo -dnb", q[0])
	assert.Equal(t, "acme.example Acme contact email", q[4])

	f = NewFinder(&fakeSearcher{}, &fakeExtractor{}, WithQueries([]string{"{company_name} owner"}))
	assert.Equal(t, []string{"Acme owner"}, f.Queries(acme))
}

func TestFinder_FindContacts(t *testing.T) {
	search := &fakeSearcher{fail: func(q string) error {
		if strings.Contains(q, "partner") {
			return errors.New("timeout")
		}
		return nil
	}}
	extract := &fakeExtractor{byDomain: map[string][]Contact{
		"acme.example": {
			{FirstName: "Jane", LastName: "Roe", Title: "CEO", LinkedInURL: "https://www.linkedin.com/in/janeroe"},
			{FirstName: "John", LastName: "Doe", Title: "Founder", LinkedInURL: "https://www.linkedin.com/company/acme"},
		},
	}}

	contacts, err := NewFinder(search, extract).FindContacts(context.Background(), acme)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Len(t, search.queries, 5)
	assert.Equal(t, "acme.example", contacts[0].Domain)
	assert.Equal(t, "Acme", contacts[1].CompanyName)
	assert.Equal(t, "https://www.linkedin.com/in/janeroe", contacts[0].LinkedInURL)
	assert.Empty(t, contacts[1].LinkedInURL, "company pages are dropped")
}

func TestFinder_FindContacts_Failures(t *testing.T) {
	t.Run("all searches fail", func(t *testing.T) {
		search := &fakeSearcher{fail: func(string) error { return errors.New("dns") }}
		_, err := NewFinder(search, &fakeExtractor{}).FindContacts(context.Background(), acme)
		require.Error(t, err)
		assert.Equal(t, core.ErrCatProcessing, core.GetCategory(err))
		assert.Contains(t, err.Error(), "all 5 searches failed")
	})

	t.Run("search credits exhausted", func(t *testing.T) {
		search := &fakeSearcher{fail: func(q string) error {
			if strings.Contains(q, "CEO") {
				return core.ErrResourceExhausted("serper credits exhausted")
			}
			return nil
		}}
		_, err := NewFinder(search, &fakeExtractor{}).FindContacts(context.Background(), acme)
		assert.True(t, core.IsResourceExhausted(err))
	})

	t.Run("extraction credits exhausted", func(t *testing.T) {
		extract := &fakeExtractor{err: core.ErrResourceExhausted("openrouter credits exhausted")}
		_, err := NewFinder(&fakeSearcher{}, extract).FindContacts(context.Background(), acme)
		assert.True(t, core.IsResourceExhausted(err))
	})
}

func TestFinder_Process(t *testing.T) {
	extract := &fakeExtractor{byDomain: map[string][]Contact{
		"acme.example": {{FirstName: "Jane", LastName: "Roe", Title: "CEO"}},
	}}
	f := NewFinder(&fakeSearcher{}, extract)

	out, err := f.Process(context.Background(), batch.Item{ID: acme.Domain, Value: acme})
	require.NoError(t, err)
	assert.False(t, out.Empty)
	assert.Equal(t, "1 contacts", out.Detail)

	out, err = f.Process(context.Background(), batch.Item{ID: "empty.example", Value: Company{Domain: "empty.example"}})
	require.NoError(t, err)
	assert.True(t, out.Empty)

	_, err = f.Process(context.Background(), batch.Item{ID: "bad", Value: "not a company"})
	require.Error(t, err)

	require.Len(t, f.Contacts(), 1)
	assert.Equal(t, "Jane", f.Contacts()[0].FirstName)
}

func TestFinder_RunStopsWhenCreditsRunOut(t *testing.T) {
	companies := []Company{
		{Domain: "a.example", Name: "A"},
		{Domain: "b.example", Name: "B"},
		{Domain: "c.example", Name: "C"},
		{Domain: "d.example", Name: "D"},
		{Domain: "e.example", Name: "E"},
	}
	search := &fakeSearcher{fail: func(q string) error {
		if strings.HasPrefix(q, "c.example") {
			return core.ErrResourceExhausted("402")
		}
		return nil
	}}
	extract := &fakeExtractor{byDomain: map[string][]Contact{
		"a.example": {{FirstName: "Ann"}},
		"b.example": {{FirstName: "Bob"}},
		"d.example": {{FirstName: "Dee"}},
	}}
	f := NewFinder(search, extract)

	sum := batch.Runner{BatchSize: 2}.Run(context.Background(), Items(companies), f.Process)

	assert.True(t, sum.CreditsDepleted)
	assert.Equal(t, 2, sum.Successful)
	assert.Equal(t, 4, sum.Processed)
	for _, q := range search.queries {
		assert.False(t, strings.HasPrefix(q, "e.example"), "company after the exhausted batch was searched: %s", q)
	}
}

func TestFormatResults(t *testing.T) {
	res := []SearchResult{
		{Query: "q1", Organic: []OrganicResult{
			{Title: "A", Link: "https://a", Snippet: "sa"},
			{Title: "no snippet", Link: "https://b"},
			{Title: "C", Link: "https://c", Snippet: "sc"},
		}},
		{Query: "q2"},
	}
	want := "**Search Query:** q1\n\n- A\n  https://a\n  sa\n---\n- C\n  https://c\n  sc" +
		"\n\n\n**Search Query:** q2\n\n"
	assert.Equal(t, want, FormatResults(res))

	many := SearchResult{Query: "q"}
	for i := 0; i < 6; i++ {
		many.Organic = append(many.Organic, OrganicResult{Title: "t", Link: "l", Snippet: "s"})
	}
	assert.Equal(t, resultsPerQuery, strings.Count(FormatResults([]SearchResult{many}), "- t\n"))
}
