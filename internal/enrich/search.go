package enrich

import (
	"context"
	"net/http"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
)

// DefaultSerperURL is the Serper Google search endpoint.
const DefaultSerperURL = "https://google.serper.dev/search"

// OrganicResult is one web search hit.
type OrganicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SearchResult is the part of a search response the extractor uses.
type SearchResult struct {
	Query   string          `json:"-"`
	Organic []OrganicResult `json:"organic"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) (SearchResult, error)
}

// SerperClient searches through the Serper API.
type SerperClient struct {
	p *provider
}

// SearchOption configures a SerperClient.
type SearchOption func(*SerperClient)

// WithSearchURL overrides the endpoint.
func WithSearchURL(url string) SearchOption {
	return func(c *SerperClient) {
		if url != "" {
			c.p.url = url
		}
	}
}

// WithSearchRateLimiter shares a token bucket across all search calls.
func WithSearchRateLimiter(l *batch.RateLimiter) SearchOption {
	return func(c *SerperClient) {
		c.p.limiter = l
	}
}

// WithSearchHTTPClient replaces the HTTP client.
func WithSearchHTTPClient(hc *http.Client) SearchOption {
	return func(c *SerperClient) {
		if hc != nil {
			c.p.client = hc
		}
	}
}

// NewSerperClient creates a search client using apiKey.
func NewSerperClient(apiKey string, opts ...SearchOption) *SerperClient {
	h := http.Header{}
	h.Set("X-API-KEY", apiKey)
	c := &SerperClient{p: newProvider("serper", DefaultSerperURL, h)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serperRequest struct {
	Q           string `json:"q"`
	GL          string `json:"gl"`
	Autocorrect bool   `json:"autocorrect"`
	Num         int    `json:"num"`
}

// Search implements Searcher.
func (c *SerperClient) Search(ctx context.Context, query string) (SearchResult, error) {
	var res SearchResult
	err := c.p.post(ctx, serperRequest{Q: query, GL: "us", Num: 10}, &res)
	res.Query = query
	return res, err
}
