package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Extraction defaults.
const (
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1/chat/completions"
	DefaultModel         = "openai/gpt-4o-mini"
)

const extractionPrompt = `You extract contacts from web search results. The input is a list of search
queries, each followed by results (title, link, snippet) separated by "---".

Return every contact you can find of these kinds:
- decision makers: owner, founder, co-founder, CEO, CFO, COO, president,
  chairman, managing partner, principal
- mid-level: VP of finance, general manager, other VPs
- generic company mailboxes such as info@, contact@ or sales@

Each contact is an object with the string fields first_name, last_name, title,
linkedin_url, generic_email, source_url and company_phone. Use "" when a value
is not present. For a generic mailbox leave the names empty and set title to
"Generic Email".

Rules:
- linkedin_url must be a personal profile (linkedin.com/in/...), never a
  company page or a post.
- List a person once, keeping the most complete title.
- List each mailbox once and skip obfuscated addresses.
- Skip engineers, recruiters, technicians, HR and placeholder names. Drop
  middle names and initials.
- Put the company phone number on every contact when one is shown.
- Only use what the results say.

Answer with the JSON array alone, or [] when nothing qualifies.`

// Extractor turns condensed search results into contacts.
type Extractor interface {
	Extract(ctx context.Context, summary string) ([]Contact, error)
}

// OpenRouterClient extracts contacts with a chat-completions model.
type OpenRouterClient struct {
	p     *provider
	model string
}

// ExtractOption configures an OpenRouterClient.
type ExtractOption func(*OpenRouterClient)

// WithExtractURL overrides the endpoint.
func WithExtractURL(url string) ExtractOption {
	return func(c *OpenRouterClient) {
		if url != "" {
			c.p.url = url
		}
	}
}

// WithModel sets the model.
func WithModel(model string) ExtractOption {
	return func(c *OpenRouterClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithExtractHTTPClient replaces the HTTP client.
func WithExtractHTTPClient(hc *http.Client) ExtractOption {
	return func(c *OpenRouterClient) {
		if hc != nil {
			c.p.client = hc
		}
	}
}

// NewOpenRouterClient creates an extraction client using apiKey.
func NewOpenRouterClient(apiKey string, opts ...ExtractOption) *OpenRouterClient {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	c := &OpenRouterClient{
		p:     newProvider("openrouter", DefaultOpenRouterURL, h),
		model: DefaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Extract implements Extractor.
func (c *OpenRouterClient) Extract(ctx context.Context, summary string) ([]Contact, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: "Search results:\n" + summary},
		},
		Temperature: 0.1,
		MaxTokens:   4000,
	}

	var resp chatResponse
	if err := c.p.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, c.p.statusError(resp.Error.Code, []byte(resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return nil, core.ErrProcessing("", "empty response from model")
	}
	return ParseContacts(resp.Choices[0].Message.Content)
}

// ParseContacts decodes the model's answer, tolerating a markdown code fence
// around the JSON.
func ParseContacts(content string) ([]Contact, error) {
	content = stripFence(strings.TrimSpace(content))
	if content == "" {
		return nil, nil
	}
	var contacts []Contact
	if err := json.Unmarshal([]byte(content), &contacts); err != nil {
		return nil, &core.DomainError{
			Category: core.ErrCatProcessing,
			Code:     codeBadResponse,
			Message:  fmt.Sprintf("model answer is not a contact list: %v", err),
			Cause:    err,
		}
	}
	return contacts, nil
}

func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	rest = strings.TrimPrefix(rest, "json")
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
