package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hugo-lorenzo-mato/opsgate/internal/batch"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

const defaultTimeout = 60 * time.Second

// Provider messages that mean the account ran out of credits even when the
// status code says otherwise.
var exhaustionMarkers = []string{
	"insufficient credits",
	"not enough credits",
	"credits exhausted",
	"quota exceeded",
}

// provider is the transport shared by the search and extraction clients.
type provider struct {
	name    string
	url     string
	header  http.Header
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *batch.RateLimiter
}

func newProvider(name, url string, header http.Header) *provider {
	return &provider{
		name:   name,
		url:    url,
		header: header,
		client: &http.Client{Timeout: defaultTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
			// Exhaustion stops the run on its own and says nothing about
			// provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || core.IsResourceExhausted(err) || core.HasCode(err, codeBadResponse)
			},
		}),
	}
}

const codeBadResponse = "BAD_PROVIDER_RESPONSE"

// post sends payload as JSON and decodes a 200 response into out.
func (p *provider) post(ctx context.Context, payload, out any) error {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.do(ctx, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &core.DomainError{
			Category:  core.ErrCatProcessing,
			Code:      core.CodeItemFailed,
			Message:   fmt.Sprintf("%s unavailable: %v", p.name, err),
			Retryable: true,
			Cause:     err,
		}
	}
	return err
}

func (p *provider) do(ctx context.Context, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range p.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			p.limiter.Throttled()
		}
		return p.statusError(resp.StatusCode, data)
	}
	p.limiter.Succeeded()

	if err := json.Unmarshal(data, out); err != nil {
		return &core.DomainError{
			Category: core.ErrCatProcessing,
			Code:     codeBadResponse,
			Message:  fmt.Sprintf("decode %s response: %v", p.name, err),
			Cause:    err,
		}
	}
	return nil
}

func (p *provider) statusError(status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	if status == http.StatusPaymentRequired || mentionsExhaustion(text) {
		return core.ErrResourceExhausted(fmt.Sprintf("%s credits exhausted (status %d): %s", p.name, status, text)).
			WithDetail("provider", p.name)
	}
	return &core.DomainError{
		Category:  core.ErrCatProcessing,
		Code:      core.CodeItemFailed,
		Message:   fmt.Sprintf("%s error (status %d): %s", p.name, status, text),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
		Details:   map[string]interface{}{"provider": p.name, "status": status},
	}
}

func mentionsExhaustion(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range exhaustionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
