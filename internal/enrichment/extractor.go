// Package enrichment derives conversational context (mood, summary) from
// finished call transcripts via an external language-model service.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acme/daily-callline/internal/config"
)

// CallContext is the distilled outcome of one conversation. It seeds the
// next day's call so the agent can pick up where it left off.
type CallContext struct {
	Mood    string `json:"mood"`
	Summary string `json:"summary"`
}

// ContextExtractor turns a raw transcript into CallContext.
type ContextExtractor interface {
	Extract(ctx context.Context, transcript string) (CallContext, error)
}

// HTTPExtractor calls an LLM endpoint that accepts a transcript and returns
// mood and summary as JSON.
type HTTPExtractor struct {
	cfg    config.EnrichmentConfig
	client *http.Client
}

// NewHTTPExtractor builds the extractor from configuration.
func NewHTTPExtractor(cfg config.EnrichmentConfig) *HTTPExtractor {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	Transcript string `json:"transcript"`
}

// Extract posts the transcript and decodes the context. Transient upstream
// errors are retried a few times with exponential backoff.
func (e *HTTPExtractor) Extract(ctx context.Context, transcript string) (CallContext, error) {
	if strings.TrimSpace(transcript) == "" {
		return CallContext{}, fmt.Errorf("enrichment: empty transcript")
	}

	body, err := json.Marshal(extractRequest{Transcript: transcript})
	if err != nil {
		return CallContext{}, fmt.Errorf("enrichment: encode request: %w", err)
	}

	var out CallContext
	op := func() error {
		res, err := e.attempt(ctx, body)
		if err != nil {
			return err
		}
		out = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)); err != nil {
		return CallContext{}, err
	}
	return out, nil
}

func (e *HTTPExtractor) attempt(ctx context.Context, body []byte) (CallContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return CallContext{}, backoff.Permanent(fmt.Errorf("enrichment: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return CallContext{}, fmt.Errorf("enrichment: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out CallContext
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return CallContext{}, backoff.Permanent(fmt.Errorf("enrichment: decode response: %w", err))
		}
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return CallContext{}, fmt.Errorf("enrichment: upstream status %d", resp.StatusCode)
	default:
		return CallContext{}, backoff.Permanent(fmt.Errorf("enrichment: rejected with status %d", resp.StatusCode))
	}
}
