package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acme/daily-callline/internal/config"
)

// HTTPProvider talks to the voice-call provider over its REST API. The
// request timeout is deliberately short and separate from any ambient HTTP
// timeout: a hung dial request must fail fast so it re-enters the queue
// backoff ladder instead of stalling the drain batch.
type HTTPProvider struct {
	cfg    config.VoiceConfig
	client *http.Client
}

// NewHTTPProvider constructs the provider adapter.
func NewHTTPProvider(cfg config.VoiceConfig) *HTTPProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type dialRequest struct {
	Phone          string `json:"phone"`
	Assistant      string `json:"assistant"`
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	SystemPrompt   string `json:"system_prompt"`
	FirstMessage   string `json:"first_message"`
	MaxDurationSec int    `json:"max_duration_seconds"`
	CallbackURL    string `json:"callback_url"`
}

type dialResponse struct {
	ID string `json:"id"`
}

// PlaceCall submits the dial request. Transient provider errors (5xx, 429)
// get a handful of immediate retries; anything that still fails is reported
// to the caller, which applies the queue-level backoff ladder on top.
func (p *HTTPProvider) PlaceCall(ctx context.Context, spec CallSpec) (Result, error) {
	body, err := json.Marshal(dialRequest{
		Phone:          spec.Phone,
		Assistant:      spec.ProviderName,
		Model:          spec.ModelID,
		Voice:          spec.VoiceID,
		SystemPrompt:   spec.SystemPrompt,
		FirstMessage:   spec.FirstMessage,
		MaxDurationSec: spec.MaxCallSeconds,
		CallbackURL:    spec.CallbackURL,
	})
	if err != nil {
		return Result{}, fmt.Errorf("telephony: marshal dial request: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 3), ctx)

	var result Result
	op := func() error {
		res, err := p.attempt(ctx, body)
		result = res
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result, err
	}
	return result, nil
}

func (p *HTTPProvider) attempt(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("telephony: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// network error or timeout: retryable
		return Result{Retryable: true, Error: err.Error()}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out dialResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, backoff.Permanent(fmt.Errorf("telephony: decode response: %w", err))
		}
		return Result{Accepted: true, ProviderCallID: out.ID}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		msg := readError(resp.Body, resp.StatusCode)
		return Result{Retryable: true, Error: msg}, fmt.Errorf("telephony: %s", msg)
	default:
		msg := readError(resp.Body, resp.StatusCode)
		return Result{Retryable: false, Error: msg}, backoff.Permanent(fmt.Errorf("telephony: %s", msg))
	}
}

func readError(body io.Reader, status int) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	if len(b) == 0 {
		return fmt.Sprintf("provider returned status %d", status)
	}
	return fmt.Sprintf("provider returned status %d: %s", status, string(b))
}
