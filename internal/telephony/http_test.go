package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/daily-callline/internal/config"
)

func testSpec() CallSpec {
	return CallSpec{
		CustomerID:     1,
		Phone:          "+15551230000",
		ProviderName:   "vapi",
		ModelID:        "gpt-4o",
		VoiceID:        "nova",
		SystemPrompt:   "be nice",
		FirstMessage:   "hello",
		MaxCallSeconds: 600,
		CallbackURL:    "https://example.com/webhooks/calls",
	}
}

func newProvider(baseURL string) *HTTPProvider {
	return NewHTTPProvider(config.VoiceConfig{
		BaseURL:        baseURL,
		APIKey:         "secret",
		RequestTimeout: 2 * time.Second,
	})
}

func TestPlaceCallAccepted(t *testing.T) {
	var gotAuth string
	var gotBody dialRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "prov-123"})
	}))
	defer srv.Close()

	result, err := newProvider(srv.URL).PlaceCall(context.Background(), testSpec())
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.Equal(t, "prov-123", result.ProviderCallID)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "+15551230000", gotBody.Phone)
	assert.Equal(t, "https://example.com/webhooks/calls", gotBody.CallbackURL)
}

func TestPlaceCallRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "prov-456"})
	}))
	defer srv.Close()

	result, err := newProvider(srv.URL).PlaceCall(context.Background(), testSpec())
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.Equal(t, "prov-456", result.ProviderCallID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestPlaceCallPermanentRejection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid phone"))
	}))
	defer srv.Close()

	result, err := newProvider(srv.URL).PlaceCall(context.Background(), testSpec())
	require.Error(t, err)

	assert.False(t, result.Accepted)
	assert.False(t, result.Retryable, "4xx rejections must not re-enter the backoff ladder")
	assert.Contains(t, result.Error, "invalid phone")
	assert.Equal(t, int32(1), hits.Load(), "permanent rejection must not be retried")
}

func TestPlaceCallExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result, err := newProvider(srv.URL).PlaceCall(context.Background(), testSpec())
	require.Error(t, err)

	assert.False(t, result.Accepted)
	assert.True(t, result.Retryable)
	assert.Equal(t, int32(4), hits.Load(), "initial attempt plus three retries")
}
