package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/quantbot/internal/config"
)

func newClient(endpoint string) *HTTPClient {
	return NewHTTPClient(config.LLMConfig{
		Endpoint: endpoint,
		APIKey:   "test-key",
		Model:    "test-model",
	}, zerolog.Nop())
}

func TestAnalyze_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Bullish on balance."}}]}`))
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).Analyze(context.Background(), "Assess SPY")
	require.NoError(t, err)
	assert.Equal(t, "Bullish on balance.", res.Text)
}

func TestAnalyze_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Analyze(context.Background(), "Assess SPY")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestAnalyze_EmptyChoicesIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Analyze(context.Background(), "Assess SPY")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestAnalyze_NoEndpointConfigured(t *testing.T) {
	_, err := newClient("").Analyze(context.Background(), "Assess SPY")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestAnalyze_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newClient(srv.URL).Analyze(ctx, "Assess SPY")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}
