// Package llm defines the narrow interface through which the research agent
// reaches a language-model provider. Providers themselves are external; this
// package only carries prompts out and scored text back.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
)

// ErrLLMUnavailable signals that the provider could not be reached or
// refused the request. Callers degrade gracefully (the research agent
// soft-fails to HOLD) rather than aborting the pipeline.
var ErrLLMUnavailable = errors.New("llm unavailable")

// Analysis is the provider's answer to one prompt.
type Analysis struct {
	Text string
	// ConfidenceHint is the provider's self-reported confidence in [0,1],
	// 0 when the provider gave none.
	ConfidenceHint float64
}

// Client is the capability the research agent needs.
type Client interface {
	Analyze(ctx context.Context, prompt string) (*Analysis, error)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	cfg    config.LLMConfig
	http   *http.Client
	logger zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client from config. A zero timeout defaults to 30s.
func NewHTTPClient(cfg config.LLMConfig, logger zerolog.Logger) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze sends one prompt and returns the first completion. Transport and
// provider failures all map to ErrLLMUnavailable so callers need only one
// check.
func (c *HTTPClient) Analyze(ctx context.Context, prompt string) (*Analysis, error) {
	if c.cfg.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured: %w", ErrLLMUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an equity research assistant. Answer concisely."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("llm request failed")
		return nil, fmt.Errorf("llm request: %v: %w", err, ErrLLMUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().Int("status", resp.StatusCode).Msg("llm returned non-200")
		return nil, fmt.Errorf("llm status %d: %s: %w", resp.StatusCode, string(snippet), ErrLLMUnavailable)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding llm response: %v: %w", err, ErrLLMUnavailable)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices: %w", ErrLLMUnavailable)
	}

	return &Analysis{Text: parsed.Choices[0].Message.Content}, nil
}
