package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alexlistens/voicechat/internal/reliability"
)

// APIClient creates calls against the hosted provider's REST API.
type APIClient struct {
	apiKey      string
	baseURL     string
	http        *http.Client
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

type APIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// MaxAttempts bounds transient-failure retries per call. Defaults to 3.
	MaxAttempts int
}

func NewAPIClient(cfg APIConfig) *APIClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.ultravox.ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &APIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  2 * time.Second,
	}
}

type CreateCallRequest struct {
	SystemPrompt string `json:"systemPrompt"`
	Voice        string `json:"voice,omitempty"`
}

type CreateCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
}

// CreateCall provisions a call, retrying transient provider errors with
// capped exponential backoff. Rate limiting is surfaced immediately.
func (c *APIClient) CreateCall(ctx context.Context, req CreateCallRequest) (*CreateCallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode create call request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, c.backoffBase, c.backoffCap)):
			}
		}

		out, retryable, err := c.createCallOnce(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *APIClient) createCallOnce(ctx context.Context, body []byte) (*CreateCallResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/calls", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build create call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	res, err := c.http.Do(httpReq)
	if err != nil {
		// Transport errors are treated as transient.
		return nil, true, fmt.Errorf("create call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("create call: %s: %s", res.Status, strings.TrimSpace(string(detail)))
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	var out CreateCallResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode create call response: %w", err)
	}
	if strings.TrimSpace(out.JoinURL) == "" {
		return nil, false, fmt.Errorf("create call: response missing joinUrl")
	}
	return &out, false, nil
}
