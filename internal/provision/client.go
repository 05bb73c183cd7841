// Package provision requests new voice calls from the call provisioning
// endpoint and returns the join URL for the created session.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request carries the per-user context handed to the conversational agent.
type Request struct {
	FirstName          string `json:"firstName"`
	LastCallTranscript string `json:"lastCallTranscript"`
}

// Response is the successful provisioning payload.
type Response struct {
	JoinURL string `json:"joinUrl"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Client posts provisioning requests to a single endpoint URL.
// Failures are not retried; the caller surfaces them to the user.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

// CreateCall provisions a new call and returns its join URL. On a
// non-success status the error combines the status text with the response
// body's error field, when present.
func (c *Client) CreateCall(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode provisioning request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build provisioning request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(res.Body).Decode(&eb)
		if strings.TrimSpace(eb.Error) != "" {
			return "", fmt.Errorf("failed to create call: %s: %s", res.Status, eb.Error)
		}
		return "", fmt.Errorf("failed to create call: %s", res.Status)
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode provisioning response: %w", err)
	}
	if strings.TrimSpace(out.JoinURL) == "" {
		return "", fmt.Errorf("failed to create call: response missing joinUrl")
	}
	return out.JoinURL, nil
}
