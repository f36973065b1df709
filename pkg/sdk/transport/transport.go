// Package transport moves telemetry event batches to the ingest API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rackwatch/rackwatch/pkg/telemetry"
)

// Transport defines the interface for sending telemetry events.
type Transport interface {
	Send(ctx context.Context, domain telemetry.Domain, events []map[string]any) error
}

// HTTPTransport implements Transport against the /v1/ingest/{domain} API.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP creates a new HTTP transport. baseURL is the server root, e.g.
// http://localhost:8080.
func NewHTTP(baseURL, apiKey string) (*HTTPTransport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &HTTPTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send posts an event batch to the domain's ingest endpoint.
func (t *HTTPTransport) Send(ctx context.Context, domain telemetry.Domain, events []map[string]any) error {
	if len(events) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v1/ingest/"+string(domain), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return nil
}
