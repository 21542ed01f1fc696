package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether a worker instance is ready to serve.
type Prober interface {
	// Healthy reports whether the instance behind baseURL responds on its
	// health endpoint.
	Healthy(ctx context.Context, baseURL string) bool
}

// HistoryFetcher pulls a worker instance's recent completion history.
type HistoryFetcher interface {
	// FetchHistory returns the instance's recent history as a mapping from
	// external event id (prompt id) to the raw event payload.
	FetchHistory(ctx context.Context, baseURL string, maxItems int) (map[string]json.RawMessage, error)
}

// HTTPProber implements Prober and HistoryFetcher against the worker's HTTP
// protocol: GET /system_stats for health and GET /history for completions.
type HTTPProber struct {
	healthClient  *http.Client
	historyClient *http.Client
}

// NewHTTPProber creates an HTTPProber. healthTimeout bounds a single health
// probe; historyTimeout bounds a single history fetch.
func NewHTTPProber(healthTimeout, historyTimeout time.Duration) *HTTPProber {
	return &HTTPProber{
		healthClient:  &http.Client{Timeout: healthTimeout},
		historyClient: &http.Client{Timeout: historyTimeout},
	}
}

// Healthy performs a health probe against the worker. Only a 200 response
// counts as healthy; any transport error or other status is unhealthy.
func (p *HTTPProber) Healthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := p.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FetchHistory retrieves up to maxItems recent completion events from the
// worker.
func (p *HTTPProber) FetchHistory(ctx context.Context, baseURL string, maxItems int) (map[string]json.RawMessage, error) {
	url := fmt.Sprintf("%s/history?max_items=%d", baseURL, maxItems)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create history request: %w", err)
	}
	resp, err := p.historyClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request returned status %s", resp.Status)
	}

	var history map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}
	return history, nil
}
