package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/resilient"
)

const (
	toolBudgetMs        = 3000
	maxToolResponseBody = 1 << 20
)

// Client calls remote tool services over HTTP. It satisfies both
// investigation.LocationTool and investigation.HistoryTool.
type Client struct {
	locationURL string
	historyURL  string
	httpClient  *http.Client
}

// NewClient creates a Client. Each endpoint is the base URL of a service
// exposing POST /tools/{name}. The per-call deadline comes from the caller's
// context.
func NewClient(locationEndpoint, historyEndpoint string) *Client {
	return &Client{
		locationURL: locationEndpoint,
		historyURL:  historyEndpoint,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
}

// SemanticLocation calls get_semantic_location.
func (c *Client) SemanticLocation(ctx context.Context, subjectID string, lat, lng float64) (*investigation.LocationContext, error) {
	var out investigation.LocationContext
	err := c.call(ctx, c.locationURL, NameSemanticLocation, map[string]any{
		"user_id":   subjectID,
		"lat":       lat,
		"lng":       lng,
		"budget_ms": toolBudgetMs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PatientContext calls get_patient_context.
func (c *Client) PatientContext(ctx context.Context, subjectID string, ref time.Time) (*investigation.PatientContext, error) {
	var out investigation.PatientContext
	err := c.call(ctx, c.historyURL, NamePatientContext, map[string]any{
		"user_id":        subjectID,
		"reference_time": ref.UTC().Format(time.RFC3339),
		"budget_ms":      toolBudgetMs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, endpoint, name string, in, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	u = u.JoinPath("tools", name)

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: tool endpoints come from operator config
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", resilient.ErrUpstream, name, resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxToolResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", resilient.ErrUpstream, name, err)
	}
	return nil
}
