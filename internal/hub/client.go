// Package hub contains the HTTP clients for the central Hub: its REST API and
// its auth service. Both are consumed as black-box remote services.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// StatusError reports a non-2xx response from the Hub API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub returned status %d: %s", e.StatusCode, e.Body)
}

// Client is the authenticated client for the Hub REST API.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient builds a Hub API client whose requests carry this node's robot
// access token, refreshed transparently by the token source.
func NewClient(baseURL string, ts oauth2.TokenSource) *Client {
	return &Client{
		client:  oauth2.NewClient(context.Background(), ts),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// GetAnalysisNodes fetches all participant records of an analysis, with the
// node relation included, and returns the raw response document. Callers own
// shape validation so they can tell transport failures from malformed data.
// No caching: participant sets can change between calls and staleness would
// misroute messages.
func (c *Client) GetAnalysisNodes(ctx context.Context, analysisID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/analysis-nodes?filter[analysis_id]=%s&include=node",
		c.baseURL, url.QueryEscape(analysisID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building analysis-nodes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting analysis nodes: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(excerpt)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading analysis nodes response: %w", err)
	}
	return body, nil
}
