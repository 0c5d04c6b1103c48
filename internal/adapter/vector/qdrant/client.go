// Package qdrant provides a minimal Qdrant HTTP client used as the
// nearest-neighbor index for question dedup and the knowledge base.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a minimal Qdrant HTTP client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Qdrant client with baseURL and optional apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureCollection creates the collection if it does not exist. Distance is
// always cosine; only the dimension is a contract.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.baseURL, name), nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": "Cosine"},
	}
	b, _ := json.Marshal(payload)
	req, _ = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.baseURL, name), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant ensure create status %d", resp.StatusCode)
	}
	return nil
}

// UpsertPoint inserts or updates one point with its payload.
func (c *Client) UpsertPoint(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	body := map[string]any{
		"points": []map[string]any{{"id": id, "vector": vector, "payload": payload}},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points", c.baseURL, collection), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	return nil
}

// SearchPoint is one scored hit from Search.
type SearchPoint struct {
	ID      string         `json:"-"`
	RawID   json.RawMessage `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search returns top-k nearest points for a vector, optionally filtered by an
// exact payload field match.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK int, filterField, filterValue string) ([]SearchPoint, error) {
	body := map[string]any{"vector": vector, "limit": topK, "with_payload": true}
	if filterField != "" {
		body["filter"] = map[string]any{
			"must": []map[string]any{
				{"key": filterField, "match": map[string]any{"value": filterValue}},
			},
		}
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, collection), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant search status %d", resp.StatusCode)
	}
	var out struct {
		Result []SearchPoint `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	for i := range out.Result {
		out.Result[i].ID = rawIDString(out.Result[i].RawID)
	}
	return out.Result, nil
}

// Healthz probes the Qdrant collections endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections", nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("qdrant status %d", resp.StatusCode)
}

func rawIDString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
