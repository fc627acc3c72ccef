package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// maxAttempts bounds how many endpoints a single request is tried on.
const maxAttempts = 3

// ErrNoEndpoints is returned when the client was built without base URLs.
var ErrNoEndpoints = errors.New("upstream: no endpoints configured")

// Client forwards requests to one or more OpenAI-compatible base URLs
// (e.g. https://api.openai.com/v1). Each request goes to a random endpoint,
// authenticated with the next key from the pool; transport failures are
// retried on a different endpoint.
type Client struct {
	endpoints []string
	keys      *KeyPool

	http *http.Client
}

// New creates an upstream Client.
func New(baseURLs []string, keys *KeyPool) *Client {
	eps := make([]string, 0, len(baseURLs))
	for _, u := range baseURLs {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			eps = append(eps, u)
		}
	}
	if keys == nil {
		keys = NewKeyPool(nil)
	}
	return &Client{
		endpoints: eps,
		keys:      keys,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Endpoints returns the configured base URLs.
func (c *Client) Endpoints() []string { return c.endpoints }

// pickEndpointExcluding returns a random endpoint not in the excluded set.
func (c *Client) pickEndpointExcluding(exclude map[string]bool) (string, error) {
	if len(c.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	var candidates []string
	for _, ep := range c.endpoints {
		if !exclude[ep] {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		// All endpoints tried; fall back to any.
		return c.endpoints[rand.Intn(len(c.endpoints))], nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// FetchModels returns the "data" array of the upstream /models response.
func (c *Client) FetchModels(ctx context.Context) ([]json.RawMessage, error) {
	body, status, err := c.Do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch models: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("upstream: fetch models: status %d: %s", status, bytes.TrimSpace(body))
	}
	var result struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("upstream: decode models: %w", err)
	}
	return result.Data, nil
}

// Do sends a non-streaming request and returns the full response body.
// It retries up to 3 times on different endpoints if the request fails.
func (c *Client) Do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	lastErr := ErrNoEndpoints
	tried := map[string]bool{}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ep, err := c.pickEndpointExcluding(tried)
		if err != nil {
			return nil, 0, err
		}
		tried[ep] = true
		resp, err := c.doWith(ctx, c.http, ep, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			slog.Warn("upstream: request failed, retrying with different endpoint", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		return b, resp.StatusCode, err
	}
	return nil, 0, lastErr
}

// DoStream sends a request and returns the raw *http.Response for streaming.
// It retries up to 3 times on different endpoints. The caller must close resp.Body.
func (c *Client) DoStream(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	lastErr := ErrNoEndpoints
	tried := map[string]bool{}
	// No overall timeout: streaming responses can run for a long time.
	streamClient := &http.Client{Transport: c.http.Transport}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ep, err := c.pickEndpointExcluding(tried)
		if err != nil {
			return nil, err
		}
		tried[ep] = true
		resp, err := c.doWith(ctx, streamClient, ep, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("upstream: stream request failed, retrying with different endpoint", "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) doWith(ctx context.Context, hc *http.Client, ep, method, path string, payload []byte) (*http.Response, error) {
	url := ep + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.keys.Next(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	slog.Debug("upstream: request", "method", method, "url", url, "bytes", len(payload))
	return hc.Do(req)
}
