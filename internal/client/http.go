package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/switchboard/internal/model"
)

// HTTPClient implements EventsClient using the switchboard HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Sequences ---

func (c *HTTPClient) Sequence(ctx context.Context, resourceID string) (int64, error) {
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	path := "/events/sequence?" + url.Values{"resource_id": {resourceID}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

func (c *HTTPClient) Sequences(ctx context.Context, resourceIDs []string) (map[string]int64, error) {
	var resp struct {
		Sequences map[string]int64 `json:"sequences"`
	}
	path := "/events/sequence?" + url.Values{"resource_ids": {strings.Join(resourceIDs, ",")}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sequences, nil
}

// --- Replay ---

func (c *HTTPClient) Resync(ctx context.Context, resourceID string, lastSequence int64, limit int) (*model.Page, error) {
	q := url.Values{}
	q.Set("resource_id", resourceID)
	q.Set("last_sequence", strconv.FormatInt(lastSequence, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page model.Page
	if err := c.doJSON(ctx, http.MethodGet, "/events/resync?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// --- Publishing ---

func (c *HTTPClient) Publish(ctx context.Context, req *PublishRequest) (*model.Envelope, error) {
	var env model.Envelope
	if err := c.doJSON(ctx, http.MethodPost, "/events/publish", req, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// --- Health ---

// Health reports the server status. A degraded server answers 503 with a
// status body, which is returned without error.
func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	var hs HealthStatus
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &hs)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal([]byte(apiErr.Message), &hs) == nil && hs.Status != "" {
			return &hs, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &hs, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// apiError builds an APIError from a failed response body.
func apiError(status int, respBody []byte) *APIError {
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(respBody))}
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
