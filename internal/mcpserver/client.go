package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/agentdir/internal/trust"
)

// Config holds the configuration for connecting to the directory API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // Optional agent key ("sk_..."); persists runs for the key's own agent
	AdminSecret string // Optional operator secret; required for batch runs
}

// maxResponseBytes caps how much of an API response is read.
const maxResponseBytes = 4 << 20

// DirectoryClient is a thin HTTP client for the agentdir API.
type DirectoryClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewDirectoryClient creates a new client for the directory API. Batch runs
// can take minutes, so the timeout is generous.
func NewDirectoryClient(cfg Config) *DirectoryClient {
	return &DirectoryClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 6 * time.Minute,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *DirectoryClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func agentPath(handle, suffix string) string {
	return "/v1/agents/" + url.PathEscape(handle) + suffix
}

// GetAgent returns one directory entry.
func (c *DirectoryClient) GetAgent(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, agentPath(handle, ""), nil, nil)
}

// ListAgents pages through the directory. Empty level and nil verified mean
// no filter.
func (c *DirectoryClient) ListAgents(ctx context.Context, level string, verified *bool, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if verified != nil {
		q.Set("verified", strconv.FormatBool(*verified))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents", q, nil)
}

// VerifyAgent runs a verification session for handle.
func (c *DirectoryClient) VerifyAgent(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, agentPath(handle, "/verify"), nil, nil)
}

// GetVerification returns the agent's verification status and history.
func (c *DirectoryClient) GetVerification(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, agentPath(handle, "/verification"), nil, nil)
}

// RunBatch starts an admin batch run and waits for its report.
func (c *DirectoryClient) RunBatch(ctx context.Context, req trust.BatchRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/verify/batch", nil, req)
}
