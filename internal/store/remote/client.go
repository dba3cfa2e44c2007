// -----------------------------------------------------------------------
// Remote Client - authenticated HTTP access to a central task server
// -----------------------------------------------------------------------

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

const defaultRequestTimeout = 30 * time.Second

// envelope is the response wrapper used by every server endpoint
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// StatusError reports a non-2xx response from the server
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Client wraps an HTTP client with bearer-token authentication against
// the central server. A 401 response clears the token so callers can
// detect the logged-out state and stop dispatching work.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, logger arbor.ILogger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		logger: logger,
	}
}

// SetToken installs a bearer token obtained outside this client
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// IsAuthenticated reports whether the client holds a bearer token.
// The token is dropped when the server answers 401, so this doubles
// as the scheduler's auth gate.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Login authenticates against the server and stores the returned token
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}

	var result struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &result); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("login response contained no token")
	}

	c.SetToken(result.Token)
	c.logger.Info().Str("user", username).Msg("Authenticated with server")
	return nil
}

// do performs a request and decodes the envelope's data field into out.
// out may be nil when the caller only cares about success.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		hadToken := c.token != ""
		c.token = ""
		c.mu.Unlock()
		if hadToken {
			c.logger.Warn().Str("path", path).Msg("Server rejected token, logged out")
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: "unauthorized"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		return &StatusError{StatusCode: resp.StatusCode, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data from %s: %w", path, err)
		}
	}

	return nil
}
