package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/constants"
)

// DefaultBaseURL is the Graph API root including the pinned version.
const DefaultBaseURL = "https://graph.facebook.com/" + constants.MetaGraphVersion

// TokenReconnectMessage replaces Meta's raw error text when a tenant's
// access token has expired; it is what end-facing surfaces display.
const TokenReconnectMessage = "WhatsApp access token expired. Please reconnect the WhatsApp account."

// Client talks to the Meta Graph API. It is safe for concurrent use; all
// tenant state travels in Credentials per call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The per-request
// deadline still applies through the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the Graph API root, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func NewClient(logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doJSON issues one Graph API call with a hard deadline and returns the
// status code and raw body. Transport errors (including timeout) come back
// as the error.
func (c *Client) doJSON(ctx context.Context, method, path, accessToken string, payload interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultMetaTimeoutSec)*time.Second)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// graphErrorMessage extracts the most specific error text from a Graph
// error body, falling back to the HTTP status text and finally the raw
// body.
func graphErrorMessage(status int, body []byte) (message string, code int) {
	var envelope graphErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil {
		code = envelope.Error.Code
		if envelope.Error.ErrorUserMsg != "" {
			return envelope.Error.ErrorUserMsg, code
		}
		if envelope.Error.Message != "" {
			return envelope.Error.Message, code
		}
	}
	if text := http.StatusText(status); text != "" {
		return text, code
	}
	return strings.TrimSpace(string(body)), code
}

// isTokenExpired classifies an access-token failure: a 401, or a 400/403
// whose message mentions the token or an expired session.
func isTokenExpired(status int, message string) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusBadRequest && status != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "access token") || strings.Contains(lower, "session has expired")
}
