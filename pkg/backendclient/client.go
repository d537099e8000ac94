/**
 * @description
 * This package is the client for the ValarPay backend REST API that owns all
 * business logic behind the wizards. It builds authenticated JSON requests,
 * decodes the {message, statusCode, data} envelope and turns error envelopes
 * into typed APIError values.
 *
 * @notes
 * - Every call carries x-api-key; a bearer token is attached when the request
 *   context holds one (see WithToken).
 * - Commit calls carry an Idempotency-Key header.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, log/slog: Standard Go libraries.
 */
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	headerAPIKey         = "x-api-key"
	headerIdempotencyKey = "Idempotency-Key"
	maxResponseBytes     = 1 << 20
)

// Client is a client for the ValarPay backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. A non-positive timeout falls back to 30s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "backend_client"),
	}
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger.With("component", "backend_client")
	return c
}

type tokenContextKey struct{}

// WithToken attaches the signed-in user's bearer token to ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFrom returns the bearer token attached to ctx, if any.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// Envelope is the backend's success response shape.
type Envelope struct {
	Message    string          `json:"message"`
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Messages   []string
	Code       string
	Remaining  *int
	Body       string
}

func (e *APIError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("backend api error: status %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
	}
	return fmt.Sprintf("backend api error: status %d", e.StatusCode)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) BackendMessages() []string { return e.Messages }

func (e *APIError) AttemptsRemaining() (int, bool) {
	if e.Remaining == nil {
		return 0, false
	}
	return *e.Remaining, true
}

type errorEnvelope struct {
	Message           json.RawMessage `json:"message"`
	Error             string          `json:"error"`
	StatusCode        int             `json:"statusCode"`
	RemainingAttempts *int            `json:"remainingAttempts"`
	AttemptsRemaining *int            `json:"attemptsRemaining"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 300 {
			apiErr.Messages = []string{text}
		} else {
			apiErr.Messages = []string{http.StatusText(status)}
		}
		return apiErr
	}

	var single string
	var list []string
	switch {
	case json.Unmarshal(env.Message, &single) == nil && single != "":
		apiErr.Messages = []string{single}
	case json.Unmarshal(env.Message, &list) == nil && len(list) > 0:
		apiErr.Messages = list
	case env.Error != "":
		apiErr.Messages = []string{env.Error}
	default:
		apiErr.Messages = []string{http.StatusText(status)}
	}
	apiErr.Code = env.Error
	apiErr.Remaining = env.RemainingAttempts
	if apiErr.Remaining == nil {
		apiErr.Remaining = env.AttemptsRemaining
	}
	return apiErr
}

// do sends a request and returns the raw success body.
func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)
	if token := TokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(started).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, respBody)
		c.logger.Info("backend returned error", "method", method, "path", path, "status", resp.StatusCode, "messages", apiErr.Messages)
		return nil, apiErr
	}
	return respBody, nil
}

// CodeUnexpectedResponse marks a successful response whose body could not be used.
const CodeUnexpectedResponse = "UNEXPECTED_RESPONSE"

const unexpectedResponseMessage = "ValarPay returned an unexpected response. Please try again."

// decodeData unmarshals the envelope's data object into target. A 2xx response
// without usable data is reported as an *APIError: the backend was reached.
func decodeData(body []byte, target any) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return unexpectedResponse(body)
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		return unexpectedResponse(body)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return unexpectedResponse(body)
	}
	return nil
}

func unexpectedResponse(body []byte) *APIError {
	return &APIError{
		StatusCode: http.StatusOK,
		Code:       CodeUnexpectedResponse,
		Messages:   []string{unexpectedResponseMessage},
		Body:       string(body),
	}
}
