package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnreachable is returned when the sandbox server cannot be reached
	// or answers with a server-side failure.
	ErrUnreachable = errors.New("sandbox unreachable")

	// ErrBusy is returned when the sandbox server is at capacity (HTTP 429).
	ErrBusy = errors.New("sandbox at capacity")

	// ErrRejected is returned when the sandbox server rejects the request
	// (HTTP 4xx other than 429).
	ErrRejected = errors.New("sandbox rejected request")
)

// maxResponseBytes caps how much of a response body is read. Artifacts
// travel base64-encoded inside /execute responses.
const maxResponseBytes = 512 << 20

// Client calls the sandbox server's REST API.
type Client struct {
	httpClient *http.Client
	secret     []byte
	subject    string
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSigningSecret makes the client attach an HS256 bearer token to every
// request. subject identifies the caller in the token.
func WithSigningSecret(secret []byte, subject string) Option {
	return func(c *Client) {
		c.secret = secret
		c.subject = subject
	}
}

// New creates a sandbox HTTP client. Request deadlines come from the
// caller's context; the HTTP client itself has no overall timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context, baseURL string) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, baseURL+"/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute sends a script to POST /execute and returns the captured result.
// A script failing inside the sandbox is not an error; its exit code and
// stderr are in the response.
func (c *Client) Execute(ctx context.Context, baseURL string, req *ExecuteRequest) (*ExecuteResponse, error) {
	var out ExecuteResponse
	if err := c.do(ctx, http.MethodPost, baseURL+"/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Install asks the sandbox to install one package via POST /install.
func (c *Client) Install(ctx context.Context, baseURL string, req *InstallRequest) (*InstallResponse, error) {
	var out InstallResponse
	if err := c.do(ctx, http.MethodPost, baseURL+"/install", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.secret != nil {
		token, err := SignToken(c.secret, c.subject, c.now())
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrBusy
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnreachable, resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
