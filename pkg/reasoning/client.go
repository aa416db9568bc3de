package reasoning

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/observability"
)

// ClientConfig holds the call policy applied to every provider.
type ClientConfig struct {
	// Timeout bounds one request including retries.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
}

// Client sends requests to registered providers with timeouts, retries
// and metrics.
type Client struct {
	registry *Registry
	cfg      ClientConfig
}

// NewClient creates a Client over registry.
func NewClient(registry *Registry, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Client{registry: registry, cfg: cfg}
}

// Registry returns the provider registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Complete sends req to the named provider (the default when empty).
// Retryable provider errors are retried with exponential backoff. The
// returned text is never empty on success.
func (c *Client) Complete(ctx context.Context, providerName string, req *Request) (*Response, error) {
	p, err := c.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	name := p.Name()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	start := time.Now()
	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		debug.Log("reasoning", "request", "provider", name, "role", req.Role, "attempt", attempt,
			"prompt", debug.Truncate(req.Prompt, 200))
		r, err := p.Complete(ctx, req)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("reasoning request failed, retrying", "provider", name, "role", req.Role,
				"attempt", attempt, "error", err)
			return err
		}
		if strings.TrimSpace(r.Text) == "" {
			return backoff.Permanent(ErrEmptyResponse)
		}
		resp = r
		return nil
	}

	err = backoff.Retry(op, policy)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
	}
	observability.ReasoningRequestsTotal.WithLabelValues(name, string(req.Role), status).Inc()
	observability.ReasoningLatency.WithLabelValues(name, string(req.Role)).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return nil, err
	}
	debug.Log("reasoning", "response", "provider", name, "role", req.Role, "chars", len(resp.Text))
	return resp, nil
}

// GenerateSystemPrompt instructs a provider to write a manim script.
const GenerateSystemPrompt = "You are an expert Manim developer who creates beautiful animations."

// Generate turns a natural-language prompt into script source. The text is
// returned as the provider produced it.
func (c *Client) Generate(ctx context.Context, providerName, prompt string) (string, error) {
	resp, err := c.Complete(ctx, providerName, &Request{
		Role:   RoleGenerate,
		System: GenerateSystemPrompt,
		Prompt: GeneratePrompt(prompt),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GeneratePrompt wraps a description in generation instructions.
func GeneratePrompt(description string) string {
	var b strings.Builder
	b.WriteString("Create a Manim animation script based on this description: \"")
	b.WriteString(description)
	b.WriteString("\"\n\nThe script should:\n")
	b.WriteString("1. Import necessary Manim modules\n")
	b.WriteString("2. Define a Scene class\n")
	b.WriteString("3. Implement the construct method with appropriate animations\n\n")
	b.WriteString("Return ONLY the raw Python code without markdown formatting, code blocks, or explanation.")
	return b.String()
}
