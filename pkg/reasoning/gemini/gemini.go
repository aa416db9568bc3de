// Package gemini implements a reasoning provider on the Gemini API via the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/rhuss/omega/pkg/reasoning"
)

// DefaultModel is used when neither the config nor the request names one.
const DefaultModel = "gemini-2.5-flash"

// Config holds Gemini provider settings.
type Config struct {
	Name string
	// BaseURL overrides the public endpoint, mostly for tests and proxies.
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Provider is a reasoning.Provider over Models.GenerateContent.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	client     *genai.Client
}

var _ reasoning.Provider = (*Provider)(nil)

// newClient is replaceable in tests.
var newClient = genai.NewClient

// New creates a Gemini provider. An API key is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: APIKey is required")
	}
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	client, err := newClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return &Provider{cfg: cfg, httpClient: httpClient, client: client}, nil
}

// Name returns the registry name.
func (p *Provider) Name() string { return p.cfg.Name }

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// Complete sends one generateContent request.
func (p *Provider) Complete(ctx context.Context, req *reasoning.Request) (*reasoning.Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gc.Temperature = &t
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		return nil, p.mapError(err)
	}
	return &reasoning.Response{Text: resp.Text(), Model: resp.ModelVersion}, nil
}

// mapError turns SDK errors into reasoning errors. API errors keep their
// HTTP code so Retryable can classify them; anything else is a transport
// failure.
func (p *Provider) mapError(err error) error {
	if code, msg, ok := apiError(err); ok {
		if msg == "" {
			msg = fmt.Sprintf("gemini error (HTTP %d)", code)
		}
		return &reasoning.Error{Provider: p.cfg.Name, StatusCode: code, Message: msg, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &reasoning.Error{Provider: p.cfg.Name, Message: "backend connection error", Err: err}
}

func apiError(err error) (int, string, bool) {
	var ae genai.APIError
	if errors.As(err, &ae) {
		return ae.Code, ae.Message, true
	}
	var pae *genai.APIError
	if errors.As(err, &pae) && pae != nil {
		return pae.Code, pae.Message, true
	}
	return 0, "", false
}
