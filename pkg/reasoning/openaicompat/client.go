// Package openaicompat implements reasoning providers for backends that
// speak the OpenAI Chat Completions API: OpenAI itself, LiteLLM proxies and
// Azure OpenAI deployments.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rhuss/omega/pkg/reasoning"
)

// Flavor selects URL layout and authentication.
type Flavor string

const (
	FlavorOpenAI  Flavor = "openai"
	FlavorLiteLLM Flavor = "litellm"
	FlavorAzure   Flavor = "azure_openai"
)

// DefaultAzureAPIVersion is used when an Azure provider sets none.
const DefaultAzureAPIVersion = "2024-06-01"

// Config holds settings for one Chat Completions provider.
type Config struct {
	// Name is the registry name. Defaults to the flavor.
	Name string

	Flavor Flavor

	// BaseURL is the backend root, e.g. "https://api.openai.com",
	// "http://litellm:4000" or "https://myres.openai.azure.com".
	BaseURL string

	APIKey string

	// Model is the default model. Azure routes by Deployment instead.
	Model string

	// Deployment and APIVersion apply to Azure only.
	Deployment string
	APIVersion string

	// ModelMapping rewrites requested model names (LiteLLM routing).
	ModelMapping map[string]string

	// Timeout for individual HTTP requests. Defaults to 120s.
	Timeout time.Duration
}

// Provider is a reasoning.Provider over a Chat Completions backend.
type Provider struct {
	cfg        Config
	httpClient *http.Client
}

// Ensure Provider implements reasoning.Provider at compile time.
var _ reasoning.Provider = (*Provider)(nil)

// New creates a Provider. BaseURL is required; Azure also requires a
// deployment.
func New(cfg Config) (*Provider, error) {
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorOpenAI
	}
	switch cfg.Flavor {
	case FlavorOpenAI, FlavorLiteLLM, FlavorAzure:
	default:
		return nil, fmt.Errorf("openaicompat: unsupported flavor %q", cfg.Flavor)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: BaseURL is required", cfg.Flavor)
	}
	if cfg.Flavor == FlavorAzure && cfg.Deployment == "" {
		return nil, fmt.Errorf("%s: Deployment is required", cfg.Flavor)
	}
	if cfg.Flavor == FlavorAzure && cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAzureAPIVersion
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Flavor)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the registry name.
func (p *Provider) Name() string {
	return p.cfg.Name
}

// Complete sends one Chat Completions request.
func (p *Provider) Complete(ctx context.Context, req *reasoning.Request) (*reasoning.Response, error) {
	chatReq := p.translate(req)
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		if p.cfg.Flavor == FlavorAzure {
			httpReq.Header.Set("api-key", p.cfg.APIKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		}
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(p.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(p.cfg.Name, httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, &reasoning.Error{Provider: p.cfg.Name, Message: "failed to parse backend response", Err: err}
	}

	resp := &reasoning.Response{Model: chatResp.Model}
	if len(chatResp.Choices) > 0 && chatResp.Choices[0].Message.Content != nil {
		resp.Text = *chatResp.Choices[0].Message.Content
	}
	return resp, nil
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *Provider) translate(req *reasoning.Request) *ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	if mapped, ok := p.cfg.ModelMapping[model]; ok {
		model = mapped
	}
	if p.cfg.Flavor == FlavorAzure {
		// The deployment in the URL selects the model.
		model = ""
	}

	chat := &ChatCompletionRequest{Model: model, Temperature: req.Temperature, N: 1}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		chat.MaxTokens = &mt
	}
	if req.System != "" {
		chat.Messages = append(chat.Messages, ChatMessage{Role: "system", Content: req.System})
	}
	chat.Messages = append(chat.Messages, ChatMessage{Role: "user", Content: req.Prompt})
	return chat
}

func (p *Provider) endpoint() string {
	if p.cfg.Flavor == FlavorAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.cfg.BaseURL, url.PathEscape(p.cfg.Deployment), url.QueryEscape(p.cfg.APIVersion))
	}
	return p.cfg.BaseURL + "/v1/chat/completions"
}
