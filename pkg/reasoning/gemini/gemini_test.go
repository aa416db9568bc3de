package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/genai"

	"github.com/rhuss/omega/pkg/reasoning"
)

type generateBody struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	GenerationConfig *struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNew_ClientConfig(t *testing.T) {
	orig := newClient
	t.Cleanup(func() { newClient = orig })

	var got *genai.ClientConfig
	newClient = func(ctx context.Context, cc *genai.ClientConfig) (*genai.Client, error) {
		got = cc
		return orig(ctx, cc)
	}

	p, err := New(Config{APIKey: "g-key", BaseURL: "http://gemini.local/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got.Backend != genai.BackendGeminiAPI || got.APIKey != "g-key" {
		t.Errorf("client config = %+v", got)
	}
	if got.HTTPOptions.BaseURL != "http://gemini.local/" {
		t.Errorf("base URL = %q", got.HTTPOptions.BaseURL)
	}
	if p.Name() != "gemini" || p.cfg.Model != DefaultModel {
		t.Errorf("defaults: name=%q model=%q", p.Name(), p.cfg.Model)
	}

	newClient = func(context.Context, *genai.ClientConfig) (*genai.Client, error) {
		return nil, errors.New("no credentials")
	}
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Error("expected client construction error")
	}
}

func TestComplete(t *testing.T) {
	var got generateBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"from manim import *\n"},{"text":"class A(Scene): pass"}]},"finishReason":"STOP"}],"modelVersion":"gemini-test-001"}`))
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL, APIKey: "g-key", Model: "gemini-test"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := p.Complete(context.Background(), &reasoning.Request{
		Role: reasoning.RoleRepair, System: "be brief", Prompt: "fix", MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "from manim import *\nclass A(Scene): pass" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Model != "gemini-test-001" {
		t.Errorf("model = %q", resp.Model)
	}
	if got.SystemInstruction == nil || len(got.SystemInstruction.Parts) == 0 || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction = %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != genai.RoleUser || got.Contents[0].Parts[0].Text != "fix" {
		t.Errorf("contents = %+v", got.Contents)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 100 {
		t.Errorf("generation config = %+v", got.GenerationConfig)
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`, "Resource has been exhausted", true},
		{"server error", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"The model is overloaded","status":"UNAVAILABLE"}}`, "The model is overloaded", true},
		{"bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`, "API key not valid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := New(Config{BaseURL: srv.URL, APIKey: "k"})
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Complete(context.Background(), &reasoning.Request{Prompt: "x"})

			var re *reasoning.Error
			if !errors.As(err, &re) {
				t.Fatalf("expected *reasoning.Error, got %v", err)
			}
			if re.StatusCode != tt.status || re.Message != tt.wantMsg {
				t.Errorf("error = %+v", re)
			}
			if re.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", re.Retryable(), tt.retryable)
			}
		})
	}
}

func TestComplete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, err := New(Config{BaseURL: url, APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Complete(context.Background(), &reasoning.Request{Prompt: "x"})
	if !reasoning.IsRetryable(err) {
		t.Errorf("connection failure should be retryable, got %v", err)
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	p, _ := New(Config{BaseURL: srv.URL, APIKey: "k"})
	resp, err := p.Complete(context.Background(), &reasoning.Request{Prompt: "x"})
	if err != nil || resp.Text != "" {
		t.Fatalf("got %+v, %v", resp, err)
	}
}
