package integration

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/omega/pkg/api"
)

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		wantStatus  int
		wantType    api.ErrorType
	}{
		{"invalid json", http.MethodPost, "/scripts", "application/json", `{invalid json`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"empty source", http.MethodPost, "/scripts", "application/json", `{"source":"   "}`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"fence only", http.MethodPost, "/scripts", "application/json", "{\"source\":\"```python\\n```\"}", http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"unknown provider", http.MethodPost, "/scripts", "application/json", `{"source":"print(1)","provider":"nope"}`, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"wrong content type", http.MethodPost, "/scripts", "text/plain", `print(1)`, http.StatusUnsupportedMediaType, api.ErrorTypeInvalidRequest},
		{"malformed id", http.MethodGet, "/scripts/not-an-id", "", "", http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"unknown script", http.MethodGet, "/scripts/" + api.NewScriptID(), "", "", http.StatusNotFound, api.ErrorTypeNotFound},
		{"execute unknown script", http.MethodPost, "/scripts/" + api.NewScriptID() + "/execute", "", "", http.StatusNotFound, api.ErrorTypeNotFound},
		{"cancel idle script", http.MethodPost, "/scripts/" + api.NewScriptID() + "/cancel", "", "", http.StatusConflict, api.ErrorTypeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, testEnv.BaseURL()+tt.path, bytes.NewReader([]byte(tt.body)))
			if err != nil {
				t.Fatalf("creating request: %v", err)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, readBody(t, resp))
			}

			var errResp api.ErrorResponse
			decodeJSON(t, resp, &errResp)
			if errResp.Error == nil {
				t.Fatal("error object is nil")
			}
			if errResp.Error.Type != tt.wantType {
				t.Errorf("error.type = %q, want %q", errResp.Error.Type, tt.wantType)
			}
		})
	}
}

func TestRequestIDEchoed(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, testEnv.BaseURL()+"/scripts/"+api.NewScriptID(), nil)
	req.Header.Set("X-Request-ID", "integration-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := readBody(t, resp)

	if got := resp.Header.Get("X-Request-ID"); got != "integration-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if !strings.Contains(body, "not_found") {
		t.Errorf("body = %q", body)
	}
}
