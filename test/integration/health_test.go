package integration

import (
	"net/http"
	"testing"

	"github.com/rhuss/omega/pkg/sandbox"
)

func TestHealthEndpoint(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/healthz")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestListSandboxes(t *testing.T) {
	// Running any script makes the single sandbox ready.
	s := submit(t, "from manim import *\n\nclass Demo(Scene):\n    def construct(self):\n        self.wait()\n")
	executeAndWait(t, s.ID)

	resp := getURL(t, testEnv.BaseURL()+"/sandboxes")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	var list struct {
		Object string           `json:"object"`
		Data   []sandbox.Status `json:"data"`
	}
	decodeJSON(t, resp, &list)

	if list.Object != "list" || len(list.Data) != 1 {
		t.Fatalf("sandboxes = %+v", list)
	}
	sb := list.Data[0]
	if !sb.Running || sb.Session != "mock-session" || sb.Endpoint != testEnv.MockSandbox.URL {
		t.Errorf("sandbox = %+v", sb)
	}
}
