package api

import (
	"strings"
	"testing"
)

func TestValidateSubmit(t *testing.T) {
	cfg := ValidationConfig{MaxSourceSize: 64}

	tests := []struct {
		name      string
		source    string
		opts      SubmitOptions
		wantParam string
	}{
		{"valid", "print(1)", SubmitOptions{}, ""},
		{"valid with provider", "print(1)", SubmitOptions{Provider: "gemini"}, ""},
		{"empty source", "", SubmitOptions{}, "source"},
		{"whitespace source", "  \n\t", SubmitOptions{}, "source"},
		{"too large", strings.Repeat("x", 65), SubmitOptions{}, "source"},
		{"bad provider", "print(1)", SubmitOptions{Provider: "a/b"}, "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubmit(tt.source, tt.opts, cfg)
			if tt.wantParam == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error for param %q", tt.wantParam)
			}
			if err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}
