package sandbox

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestWriteArtifacts(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"images/Demo_ManimCE.png":         b64("png"),
		"videos/s/480p15/Demo.mp4":        b64("mp4"),
		"texts/7a2b.svg":                  b64("svg"),
		`videos\s\480p15\Demo_frames.gif`: b64("gif"),
	}

	out, err := writeArtifacts(root, "script_1", 3, files)
	if err != nil {
		t.Fatalf("writeArtifacts: %v", err)
	}
	want := filepath.Join(root, "script_1", "3", "videos", "s", "480p15", "Demo.mp4")
	if out != want {
		t.Errorf("primary = %q, want %q", out, want)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "mp4" {
		t.Errorf("primary content = %q, %v", data, err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "script_1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "3" {
		t.Errorf("staging directory left behind: %v", entries)
	}
}

func TestWriteArtifacts_NoFiles(t *testing.T) {
	root := t.TempDir()
	out, err := writeArtifacts(root, "script_1", 1, nil)
	if err != nil || out != "" {
		t.Fatalf("got %q, %v", out, err)
	}
	if _, err := os.Stat(filepath.Join(root, "script_1")); !os.IsNotExist(err) {
		t.Error("nothing should be written without files")
	}
}

func TestWriteArtifacts_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"parent escape", map[string]string{"../../etc/passwd": b64("x")}},
		{"absolute", map[string]string{"/tmp/x.mp4": b64("x")}},
		{"bad base64", map[string]string{"a.mp4": "!!!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if _, err := writeArtifacts(root, "script_1", 1, tt.files); err == nil {
				t.Fatal("expected error")
			}
			if _, err := os.Stat(ArtifactDir(root, "script_1", 1)); !os.IsNotExist(err) {
				t.Error("no attempt directory should be published on error")
			}
		})
	}
}

func TestPrimaryArtifact(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{[]string{"a.png", "b.MP4"}, "b.MP4"},
		{[]string{"a.gif", "b.png"}, "a.gif"},
		{[]string{"notes.txt"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := primaryArtifact(tt.names); got != tt.want {
			t.Errorf("primaryArtifact(%v) = %q, want %q", tt.names, got, tt.want)
		}
	}
}
