package server

import (
	"bytes"
	"encoding/base64"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rhuss/omega/pkg/sandbox/client"
)

// sceneClassPattern matches a top-level class deriving from a *Scene base,
// e.g. "class Intro(Scene):" or "class Orbit(ThreeDScene):".
var sceneClassPattern = regexp.MustCompile(`(?m)^class\s+([A-Za-z_]\w*)\s*\(\s*(?:[\w.]*\.)?\w*Scene\s*[,)]`)

// DetectScene returns the first Scene subclass declared in source.
func DetectScene(source string) (string, bool) {
	m := sceneClassPattern.FindStringSubmatch(source)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidPackageName reports whether name is safe to hand to the installer.
// Names starting with "-" would be read as installer flags.
func ValidPackageName(name string) bool {
	return packageNamePattern.MatchString(name) && !strings.HasPrefix(name, "-")
}

// detectRuntimeVersion returns the first line of "<interpreter> --version".
func detectRuntimeVersion(interpreter []string) string {
	args := append(append([]string{}, interpreter[1:]...), "--version")
	output, err := exec.Command(interpreter[0], args...).Output()
	if err != nil {
		return "unknown"
	}
	version := strings.TrimSpace(string(output))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	return version
}

// collectOutputFiles walks outputDir and base64-encodes every file, keyed
// by slash-separated relative path. Manim's partial movie chunks are
// skipped, and collection stops once maxBytes is reached.
func collectOutputFiles(outputDir string, maxBytes int64) map[string]string {
	files := make(map[string]string)
	var total int64

	filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == "partial_movie_files" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if total+info.Size() > maxBytes {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return nil
		}
		total += int64(len(content))
		files[filepath.ToSlash(rel)] = base64.StdEncoding.EncodeToString(content)
		return nil
	})

	if len(files) == 0 {
		return nil
	}
	return files
}

// boundedBuffer keeps the first limit bytes written and counts the rest.
type boundedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.dropped += len(p) - max(room, 0)
	return len(p), nil
}

func (b *boundedBuffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *boundedBuffer) Len() int {
	return b.buf.Len() + b.dropped
}

func (b *boundedBuffer) Truncated() bool {
	return b.dropped > 0
}

func (b *boundedBuffer) String() string {
	if b.dropped == 0 {
		return b.buf.String()
	}
	return b.buf.String() + client.TruncationMarker(b.dropped)
}
