package sandbox

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// primaryExtensions ranks artifact types when choosing the output path.
var primaryExtensions = []string{".mp4", ".mov", ".webm", ".gif", ".png"}

// ArtifactDir returns the directory holding the artifacts of one attempt.
func ArtifactDir(root, scriptID string, attempt int) string {
	return filepath.Join(root, scriptID, strconv.Itoa(attempt))
}

// writeArtifacts decodes files into ArtifactDir(root, scriptID, attempt).
// Files are staged in a hidden sibling directory and renamed into place, so
// the attempt directory either appears complete or not at all. It returns
// the path of the primary artifact, or "" when none was produced.
func writeArtifacts(root, scriptID string, attempt int, files map[string]string) (string, error) {
	if len(files) == 0 {
		return "", nil
	}

	byPath := make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for name, content := range files {
		clean, err := safeRelPath(name)
		if err != nil {
			return "", err
		}
		if _, dup := byPath[clean]; !dup {
			names = append(names, clean)
		}
		byPath[clean] = content
	}
	sort.Strings(names)

	scriptDir := filepath.Join(root, scriptID)
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}
	staging, err := os.MkdirTemp(scriptDir, fmt.Sprintf(".attempt-%d-*", attempt))
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, name := range names {
		content, err := base64.StdEncoding.DecodeString(byPath[name])
		if err != nil {
			return "", fmt.Errorf("decoding artifact %q: %w", name, err)
		}
		dst := filepath.Join(staging, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("creating artifact dir: %w", err)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return "", fmt.Errorf("writing artifact %q: %w", name, err)
		}
	}

	final := ArtifactDir(root, scriptID, attempt)
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("clearing artifact dir: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publishing artifacts: %w", err)
	}

	primary := primaryArtifact(names)
	if primary == "" {
		return "", nil
	}
	return filepath.Join(final, filepath.FromSlash(primary)), nil
}

// primaryArtifact picks the highest-ranked media file from sorted names.
func primaryArtifact(names []string) string {
	for _, ext := range primaryExtensions {
		for _, name := range names {
			if strings.EqualFold(path.Ext(name), ext) {
				return name
			}
		}
	}
	return ""
}

// safeRelPath rejects absolute paths and paths escaping the artifact dir.
func safeRelPath(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe artifact path %q", name)
	}
	return clean, nil
}
