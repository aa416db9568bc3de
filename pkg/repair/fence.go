package repair

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// StripFences returns the code inside the first markdown code fence of
// text, or the trimmed text when it has no complete fence. A lone opening
// fence line is dropped.
func StripFences(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
			trimmed = trimmed[i+1:]
		} else {
			trimmed = ""
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
}

// UnwrapFenced removes a markdown fence that wraps the whole of text and
// returns the code with a trailing newline. Text that does not start with
// a fence is returned unchanged, so fenced snippets inside a script (in a
// docstring, say) are kept.
func UnwrapFenced(text string) string {
	if !strings.HasPrefix(strings.TrimSpace(text), "```") {
		return text
	}
	code := StripFences(text)
	if code == "" {
		return ""
	}
	return code + "\n"
}

// normalize drops trailing whitespace on every line and surrounding blank
// lines, so formatting-only answers count as unchanged.
func normalize(src string) string {
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
