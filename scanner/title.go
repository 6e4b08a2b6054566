package scanner

import (
	"strings"
	"unicode/utf8"
)

const (
	maxTitleLen   = 500
	fallbackTitle = "Untitled Proposal"
)

// ExtractTitle derives a proposal title from its description. The title
// is the first line with any leading markdown heading marker stripped,
// truncated to 500 characters. Deterministic: the same description
// always yields the same title.
func ExtractTitle(description string) string {
	line := description
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimLeft(line, "#")
	// Heading markers only count when followed by whitespace; a line
	// of bare '#' characters is a literal title.
	if len(trimmed) < len(line) && trimmed != "" && (trimmed[0] == ' ' || trimmed[0] == '\t') {
		line = strings.TrimLeft(trimmed, " \t")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fallbackTitle
	}
	// The 500 boundary counts characters, not bytes, so multi-byte
	// titles are never cut mid-rune.
	if utf8.RuneCountInString(line) > maxTitleLen {
		return string([]rune(line)[:maxTitleLen]) + "..."
	}
	return line
}
