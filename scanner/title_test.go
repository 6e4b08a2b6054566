package scanner

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractTitle(t *testing.T) {
	longLine := strings.Repeat("a", 600)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain first line", "Treasury grant\nfull details", "Treasury grant"},
		{"heading marker stripped", "# Hello", "Hello"},
		{"multi hash heading", "### Deep heading\nbody", "Deep heading"},
		{"hash without space kept", "#hashtag proposal", "#hashtag proposal"},
		{"bare hash line kept", "###\nbody", "###"},
		{"empty first line", "", "Untitled Proposal"},
		{"only newline", "\nbody", "Untitled Proposal"},
		{"heading with no text", "#  \nbody", "Untitled Proposal"},
		{"crlf line ending", "Title\r\nbody", "Title"},
		{"whitespace trimmed", "  padded  \nbody", "padded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractTitle(tc.in))
		})
	}

	t.Run("600 char line truncates to 503", func(t *testing.T) {
		got := ExtractTitle(longLine + "\nbody")
		assert.Len(t, got, 503)
		assert.True(t, strings.HasSuffix(got, "..."))
	})

	t.Run("exactly 500 chars untouched", func(t *testing.T) {
		line := strings.Repeat("b", 500)
		assert.Equal(t, line, ExtractTitle(line))
	})

	t.Run("600 multi-byte chars truncate to 503", func(t *testing.T) {
		got := ExtractTitle(strings.Repeat("é", 600) + "\nbody")
		assert.Equal(t, 503, utf8.RuneCountInString(got))
		assert.True(t, utf8.ValidString(got))
		assert.True(t, strings.HasSuffix(got, "..."))
	})

	t.Run("exactly 500 multi-byte chars untouched", func(t *testing.T) {
		line := strings.Repeat("雨", 500)
		assert.Equal(t, line, ExtractTitle(line))
	})
}
