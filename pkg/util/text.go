package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var markdownNoise = regexp.MustCompile(`(?m)^#{1,6}\s+|^[-*]\s+|!\[[^\]]*\]\([^)]*\)|[*_` + "`" + `]+`)

// Excerpt returns the first non-empty paragraph of body with markdown markers
// removed, cut to at most maxRunes runes.
func Excerpt(body string, maxRunes int) string {
	var first string
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(markdownNoise.ReplaceAllString(para, ""))
		if para != "" {
			first = strings.Join(strings.Fields(para), " ")
			break
		}
	}
	if maxRunes <= 0 || utf8.RuneCountInString(first) <= maxRunes {
		return first
	}

	runes := []rune(first)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
