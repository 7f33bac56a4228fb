package discord

import (
	"regexp"
	"strings"
)

// Markdown decorations worth stripping before token counting and
// embedding. Mentions and custom emoji keep their inner name so the text
// stays readable.
var (
	reCodeFence   = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9]*\n)?(.*?)```")
	reInlineCode  = regexp.MustCompile("`([^`]*)`")
	reCustomEmoji = regexp.MustCompile(`<a?:([a-zA-Z0-9_]+):\d+>`)
	reDecoration  = regexp.MustCompile(`\*{1,3}|_{1,3}|~~|^>\s?`)
	reSpoiler     = regexp.MustCompile(`\|\|([^|]*)\|\|`)
)

// Plaintext reduces Discord-flavored markdown to plain text for the
// content_plain column. The original markdown is stored alongside.
func Plaintext(md string) string {
	s := reCodeFence.ReplaceAllString(md, "$1")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reCustomEmoji.ReplaceAllString(s, ":$1:")
	s = reSpoiler.ReplaceAllString(s, "$1")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = reDecoration.ReplaceAllString(line, "")
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
