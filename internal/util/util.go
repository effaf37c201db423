package util

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// TruncateString truncates s to maxLen and appends "..." if truncated (UTF-8 safe).
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

// lastSpaceBeforeRune finds the last whitespace rune before pos.
func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// TruncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func TruncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

var (
	tagPatternsMu sync.Mutex
	tagPatterns   = map[string]*regexp.Regexp{}
)

func tagPattern(tag string) *regexp.Regexp {
	tagPatternsMu.Lock()
	defer tagPatternsMu.Unlock()
	re, ok := tagPatterns[tag]
	if !ok {
		q := regexp.QuoteMeta(tag)
		re = regexp.MustCompile(`(?is)<` + q + `>(.*?)</` + q + `>`)
		tagPatterns[tag] = re
	}
	return re
}

// ExtractTagContent returns the trimmed bodies of every <tag>...</tag> pair in s.
// Matching is case-insensitive and spans newlines. Returns nil when none are found.
func ExtractTagContent(s, tag string) []string {
	matches := tagPattern(tag).FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// FirstTagContent returns the first <tag> body or "" when absent.
func FirstTagContent(s, tag string) string {
	if all := ExtractTagContent(s, tag); len(all) > 0 {
		return all[0]
	}
	return ""
}

// PromptDate renders t the way prompts expect the current date, e.g. "Mon Jan 02 2006".
func PromptDate(t time.Time) string {
	return t.Format("Mon Jan 02 2006")
}
