package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoJSON is returned when a model response carries no JSON object.
var ErrNoJSON = errors.New("no JSON object found in response")

var (
	thinkingBlock = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSONObject locates the first balanced {...} object in a model response.
// Reasoning blocks and markdown fences are ignored. When the object is never
// closed it falls back to the span ending at the last '}'.
func ExtractJSONObject(s string) (string, error) {
	s = thinkingBlock.ReplaceAllString(s, "")
	start := strings.Index(s, "{")
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	if end := strings.LastIndex(s, "}"); end > start {
		return s[start : end+1], nil
	}
	return "", ErrNoJSON
}

// DecodeLenient extracts the JSON object from a model response and decodes it
// into out. Trailing commas are tolerated.
func DecodeLenient(s string, out any) error {
	raw, err := ExtractJSONObject(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	repaired := trailingComma.ReplaceAllString(raw, "$1")
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// AsInt converts a decoded JSON scalar into an int. Numeric strings are accepted.
func AsInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

// Truthy reports whether a decoded JSON value reads as true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return false
	}
}

// StringSlice converts a decoded JSON array into strings, skipping blanks.
func StringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		var s string
		switch t := item.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// StripThinking removes <thinking>...</thinking> blocks added by reasoning models.
func StripThinking(s string) string {
	return thinkingBlock.ReplaceAllString(s, "")
}
