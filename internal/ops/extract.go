package ops

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first complete JSON object or array out of model
// output. Models wrap JSON in markdown fences, prefix it with prose, or
// trail it with commentary; the extractor tolerates all three.
func ExtractJSON(text string, out any) error {
	candidate := stripFences(text)

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in model output")
	}

	end := matchBracket(candidate, start)
	if end < 0 {
		return fmt.Errorf("unterminated JSON in model output")
	}

	if err := json.Unmarshal([]byte(candidate[start:end+1]), out); err != nil {
		return fmt.Errorf("parse model JSON: %w", err)
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` block when present.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	idx := strings.Index(trimmed, "```")
	if idx < 0 {
		return trimmed
	}
	rest := trimmed[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// matchBracket returns the index of the bracket closing the one at start,
// respecting strings and escapes.
func matchBracket(s string, start int) int {
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
