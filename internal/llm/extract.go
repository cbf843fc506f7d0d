package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExtractJSONObject locates and returns the first balanced JSON object inside
// an LLM response, stripping markdown code fences and surrounding prose.
// Returns an error when no balanced object exists.
func ExtractJSONObject(response string) (string, error) {
	s := strings.TrimSpace(response)

	// Strip a fenced block if the whole response is wrapped in one.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	// Scan for the matching close brace, respecting strings and escapes.
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
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in response")
}

// DecodeFileMap parses a {"files": {path: content}} payload, coercing
// non-string contents (numbers, booleans, nested objects) to strings so a
// sloppy provider response never aborts a generation run.
func DecodeFileMap(payload string) (map[string]string, error) {
	var envelope struct {
		Files map[string]json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("decode files envelope: %w", err)
	}
	if envelope.Files == nil {
		return nil, fmt.Errorf("response has no files object")
	}

	files := make(map[string]string, len(envelope.Files))
	for path, raw := range envelope.Files {
		files[path] = coerceToString(raw)
	}
	return files, nil
}

func coerceToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numbers, booleans, objects: keep the literal JSON text. Quoted
	// numerics come through the string path above.
	trimmed := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(trimmed); err == nil {
		return unquoted
	}
	return trimmed
}
