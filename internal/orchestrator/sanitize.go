package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject tolerantly pulls a JSON object out of model output
// that may be wrapped in prose or fenced code blocks. It locates the
// first '{' and walks to its balancing '}', honoring strings and escape
// sequences, then verifies the slice decodes.
func ExtractJSONObject(raw string) (json.RawMessage, error) {
	cleaned := stripFences(raw)

	start := strings.IndexByte(cleaned, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in output")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(cleaned); i++ {
		ch := cleaned[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := cleaned[start : i+1]
					if !json.Valid([]byte(candidate)) {
						return nil, fmt.Errorf("extracted object is not valid JSON")
					}
					return json.RawMessage(candidate), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("unbalanced JSON object in output")
}

// stripFences removes ``` fence lines so fenced JSON parses cleanly
func stripFences(raw string) string {
	if !strings.Contains(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
