package service

import (
	"encoding/json"
	"strings"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// firstJSONObject extracts the first balanced JSON object from free text.
// Reasoning models wrap structured output in prose or code fences; this
// recovers the payload without caring about the wrapping.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// parseAgentJSON unmarshals the first JSON object found in an agent response.
func parseAgentJSON(raw string, out interface{}) error {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return apperrors.NewParseError("no JSON object in agent response")
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return apperrors.NewParseError("malformed JSON in agent response: " + err.Error())
	}
	return nil
}

// clamp01 squeezes model-assigned scores into [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
