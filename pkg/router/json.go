package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeJSONResponse unmarshals a model response into dest, tolerating the
// usual wrappers: markdown code fences and prose before or after the object.
func decodeJSONResponse(content string, dest any) error {
	body := extractJSONBody(content)
	if body == "" {
		return fmt.Errorf("response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(body), dest); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}

// extractJSONBody strips code fences and surrounding prose, returning the
// outermost JSON object or array in the text.
func extractJSONBody(content string) string {
	s := strings.TrimSpace(content)

	// Prefer a fenced block when present
	if idx := strings.Index(s, "```"); idx != -1 {
		rest := s[idx+3:]
		// Skip a language tag like "json"
		if nl := strings.Index(rest, "\n"); nl != -1 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end != -1 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}
	open := s[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(s, closing)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
