package insight

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError indicates the model's response could not be read as the expected
// JSON shape. Callers get an empty result plus this typed error instead of a
// guessed parse.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable model response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// stripFences removes a leading/trailing markdown code fence, with or without
// a language tag, and any prose the model wrapped around the JSON payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			// Drop the language tag line (```json etc).
			first := strings.TrimSpace(s[:idx])
			if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
				s = s[idx+1:]
			}
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	// Models sometimes preface the payload; recover the outermost JSON value.
	if !strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "{") {
		start := strings.IndexAny(s, "[{")
		if start >= 0 {
			end := strings.LastIndexAny(s, "]}")
			if end > start {
				s = s[start : end+1]
			}
		}
	}
	return s
}

// parseJSON is the two-stage parser: strip wrapper patterns, then attempt a
// structured parse, then fall back to a typed failure.
func parseJSON(raw string, out any) error {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return &ParseError{Raw: raw, Err: fmt.Errorf("empty response")}
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	return nil
}
