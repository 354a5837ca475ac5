// Package modelout normalizes raw model responses into structured values.
// Model output is untrusted text: it may carry thinking tags, markdown
// fences, or prose around the JSON payload.
package modelout

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/planweave/planweave"
)

var thinkingTagPattern = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// CleanThinkingTags removes reasoning-model thinking blocks from a response.
func CleanThinkingTags(s string) string {
	return strings.TrimSpace(thinkingTagPattern.ReplaceAllString(s, ""))
}

// ExtractJSON returns the first balanced JSON object embedded in s, or ""
// when none is found. Handles fenced and prose-wrapped payloads.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
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
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// ParseOutput interprets a model response as a structured action output.
// A response that is not valid JSON degrades to the whole cleaned text as
// the primary output; a valid JSON object missing primary_output is
// treated the same way.
func ParseOutput(raw string) *planweave.Output {
	cleaned := CleanThinkingTags(raw)
	if cleaned == "" {
		return &planweave.Output{}
	}

	if payload := ExtractJSON(cleaned); payload != "" {
		var out planweave.Output
		if err := json.Unmarshal([]byte(payload), &out); err == nil && out.PrimaryOutput != "" {
			return &out
		}
	}
	return &planweave.Output{PrimaryOutput: cleaned}
}

// ParseJSON extracts and unmarshals the first JSON object in a response
// into v. Unlike ParseOutput there is no textual fallback; callers own
// their retry policy.
func ParseJSON(raw string, v interface{}) error {
	cleaned := CleanThinkingTags(raw)
	payload := ExtractJSON(cleaned)
	if payload == "" {
		return json.Unmarshal([]byte(cleaned), v)
	}
	return json.Unmarshal([]byte(payload), v)
}
