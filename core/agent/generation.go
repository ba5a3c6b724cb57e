package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Generation is the structured result parsed from a model response.
type Generation struct {
	Title   string            `json:"title"`
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files"`
}

// BuildPrompt frames a user request for the code model. The model is asked
// for a JSON object so the response can be applied to a sandbox directly.
func BuildPrompt(request string) string {
	return fmt.Sprintf(`You are a senior Next.js engineer. Build what the user asks for.
Respond with a single JSON object and nothing else:
{"title": "<short fragment title>", "summary": "<one paragraph of what you built>", "files": {"<path>": "<full file content>"}}

User request:
%s`, request)
}

// ParseGeneration extracts the structured result from a model response.
// Fenced code blocks around the JSON are tolerated. A response with no
// parsable JSON degrades to a files-less generation so the run can still
// complete with a summary.
func ParseGeneration(resp string) Generation {
	raw := strings.TrimSpace(resp)
	if block := extractFence(raw); block != "" {
		raw = block
	}
	var gen Generation
	if err := json.Unmarshal([]byte(raw), &gen); err == nil && (gen.Summary != "" || len(gen.Files) > 0) {
		if gen.Title == "" {
			gen.Title = "Generated fragment"
		}
		return gen
	}
	return Generation{Title: "Generated fragment", Summary: strings.TrimSpace(resp)}
}

func extractFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag on the fence line.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
