package converge

import (
	"encoding/json"
	"regexp"
)

var fenced = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*[ \\t]*\\r?\\n(.*?)\\r?\\n?```\\s*$")

// parsePayload decodes model text as JSON. Text wrapped in a single markdown
// code fence is unwrapped first. Anything else is returned verbatim so output
// validation rejects it and the repair loop handles it like any other
// mismatch.
func parsePayload(text string) any {
	if v, ok := decodeJSON(text); ok {
		return v
	}
	if m := fenced.FindStringSubmatch(text); m != nil {
		if v, ok := decodeJSON(m[1]); ok {
			return v
		}
	}
	return text
}

func decodeJSON(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	return v, true
}
