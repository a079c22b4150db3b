package converge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	cases := []struct {
		name string
		text string
		want any
	}{
		{"object", `{"a": 1}`, map[string]any{"a": float64(1)}},
		{"padded", "  [1, 2]\n", []any{float64(1), float64(2)}},
		{"scalar", `"hello"`, "hello"},
		{"fenced json", "```json\n{\"a\": true}\n```", map[string]any{"a": true}},
		{"fenced bare", "```\n{\"a\": null}\n```\n", map[string]any{"a": nil}},
		{"prose", "Sure! Here it is.", "Sure! Here it is."},
		{"malformed", `{ result: `, `{ result: `},
		{"fenced malformed", "```json\n{oops}\n```", "```json\n{oops}\n```"},
		{"empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, parsePayload(c.text))
		})
	}
}
