package converge

import (
	"strings"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/schema"
)

const (
	jsonDirective = "Respond with a single JSON document that conforms to the JSON Schema below. " +
		"Output only the JSON document: no prose, no explanations and no markdown code fences."

	reviewerPersona = "You are a meticulous JSON reviewer. You receive JSON output that failed " +
		"validation against a JSON Schema together with the validation errors. Fix the JSON so it " +
		"matches the schema while preserving the original intent. Output only the corrected JSON document."
)

// generationMessages builds the first request of a run: the caller
// instructions with the output schema in the system slot and the input
// document as the user turn.
func generationMessages(instructions string, output *schema.Schema, input string) []*model.Message {
	var sys strings.Builder
	if instructions != "" {
		sys.WriteString(strings.TrimSpace(instructions))
		sys.WriteString("\n\n")
	}
	sys.WriteString(jsonDirective)
	sys.WriteString("\n\nJSON Schema:\n")
	sys.WriteString(output.Render())
	return []*model.Message{
		model.SystemMessage(sys.String()),
		model.UserMessage(input),
	}
}

// repairMessages builds a review request for a payload that failed output
// validation. invalid is the model text verbatim.
func repairMessages(output *schema.Schema, input, invalid string, violations []schema.Violation) []*model.Message {
	var user strings.Builder
	section(&user, "Original input", input)
	section(&user, "Invalid output", invalid)
	errs := make([]string, len(violations))
	for i, v := range violations {
		errs[i] = "- " + v.String()
	}
	section(&user, "Validation errors", strings.Join(errs, "\n"))
	section(&user, "Expected JSON Schema", output.Render())
	return []*model.Message{
		model.SystemMessage(reviewerPersona),
		model.UserMessage(strings.TrimSpace(user.String())),
	}
}

func section(sb *strings.Builder, title, body string) {
	sb.WriteString(title)
	sb.WriteString(":\n")
	sb.WriteString(body)
	sb.WriteString("\n\n")
}
