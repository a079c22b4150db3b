package schema

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type (
	// CompileError reports a schema description that could not be compiled.
	// Cause carries the underlying compiler diagnostic.
	CompileError struct {
		Cause error
	}

	// ValidationError reports data that does not satisfy a compiled schema.
	ValidationError struct {
		// Violations lists the leaf failures in document order.
		Violations []Violation

		cause *jsonschema.ValidationError
	}

	// Violation is a single schema failure.
	Violation struct {
		// Path is the JSON pointer of the offending value. Empty at the
		// document root.
		Path string
		// Message is the human-readable failure description.
		Message string
	}
)

// violationSeparator joins formatted violations.
const violationSeparator = "; "

var printer = message.NewPrinter(language.English)

func (e *CompileError) Error() string {
	if e.Cause == nil {
		return "invalid schema"
	}
	return "invalid schema: " + e.Cause.Error()
}

// Unwrap returns the compiler diagnostic.
func (e *CompileError) Unwrap() error { return e.Cause }

func (e *ValidationError) Error() string {
	return "schema validation failed: " + FormatErrors(e.Violations)
}

// Unwrap returns the underlying jsonschema error when available.
func (e *ValidationError) Unwrap() error {
	if e.cause == nil {
		return nil
	}
	return e.cause
}

// Strings returns each violation formatted with Violation.String.
func (e *ValidationError) Strings() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.String()
	}
	return out
}

// String renders the violation as "path: message", or just the message when
// the violation is at the document root.
func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// FormatErrors joins violations into a single line for repair prompts.
func FormatErrors(violations []Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, violationSeparator)
}

// violations flattens the jsonschema error tree into its leaves.
func violations(err *jsonschema.ValidationError) []Violation {
	if len(err.Causes) == 0 {
		return []Violation{{
			Path:    pointer(err.InstanceLocation),
			Message: err.ErrorKind.LocalizedString(printer),
		}}
	}
	var out []Violation
	for _, c := range err.Causes {
		out = append(out, violations(c)...)
	}
	return out
}

func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteByte('/')
		t = strings.ReplaceAll(t, "~", "~0")
		sb.WriteString(strings.ReplaceAll(t, "/", "~1"))
	}
	return sb.String()
}
