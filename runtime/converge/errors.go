package converge

import (
	"errors"
	"strings"

	"goa.design/converge/runtime/schema"
)

// Kind discriminates the failures returned by New and Run.
type Kind string

const (
	// KindInvalidInputSchema reports an input schema that failed to compile.
	// Cause is the *schema.CompileError.
	KindInvalidInputSchema Kind = "invalid_input_schema"

	// KindInvalidOutputSchema reports an output schema that failed to
	// compile. Cause is the *schema.CompileError.
	KindInvalidOutputSchema Kind = "invalid_output_schema"

	// KindSchemaValidation reports a run input that does not satisfy the
	// input schema. Violations lists the failures; no model call was made.
	KindSchemaValidation Kind = "schema_validation"

	// KindLLMExecution reports a backend that could not be resolved or a
	// model call that failed (transport error, refusal, empty response,
	// cancellation). It is never retried by the loop.
	KindLLMExecution Kind = "llm_execution"

	// KindMaxIterationsExceeded reports a run that exhausted its review
	// budget without producing a valid payload. Attempts holds the complete
	// history.
	KindMaxIterationsExceeded Kind = "max_iterations_exceeded"
)

// Error is the single error type returned by New and Run. Kind selects which
// of the payload fields are populated.
type Error struct {
	Kind    Kind
	Message string
	// Step is the attempt label during which an execution failure occurred.
	Step string
	// Violations is set for KindSchemaValidation.
	Violations []schema.Violation
	// Attempts is set for KindMaxIterationsExceeded and, for
	// KindLLMExecution, holds the attempts completed before the failure.
	Attempts []Attempt
	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("converge: ")
	sb.WriteString(e.Message)
	if e.Step != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Step)
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == k
}

func executionError(step, msg string, history []Attempt, cause error) *Error {
	return &Error{
		Kind:     KindLLMExecution,
		Message:  msg,
		Step:     step,
		Attempts: history,
		Cause:    cause,
	}
}
