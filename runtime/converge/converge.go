// Package converge drives a generate → validate → repair loop over model
// backends until the model output satisfies a JSON Schema or a review budget
// is exhausted.
//
// An Agent is built once from an input schema, an output schema, a system
// prompt and one or two backends, then Run is called for each input:
//
//	agent, err := converge.New(converge.Config{
//		Generator:     converge.BackendSpec{Backend: backend, Model: "gpt-4o"},
//		InputSchema:   inputSchema,
//		OutputSchema:  outputSchema,
//		SystemPrompt:  "Extract the invoice fields.",
//		MaxIterations: 3,
//	})
//	res, err := agent.Run(ctx, input, converge.WithRef("req-42"))
//
// Run returns the first payload that satisfies the output schema. Input
// validation failures and backend failures are returned immediately; only
// output validation failures feed the review loop.
package converge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/converge/runtime/model"
	"goa.design/converge/runtime/schema"
	"goa.design/converge/runtime/telemetry"
)

type (
	// Config configures an Agent.
	Config struct {
		// Generator produces the first candidate payload. Required.
		Generator BackendSpec
		// Reviewer repairs candidates that fail output validation. Defaults
		// to Generator when nil.
		Reviewer *BackendSpec
		// InputSchema describes valid run inputs (see schema.Compile for the
		// accepted forms). Required.
		InputSchema any
		// OutputSchema describes valid model outputs. Required.
		OutputSchema any
		// SystemPrompt holds the task instructions given to the generator.
		SystemPrompt string
		// MaxIterations is the number of review attempts allowed after the
		// first generation fails validation. Values <= 0 default to 1.
		MaxIterations int
		// Resolver turns BackendSpec.Backend values into model.Backend. The
		// default only accepts values that already implement model.Backend;
		// use factory.Resolve to also accept provider SDK clients.
		Resolver model.Resolver
		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// BackendSpec selects a backend, a model and its generation parameters.
	BackendSpec struct {
		// Backend is a model.Backend or any value the configured Resolver
		// understands.
		Backend any
		// Model is the provider model identifier.
		Model string
		// Config holds optional generation parameters.
		Config model.GenerationConfig
	}

	// Agent runs the convergence loop. An Agent is immutable after New and
	// safe for concurrent Run calls.
	Agent struct {
		input         *schema.Schema
		output        *schema.Schema
		instructions  string
		generator     resolvedSpec
		reviewer      resolvedSpec
		maxIterations int
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
	}

	// Result is a successful run.
	Result struct {
		// Output is the payload that satisfied the output schema.
		Output any
		// Metadata lists every attempt of the run in order. The last entry
		// is the one that produced Output.
		Metadata []Attempt
		// Ref echoes the value given to WithRef, empty otherwise.
		Ref string
		// RunID uniquely identifies the run in logs and traces.
		RunID string
	}

	// Attempt records one generation or review step.
	Attempt struct {
		// Step is "generation" or "review-N".
		Step string
		// Payload is the decoded JSON value, or the raw model text when it
		// was not valid JSON.
		Payload any
		// Provenance identifies the backend and model that produced Payload.
		Provenance model.Provenance
		// Outcome is the result of validating Payload against the output
		// schema.
		Outcome Outcome
	}

	// Outcome is the result of validating one payload.
	Outcome struct {
		Valid bool
		// Errors lists formatted violations. Empty iff Valid.
		Errors []string
	}

	// RunOption configures a single Run call.
	RunOption func(*runOptions)

	runOptions struct {
		ref string
	}

	resolvedSpec struct {
		backend model.Backend
		model   string
		config  model.GenerationConfig
	}

	// candidate is the state carried between attempts.
	candidate struct {
		text       string
		violations []schema.Violation
	}
)

// StepGeneration labels the first attempt of a run.
const StepGeneration = "generation"

const defaultMaxIterations = 1

// WithRef sets a caller correlation token echoed back in Result.Ref.
func WithRef(ref string) RunOption {
	return func(o *runOptions) { o.ref = ref }
}

// ReviewStep returns the label of the i-th review attempt (1-based).
func ReviewStep(i int) string {
	return "review-" + strconv.Itoa(i)
}

// New compiles the schemas, resolves the backends and returns an Agent.
func New(cfg Config) (*Agent, error) {
	in, err := schema.Compile(cfg.InputSchema, schema.WithName("input"))
	if err != nil {
		return nil, &Error{Kind: KindInvalidInputSchema, Message: "invalid input schema", Cause: err}
	}
	out, err := schema.Compile(cfg.OutputSchema, schema.WithName("output"))
	if err != nil {
		return nil, &Error{Kind: KindInvalidOutputSchema, Message: "invalid output schema", Cause: err}
	}
	resolve := cfg.Resolver
	if resolve == nil {
		resolve = model.AsBackend
	}
	gen, err := resolveSpec(resolve, cfg.Generator)
	if err != nil {
		return nil, executionError("", "resolve generator backend", nil, err)
	}
	rev := gen
	if cfg.Reviewer != nil {
		if rev, err = resolveSpec(resolve, *cfg.Reviewer); err != nil {
			return nil, executionError("", "resolve reviewer backend", nil, err)
		}
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	a := &Agent{
		input:         in,
		output:        out,
		instructions:  cfg.SystemPrompt,
		generator:     gen,
		reviewer:      rev,
		maxIterations: maxIter,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewNoopMetrics()
	}
	if a.tracer == nil {
		a.tracer = telemetry.NewNoopTracer()
	}
	return a, nil
}

// MaxIterations returns the review budget.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// Run validates input, generates a candidate and repairs it until it
// satisfies the output schema. The returned error is always an *Error:
// KindSchemaValidation when input is invalid, KindLLMExecution when a backend
// call fails and KindMaxIterationsExceeded when the budget is exhausted.
func (a *Agent) Run(ctx context.Context, input any, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	runID := uuid.NewString()
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "converge.run")
	defer span.End()
	a.logger.Debug(ctx, "converge run started", "run_id", runID, "ref", o.ref, "max_iterations", a.maxIterations)

	res, err := a.run(ctx, runID, input)
	outcome := outcomeLabel(err)
	a.metrics.IncCounter("converge.runs", 1, "outcome", outcome)
	a.metrics.RecordTimer("converge.run.duration", time.Since(start), "outcome", outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		a.logFailure(ctx, runID, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, outcome)
	a.logger.Info(ctx, "converge run converged", "run_id", runID, "ref", o.ref, "attempts", len(res.Metadata))
	res.Ref = o.ref
	return res, nil
}

func (a *Agent) run(ctx context.Context, runID string, input any) (*Result, error) {
	if err := a.input.Validate(input); err != nil {
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			return nil, &Error{Kind: KindSchemaValidation, Message: "input validation failed", Cause: err}
		}
		return nil, &Error{
			Kind:       KindSchemaValidation,
			Message:    "input does not match input schema",
			Violations: verr.Violations,
			Cause:      verr,
		}
	}
	inputJSON, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, executionError(StepGeneration, "encode input", nil, err)
	}

	var history []Attempt
	msgs := generationMessages(a.instructions, a.output, string(inputJSON))
	att, cand, err := a.attempt(ctx, a.generator, StepGeneration, msgs)
	if err != nil {
		return nil, executionError(StepGeneration, "generation failed", history, err)
	}
	history = append(history, att)
	if att.Outcome.Valid {
		return &Result{Output: att.Payload, Metadata: history, RunID: runID}, nil
	}

	for i := 1; i <= a.maxIterations; i++ {
		step := ReviewStep(i)
		msgs := repairMessages(a.output, string(inputJSON), cand.text, cand.violations)
		att, cand, err = a.attempt(ctx, a.reviewer, step, msgs)
		if err != nil {
			return nil, executionError(step, "review failed", history, err)
		}
		history = append(history, att)
		if att.Outcome.Valid {
			return &Result{Output: att.Payload, Metadata: history, RunID: runID}, nil
		}
	}
	return nil, &Error{
		Kind:     KindMaxIterationsExceeded,
		Message:  fmt.Sprintf("no valid output after %d attempts", len(history)),
		Attempts: history,
	}
}

// attempt performs one model call and validates its output. A non-nil error
// is always a backend failure; validation failures are reported through the
// returned Attempt.
func (a *Agent) attempt(ctx context.Context, spec resolvedSpec, step string, msgs []*model.Message) (Attempt, candidate, error) {
	if err := ctx.Err(); err != nil {
		return Attempt{}, candidate{}, err
	}
	ctx, span := a.tracer.Start(ctx, "converge.attempt")
	defer span.End()

	resp, err := spec.backend.Complete(ctx, &model.Request{
		Messages: msgs,
		Model:    spec.model,
		Config:   spec.config,
		Schema:   a.output,
	})
	if err == nil && resp == nil {
		err = model.ErrEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend failure")
		return Attempt{}, candidate{}, err
	}
	if resp.Provenance.Model == "" {
		resp.Provenance.Model = spec.model
	}

	payload := parsePayload(resp.Text)
	att := Attempt{Step: step, Payload: payload, Provenance: resp.Provenance}
	cand := candidate{text: resp.Text}
	if verr := a.output.Validate(payload); verr != nil {
		var ve *schema.ValidationError
		if !errors.As(verr, &ve) {
			return Attempt{}, candidate{}, verr
		}
		cand.violations = ve.Violations
		att.Outcome = Outcome{Errors: ve.Strings()}
	} else {
		att.Outcome = Outcome{Valid: true, Errors: []string{}}
	}

	kind := "review"
	if step == StepGeneration {
		kind = StepGeneration
	}
	a.metrics.IncCounter("converge.attempts", 1, "step", kind, "valid", strconv.FormatBool(att.Outcome.Valid))
	span.AddEvent("validated", "step", step, "valid", att.Outcome.Valid, "errors", len(att.Outcome.Errors))
	a.logger.Debug(ctx, "converge attempt",
		"step", step,
		"valid", att.Outcome.Valid,
		"errors", len(att.Outcome.Errors),
		"backend", resp.Provenance.Backend,
		"model", resp.Provenance.Model,
	)
	return att, cand, nil
}

func (a *Agent) logFailure(ctx context.Context, runID string, err error) {
	e, ok := AsError(err)
	if !ok {
		a.logger.Error(ctx, "converge run failed", "run_id", runID, "err", err)
		return
	}
	switch e.Kind {
	case KindMaxIterationsExceeded:
		a.logger.Warn(ctx, "converge run exhausted review budget", "run_id", runID, "attempts", len(e.Attempts))
	case KindSchemaValidation:
		a.logger.Info(ctx, "converge run rejected input", "run_id", runID, "violations", len(e.Violations))
	default:
		a.logger.Error(ctx, "converge run failed", "run_id", runID, "step", e.Step, "err", err)
	}
}

// Decode stores the output in the value pointed to by v using JSON decoding.
func (r *Result) Decode(v any) error {
	data, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return json.Unmarshal(data, v)
}

func resolveSpec(resolve model.Resolver, spec BackendSpec) (resolvedSpec, error) {
	if spec.Backend == nil {
		return resolvedSpec{}, fmt.Errorf("%w: backend is required", model.ErrUnrecognizedBackend)
	}
	b, err := resolve(spec.Backend)
	if err != nil {
		return resolvedSpec{}, err
	}
	return resolvedSpec{backend: b, model: spec.Model, config: spec.Config}, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "converged"
	}
	e, ok := AsError(err)
	if !ok {
		return "execution_failed"
	}
	switch e.Kind {
	case KindMaxIterationsExceeded:
		return "exhausted"
	case KindSchemaValidation:
		return "input_invalid"
	default:
		return "execution_failed"
	}
}
