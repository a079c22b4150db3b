package main

import (
	"goa.design/converge/runtime/converge"
	"goa.design/converge/runtime/model"
)

type (
	// report is the JSON document printed by the command.
	report struct {
		Output   any           `json:"output,omitempty"`
		Metadata []attemptView `json:"metadata"`
		Ref      string        `json:"ref,omitempty"`
		RunID    string        `json:"run_id,omitempty"`
		Error    *errorView    `json:"error,omitempty"`
	}

	attemptView struct {
		Step    string      `json:"step"`
		Payload any         `json:"payload"`
		Backend string      `json:"backend,omitempty"`
		Model   string      `json:"model,omitempty"`
		Usage   *usageView  `json:"usage,omitempty"`
		Outcome outcomeView `json:"outcome"`
	}

	usageView struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outcomeView struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}

	errorView struct {
		Kind       string   `json:"kind,omitempty"`
		Message    string   `json:"message"`
		Step       string   `json:"step,omitempty"`
		Violations []string `json:"violations,omitempty"`
	}
)

func newReport(res *converge.Result, err error, ref string) *report {
	if err == nil {
		return &report{
			Output:   res.Output,
			Metadata: attemptViews(res.Metadata),
			Ref:      res.Ref,
			RunID:    res.RunID,
		}
	}
	rep := &report{Ref: ref, Metadata: []attemptView{}, Error: &errorView{Message: err.Error()}}
	if e, ok := converge.AsError(err); ok {
		rep.Error.Kind = string(e.Kind)
		rep.Error.Step = e.Step
		for _, v := range e.Violations {
			rep.Error.Violations = append(rep.Error.Violations, v.String())
		}
		rep.Metadata = attemptViews(e.Attempts)
	}
	return rep
}

func attemptViews(attempts []converge.Attempt) []attemptView {
	out := make([]attemptView, len(attempts))
	for i, a := range attempts {
		out[i] = attemptView{
			Step:    a.Step,
			Payload: a.Payload,
			Backend: a.Provenance.Backend,
			Model:   a.Provenance.Model,
			Usage:   usage(a.Provenance.Usage),
			Outcome: outcomeView{Valid: a.Outcome.Valid, Errors: a.Outcome.Errors},
		}
		if out[i].Outcome.Errors == nil {
			out[i].Outcome.Errors = []string{}
		}
	}
	return out
}

func usage(u *model.TokenUsage) *usageView {
	if u == nil {
		return nil
	}
	return &usageView{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
}
