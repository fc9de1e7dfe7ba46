package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/msageha/agentloop/internal/executor"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/resource"
)

// RuleOutcome is the result of the built-in check of a step.
type RuleOutcome string

const (
	RulePass         RuleOutcome = "pass"
	RuleFail         RuleOutcome = "fail"
	RuleInconclusive RuleOutcome = "inconclusive"
)

type Verdict struct {
	Passed     bool        `json:"passed"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason"`
	Rule       RuleOutcome `json:"rule"`
	// Source is "rule" or "oracle".
	Source string `json:"source"`
}

// Verifier decides whether an executed step did what it was meant to do.
// Built-in rules run first; the oracle is consulted only when the rules are
// inconclusive or the step states an expectation in prose.
type Verifier struct {
	oracle    oracle.Oracle
	resources resource.System
	logger    *slog.Logger
}

func NewVerifier(o oracle.Oracle, resources resource.System, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{oracle: o, resources: resources, logger: logger}
}

func (v *Verifier) Verify(ctx context.Context, step *model.Step, res *executor.Result, contextLines []string) (*Verdict, error) {
	outcome, reason := v.rule(ctx, res)
	if outcome == RuleFail {
		return &Verdict{Passed: false, Confidence: 1, Reason: reason, Rule: outcome, Source: "rule"}, nil
	}
	if outcome == RulePass && step.Expect == "" {
		return &Verdict{Passed: true, Confidence: 1, Reason: reason, Rule: outcome, Source: "rule"}, nil
	}

	checked := *step
	checked.Operation = res.Operation
	ov, err := v.oracle.Verify(ctx, oracle.VerifyRequest{Step: &checked, Observed: res.Output, Context: contextLines})
	if err != nil {
		return nil, fmt.Errorf("verify step %s: %w", step.Key, err)
	}
	v.logger.Debug("oracle verdict", "step", step.ID, "passed", ov.Passed, "confidence", ov.Confidence)
	return &Verdict{Passed: ov.Passed, Confidence: ov.Confidence, Reason: ov.Reason, Rule: outcome, Source: "oracle"}, nil
}

func (v *Verifier) rule(ctx context.Context, res *executor.Result) (RuleOutcome, string) {
	op := res.Operation
	out := res.Output
	switch op.Kind {
	case model.OpAccess:
		a := op.Access
		if a.Action == model.AccessNavigate {
			if out["url"] == a.URL {
				return RulePass, "navigated to " + a.URL
			}
			return RuleFail, "navigation not recorded"
		}
		if fmt.Sprint(out["id"]) != a.ResourceID {
			return RuleFail, fmt.Sprintf("selected %v, wanted %s", out["id"], a.ResourceID)
		}
		return RulePass, "selected " + a.ResourceID
	case model.OpObservation:
		if out == nil {
			return RuleFail, "observation returned nothing"
		}
		return RulePass, "observed"
	case model.OpState:
		s := op.State
		switch s.Action {
		case model.StateCreate:
			if out["id"] == nil || out["id"] == "" {
				return RuleFail, "created record has no id"
			}
			if k, ok := mismatch(s.Data, out); ok {
				return RuleFail, fmt.Sprintf("field %q not applied", k)
			}
			return RulePass, fmt.Sprintf("created %s %v", s.ResourceType, out["id"])
		case model.StateUpdate:
			if k, ok := mismatch(s.Data, out); ok {
				return RuleFail, fmt.Sprintf("field %q not applied", k)
			}
			return RulePass, fmt.Sprintf("updated %s %s", s.ResourceType, s.ResourceID)
		case model.StateDelete:
			_, err := v.resources.Get(ctx, s.ResourceType, s.ResourceID)
			switch {
			case errors.Is(err, resource.ErrNotFound):
				return RulePass, fmt.Sprintf("deleted %s %s", s.ResourceType, s.ResourceID)
			case err == nil:
				return RuleFail, fmt.Sprintf("%s %s still readable", s.ResourceType, s.ResourceID)
			default:
				return RuleInconclusive, err.Error()
			}
		}
	}
	return RuleInconclusive, "no rule for " + op.String()
}

// mismatch returns the first requested field whose value differs in got.
// Values are compared by their printed form so numeric types do not matter.
func mismatch(want, got map[string]any) (string, bool) {
	for k, w := range want {
		g, ok := got[k]
		if !ok || fmt.Sprint(g) != fmt.Sprint(w) {
			return k, true
		}
	}
	return "", false
}
