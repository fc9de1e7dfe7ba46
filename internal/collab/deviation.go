package collab

import (
	"fmt"
	"slices"

	"github.com/msageha/agentloop/internal/model"
)

// DeviationType grades how far the human's actions strayed from the plan.
type DeviationType string

const (
	DeviationNone         DeviationType = "none"
	DeviationMinor        DeviationType = "minor"
	DeviationMajor        DeviationType = "major"
	DeviationIncompatible DeviationType = "incompatible"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type IssueKind string

const (
	IssueResourceMismatch IssueKind = "resource_mismatch"
	IssueRequiredSkipped  IssueKind = "required_step_skipped"
	IssueRequiredBypassed IssueKind = "required_step_bypassed"
	IssueUnplannedAction  IssueKind = "unplanned_action"
	IssueOutOfOrder       IssueKind = "out_of_order"
)

type Issue struct {
	Kind     IssueKind `json:"kind"`
	Severity Severity  `json:"severity"`
	StepID   string    `json:"step_id,omitempty"`
	ActionID string    `json:"action_id,omitempty"`
	Message  string    `json:"message"`
}

type Deviation struct {
	Type        DeviationType `json:"type"`
	Issues      []Issue       `json:"issues,omitempty"`
	IsBlocking  bool          `json:"is_blocking"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// Count returns the number of issues with severity s.
func (d *Deviation) Count(s Severity) int {
	n := 0
	for _, i := range d.Issues {
		if i.Severity == s {
			n++
		}
	}
	return n
}

var suggestions = map[DeviationType][]string{
	DeviationMinor: {
		"review the flagged steps before continuing",
		"continue with the current plan",
	},
	DeviationMajor: {
		"offer replan",
		"review the flagged steps before continuing",
	},
	DeviationIncompatible: {
		"ask to complete required step",
		"offer replan",
		"redirect with a new goal",
	},
}

// Detector classifies the gap between a plan and the human's actions.
type Detector struct {
	minorWarnings int
	majorWarnings int
}

func NewDetector(cfg model.DeviationConfig) *Detector {
	d := &Detector{minorWarnings: cfg.MinorWarnings, majorWarnings: cfg.MajorWarnings}
	if d.minorWarnings <= 0 {
		d.minorWarnings = 1
	}
	if d.majorWarnings < d.minorWarnings {
		d.majorWarnings = max(3, d.minorWarnings)
	}
	return d
}

// Detect inspects plan after reconciliation. Actions the reconciler could
// not attribute to a step are checked for resource mismatches first and
// reported as unplanned otherwise.
func (d *Detector) Detect(plan *model.Plan, actions []*model.TrackedAction) *Deviation {
	var issues []Issue
	for _, a := range chronological(actions) {
		if a.MatchedStepID != "" {
			continue
		}
		if s := expectedStep(plan, a); s != nil {
			_, want := s.Operation.Target()
			issues = append(issues, Issue{
				Kind: IssueResourceMismatch, Severity: SeverityWarning, StepID: s.ID, ActionID: a.ID,
				Message: fmt.Sprintf("step %q expects %s %s, the human acted on %s",
					s.Label, s.Operation.Action(), want, a.Target.ResourceID),
			})
			continue
		}
		issues = append(issues, Issue{
			Kind: IssueUnplannedAction, Severity: SeverityInfo, ActionID: a.ID,
			Message: fmt.Sprintf("%s on %q matches no step", a.Kind, describeTarget(a.Target)),
		})
	}
	issues = append(issues, d.structural(plan)...)
	return d.classify(issues)
}

func (d *Detector) structural(plan *model.Plan) []Issue {
	var issues []Issue
	for _, s := range plan.Steps {
		switch {
		case s.Required && s.Status == model.StepSkipped:
			issues = append(issues, Issue{
				Kind: IssueRequiredSkipped, Severity: SeverityError, StepID: s.ID,
				Message: fmt.Sprintf("required step %q was skipped", s.Label),
			})
		case s.Required && open(s) && dependentCompleted(plan, s):
			issues = append(issues, Issue{
				Kind: IssueRequiredBypassed, Severity: SeverityError, StepID: s.ID,
				Message: fmt.Sprintf("a step depending on required step %q completed before it", s.Label),
			})
		}
		if s.Status == model.StepCompleted && !s.LooseOrdering {
			if prior := earlierOpen(plan, s); prior != nil {
				issues = append(issues, Issue{
					Kind: IssueOutOfOrder, Severity: SeverityWarning, StepID: s.ID,
					Message: fmt.Sprintf("step %q completed before %q", s.Label, prior.Label),
				})
			}
		}
	}
	return issues
}

func (d *Detector) classify(issues []Issue) *Deviation {
	dev := &Deviation{Type: DeviationNone, Issues: issues}
	warnings := dev.Count(SeverityWarning)
	switch {
	case dev.Count(SeverityError) > 0:
		dev.Type = DeviationIncompatible
	case warnings >= d.majorWarnings:
		dev.Type = DeviationMajor
	case warnings >= d.minorWarnings:
		dev.Type = DeviationMinor
	}
	dev.IsBlocking = dev.Type == DeviationIncompatible
	dev.Suggestions = slices.Clone(suggestions[dev.Type])
	return dev
}

func open(s *model.Step) bool {
	return s.Status == model.StepPending || s.Status == model.StepWaitingConfirmation
}

func dependentCompleted(plan *model.Plan, s *model.Step) bool {
	for _, o := range plan.Steps {
		if o.Status != model.StepCompleted {
			continue
		}
		if slices.Contains(o.DependsOn, s.ID) || (s.Key != "" && slices.Contains(o.DependsOn, s.Key)) {
			return true
		}
	}
	return false
}

// earlierOpen returns an ordered step before s that is still open. Steps
// with loose ordering never hold others back.
func earlierOpen(plan *model.Plan, s *model.Step) *model.Step {
	var found *model.Step
	for _, o := range plan.Steps {
		if o.Order >= s.Order || o.LooseOrdering || !open(o) {
			continue
		}
		if found == nil || o.Order < found.Order {
			found = o
		}
	}
	return found
}

// expectedStep finds the open step the action looks like an attempt at: same
// operation shape and resource type, different resource id.
func expectedStep(plan *model.Plan, a *model.TrackedAction) *model.Step {
	if a.Target.ResourceID == "" {
		return nil
	}
	var best *model.Step
	for _, s := range plan.Steps {
		if !open(s) {
			continue
		}
		typ, id := s.Operation.Target()
		if id == "" || id[0] == '$' || id == a.Target.ResourceID {
			continue
		}
		if a.Target.ResourceType != "" && typ != "" && a.Target.ResourceType != typ {
			continue
		}
		if !sameShape(a, s) {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

func sameShape(a *model.TrackedAction, s *model.Step) bool {
	op := s.Operation
	switch {
	case op.Kind == model.OpAccess && op.Access.Action == model.AccessSelect:
		return selects(a)
	case op.Kind == model.OpState && op.State.Action == model.StateUpdate:
		return commits(a) && labelHas(a, updateWords)
	case op.Kind == model.OpState && op.State.Action == model.StateDelete:
		return commits(a) && labelHas(a, deleteWords)
	}
	return false
}

func describeTarget(t model.ActionTarget) string {
	switch {
	case t.Label != "":
		return t.Label
	case t.URL != "":
		return t.URL
	case t.ResourceID != "":
		return t.ResourceType + "/" + t.ResourceID
	}
	return t.ResourceType
}
