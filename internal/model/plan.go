package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Completer string

const (
	CompletedByAgent Completer = "agent"
	CompletedByHuman Completer = "human"
)

// Plan is an ordered list of steps toward a goal. The step list is never
// rewritten after generation; replanning produces a new Plan.
type Plan struct {
	ID           string     `json:"id" yaml:"id"`
	SessionID    string     `json:"session_id" yaml:"session_id"`
	Goal         string     `json:"goal" yaml:"goal"`
	Steps        []*Step    `json:"steps" yaml:"steps"`
	Status       PlanStatus `json:"status" yaml:"status"`
	Version      int        `json:"version" yaml:"version"`
	ParentPlanID string     `json:"parent_plan_id,omitempty" yaml:"parent_plan_id,omitempty"`
	Warnings     []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" yaml:"updated_at"`
}

type Step struct {
	ID string `json:"id" yaml:"id"`
	// Key is the plan-local name used by dependencies and variable references.
	Key         string         `json:"key" yaml:"key"`
	Order       int            `json:"order" yaml:"order"`
	Label       string         `json:"label" yaml:"label"`
	Operation   Operation      `json:"operation" yaml:"operation"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      StepStatus     `json:"status" yaml:"status"`
	CompletedBy Completer      `json:"completed_by,omitempty" yaml:"completed_by,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Checkpoint  string         `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Result      map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	// Required steps cannot be skipped without the plan being reported as such.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
	// LooseOrdering gives the step zero ordering weight: completing it out of
	// order is not a deviation.
	LooseOrdering bool   `json:"loose_ordering,omitempty" yaml:"loose_ordering,omitempty"`
	Expect        string `json:"expect,omitempty" yaml:"expect,omitempty"`
	Attempts      int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	FailureReason string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
}

// StepByID finds a step by its id or its key.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id || (s.Key != "" && s.Key == id) {
			return s
		}
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of s is completed or skipped.
// Unknown dependency ids count as unsatisfied.
func (p *Plan) DependenciesSatisfied(s *Step) bool {
	for _, dep := range s.DependsOn {
		d := p.StepByID(dep)
		if d == nil || !IsStepSatisfied(d.Status) {
			return false
		}
	}
	return true
}

// NextRunnable returns the lowest-order step that is pending (or awaiting
// confirmation) and whose dependencies are satisfied.
func (p *Plan) NextRunnable() *Step {
	var best *Step
	for _, s := range p.Steps {
		if s.Status != StepPending && s.Status != StepWaitingConfirmation {
			continue
		}
		if !p.DependenciesSatisfied(s) {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

// NextPending returns the lowest-order pending step regardless of dependencies.
func (p *Plan) NextPending() *Step {
	var best *Step
	for _, s := range p.Steps {
		if s.Status != StepPending && s.Status != StepWaitingConfirmation {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

// Progress returns the number of satisfied steps and the total.
func (p *Plan) Progress() (done, total int) {
	for _, s := range p.Steps {
		if s.Status == StepReplanned {
			continue
		}
		total++
		if IsStepSatisfied(s.Status) {
			done++
		}
	}
	return done, total
}

// AllSettled reports whether no step remains pending, in progress or failed.
func (p *Plan) AllSettled() bool {
	for _, s := range p.Steps {
		if !IsStepTerminal(s.Status) {
			return false
		}
	}
	return true
}

// SkippedRequired lists required steps that ended skipped.
func (p *Plan) SkippedRequired() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Required && s.Status == StepSkipped {
			out = append(out, s)
		}
	}
	return out
}

// TransitionStep moves a step to a new status after validating the transition.
// Moving into in_progress also enforces the dependency invariant.
func (p *Plan) TransitionStep(id string, to StepStatus, now time.Time) error {
	s := p.StepByID(id)
	if s == nil {
		return fmt.Errorf("step %s not found in plan %s", id, p.ID)
	}
	if err := ValidateStepTransition(s.Status, to); err != nil {
		return fmt.Errorf("step %s: %w", id, err)
	}
	if to == StepInProgress && !p.DependenciesSatisfied(s) {
		return fmt.Errorf("step %s: %w", id, ErrDependencyOrder)
	}
	s.Status = to
	if to == StepCompleted {
		t := now
		s.CompletedAt = &t
	}
	p.UpdatedAt = now
	return nil
}

// Clone returns a deep copy. Snapshots and persisted records hold clones so the
// live plan can keep moving.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("clone plan %s: %v", p.ID, err))
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone plan %s: %v", p.ID, err))
	}
	return &out
}
