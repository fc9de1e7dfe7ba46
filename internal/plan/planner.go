// Package plan turns oracle proposals into validated, ordered plans and
// produces replacement plans when the current one cannot continue.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/agentloop/internal/faults"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
)

// ValidateProposal checks a proposal before any step is created: unique keys,
// valid operations, known acyclic dependencies, and variable references that
// only point at earlier steps.
func ValidateProposal(resp *oracle.PlanResponse) error {
	ve := &ValidationErrors{}
	if resp == nil || len(resp.Steps) == 0 {
		ve.Add("steps", "plan must contain at least one step")
		return ve
	}

	index := make(map[string]int, len(resp.Steps))
	for i, st := range resp.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		switch {
		case st.Key == "":
			ve.Add(path+".key", "must not be empty")
		case st.Key == model.PrevRef:
			ve.Addf(path+".key", "%q is reserved", model.PrevRef)
		default:
			if prev, dup := index[st.Key]; dup {
				ve.Addf(path+".key", "duplicate key %q (also steps[%d])", st.Key, prev)
			} else {
				index[st.Key] = i
			}
		}
		if err := st.Operation.Validate(); err != nil {
			ve.Add(path+".operation", err.Error())
		}
	}

	keys := make([]string, 0, len(resp.Steps))
	deps := make(map[string][]string, len(resp.Steps))
	for i, st := range resp.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		for _, dep := range st.DependsOn {
			switch {
			case dep == st.Key:
				ve.Addf(path+".depends_on", "step %q depends on itself", st.Key)
			default:
				if _, ok := index[dep]; !ok {
					ve.Addf(path+".depends_on", "unknown step %q", dep)
				}
			}
		}

		refs, err := st.Operation.References()
		if err != nil {
			ve.Add(path+".operation", err.Error())
		}
		for _, ref := range refs {
			if ref.Step == model.PrevRef {
				if i == 0 {
					ve.Addf(path+".operation", "%s used on the first step", ref.Raw)
				}
				continue
			}
			j, ok := index[ref.Step]
			if !ok {
				ve.Addf(path+".operation", "%s refers to unknown step %q", ref.Raw, ref.Step)
			} else if j >= i {
				ve.Addf(path+".operation", "%s refers to a step that does not run earlier", ref.Raw)
			}
		}

		if st.Key != "" && index[st.Key] == i {
			keys = append(keys, st.Key)
			deps[st.Key] = st.DependsOn
		}
	}
	if ve.HasErrors() {
		return ve
	}
	if _, err := OrderSteps(keys, deps); err != nil {
		ve.Add("steps.depends_on", err.Error())
	}
	return ve.OrErr()
}

// Planner asks the oracle for plans and converts valid proposals into model plans.
type Planner struct {
	oracle oracle.Oracle
	logger *slog.Logger
	now    func() time.Time
}

func NewPlanner(o oracle.Oracle, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{oracle: o, logger: logger, now: time.Now}
}

// Generate produces version 1 of a plan for goal.
func (p *Planner) Generate(ctx context.Context, sessionID, goal string, contextLines []string) (*model.Plan, error) {
	resp, err := p.oracle.Plan(ctx, oracle.PlanRequest{Goal: goal, Context: contextLines})
	if err != nil {
		return nil, err
	}
	pl, err := p.build(sessionID, goal, resp)
	if err != nil {
		return nil, err
	}
	pl.Version = 1
	p.logger.Info("plan generated", "session", sessionID, "plan", pl.ID, "steps", len(pl.Steps))
	return pl, nil
}

// Replan asks for a replacement of old. On success old is marked replanned
// along with every step that had not reached a terminal status; completed and
// skipped steps keep their history. On failure old is left untouched.
func (p *Planner) Replan(ctx context.Context, old *model.Plan, reason string, contextLines []string) (*model.Plan, error) {
	if old == nil {
		return nil, errors.New("replan: no current plan")
	}
	resp, err := p.oracle.Plan(ctx, oracle.PlanRequest{
		Goal:     old.Goal,
		Context:  contextLines,
		Previous: old.Clone(),
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}
	next, err := p.build(old.SessionID, old.Goal, resp)
	if err != nil {
		return nil, err
	}
	next.Version = old.Version + 1
	next.ParentPlanID = old.ID

	now := p.now()
	for _, s := range old.Steps {
		if !model.IsStepTerminal(s.Status) {
			s.Status = model.StepReplanned
		}
	}
	old.Status = model.PlanReplanned
	old.UpdatedAt = now

	p.logger.Info("plan replaced", "session", old.SessionID, "old_plan", old.ID, "plan", next.ID,
		"version", next.Version, "reason", reason)
	return next, nil
}

func (p *Planner) build(sessionID, goal string, resp *oracle.PlanResponse) (*model.Plan, error) {
	if err := ValidateProposal(resp); err != nil {
		var ve *ValidationErrors
		if errors.As(err, &ve) {
			err = &PlanValidationError{Goal: goal, Errors: ve}
		}
		return nil, faults.New(faults.Structural, "plan.validate", err)
	}

	keys := make([]string, 0, len(resp.Steps))
	deps := make(map[string][]string, len(resp.Steps))
	for _, st := range resp.Steps {
		keys = append(keys, st.Key)
		deps[st.Key] = st.DependsOn
	}
	ordered, err := OrderSteps(keys, deps)
	if err != nil {
		return nil, faults.New(faults.Structural, "plan.order", err)
	}
	position := make(map[string]int, len(ordered))
	for i, k := range ordered {
		position[k] = i
	}

	now := p.now()
	pl := &model.Plan{
		ID:        model.MustGenerateID(model.IDTypePlan),
		SessionID: sessionID,
		Goal:      goal,
		Status:    model.PlanActive,
		Warnings:  append([]string(nil), resp.Warnings...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, st := range resp.Steps {
		label := st.Label
		if label == "" {
			label = st.Operation.String()
		}
		pl.Steps = append(pl.Steps, &model.Step{
			ID:            model.MustGenerateID(model.IDTypeStep),
			Key:           st.Key,
			Order:         position[st.Key],
			Label:         label,
			Operation:     st.Operation.Clone(),
			DependsOn:     append([]string(nil), st.DependsOn...),
			Status:        model.StepPending,
			Required:      st.Required,
			LooseOrdering: st.LooseOrdering,
			Expect:        st.Expect,
		})
	}
	return pl, nil
}
