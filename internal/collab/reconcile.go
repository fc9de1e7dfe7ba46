package collab

import (
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/msageha/agentloop/internal/model"
)

// ReconciledPlan summarises the plan after human actions were folded in.
type ReconciledPlan struct {
	Plan *model.Plan
	// Matched maps action ids to the step each action completed.
	Matched map[string]string
	// NewlyMatched is the part of Matched attributed by this reconciliation.
	NewlyMatched    map[string]string
	NewlyCompleted  []string
	ProgressPercent int
	CompletedBy     map[model.Completer]int
	Pending         int
	NextPendingStep *model.Step
}

// Reconciler marks plan steps the human performed as completed by human.
type Reconciler struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger, now: time.Now}
}

// Reconcile matches actions against pending steps in plan and completes the
// matched steps in place. Actions already attributed to a step are not
// matched again, and their MatchedStepID is set for newly matched ones.
func (r *Reconciler) Reconcile(plan *model.Plan, actions []*model.TrackedAction) *ReconciledPlan {
	out := &ReconciledPlan{
		Plan:        plan,
		Matched:      make(map[string]string),
		NewlyMatched: make(map[string]string),
		CompletedBy:  make(map[model.Completer]int),
	}
	for _, a := range chronological(actions) {
		if a.MatchedStepID != "" {
			out.Matched[a.ID] = a.MatchedStepID
			continue
		}
		s := firstMatch(plan, a)
		if s == nil {
			continue
		}
		if err := plan.TransitionStep(s.ID, model.StepCompleted, r.now()); err != nil {
			r.logger.Warn("reconcile transition rejected", "plan", plan.ID, "step", s.ID, "error", err)
			continue
		}
		s.CompletedBy = model.CompletedByHuman
		a.MatchedStepID = s.ID
		out.Matched[a.ID] = s.ID
		out.NewlyMatched[a.ID] = s.ID
		out.NewlyCompleted = append(out.NewlyCompleted, s.ID)
		r.logger.Info("step reconciled", "plan", plan.ID, "step", s.ID, "action", a.ID)
	}

	done, total := plan.Progress()
	if total > 0 {
		out.ProgressPercent = int(math.Round(100 * float64(done) / float64(total)))
	}
	for _, s := range plan.Steps {
		switch {
		case s.Status == model.StepCompleted && s.CompletedBy != "":
			out.CompletedBy[s.CompletedBy]++
		case s.Status == model.StepCompleted:
			out.CompletedBy[model.CompletedByAgent]++
		case s.Status == model.StepPending || s.Status == model.StepWaitingConfirmation:
			out.Pending++
		}
	}
	out.NextPendingStep = plan.NextPending()
	return out
}

func chronological(actions []*model.TrackedAction) []*model.TrackedAction {
	out := slices.Clone(actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// firstMatch returns the lowest-order open step the action performs.
func firstMatch(plan *model.Plan, a *model.TrackedAction) *model.Step {
	var best *model.Step
	for _, s := range plan.Steps {
		if s.Status != model.StepPending && s.Status != model.StepWaitingConfirmation {
			continue
		}
		if !performs(a, s) {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

var (
	createWords = []string{"create", "new", "add", "save"}
	updateWords = []string{"edit", "update", "save", "apply", "rename"}
	deleteWords = []string{"delete", "remove", "trash", "discard"}
)

// performs reports whether action a carries out step s.
func performs(a *model.TrackedAction, s *model.Step) bool {
	op := s.Operation
	switch op.Kind {
	case model.OpAccess:
		switch op.Access.Action {
		case model.AccessNavigate:
			return a.Kind == model.ActionNavigate && a.Target.URL != "" &&
				normalizePath(a.Target.URL) == normalizePath(op.Access.URL)
		case model.AccessSelect:
			return selects(a) && sameType(a, op.Access.ResourceType) &&
				a.Target.ResourceID != "" && a.Target.ResourceID == op.Access.ResourceID
		}
	case model.OpState:
		st := op.State
		if !commits(a) || !sameType(a, st.ResourceType) {
			return false
		}
		switch st.Action {
		case model.StateCreate:
			return labelHas(a, createWords)
		case model.StateUpdate:
			return labelHas(a, updateWords) && sameID(a, st.ResourceID)
		case model.StateDelete:
			return labelHas(a, deleteWords) && sameID(a, st.ResourceID)
		}
	}
	return false
}

func selects(a *model.TrackedAction) bool {
	return a.Kind == model.ActionSelect || a.Kind == model.ActionClick
}

func commits(a *model.TrackedAction) bool {
	return a.Kind == model.ActionClick || a.Kind == model.ActionSubmit
}

// sameType accepts an action whose resource type is unknown when its label
// names the type.
func sameType(a *model.TrackedAction, typ string) bool {
	if typ == "" {
		return true
	}
	if a.Target.ResourceType != "" {
		return strings.EqualFold(a.Target.ResourceType, typ)
	}
	return strings.Contains(strings.ToLower(a.Target.Label), strings.ToLower(typ))
}

// sameID matches literal ids exactly. A step whose id is still a variable
// reference matches on type alone.
func sameID(a *model.TrackedAction, id string) bool {
	if id == "" || strings.HasPrefix(id, "$") {
		return true
	}
	return a.Target.ResourceID == id
}

func labelHas(a *model.TrackedAction, words []string) bool {
	label := strings.ToLower(a.Target.Label)
	for _, w := range words {
		if strings.Contains(label, w) {
			return true
		}
	}
	return false
}
