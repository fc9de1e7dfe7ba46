package executor

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/msageha/agentloop/internal/faults"
	"github.com/msageha/agentloop/internal/model"
)

// ErrUnresolvedReference is returned when a variable reference points at a
// step that has not completed or at a path its result does not contain.
var ErrUnresolvedReference = errors.New("unresolved variable reference")

// Resolver resolves variable references against the results of earlier
// steps in one plan.
type Resolver struct {
	plan    *model.Plan
	current *model.Step
}

func NewResolver(plan *model.Plan, current *model.Step) *Resolver {
	return &Resolver{plan: plan, current: current}
}

// previous returns the step ordered immediately before the current one.
func (r *Resolver) previous() *model.Step {
	var best *model.Step
	for _, s := range r.plan.Steps {
		if s.Status == model.StepReplanned || s.Order >= r.current.Order {
			continue
		}
		if best == nil || s.Order > best.Order {
			best = s
		}
	}
	return best
}

// Value returns the value a reference points at. A bare $step or $prev
// reference yields the whole result.
func (r *Resolver) Value(ref model.Reference) (any, error) {
	var s *model.Step
	if ref.Step == model.PrevRef {
		s = r.previous()
	} else {
		s = r.plan.StepByID(ref.Step)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s: no such step", ErrUnresolvedReference, ref.Raw)
	}
	if s.Status != model.StepCompleted {
		return nil, fmt.Errorf("%w: %s: step %s is %s", ErrUnresolvedReference, ref.Raw, s.Key, s.Status)
	}
	if s.Result == nil {
		return nil, fmt.Errorf("%w: %s: step %s has no result", ErrUnresolvedReference, ref.Raw, s.Key)
	}
	var cur any = s.Result
	for _, seg := range ref.Path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s: no field %q", ErrUnresolvedReference, ref.Raw, seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("%w: %s: bad index %q", ErrUnresolvedReference, ref.Raw, seg)
			}
			cur = v[i]
		default:
			return nil, fmt.Errorf("%w: %s: cannot descend into %T", ErrUnresolvedReference, ref.Raw, cur)
		}
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s: value is null", ErrUnresolvedReference, ref.Raw)
	}
	return cur, nil
}

// Resolve returns a copy of op with every reference substituted. A string
// that is exactly one reference takes the referenced value as is; references
// embedded in longer strings are interpolated.
func (r *Resolver) Resolve(op model.Operation) (model.Operation, error) {
	out, err := op.MapStrings(func(s string) (any, error) {
		ref, exact, err := model.ParseExactReference(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnresolvedReference, err)
		}
		if exact {
			return r.Value(ref)
		}
		return model.ReplaceReferences(s, func(ref model.Reference) (string, error) {
			v, err := r.Value(ref)
			if err != nil {
				return "", err
			}
			return fmt.Sprint(v), nil
		})
	})
	if err != nil {
		return op, faults.New(faults.Structural, "executor.resolve", err)
	}
	if err := out.Validate(); err != nil {
		return op, faults.New(faults.Structural, "executor.resolve", err)
	}
	return out, nil
}
