// Package executor runs one declared operation against the resource system,
// recording what it changed so the change can be undone.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/faults"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/resource"
)

// ErrHumanInControl is returned for agent-initiated operations while the
// human holds control of the session.
var ErrHumanInControl = errors.New("human holds control")

// Snapshotter guarantees a durable snapshot exists that precedes the next
// mutation of the session, returning its id.
type Snapshotter interface {
	EnsureBeforeMutation(ctx context.Context, sessionID, stepID string) (string, error)
}

// ChangeLog persists resource changes in the order they were applied.
type ChangeLog interface {
	AppendChange(ctx context.Context, c *model.ResourceChange) error
}

type Request struct {
	SessionID  string
	Plan       *model.Plan
	Step       *model.Step
	Controller model.Controller
	// Holder, when set, reports the live controller and takes precedence
	// over Controller. It is consulted again right before a mutation.
	Holder func() model.Controller
}

func (r Request) holder() model.Controller {
	if r.Holder != nil {
		return r.Holder()
	}
	return r.Controller
}

func humanInControl(op string) error {
	return faults.New(faults.UserDeclined, op, ErrHumanInControl)
}

type Result struct {
	// Operation is the operation as executed, with references resolved.
	Operation  model.Operation
	Output     map[string]any
	Change     *model.ResourceChange
	SnapshotID string
}

type Executor struct {
	resources resource.System
	changes   ChangeLog
	snapshots Snapshotter
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Executor)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

func New(resources resource.System, changes ChangeLog, snapshots Snapshotter, bus *events.Bus, opts ...Option) *Executor {
	e := &Executor{
		resources: resources,
		changes:   changes,
		snapshots: snapshots,
		bus:       bus,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute resolves the step's references and runs its operation. State
// operations run only after a snapshot preceding them is durable.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.holder() == model.ControllerHuman {
		return nil, humanInControl("executor.execute")
	}
	op, err := NewResolver(req.Plan, req.Step).Resolve(req.Step.Operation)
	if err != nil {
		return nil, err
	}
	res, err := e.run(ctx, req, op)
	e.metrics.OperationExecuted(string(op.Kind), op.Action(), err)
	if err != nil {
		e.logger.Warn("operation failed", "session", req.SessionID, "step", req.Step.Key,
			"op", op.String(), "kind", faults.KindOf(err), "error", err)
		return nil, err
	}
	res.Operation = op
	return res, nil
}

func (e *Executor) run(ctx context.Context, req Request, op model.Operation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.New(faults.Fatal, "executor.execute", err)
	}
	switch op.Kind {
	case model.OpAccess:
		return e.access(ctx, op.Access)
	case model.OpObservation:
		return e.observe(ctx, op.Observation)
	case model.OpState:
		snapID, err := e.snapshots.EnsureBeforeMutation(ctx, req.SessionID, req.Step.ID)
		if err != nil {
			return nil, faults.New(faults.Fatal, "executor.snapshot", err)
		}
		if req.holder() == model.ControllerHuman {
			return nil, humanInControl("executor.mutate")
		}
		res, err := e.mutate(ctx, req, op.State)
		if err != nil {
			return nil, err
		}
		res.SnapshotID = snapID
		return res, nil
	}
	return nil, faults.Structuralf("executor.execute", "unknown operation kind %q", op.Kind)
}

func (e *Executor) access(ctx context.Context, a *model.AccessOp) (*Result, error) {
	switch a.Action {
	case model.AccessNavigate:
		out := map[string]any{"url": a.URL}
		if a.ResourceType != "" {
			out["resource_type"] = a.ResourceType
		}
		if a.ResourceID != "" {
			out["id"] = a.ResourceID
		}
		return &Result{Output: out}, nil
	case model.AccessSelect:
		rec, err := e.resources.Get(ctx, a.ResourceType, a.ResourceID)
		if err != nil {
			return nil, classify("executor.select", err)
		}
		return &Result{Output: rec}, nil
	}
	return nil, faults.Structuralf("executor.access", "unknown access action %q", a.Action)
}

func (e *Executor) observe(ctx context.Context, o *model.ObservationOp) (*Result, error) {
	if o.ResourceID != "" {
		rec, err := e.resources.Get(ctx, o.ResourceType, o.ResourceID)
		if err != nil {
			return nil, classify("executor.observe", err)
		}
		return &Result{Output: rec}, nil
	}
	recs, err := e.resources.Query(ctx, o.ResourceType, o.Query)
	if err != nil {
		return nil, classify("executor.observe", err)
	}
	items := make([]any, 0, len(recs))
	for _, r := range recs {
		items = append(items, map[string]any(r))
	}
	return &Result{Output: map[string]any{"items": items, "count": len(items)}}, nil
}

func (e *Executor) mutate(ctx context.Context, req Request, s *model.StateOp) (*Result, error) {
	change := &model.ResourceChange{
		ID:         model.MustGenerateID(model.IDTypeChange),
		SessionID:  req.SessionID,
		StepID:     req.Step.ID,
		Type:       s.ResourceType,
		ResourceID: s.ResourceID,
		At:         e.now(),
	}
	var (
		out       map[string]any
		eventType events.EventType
	)
	switch s.Action {
	case model.StateCreate:
		after, err := e.resources.Create(ctx, s.ResourceType, s.Data)
		if err != nil {
			return nil, classify("executor.create", err)
		}
		change.Kind = model.ChangeCreated
		change.ResourceID = fmt.Sprint(after["id"])
		change.After = after
		out, eventType = after, events.ResourceCreated
	case model.StateUpdate:
		before, after, err := e.resources.Update(ctx, s.ResourceType, s.ResourceID, s.Data)
		if err != nil {
			return nil, classify("executor.update", err)
		}
		change.Kind = model.ChangeModified
		change.Before, change.After = before, after
		out, eventType = after, events.ResourceUpdated
	case model.StateDelete:
		before, err := e.resources.Delete(ctx, s.ResourceType, s.ResourceID)
		if err != nil {
			return nil, classify("executor.delete", err)
		}
		change.Kind = model.ChangeDeleted
		change.Before = before
		out = map[string]any{"id": s.ResourceID, "resource_type": s.ResourceType, "deleted": true}
		eventType = events.ResourceDeleted
	default:
		return nil, faults.Structuralf("executor.mutate", "unknown state action %q", s.Action)
	}

	// The mutation is applied; losing its change record would make it irreversible.
	if err := e.changes.AppendChange(context.WithoutCancel(ctx), change); err != nil {
		return nil, faults.New(faults.Fatal, "executor.record", err)
	}
	e.bus.Publish(req.SessionID, eventType, map[string]any{
		"step_id":       req.Step.ID,
		"change_id":     change.ID,
		"resource_type": change.Type,
		"resource_id":   change.ResourceID,
	})
	return &Result{Output: out, Change: change}, nil
}

// classify maps resource system errors onto failure kinds. A missing target
// means the plan addressed something that is not there.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, resource.ErrConflict):
		return faults.New(faults.Structural, op, err)
	}
	return faults.New(faults.KindOf(err), op, err)
}
