package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/agentloop/internal/checkpoint"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
)

var (
	// ErrBlockingDeviation refuses a handback while the plan and the human's
	// actions are incompatible.
	ErrBlockingDeviation = errors.New("handback refused: blocking deviation")
	ErrAlreadyHolding    = errors.New("controller already holds control")
)

// Transfer describes a control change, or the reason one was refused.
type Transfer struct {
	From       model.Controller         `json:"from"`
	To         model.Controller         `json:"to"`
	Reason     string                   `json:"reason,omitempty"`
	Checkpoint *model.PendingCheckpoint `json:"checkpoint,omitempty"`
	Reconciled *ReconciledPlan          `json:"-"`
	Deviation  *Deviation               `json:"deviation,omitempty"`
	At         time.Time                `json:"at"`
}

// Control moves execution authority between agent and human. Takeover is
// gated by the checkpoint queue; handback by reconciliation and deviation
// detection. Callers serialise access to a session.
type Control struct {
	queue      *checkpoint.Queue
	reconciler *Reconciler
	detector   *Detector
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

type ControlOption func(*Control)

func WithMetrics(m *metrics.Metrics) ControlOption { return func(c *Control) { c.metrics = m } }
func WithLogger(l *slog.Logger) ControlOption { return func(c *Control) { c.logger = l } }
func WithClock(now func() time.Time) ControlOption { return func(c *Control) { c.now = now } }

func NewControl(q *checkpoint.Queue, r *Reconciler, d *Detector, bus *events.Bus, opts ...ControlOption) *Control {
	c := &Control{
		queue:      q,
		reconciler: r,
		detector:   d,
		bus:        bus,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Takeover hands control to the human. An open checkpoint of the session is
// resolved as a takeover so its step is left to the human.
func (c *Control) Takeover(ctx context.Context, sess *model.Session, reason string) (*Transfer, error) {
	if sess.Control.Holder == model.ControllerHuman {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyHolding, model.ControllerHuman)
	}
	t := &Transfer{From: holder(sess), To: model.ControllerHuman, Reason: reason, At: c.now()}
	if cp, ok := c.queue.OpenFor(sess.ID); ok {
		resolved, err := c.queue.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondTakeover, Reason: reason})
		if err != nil && !errors.Is(err, checkpoint.ErrResolved) {
			return nil, fmt.Errorf("resolve checkpoint %s: %w", cp.ID, err)
		}
		t.Checkpoint = resolved
	}
	c.apply(sess, t)
	return t, nil
}

// Handback returns control to the agent after folding the human's actions
// into plan. It fails with ErrBlockingDeviation, and leaves the human in
// control, when the deviation is incompatible.
func (c *Control) Handback(ctx context.Context, sess *model.Session, plan *model.Plan, actions []*model.TrackedAction, reason string) (*Transfer, error) {
	if holder(sess) == model.ControllerAgent {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyHolding, model.ControllerAgent)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transfer{From: model.ControllerHuman, To: model.ControllerAgent, Reason: reason, At: c.now()}
	if plan != nil {
		t.Reconciled = c.reconciler.Reconcile(plan, actions)
		t.Deviation = c.detector.Detect(plan, actions)
		c.metrics.DeviationAssessed(string(t.Deviation.Type))
		if t.Deviation.IsBlocking {
			c.logger.Warn("handback refused", "session", sess.ID, "plan", plan.ID, "issues", len(t.Deviation.Issues))
			return t, fmt.Errorf("%w: %d issue(s)", ErrBlockingDeviation, t.Deviation.Count(SeverityError))
		}
	}
	c.apply(sess, t)
	return t, nil
}

func (c *Control) apply(sess *model.Session, t *Transfer) {
	sess.Control = model.ControlState{Holder: t.To, Reason: t.Reason, ChangedAt: t.At}
	sess.UpdatedAt = t.At
	data := map[string]any{"from": string(t.From), "to": string(t.To), "reason": t.Reason}
	if t.Checkpoint != nil {
		data["checkpoint_id"] = t.Checkpoint.ID
	}
	if t.Deviation != nil {
		data["deviation"] = string(t.Deviation.Type)
	}
	c.bus.Publish(sess.ID, events.ControlTransferred, data)
	c.logger.Info("control transferred", "session", sess.ID, "from", t.From, "to", t.To, "reason", t.Reason)
}

func holder(sess *model.Session) model.Controller {
	if sess.Control.Holder == "" {
		return model.ControllerAgent
	}
	return sess.Control.Holder
}
