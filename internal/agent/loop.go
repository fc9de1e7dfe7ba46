package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/agentloop/internal/checkpoint"
	"github.com/msageha/agentloop/internal/collab"
	"github.com/msageha/agentloop/internal/contextmgr"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/executor"
	"github.com/msageha/agentloop/internal/faults"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/plan"
	"github.com/msageha/agentloop/internal/snapshot"
)

// ReasonRequiredSkipped is reported when a plan settles with a required
// step skipped under the fail policy.
const ReasonRequiredSkipped = "required_step_skipped"

var (
	ErrStepRunning      = errors.New("a step is executing")
	ErrNothingToRecover = errors.New("session has no failure to recover from")
	ErrBadRecovery      = errors.New("recovery option not applicable")
	ErrEmptyGoal        = errors.New("goal must not be empty")
	ErrForeignSnapshot  = errors.New("snapshot belongs to another session")
)

const systemPrompt = "You operate resources on behalf of a human. Plan small verifiable steps and stop when a checkpoint asks for confirmation."

// Loop runs one session. Its goroutine is the only one that executes
// steps; the exported methods are called by the Manager on behalf of the
// human and serialise with the goroutine through mu. mu is never held
// while waiting on a checkpoint, calling the oracle or executing.
type Loop struct {
	deps   *Deps
	cfg    model.SessionConfig
	retry  oracle.RetryPolicy
	logger *slog.Logger
	ctxm   *contextmgr.Manager
	now    func() time.Time

	mu           sync.Mutex
	sess         *model.Session
	plan         *model.Plan
	replans      int
	replanReason string
	stepping     bool
	// holdOnStop parks the session awaiting input when it is next resumed.
	holdOnStop bool

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func newLoop(deps *Deps, sess *model.Session, p *model.Plan) *Loop {
	logger := deps.Logger.With("session", sess.ID)
	opts := []contextmgr.Option{
		contextmgr.WithMetrics(deps.Metrics),
		contextmgr.WithLogger(logger.With("component", "context")),
	}
	if deps.Counter != nil {
		opts = append(opts, contextmgr.WithCounter(deps.Counter))
	}
	return &Loop{
		deps:   deps,
		cfg:    deps.Config.Session,
		retry:  oracle.RetryPolicyFromConfig(deps.Config.Retry),
		logger: logger,
		ctxm:   contextmgr.New(sess.ID, sess.Goal, deps.Config.Context, deps.Oracle, deps.Bus, opts...),
		now:    time.Now,
		sess:   sess,
		plan:   p,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *Loop) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	go l.run(ctx)
}

// signal wakes a parked loop. It never blocks.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stop cancels the loop and waits for its goroutine to park in stopped. A
// held session resumes parked until the human continues it.
func (l *Loop) stop(ctx context.Context, hold bool) error {
	l.mu.Lock()
	l.holdOnStop = hold
	l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns a copy of the session record.
func (l *Loop) Session() *model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := *l.sess
	if l.sess.Failure != nil {
		f := *l.sess.Failure
		s.Failure = &f
	}
	return &s
}

// Plan returns a copy of the current plan, or nil before the first plan.
func (l *Loop) Plan() *model.Plan {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plan.Clone()
}

func (l *Loop) state() model.LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.LoopState
}

func (l *Loop) ContextUsage() contextmgr.Usage { return l.ctxm.Usage() }

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		if ctx.Err() != nil {
			l.halt()
			return
		}
		park, err := l.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.halt()
				return
			}
			l.fatal(err)
			park = true
		}
		if !park {
			continue
		}
		select {
		case <-ctx.Done():
			l.halt()
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) tick(ctx context.Context) (bool, error) {
	l.mu.Lock()
	runnable := l.sess.Control.Holder != model.ControllerHuman && !l.sess.AwaitingInput
	state := l.sess.LoopState
	l.mu.Unlock()
	if !runnable {
		return true, nil
	}
	switch state {
	case model.LoopPlanning:
		return false, l.planPhase(ctx)
	case model.LoopExecuting:
		return l.executePhase(ctx)
	}
	return true, nil
}

func (l *Loop) planPhase(ctx context.Context) error {
	l.mu.Lock()
	old := l.plan
	goal := l.sess.Goal
	reason := l.replanReason
	var replaced *model.Plan
	if old != nil && !model.IsPlanTerminal(old.Status) && old.Goal == goal {
		replaced = old.Clone()
	}
	l.mu.Unlock()

	lines := l.ctxm.Lines()
	var (
		next *model.Plan
		err  error
	)
	if replaced != nil {
		next, err = l.deps.Planner.Replan(ctx, replaced, reason, lines)
	} else {
		next, err = l.deps.Planner.Generate(ctx, l.sess.ID, goal, lines)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		l.logger.Warn("planning failed", "goal", goal, "error", err)
		var pve *plan.PlanValidationError
		if errors.As(err, &pve) {
			l.ctxm.Append(model.LayerWorking, pve.Feedback())
		}
		return l.surfaceLocked(ctx, &model.FailureReport{
			Kind:    string(faults.KindOf(err)),
			Reason:  err.Error(),
			Options: []model.RecoveryOption{model.RecoverReplan},
		})
	}

	if replaced != nil {
		if err := l.deps.Store.SavePlan(ctx, replaced); err != nil {
			return faults.New(faults.Fatal, "agent.persist", err)
		}
		l.replans++
	} else if old != nil {
		next.ParentPlanID = old.ID
	}
	l.plan = next
	l.sess.PlanID = next.ID
	l.replanReason = ""
	l.ctxm.Set(model.LayerSession, planSummary(next)...)
	l.setStateLocked(model.LoopExecuting)
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	data := map[string]any{"plan_id": next.ID, "version": next.Version, "steps": len(next.Steps)}
	if replaced != nil {
		data["reason"] = "replanned"
		data["replaced_plan_id"] = replaced.ID
		l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, data)
	} else {
		data["goal"] = goal
		l.deps.Bus.Publish(l.sess.ID, events.AgentStarted, data)
	}
	l.logger.Info("plan ready", "plan", next.ID, "version", next.Version, "steps", len(next.Steps))
	return nil
}

func planSummary(p *model.Plan) []string {
	out := []string{"goal: " + p.Goal}
	for _, s := range p.Steps {
		out = append(out, fmt.Sprintf("%d. %s [%s]", s.Order, s.Label, s.Operation.String()))
	}
	return out
}

func (l *Loop) executePhase(ctx context.Context) (bool, error) {
	if l.ctxm.NeedsCompaction() {
		if _, err := l.ctxm.Compact(ctx, l.compactionSnapshot); err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			l.logger.Warn("context compaction failed", "error", err)
		}
	}

	l.mu.Lock()
	if l.plan == nil {
		l.setStateLocked(model.LoopPlanning)
		l.mu.Unlock()
		return false, nil
	}
	step := l.plan.NextRunnable()
	if step == nil {
		defer l.mu.Unlock()
		if l.plan.AllSettled() {
			return true, l.completeLocked(ctx)
		}
		return true, l.surfaceLocked(ctx, &model.FailureReport{
			Kind:    string(faults.Structural),
			Reason:  "no runnable step: remaining steps wait on unsatisfied dependencies",
			Options: []model.RecoveryOption{model.RecoverReplan},
		})
	}
	id := step.ID
	l.mu.Unlock()
	return l.runStep(ctx, id)
}

func (l *Loop) compactionSnapshot(ctx context.Context, before *model.ContextState) (string, error) {
	l.mu.Lock()
	c := snapshot.Capture{Session: l.sess.State(), Plan: l.plan.Clone(), Context: before}
	l.mu.Unlock()
	snap, err := l.deps.Snapshots.Create(ctx, l.sess.ID, model.TriggerCompaction, "", c)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

func (l *Loop) captureLocked() snapshot.Capture {
	return snapshot.Capture{Session: l.sess.State(), Plan: l.plan.Clone(), Context: l.ctxm.Export()}
}

// runStep gathers (snapshot, checkpoint) and then acts on one step.
func (l *Loop) runStep(ctx context.Context, stepID string) (bool, error) {
	l.mu.Lock()
	step := l.plan.StepByID(stepID)
	sid := l.sess.ID
	now := l.now()

	var cp *model.PendingCheckpoint
	if step.Status == model.StepWaitingConfirmation {
		if open, ok := l.deps.Queue.Get(step.Checkpoint); ok && open.Status == model.CheckpointOpen {
			cp = open
		} else if err := l.plan.TransitionStep(step.ID, model.StepPending, now); err != nil {
			l.mu.Unlock()
			return false, faults.New(faults.Fatal, "agent.step", err)
		}
	}
	if cp == nil {
		snap, err := l.deps.Snapshots.Create(ctx, sid, model.TriggerStepStart, step.ID, l.captureLocked())
		if err != nil {
			l.mu.Unlock()
			return false, faults.New(faults.Fatal, "agent.snapshot", err)
		}
		l.sess.LastSnapshotID = snap.ID
		l.ctxm.Set(model.LayerInstant, fmt.Sprintf("current step %s: %s", step.Key, step.Operation.String()))

		d := l.deps.Rules.Check(step, l.sess.Mode, riskFor(step))
		if d.Required {
			if err := l.plan.TransitionStep(step.ID, model.StepWaitingConfirmation, now); err != nil {
				l.mu.Unlock()
				return false, faults.New(faults.Fatal, "agent.step", err)
			}
			cp, err = l.deps.Queue.Open(ctx, sid, step, d)
			if err != nil {
				l.mu.Unlock()
				return false, faults.New(faults.Fatal, "agent.checkpoint", err)
			}
			step.Checkpoint = cp.ID
			l.setStateLocked(model.LoopWaiting)
			if err := l.persistLocked(ctx); err != nil {
				l.mu.Unlock()
				return false, err
			}
			l.deps.Bus.Publish(sid, events.AgentWaiting, map[string]any{
				"step_id":       step.ID,
				"checkpoint_id": cp.ID,
				"type":          string(cp.Type),
				"message":       cp.Message,
				"rule":          d.RuleID,
			})
		}
	}
	l.mu.Unlock()

	if cp != nil {
		resolved, err := l.deps.Queue.Wait(ctx, cp.ID)
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			if errors.Is(err, checkpoint.ErrNotFound) {
				// cancelled by a redirect or restore before the wait began
				return true, nil
			}
			return false, faults.New(faults.Fatal, "agent.checkpoint", err)
		}
		proceed, err := l.applyCheckpoint(ctx, stepID, resolved)
		if err != nil || !proceed {
			return true, err
		}
	}
	return l.act(ctx, stepID)
}

// riskFor raises the risk of a step that already failed once.
func riskFor(step *model.Step) checkpoint.RiskContext {
	if step.Attempts > 0 {
		return checkpoint.RiskContext{Level: checkpoint.RiskMedium, Reasons: []string{fmt.Sprintf("attempt %d", step.Attempts+1)}}
	}
	return checkpoint.RiskContext{}
}

// applyCheckpoint folds a resolved checkpoint into the step and reports
// whether the step should run now.
func (l *Loop) applyCheckpoint(ctx context.Context, stepID string, cp *model.PendingCheckpoint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	step := l.plan.StepByID(stepID)
	if step == nil || step.Status != model.StepWaitingConfirmation {
		// the plan moved on (redirect or restore) while the checkpoint was open
		return false, nil
	}
	now := l.now()

	switch cp.Status {
	case model.CheckpointApproved, model.CheckpointModified:
		if cp.Status == model.CheckpointModified && cp.Response != nil {
			op, err := step.Operation.WithParams(cp.Response.Params)
			if err != nil {
				return false, faults.New(faults.Fatal, "agent.checkpoint", err)
			}
			step.Operation = op
		}
		snap, err := l.deps.Snapshots.Create(ctx, l.sess.ID, model.TriggerCheckpointApproved, step.ID, l.captureLocked())
		if err != nil {
			return false, faults.New(faults.Fatal, "agent.snapshot", err)
		}
		l.sess.LastSnapshotID = snap.ID
		l.setStateLocked(model.LoopExecuting)
		return true, l.persistLocked(ctx)

	case model.CheckpointTakenOver:
		if err := l.plan.TransitionStep(step.ID, model.StepPending, now); err != nil {
			return false, faults.New(faults.Fatal, "agent.step", err)
		}
		if l.sess.Control.Holder != model.ControllerHuman {
			if _, err := l.deps.Control.Takeover(ctx, l.sess, "checkpoint takeover"); err != nil {
				l.logger.Warn("takeover after checkpoint", "error", err)
			}
		}
		l.setStateLocked(model.LoopWaiting)
		return false, l.persistLocked(ctx)

	case model.CheckpointRejected, model.CheckpointExpired:
		reason := "rejected"
		if cp.Response != nil && cp.Response.Reason != "" {
			reason = cp.Response.Reason
		}
		if err := l.plan.TransitionStep(step.ID, model.StepSkipped, now); err != nil {
			return false, faults.New(faults.Fatal, "agent.step", err)
		}
		step.FailureReason = reason
		l.sess.AwaitingInput = true
		l.setStateLocked(model.LoopWaiting)
		l.deps.Metrics.StepFinished(string(model.StepSkipped))
		l.ctxm.Append(model.LayerWorking, fmt.Sprintf("step %s skipped: %s", step.Key, reason))
		if err := l.persistLocked(ctx); err != nil {
			return false, err
		}
		l.deps.Bus.Publish(l.sess.ID, events.AgentPaused, map[string]any{
			"reason":         "checkpoint_" + string(cp.Status),
			"detail":         reason,
			"step_id":        step.ID,
			"checkpoint_id":  cp.ID,
			"awaiting_input": true,
		})
		return false, nil
	}
	// cancelled: whoever cancelled has already moved the session on
	return false, nil
}

// holder reads the live controller. A takeover can land between retry
// attempts of a step, so the executor asks again before each one.
func (l *Loop) holder() model.Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.Control.Holder
}

// act executes and verifies one step.
func (l *Loop) act(ctx context.Context, stepID string) (bool, error) {
	l.mu.Lock()
	if l.sess.Control.Holder == model.ControllerHuman {
		l.mu.Unlock()
		return true, nil
	}
	step := l.plan.StepByID(stepID)
	if err := l.plan.TransitionStep(step.ID, model.StepInProgress, l.now()); err != nil {
		l.mu.Unlock()
		return false, faults.New(faults.Fatal, "agent.step", err)
	}
	step.Attempts++
	l.setStateLocked(model.LoopExecuting)
	if err := l.persistLocked(ctx); err != nil {
		l.mu.Unlock()
		return false, err
	}
	view := l.plan.Clone()
	key := step.Key
	sid := l.sess.ID
	l.stepping = true
	l.mu.Unlock()

	var res *executor.Result
	err := l.retry.Do(ctx, l.logger, "step "+key, func(ctx context.Context) error {
		var err error
		res, err = l.deps.Executor.Execute(ctx, executor.Request{
			SessionID:  sid,
			Plan:       view,
			Step:       view.StepByID(stepID),
			Controller: model.ControllerAgent,
			Holder:     l.holder,
		})
		return err
	})
	var verdict *Verdict
	if err == nil {
		verdict, err = l.deps.Verifier.Verify(ctx, view.StepByID(stepID), res, l.ctxm.Lines())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stepping = false
	return l.settleLocked(ctx, stepID, res, verdict, err)
}

func (l *Loop) settleLocked(ctx context.Context, stepID string, res *executor.Result, verdict *Verdict, err error) (bool, error) {
	step := l.plan.StepByID(stepID)
	now := l.now()
	if err != nil {
		if ctx.Err() != nil {
			// left in progress; resume rolls it back
			return false, err
		}
		switch kind := faults.KindOf(err); kind {
		case faults.UserDeclined:
			if terr := l.plan.TransitionStep(step.ID, model.StepPending, now); terr != nil {
				return false, faults.New(faults.Fatal, "agent.step", terr)
			}
			return true, l.persistLocked(ctx)
		case faults.Fatal:
			return false, err
		default:
			return l.failStepLocked(ctx, step, kind, err.Error())
		}
	}

	step.Result = res.Output
	if !verdict.Passed {
		l.logger.Warn("verification failed", "step", step.ID, "source", verdict.Source, "reason", verdict.Reason)
		return l.failStepLocked(ctx, step, faults.Data, "verification failed: "+verdict.Reason)
	}
	if terr := l.plan.TransitionStep(step.ID, model.StepCompleted, now); terr != nil {
		return false, faults.New(faults.Fatal, "agent.step", terr)
	}
	step.CompletedBy = model.CompletedByAgent
	step.FailureReason = ""
	l.deps.Metrics.StepFinished(string(model.StepCompleted))
	l.ctxm.Append(model.LayerWorking, fmt.Sprintf("step %s done: %s", step.Key, describeOutput(res.Output)))
	if err := l.persistLocked(ctx); err != nil {
		return false, err
	}
	done, total := l.plan.Progress()
	l.deps.Bus.Publish(l.sess.ID, events.AgentStepCompleted, map[string]any{
		"step_id":          step.ID,
		"key":              step.Key,
		"completed_by":     string(model.CompletedByAgent),
		"progress_percent": percent(done, total),
		"snapshot_id":      res.SnapshotID,
		"verified_by":      verdict.Source,
	})
	return false, nil
}

func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return (done*100 + total/2) / total
}

func describeOutput(out map[string]any) string {
	if len(out) == 0 {
		return "no output"
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, out[k]))
	}
	s := strings.Join(parts, " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// failStepLocked routes a failed step. Structural failures are replanned
// while the budget lasts; everything else is rolled back to the step's
// snapshot and surfaced to the human.
func (l *Loop) failStepLocked(ctx context.Context, step *model.Step, kind faults.Kind, reason string) (bool, error) {
	if err := l.plan.TransitionStep(step.ID, model.StepFailed, l.now()); err != nil {
		return false, faults.New(faults.Fatal, "agent.step", err)
	}
	step.FailureReason = reason
	l.deps.Metrics.StepFinished(string(model.StepFailed))
	l.ctxm.Append(model.LayerWorking, fmt.Sprintf("step %s failed (%s): %s", step.Key, kind, reason))

	if kind == faults.Structural && l.replans < l.cfg.MaxReplans {
		l.logger.Info("replanning after structural failure", "step", step.ID, "reason", reason, "replans", l.replans)
		l.replanReason = fmt.Sprintf("step %s failed: %s", step.Key, reason)
		l.setStateLocked(model.LoopPlanning)
		return false, l.persistLocked(ctx)
	}

	report := &model.FailureReport{
		StepID:  step.ID,
		Kind:    string(kind),
		Reason:  reason,
		Options: []model.RecoveryOption{model.RecoverSkip, model.RecoverReplan, model.RecoverRetryModified, model.RecoverRollback},
	}
	if kind != faults.Structural && l.sess.LastSnapshotID != "" {
		report.SnapshotID = l.sess.LastSnapshotID
		res, err := l.deps.Snapshots.Restore(context.WithoutCancel(ctx), l.sess.LastSnapshotID)
		if err != nil {
			l.logger.Error("rollback failed", "snapshot", l.sess.LastSnapshotID, "error", err)
			report.Reason += "; rollback failed: " + err.Error()
		} else if failed := res.Failed(); len(failed) > 0 {
			report.Reason += fmt.Sprintf("; rollback incomplete for %d resource(s)", len(failed))
		}
	}
	return true, l.surfaceLocked(ctx, report)
}

// surfaceLocked parks the session until the human picks a recovery option.
func (l *Loop) surfaceLocked(ctx context.Context, report *model.FailureReport) error {
	l.sess.Failure = report
	l.sess.AwaitingInput = true
	l.setStateLocked(model.LoopWaiting)
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentFailed, failureData(report))
	return nil
}

func failureData(r *model.FailureReport) map[string]any {
	opts := make([]string, len(r.Options))
	for i, o := range r.Options {
		opts[i] = string(o)
	}
	data := map[string]any{"kind": r.Kind, "reason": r.Reason, "options": opts}
	if r.StepID != "" {
		data["step_id"] = r.StepID
	}
	if r.SnapshotID != "" {
		data["snapshot_id"] = r.SnapshotID
	}
	return data
}

// completeLocked settles a plan whose steps are all terminal.
func (l *Loop) completeLocked(ctx context.Context) error {
	done, total := l.plan.Progress()
	if skipped := l.plan.SkippedRequired(); len(skipped) > 0 && l.cfg.SkippedRequired == model.SkippedRequiredFail {
		ids := make([]string, len(skipped))
		for i, s := range skipped {
			ids[i] = s.ID
		}
		l.setPlanStatusLocked(model.PlanFailed)
		l.sess.Failure = &model.FailureReport{
			StepID:  skipped[0].ID,
			Kind:    "policy",
			Reason:  ReasonRequiredSkipped,
			Options: []model.RecoveryOption{model.RecoverReplan},
		}
		l.setStateLocked(model.LoopFailed)
		if err := l.persistLocked(ctx); err != nil {
			return err
		}
		data := failureData(l.sess.Failure)
		data["steps"] = ids
		data["progress_percent"] = percent(done, total)
		l.deps.Bus.Publish(l.sess.ID, events.AgentFailed, data)
		l.logger.Warn("plan settled with skipped required steps", "plan", l.plan.ID, "steps", ids)
		return nil
	}

	l.setPlanStatusLocked(model.PlanCompleted)
	l.sess.Failure = nil
	l.setStateLocked(model.LoopCompleted)
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	byHuman := 0
	for _, s := range l.plan.Steps {
		if s.CompletedBy == model.CompletedByHuman {
			byHuman++
		}
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentCompleted, map[string]any{
		"plan_id":            l.plan.ID,
		"progress_percent":   percent(done, total),
		"completed_by_human": byHuman,
		"skipped_required":   len(l.plan.SkippedRequired()),
	})
	l.logger.Info("plan completed", "plan", l.plan.ID, "done", done, "total", total)
	return nil
}

// fatal fails the session. Other sessions are unaffected.
func (l *Loop) fatal(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stepping = false
	l.logger.Error("session failed", "error", err)
	l.sess.Failure = &model.FailureReport{
		Kind:    string(faults.Fatal),
		Reason:  err.Error(),
		Options: []model.RecoveryOption{model.RecoverReplan, model.RecoverRollback},
	}
	if l.plan != nil {
		if s := l.inProgressLocked(); s != nil {
			l.sess.Failure.StepID = s.ID
			l.sess.Failure.SnapshotID = l.sess.LastSnapshotID
		}
		l.setPlanStatusLocked(model.PlanFailed)
	}
	l.setStateLocked(model.LoopFailed)
	if perr := l.persistLocked(context.Background()); perr != nil {
		l.logger.Error("persist failed session", "error", perr)
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentFailed, failureData(l.sess.Failure))
}

func (l *Loop) inProgressLocked() *model.Step {
	for _, s := range l.plan.Steps {
		if s.Status == model.StepInProgress {
			return s
		}
	}
	return nil
}

// halt parks the session in stopped after its context ended.
func (l *Loop) halt() {
	ctx := context.Background()
	l.deps.Queue.Cancel(ctx, l.sess.ID, "session stopped")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stepping = false
	if l.plan != nil {
		for _, s := range l.plan.Steps {
			if s.Status == model.StepWaitingConfirmation {
				_ = l.plan.TransitionStep(s.ID, model.StepPending, l.now())
			}
		}
		if l.plan.Status == model.PlanActive {
			l.setPlanStatusLocked(model.PlanStopped)
		}
	}
	if !l.setStateLocked(model.LoopStopped) {
		return
	}
	if l.holdOnStop {
		l.sess.AwaitingInput = true
	}
	if err := l.persistLocked(ctx); err != nil {
		l.logger.Error("persist stopped session", "error", err)
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentPaused, map[string]any{"reason": "stopped"})
	l.logger.Info("session stopped")
}

func (l *Loop) setStateLocked(to model.LoopState) bool {
	from := l.sess.LoopState
	if err := model.ValidateLoopTransition(from, to); err != nil {
		l.logger.Debug("loop transition refused", "from", from, "to", to)
		return false
	}
	l.sess.LoopState = to
	l.sess.UpdatedAt = l.now()
	return true
}

func (l *Loop) setPlanStatusLocked(to model.PlanStatus) {
	if l.plan.Status == to {
		return
	}
	if err := model.ValidatePlanTransition(l.plan.Status, to); err != nil {
		l.logger.Debug("plan transition refused", "plan", l.plan.ID, "from", l.plan.Status, "to", to)
		return
	}
	l.plan.Status = to
	l.plan.UpdatedAt = l.now()
}

// persistLocked writes the session and its current plan. Losing the store
// is fatal to the session.
func (l *Loop) persistLocked(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if l.plan != nil {
		if err := l.deps.Store.SavePlan(ctx, l.plan); err != nil {
			return faults.New(faults.Fatal, "agent.persist", err)
		}
	}
	if err := l.deps.Store.SaveSession(ctx, l.sess); err != nil {
		return faults.New(faults.Fatal, "agent.persist", err)
	}
	return nil
}

// Takeover hands control to the human. An open checkpoint is resolved as a
// takeover and its step is left pending for the human to perform.
func (l *Loop) Takeover(ctx context.Context, reason string) (*collab.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.deps.Control.Takeover(ctx, l.sess, reason)
	if err != nil {
		return nil, err
	}
	if l.sess.LoopState == model.LoopExecuting || l.sess.LoopState == model.LoopPlanning {
		l.setStateLocked(model.LoopWaiting)
	}
	if err := l.persistLocked(ctx); err != nil {
		return t, err
	}
	data := map[string]any{"reason": "takeover", "detail": reason}
	if t.Checkpoint != nil {
		data["checkpoint_id"] = t.Checkpoint.ID
		data["step_id"] = t.Checkpoint.StepID
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentPaused, data)
	return t, nil
}

// Handback returns control to the agent once the human's actions since the
// takeover reconcile with the plan. A blocking deviation keeps the human in
// control and is returned with the transfer.
func (l *Loop) Handback(ctx context.Context, reason string) (*collab.Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	actions, err := l.deps.Tracker.Actions(ctx, l.sess.ID, l.sess.Control.ChangedAt)
	if err != nil {
		return nil, err
	}
	t, err := l.deps.Control.Handback(ctx, l.sess, l.plan, actions, reason)
	if t != nil && t.Reconciled != nil {
		for _, id := range t.Reconciled.NewlyCompleted {
			if s := l.plan.StepByID(id); s != nil {
				l.ctxm.Append(model.LayerWorking, fmt.Sprintf("step %s done by human", s.Key))
			}
		}
		if merr := l.deps.Tracker.SaveMatches(context.WithoutCancel(ctx), actions, t.Reconciled.NewlyMatched); merr != nil {
			return t, faults.New(faults.Fatal, "agent.persist", merr)
		}
	}
	if perr := l.persistLocked(ctx); perr != nil {
		return t, perr
	}
	if err != nil {
		return t, err
	}

	if l.sess.Failure == nil {
		l.sess.AwaitingInput = false
	}
	if l.plan == nil {
		l.setStateLocked(model.LoopPlanning)
	} else if !model.IsPlanTerminal(l.plan.Status) {
		l.setStateLocked(model.LoopExecuting)
	}
	if err := l.persistLocked(ctx); err != nil {
		return t, err
	}
	data := map[string]any{"reason": "handback", "detail": reason}
	if t.Reconciled != nil {
		data["progress_percent"] = t.Reconciled.ProgressPercent
		data["newly_completed"] = t.Reconciled.NewlyCompleted
	}
	if t.Deviation != nil {
		data["deviation"] = string(t.Deviation.Type)
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, data)
	l.signal()
	return t, nil
}

// RecordAction tracks a human action. It returns false when the action was
// ignored because the agent holds control or the agent's own UI produced it.
func (l *Loop) RecordAction(ctx context.Context, a model.TrackedAction) (*model.TrackedAction, bool, error) {
	l.mu.Lock()
	holder := l.sess.Control.Holder
	a.SessionID = l.sess.ID
	l.mu.Unlock()
	return l.deps.Tracker.Record(ctx, holder, a)
}

// Redirect replaces the goal. The current plan is retired and a fresh one
// is generated on the next tick.
func (l *Loop) Redirect(ctx context.Context, goal string) error {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return ErrEmptyGoal
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stepping {
		return ErrStepRunning
	}
	l.deps.Queue.Cancel(ctx, l.sess.ID, "redirected")
	now := l.now()
	if l.plan != nil {
		for _, s := range l.plan.Steps {
			if !model.IsStepTerminal(s.Status) {
				s.Status = model.StepReplanned
			}
		}
		l.setPlanStatusLocked(model.PlanReplanned)
		if err := l.deps.Store.SavePlan(context.WithoutCancel(ctx), l.plan); err != nil {
			return faults.New(faults.Fatal, "agent.persist", err)
		}
	}
	if !l.setStateLocked(model.LoopPlanning) {
		return fmt.Errorf("cannot redirect a session in state %s", l.sess.LoopState)
	}
	prev := l.sess.Goal
	l.sess.Goal = goal
	l.sess.Failure = nil
	l.sess.AwaitingInput = false
	l.sess.UpdatedAt = now
	l.replans = 0
	l.replanReason = ""
	l.ctxm.SetGoal(goal)
	l.ctxm.Set(model.LayerSession, "goal: "+goal)
	l.ctxm.Append(model.LayerWorking, fmt.Sprintf("goal changed from %q", prev))
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, map[string]any{"reason": "redirected", "goal": goal})
	l.signal()
	return nil
}

// Continue resumes a session parked after a rejected checkpoint without
// changing the goal.
func (l *Loop) Continue(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess.Failure != nil {
		return fmt.Errorf("%w: choose a recovery option", ErrBadRecovery)
	}
	l.sess.AwaitingInput = false
	target := model.LoopExecuting
	if l.plan == nil {
		target = model.LoopPlanning
	}
	l.setStateLocked(target)
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, map[string]any{"reason": "continue"})
	l.signal()
	return nil
}

// Recover applies the human's choice for the reported failure.
func (l *Loop) Recover(ctx context.Context, opt model.RecoveryOption, params map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.sess.Failure
	if f == nil {
		return ErrNothingToRecover
	}
	if l.stepping {
		return ErrStepRunning
	}
	var step *model.Step
	if f.StepID != "" && l.plan != nil {
		step = l.plan.StepByID(f.StepID)
	}
	if step == nil && opt != model.RecoverReplan {
		return fmt.Errorf("%w: %s without a failed step", ErrBadRecovery, opt)
	}
	now := l.now()
	target := model.LoopExecuting

	switch opt {
	case model.RecoverSkip:
		if err := l.plan.TransitionStep(step.ID, model.StepSkipped, now); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecovery, err)
		}
	case model.RecoverReplan:
		l.replans = 0
		l.replanReason = "human requested replan: " + f.Reason
		if l.plan != nil && l.plan.Status == model.PlanFailed {
			l.setPlanStatusLocked(model.PlanActive)
		}
		target = model.LoopPlanning
	case model.RecoverRetryModified:
		if len(params) > 0 {
			op, err := step.Operation.WithParams(params)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRecovery, err)
			}
			step.Operation = op
		}
		if err := l.plan.TransitionStep(step.ID, model.StepPending, now); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecovery, err)
		}
	case model.RecoverRollback:
		id := f.SnapshotID
		if id == "" {
			id = l.sess.LastSnapshotID
		}
		if id == "" {
			return fmt.Errorf("%w: no snapshot to roll back to", ErrBadRecovery)
		}
		if _, err := l.deps.Snapshots.Restore(ctx, id); err != nil {
			return err
		}
		if step.Status == model.StepInProgress || step.Status == model.StepFailed {
			if err := l.plan.TransitionStep(step.ID, model.StepPending, now); err != nil {
				return fmt.Errorf("%w: %v", ErrBadRecovery, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown option %q", ErrBadRecovery, opt)
	}

	if l.plan != nil && l.plan.Status == model.PlanFailed && target == model.LoopExecuting {
		l.setPlanStatusLocked(model.PlanActive)
	}
	l.sess.Failure = nil
	l.sess.AwaitingInput = false
	l.setStateLocked(target)
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, map[string]any{"reason": "recover", "option": string(opt), "step_id": f.StepID})
	l.signal()
	return nil
}

// Restore rolls resources, plan and context back to a snapshot of this
// session. It is refused while a step is executing.
func (l *Loop) Restore(ctx context.Context, snapshotID string) (*model.RestoreResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stepping {
		return nil, ErrStepRunning
	}
	snap, err := l.deps.Snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.SessionID != l.sess.ID {
		return nil, fmt.Errorf("%w: %s", ErrForeignSnapshot, snapshotID)
	}
	l.deps.Queue.Cancel(ctx, l.sess.ID, "restored")
	res, err := l.deps.Snapshots.Restore(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if res.PlanState != nil {
		l.plan = res.PlanState.Clone()
		l.sess.PlanID = l.plan.ID
		if l.plan.Status != model.PlanActive {
			l.plan.Status = model.PlanActive
		}
		if err := l.deps.Store.SavePlan(context.WithoutCancel(ctx), l.plan); err != nil {
			return res, faults.New(faults.Fatal, "agent.persist", err)
		}
	}
	l.ctxm.Import(res.ContextState)
	l.sess.LastSnapshotID = snapshotID
	l.sess.Failure = nil
	l.sess.AwaitingInput = false
	if l.plan == nil {
		l.setStateLocked(model.LoopPlanning)
	} else {
		l.setStateLocked(model.LoopExecuting)
	}
	if err := l.persistLocked(ctx); err != nil {
		return res, err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, map[string]any{
		"reason":      "restored",
		"snapshot_id": snapshotID,
		"failed":      len(res.Failed()),
	})
	l.signal()
	return res, nil
}

// prepareResume repairs state left by an interrupted process: a step that
// was executing is rolled back to its snapshot and made pending again.
func (l *Loop) prepareResume(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap, err := l.deps.Snapshots.Latest(ctx, l.sess.ID); err == nil {
		l.ctxm.Import(snap.ContextState)
	}
	if l.plan != nil {
		if s := l.inProgressLocked(); s != nil {
			if l.sess.LastSnapshotID != "" {
				if _, err := l.deps.Snapshots.Restore(ctx, l.sess.LastSnapshotID); err != nil {
					return fmt.Errorf("roll back interrupted step %s: %w", s.ID, err)
				}
			}
			if err := l.plan.TransitionStep(s.ID, model.StepPending, l.now()); err != nil {
				return err
			}
			l.ctxm.Append(model.LayerWorking, fmt.Sprintf("step %s interrupted and rolled back", s.Key))
		}
		if l.plan.Status == model.PlanStopped {
			l.setPlanStatusLocked(model.PlanActive)
		}
	}
	parked := l.sess.AwaitingInput || l.sess.Control.Holder == model.ControllerHuman
	switch l.sess.LoopState {
	case model.LoopWaiting:
		if !parked {
			l.setStateLocked(model.LoopExecuting)
		}
	case model.LoopStopped, model.LoopIdle:
		if l.plan == nil {
			l.setStateLocked(model.LoopPlanning)
		} else {
			l.setStateLocked(model.LoopExecuting)
		}
	}
	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.deps.Bus.Publish(l.sess.ID, events.AgentResumed, map[string]any{"reason": "resumed", "state": string(l.sess.LoopState)})
	return nil
}
