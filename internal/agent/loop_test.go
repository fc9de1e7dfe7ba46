package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/store"
)

type harness struct {
	mgr    *Manager
	deps   *Deps
	res    *resource.Memory
	oracle *oracle.Scripted
	events chan events.Event
}

func newHarness(t *testing.T, tweak func(*model.Config), plans ...oracle.PlanResponse) *harness {
	t.Helper()
	return newHarnessWith(t, nil, tweak, plans...)
}

// newHarnessWith lets wrap put a resource.System in front of the memory store.
func newHarnessWith(t *testing.T, wrap func(*resource.Memory) resource.System, tweak func(*model.Config), plans ...oracle.PlanResponse) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "agentloop.db"))
	require.NoError(t, err)

	bus := events.NewBus()
	ch := make(chan events.Event, 256)
	bus.Subscribe(events.Filter{}, func(e events.Event) { ch <- e })

	cfg := model.Config{
		Retry:   model.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 5},
		Context: model.ContextConfig{Model: "gpt-4o", MaxTokens: 100000},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	res := resource.NewMemory()
	var sys resource.System = res
	if wrap != nil {
		sys = wrap(res)
	}
	o := oracle.NewScripted(plans...)
	deps := NewDeps(cfg, st, sys, bus, o, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	deps.Counter = func(s string) int { return len(strings.Fields(s)) }
	mgr := NewManager(ctx, deps)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = mgr.StopAll(stopCtx)
		bus.Close(stopCtx)
		st.Close()
	})
	return &harness{mgr: mgr, deps: deps, res: res, oracle: o, events: ch}
}

func withMode(mode model.Mode) func(*model.Config) {
	return func(c *model.Config) { c.Session.DefaultMode = mode }
}

// waitFor skips events until one of type typ satisfies match.
func (h *harness) waitFor(t *testing.T, typ events.EventType, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return events.Event{}
		}
	}
}

func reason(r string) func(events.Event) bool {
	return func(e events.Event) bool { return e.Data["reason"] == r }
}

func step(key, label string, op model.Operation, deps ...string) oracle.ProposedStep {
	return oracle.ProposedStep{Key: key, Label: label, Operation: op, DependsOn: deps}
}

func createTask(title string) model.Operation {
	return model.NewState(model.StateOp{Action: model.StateCreate, ResourceType: "task", Data: map[string]any{"title": title}})
}

func observeTasks() model.Operation {
	return model.NewObservation(model.ObservationOp{ResourceType: "task"})
}

func (h *harness) start(t *testing.T, goal string) *model.Session {
	t.Helper()
	sess, err := h.mgr.Start(context.Background(), StartRequest{Goal: goal})
	require.NoError(t, err)
	return sess
}

func TestRun_AutomaticPlanCompletes(t *testing.T) {
	h := newHarness(t, withMode(model.ModeAutomatic), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
		step("assign", "Assign task", model.NewState(model.StateOp{
			Action: model.StateUpdate, ResourceType: "task", ResourceID: "$create.result.id",
			Data: map[string]any{"assignee": "alice"},
		}), "create"),
	}})
	sess := h.start(t, "file the weekly report")

	started := h.waitFor(t, events.AgentStarted, nil)
	assert.Equal(t, 2, started.Data["steps"])
	h.waitFor(t, events.AgentStepCompleted, nil)
	last := h.waitFor(t, events.AgentStepCompleted, nil)
	assert.Equal(t, 100, last.Data["progress_percent"])
	h.waitFor(t, events.AgentCompleted, nil)

	rec, err := h.res.Get(context.Background(), "task", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec["assignee"])

	st, err := h.mgr.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoopCompleted, st.Session.LoopState)
	assert.Equal(t, model.PlanCompleted, st.Plan.Status)
	for _, s := range st.Plan.Steps {
		assert.Equal(t, model.CompletedByAgent, s.CompletedBy)
	}

	snaps, err := h.mgr.Snapshots(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(snaps), 2)
}

func TestCheckpointReject_ParksUntilRedirect(t *testing.T) {
	h := newHarness(t, withMode(model.ModeSupervised),
		oracle.PlanResponse{Steps: []oracle.ProposedStep{step("create", "Create task", createTask("Draft"))}},
		oracle.PlanResponse{Steps: []oracle.ProposedStep{step("list", "List tasks", observeTasks())}},
	)
	ctx := context.Background()
	sess := h.start(t, "create a draft task")

	waiting := h.waitFor(t, events.AgentWaiting, nil)
	cpID := waiting.Data["checkpoint_id"].(string)
	_, err := h.mgr.Respond(ctx, cpID, model.CheckpointResponse{Option: model.RespondReject, Reason: "not now"})
	require.NoError(t, err)

	paused := h.waitFor(t, events.AgentPaused, reason("checkpoint_rejected"))
	assert.Equal(t, "not now", paused.Data["detail"])

	st, err := h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, st.Session.AwaitingInput)
	assert.Equal(t, model.ControllerAgent, st.Session.Control.Holder)
	assert.Equal(t, model.LoopWaiting, st.Session.LoopState)
	assert.Equal(t, model.StepSkipped, st.Plan.Steps[0].Status)
	assert.Equal(t, "not now", st.Plan.Steps[0].FailureReason)
	firstPlan := st.Plan.ID

	_, err = h.res.Get(ctx, "task", "task-1")
	assert.ErrorIs(t, err, resource.ErrNotFound)

	require.NoError(t, h.mgr.Redirect(ctx, sess.ID, "list my tasks"))
	h.waitFor(t, events.AgentStarted, func(e events.Event) bool { return e.Data["goal"] == "list my tasks" })
	h.waitFor(t, events.AgentCompleted, nil)

	st, err = h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "list my tasks", st.Session.Goal)
	assert.Equal(t, firstPlan, st.Plan.ParentPlanID)

	old, err := h.deps.Store.GetPlan(ctx, firstPlan)
	require.NoError(t, err)
	assert.Equal(t, model.PlanReplanned, old.Status)
}

func TestVerifyFailure_RollsBackAndReports(t *testing.T) {
	rename := step("rename", "Rename prompt", model.NewState(model.StateOp{
		Action: model.StateUpdate, ResourceType: "prompt", ResourceID: "p1", Data: map[string]any{"name": "A"},
	}))
	rename.Expect = "the prompt list shows A"
	h := newHarness(t, withMode(model.ModeAutomatic), oracle.PlanResponse{Steps: []oracle.ProposedStep{rename}})
	ctx := context.Background()
	require.NoError(t, h.res.Put(ctx, "prompt", "p1", resource.Record{"name": "Original"}))
	h.oracle.VerifyFunc = func(oracle.VerifyRequest) (*oracle.Verdict, error) {
		return &oracle.Verdict{Passed: false, Confidence: 0.9, Reason: "list still shows Original"}, nil
	}
	sess := h.start(t, "rename the prompt")

	failed := h.waitFor(t, events.AgentFailed, nil)
	assert.Equal(t, "data", failed.Data["kind"])
	assert.Contains(t, failed.Data["reason"], "list still shows Original")
	assert.NotEmpty(t, failed.Data["snapshot_id"])
	assert.Contains(t, failed.Data["options"], "rollback")

	rec, err := h.res.Get(ctx, "prompt", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Original", rec["name"])

	st, err := h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Session.Failure)
	assert.Equal(t, model.StepFailed, st.Plan.Steps[0].Status)

	require.NoError(t, h.mgr.Recover(ctx, sess.ID, model.RecoverSkip, nil))
	h.waitFor(t, events.AgentCompleted, nil)
	st, err = h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, st.Session.Failure)
	assert.Equal(t, model.StepSkipped, st.Plan.Steps[0].Status)
}

func TestRecover_RetryModified(t *testing.T) {
	rename := step("rename", "Rename prompt", model.NewState(model.StateOp{
		Action: model.StateUpdate, ResourceType: "prompt", ResourceID: "p9", Data: map[string]any{"name": "A"},
	}))
	h := newHarness(t, func(c *model.Config) {
		c.Session.DefaultMode = model.ModeAutomatic
		c.Session.MaxReplans = 1
	}, oracle.PlanResponse{Steps: []oracle.ProposedStep{rename}})
	ctx := context.Background()
	require.NoError(t, h.res.Put(ctx, "prompt", "p1", resource.Record{"name": "Original"}))
	sess := h.start(t, "rename the prompt")

	// p9 does not exist: one replan, then the failure surfaces
	h.waitFor(t, events.AgentResumed, reason("replanned"))
	failed := h.waitFor(t, events.AgentFailed, nil)
	assert.Equal(t, "structural", failed.Data["kind"])

	require.NoError(t, h.mgr.Recover(ctx, sess.ID, model.RecoverRetryModified, map[string]any{"resource_id": "p1"}))
	h.waitFor(t, events.AgentCompleted, nil)
	rec, err := h.res.Get(ctx, "prompt", "p1")
	require.NoError(t, err)
	assert.Equal(t, "A", rec["name"])
}

func TestSkippedRequiredPolicy(t *testing.T) {
	tests := []struct {
		policy model.SkippedRequiredPolicy
		want   events.EventType
	}{
		{model.SkippedRequiredFail, events.AgentFailed},
		{model.SkippedRequiredSucceed, events.AgentCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			del := step("delete", "Delete task", model.NewState(model.StateOp{
				Action: model.StateDelete, ResourceType: "task", ResourceID: "t1",
			}))
			del.Required = true
			h := newHarness(t, func(c *model.Config) {
				c.Session.DefaultMode = model.ModeAutomatic
				c.Session.SkippedRequired = tt.policy
			}, oracle.PlanResponse{Steps: []oracle.ProposedStep{del}})
			ctx := context.Background()
			require.NoError(t, h.res.Put(ctx, "task", "t1", resource.Record{"title": "keep me"}))
			sess := h.start(t, "clean up")

			// deletes always ask, even in automatic mode
			waiting := h.waitFor(t, events.AgentWaiting, nil)
			assert.Equal(t, "destructive", waiting.Data["type"])
			_, err := h.mgr.Respond(ctx, waiting.Data["checkpoint_id"].(string),
				model.CheckpointResponse{Option: model.RespondReject})
			require.NoError(t, err)
			h.waitFor(t, events.AgentPaused, reason("checkpoint_rejected"))

			require.NoError(t, h.mgr.Continue(ctx, sess.ID))
			e := h.waitFor(t, tt.want, nil)
			if tt.want == events.AgentFailed {
				assert.Equal(t, ReasonRequiredSkipped, e.Data["reason"])
				st, err := h.mgr.Get(ctx, sess.ID)
				require.NoError(t, err)
				assert.Equal(t, model.LoopFailed, st.Session.LoopState)
				assert.Equal(t, model.PlanFailed, st.Plan.Status)
			}

			_, err = h.res.Get(ctx, "task", "t1")
			assert.NoError(t, err)
		})
	}
}

func TestTakeoverThenHandback(t *testing.T) {
	h := newHarness(t, withMode(model.ModeSupervised), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
		step("list", "List tasks", observeTasks(), "create"),
	}})
	ctx := context.Background()
	sess := h.start(t, "create a task")

	click := model.TrackedAction{
		SessionID: sess.ID,
		Kind:      model.ActionClick,
		Target:    model.ActionTarget{ResourceType: "task", Label: "Create task"},
	}
	_, kept, err := h.mgr.RecordAction(ctx, click)
	require.NoError(t, err)
	assert.False(t, kept, "actions are ignored while the agent holds control")

	waiting := h.waitFor(t, events.AgentWaiting, nil)
	_, err = h.mgr.Respond(ctx, waiting.Data["checkpoint_id"].(string),
		model.CheckpointResponse{Option: model.RespondTakeover})
	require.NoError(t, err)
	h.waitFor(t, events.AgentPaused, reason("takeover"))

	st, err := h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ControllerHuman, st.Session.Control.Holder)

	_, kept, err = h.mgr.RecordAction(ctx, click)
	require.NoError(t, err)
	assert.True(t, kept)

	tr, err := h.mgr.Handback(ctx, sess.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, model.ControllerAgent, tr.To)
	require.NotNil(t, tr.Reconciled)
	assert.Equal(t, 50, tr.Reconciled.ProgressPercent)

	h.waitFor(t, events.AgentResumed, reason("handback"))
	done := h.waitFor(t, events.AgentCompleted, nil)
	assert.Equal(t, 1, done.Data["completed_by_human"])

	st, err = h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CompletedByHuman, st.Plan.Steps[0].CompletedBy)
	assert.Equal(t, model.CompletedByAgent, st.Plan.Steps[1].CompletedBy)
}

// stallingCreate holds the first Create until released and then fails it
// with a transient error.
type stallingCreate struct {
	*resource.Memory
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *stallingCreate) Create(ctx context.Context, resourceType string, data resource.Record) (resource.Record, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
		return nil, errors.New("create task: connection reset by peer")
	}
	return s.Memory.Create(ctx, resourceType, data)
}

func TestTakeoverDuringStep_StopsRetries(t *testing.T) {
	stall := &stallingCreate{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, func(m *resource.Memory) resource.System {
		stall.Memory = m
		return stall
	}, withMode(model.ModeAutomatic), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
	}})
	ctx := context.Background()
	sess := h.start(t, "create a task")

	select {
	case <-stall.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("step never reached the resource system")
	}
	_, err := h.mgr.Takeover(ctx, sess.ID, "taking over mid-step")
	require.NoError(t, err)
	close(stall.release)

	require.Eventually(t, func() bool {
		st, err := h.mgr.Get(ctx, sess.ID)
		return err == nil && st.Plan != nil && st.Plan.Steps[0].Status == model.StepPending
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), stall.calls.Load(), "no retry runs once the human holds control")
	tasks, err := h.res.Query(ctx, "task", nil)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	st, err := h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ControllerHuman, st.Session.Control.Holder)
}

func TestStructuralFailureReplans(t *testing.T) {
	h := newHarness(t, withMode(model.ModeAutomatic),
		oracle.PlanResponse{Steps: []oracle.ProposedStep{step("open", "Open ghost", model.NewAccess(model.AccessOp{
			Action: model.AccessSelect, ResourceType: "task", ResourceID: "ghost",
		}))}},
		oracle.PlanResponse{Steps: []oracle.ProposedStep{step("list", "List tasks", observeTasks())}},
	)
	ctx := context.Background()
	sess := h.start(t, "look around")

	replanned := h.waitFor(t, events.AgentResumed, reason("replanned"))
	assert.Equal(t, 2, replanned.Data["version"])
	h.waitFor(t, events.AgentCompleted, nil)

	st, err := h.mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Plan.Version)
	require.Len(t, h.oracle.PlanCalls, 2)
	assert.Contains(t, h.oracle.PlanCalls[1].Reason, "open")

	old, err := h.deps.Store.GetPlan(ctx, st.Plan.ParentPlanID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanReplanned, old.Status)
}

func TestStopAndResumeReopensCheckpoint(t *testing.T) {
	h := newHarness(t, withMode(model.ModeSupervised), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
	}})
	ctx := context.Background()
	sess := h.start(t, "create a task")

	first := h.waitFor(t, events.AgentWaiting, nil)
	require.NoError(t, h.mgr.StopAll(ctx))
	h.waitFor(t, events.AgentPaused, reason("stopped"))

	stored, err := h.deps.Store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoopStopped, stored.LoopState)

	n, err := h.mgr.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitFor(t, events.AgentResumed, reason("resumed"))

	second := h.waitFor(t, events.AgentWaiting, nil)
	assert.NotEqual(t, first.Data["checkpoint_id"], second.Data["checkpoint_id"])
	_, err = h.mgr.Respond(ctx, second.Data["checkpoint_id"].(string), model.CheckpointResponse{Option: model.RespondApprove})
	require.NoError(t, err)
	h.waitFor(t, events.AgentCompleted, nil)

	_, err = h.res.Get(ctx, "task", "task-1")
	assert.NoError(t, err)
}

func TestStop_HeldSessionResumesParked(t *testing.T) {
	h := newHarness(t, withMode(model.ModeSupervised), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
	}})
	ctx := context.Background()
	sess := h.start(t, "create a task")
	h.waitFor(t, events.AgentWaiting, nil)

	require.NoError(t, h.mgr.Stop(ctx, sess.ID))
	h.waitFor(t, events.AgentPaused, reason("stopped"))
	assert.ErrorIs(t, h.mgr.Redirect(ctx, sess.ID, "x"), ErrSessionNotActive)

	resumed, err := h.mgr.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, resumed.AwaitingInput)

	require.NoError(t, h.mgr.Continue(ctx, sess.ID))
	h.waitFor(t, events.AgentWaiting, nil)
}

func TestRestore_RewindsPlanAndResources(t *testing.T) {
	h := newHarness(t, withMode(model.ModeAutomatic), oracle.PlanResponse{Steps: []oracle.ProposedStep{
		step("create", "Create task", createTask("Write report")),
	}})
	ctx := context.Background()
	sess := h.start(t, "create a task")
	h.waitFor(t, events.AgentCompleted, nil)

	snaps, err := h.mgr.Snapshots(ctx, sess.ID)
	require.NoError(t, err)
	var stepStart *model.Snapshot
	for _, s := range snaps {
		if s.Trigger == model.TriggerStepStart {
			stepStart = s
		}
	}
	require.NotNil(t, stepStart)

	res, err := h.mgr.Restore(ctx, sess.ID, stepStart.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	require.NotNil(t, res.PlanState)
	assert.Equal(t, model.StepPending, res.PlanState.Steps[0].Status)
	_, err = h.res.Get(ctx, "task", "task-1")
	assert.ErrorIs(t, err, resource.ErrNotFound)
	h.waitFor(t, events.AgentResumed, reason("restored"))

	// the rewound step runs again
	h.waitFor(t, events.AgentCompleted, nil)
	_, err = h.res.Get(ctx, "task", "task-2")
	assert.NoError(t, err)

	_, err = h.mgr.Restore(ctx, sess.ID, "snap_0000000000_deadbeef")
	assert.Error(t, err)
}

func TestManager_StartValidation(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Session.MaxConcurrent = 1
		c.Session.DefaultMode = model.ModeSupervised
	}, oracle.PlanResponse{Steps: []oracle.ProposedStep{step("create", "Create task", createTask("Write report"))}})
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, StartRequest{Goal: "  "})
	assert.ErrorIs(t, err, ErrEmptyGoal)
	_, err = h.mgr.Start(ctx, StartRequest{Goal: "g", Mode: "reckless"})
	assert.Error(t, err)

	h.start(t, "first")
	h.waitFor(t, events.AgentWaiting, nil)
	_, err = h.mgr.Start(ctx, StartRequest{Goal: "second"})
	assert.ErrorIs(t, err, ErrTooManySessions)

	_, err = h.mgr.Get(ctx, "sess_0000000000_00000000")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestManager_SettledSessionsFreeTheirSlot(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Session.MaxConcurrent = 1
		c.Session.DefaultMode = model.ModeAutomatic
	}, oracle.PlanResponse{Steps: []oracle.ProposedStep{step("list", "List tasks", observeTasks())}})
	ctx := context.Background()

	first := h.start(t, "first")
	h.waitFor(t, events.AgentCompleted, nil)

	second, err := h.mgr.Start(ctx, StartRequest{Goal: "second"})
	require.NoError(t, err)
	h.waitFor(t, events.AgentCompleted, nil)

	// the finished session stays addressable
	st, err := h.mgr.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, model.LoopCompleted, st.Session.LoopState)
	assert.NotEqual(t, first.ID, second.ID)
}
