package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/executor"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/store"
)

type fixture struct {
	st   *store.Store
	res  *resource.Memory
	mgr  *Manager
	exec *executor.Executor
}

func newFixture(t *testing.T, cfg model.SnapshotConfig, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "agentloop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	res := resource.NewMemory()
	mgr := NewManager(st, res, cfg, opts...)
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close(context.Background()) })
	return &fixture{st: st, res: res, mgr: mgr, exec: executor.New(res, st, mgr, bus)}
}

func (f *fixture) run(t *testing.T, pl *model.Plan, s *model.Step) *executor.Result {
	t.Helper()
	out, err := f.exec.Execute(context.Background(), executor.Request{
		SessionID: "sess_1", Plan: pl, Step: s, Controller: model.ControllerAgent,
	})
	require.NoError(t, err)
	s.Status = model.StepCompleted
	s.Result = out.Output
	return out
}

func stateStep(key string, order int, op model.StateOp) *model.Step {
	return &model.Step{ID: "step_" + key, Key: key, Order: order, Operation: model.NewState(op), Status: model.StepPending}
}

func TestRestore_RevertsUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.SnapshotConfig{})
	require.NoError(t, f.res.Put(ctx, "prompt", "p1", resource.Record{"name": "Original"}))

	upd := stateStep("rename", 0, model.StateOp{Action: model.StateUpdate, ResourceType: "prompt", ResourceID: "p1",
		Data: map[string]any{"name": "A"}})
	pl := &model.Plan{ID: "plan_1", Steps: []*model.Step{upd}}

	snap, err := f.mgr.Create(ctx, "sess_1", model.TriggerStepStart, upd.ID, Capture{Plan: pl})
	require.NoError(t, err)
	out := f.run(t, pl, upd)
	assert.Equal(t, snap.ID, out.SnapshotID, "executor reuses the step_start snapshot")

	rec, err := f.res.Get(ctx, "prompt", "p1")
	require.NoError(t, err)
	assert.Equal(t, "A", rec["name"])

	result, err := f.mgr.Restore(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, ActionRestoreModified, result.Outcomes[0].Action)
	assert.True(t, result.Outcomes[0].Succeeded)
	require.NotNil(t, result.PlanState)
	assert.Equal(t, model.StepPending, result.PlanState.Steps[0].Status)

	rec, err = f.res.Get(ctx, "prompt", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Original", rec["name"])
}

func TestRestore_ReverseOrderAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.SnapshotConfig{})
	require.NoError(t, f.res.Put(ctx, "prompt", "p1", resource.Record{"name": "Keep"}))

	create := stateStep("create", 0, model.StateOp{Action: model.StateCreate, ResourceType: "task",
		Data: map[string]any{"title": "T"}})
	rename := stateStep("rename", 1, model.StateOp{Action: model.StateUpdate, ResourceType: "task",
		ResourceID: "$create.result.id", Data: map[string]any{"title": "T2"}})
	del := stateStep("del", 2, model.StateOp{Action: model.StateDelete, ResourceType: "prompt", ResourceID: "p1"})
	pl := &model.Plan{Steps: []*model.Step{create, rename, del}}

	base, err := f.mgr.Create(ctx, "sess_1", model.TriggerManual, "", Capture{})
	require.NoError(t, err)
	created := f.run(t, pl, create)
	f.run(t, pl, rename)
	f.run(t, pl, del)
	taskID := created.Change.ResourceID

	first, err := f.mgr.Restore(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, first.Outcomes, 3)
	assert.Equal(t, ActionRecreateDeleted, first.Outcomes[0].Action)
	assert.Equal(t, ActionRestoreModified, first.Outcomes[1].Action)
	assert.Equal(t, ActionDeleteCreated, first.Outcomes[2].Action)
	assert.Empty(t, first.Failed())

	assertState := func() {
		_, err := f.res.Get(ctx, "task", taskID)
		assert.ErrorIs(t, err, resource.ErrNotFound)
		rec, err := f.res.Get(ctx, "prompt", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Keep", rec["name"])
	}
	assertState()

	second, err := f.mgr.Restore(ctx, base.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Outcomes)
	assertState()
}

type failingPut struct {
	*resource.Memory
}

func (failingPut) Put(context.Context, string, string, resource.Record) error {
	return assert.AnError
}

func TestRestore_PartialFailureIsPerResource(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "agentloop.db"))
	require.NoError(t, err)
	defer st.Close()
	mem := resource.NewMemory()
	mgr := NewManager(st, failingPut{mem}, model.SnapshotConfig{})

	base, err := mgr.Create(ctx, "sess_1", model.TriggerManual, "", Capture{})
	require.NoError(t, err)
	_, err = mem.Create(ctx, "task", resource.Record{"id": "t1"})
	require.NoError(t, err)
	require.NoError(t, st.AppendChange(ctx, &model.ResourceChange{ID: "chg_a", SessionID: "sess_1",
		Kind: model.ChangeCreated, Type: "task", ResourceID: "t1"}))
	require.NoError(t, st.AppendChange(ctx, &model.ResourceChange{ID: "chg_b", SessionID: "sess_1",
		Kind: model.ChangeModified, Type: "prompt", ResourceID: "p1", Before: map[string]any{"name": "x"}}))

	res, err := mgr.Restore(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Outcomes[0].Succeeded)
	assert.NotEmpty(t, res.Outcomes[0].Error)
	assert.True(t, res.Outcomes[1].Succeeded)
	assert.Len(t, res.Failed(), 1)

	// only the failed change is retried
	res, err = mgr.Restore(ctx, base.ID)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, "chg_b", res.Outcomes[0].ChangeID)
}

func TestCreate_ResourceDeltaSincePreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.SnapshotConfig{})
	create := stateStep("create", 0, model.StateOp{Action: model.StateCreate, ResourceType: "task"})
	pl := &model.Plan{Steps: []*model.Step{create}}

	first, err := f.mgr.Create(ctx, "sess_1", model.TriggerManual, "", Capture{})
	require.NoError(t, err)
	assert.Nil(t, first.ResourceDelta)

	f.run(t, pl, create)
	second, err := f.mgr.Create(ctx, "sess_1", model.TriggerManual, "", Capture{
		Session: model.SessionState{Goal: "g"},
		Context: &model.ContextState{Compactions: 1},
	})
	require.NoError(t, err)
	require.NotNil(t, second.ResourceDelta)
	assert.Len(t, second.ResourceDelta.Created, 1)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, int64(1), second.ChangeSeq)
	assert.Equal(t, "g", second.SessionState.Goal)
	assert.Equal(t, 1, second.ContextState.Compactions)

	_, err = f.mgr.Create(ctx, "sess_1", model.SnapshotTrigger("bogus"), "", Capture{})
	assert.Error(t, err)
}

func TestEnsureBeforeMutation_CreatesWhenStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.SnapshotConfig{})

	id1, err := f.mgr.EnsureBeforeMutation(ctx, "sess_1", "step_a")
	require.NoError(t, err)
	id2, err := f.mgr.EnsureBeforeMutation(ctx, "sess_1", "step_a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := f.mgr.EnsureBeforeMutation(ctx, "sess_1", "step_b")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	snap, err := f.mgr.Get(ctx, id3)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerStepStart, snap.Trigger)
}

func TestGC_RetentionKeepsLatest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-100 * time.Hour)
	f := newFixture(t, model.SnapshotConfig{MaxCount: 3, TTLHours: 72}, WithClock(func() time.Time { return clock }))

	// two expired snapshots, then four fresh ones
	for i := 0; i < 6; i++ {
		if i == 2 {
			clock = now.Add(-time.Hour)
		}
		_, err := f.mgr.Create(ctx, "sess_1", model.TriggerManual, "", Capture{})
		require.NoError(t, err)
	}
	// a lone expired snapshot in another session survives
	clock = now.Add(-200 * time.Hour)
	_, err := f.mgr.Create(ctx, "sess_2", model.TriggerManual, "", Capture{})
	require.NoError(t, err)

	clock = now
	n, err := f.mgr.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := f.mgr.List(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, left, 3)
	assert.Equal(t, int64(6), left[2].Seq)

	left, err = f.mgr.List(ctx, "sess_2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
