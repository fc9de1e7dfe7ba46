package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigYAMLAndDefaults(t *testing.T) {
	src := `
project:
  name: demo
session:
  default_mode: manual
checkpoint:
  timeout_sec: 120
snapshot:
  max_count: 10
events:
  nats_url: nats://127.0.0.1:4222
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	cfg = cfg.WithDefaults()

	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, ModeManual, cfg.Session.DefaultMode)
	assert.Equal(t, SkippedRequiredFail, cfg.Session.SkippedRequired)
	assert.Equal(t, 120, cfg.Checkpoint.TimeoutSec)
	assert.Equal(t, 10, cfg.Snapshot.MaxCount)
	assert.Equal(t, 72, cfg.Snapshot.TTLHours)
	assert.Equal(t, 0.8, cfg.Context.WarningRatio)
	assert.Equal(t, cfg.Context.Model, cfg.Oracle.Model)
	assert.Equal(t, "agentloop.events", cfg.Events.NATSSubject)
	assert.Equal(t, 1, cfg.Deviation.MinorWarnings)
	assert.Equal(t, 3, cfg.Deviation.MajorWarnings)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSupervised, m)

	m, err = ParseMode("automatic")
	require.NoError(t, err)
	assert.Equal(t, ModeAutomatic, m)

	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"navigate", NewAccess(AccessOp{Action: AccessNavigate, URL: "/prompts"}), false},
		{"navigate without url", NewAccess(AccessOp{Action: AccessNavigate}), true},
		{"select", NewAccess(AccessOp{Action: AccessSelect, ResourceType: "prompt", ResourceID: "p1"}), false},
		{"select without id", NewAccess(AccessOp{Action: AccessSelect, ResourceType: "prompt"}), true},
		{"create", NewState(StateOp{Action: StateCreate, ResourceType: "task"}), false},
		{"update without id", NewState(StateOp{Action: StateUpdate, ResourceType: "task"}), true},
		{"delete", NewState(StateOp{Action: StateDelete, ResourceType: "task", ResourceID: "t1"}), false},
		{"query", NewObservation(ObservationOp{ResourceType: "task"}), false},
		{"kind mismatch", Operation{Kind: OpState, Access: &AccessOp{Action: AccessNavigate, URL: "/"}}, true},
		{"two variants", Operation{Kind: OpState, State: &StateOp{Action: StateCreate, ResourceType: "t"}, Access: &AccessOp{}}, true},
		{"unknown kind", Operation{Kind: "teleport", State: &StateOp{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOperationWithParams(t *testing.T) {
	op := NewState(StateOp{Action: StateUpdate, ResourceType: "prompt", ResourceID: "p1", Data: map[string]any{"name": "A", "tags": []any{"x"}}})

	modified, err := op.WithParams(map[string]any{"resource_id": "p2", "data": map[string]any{"name": "B"}})
	require.NoError(t, err)
	assert.Equal(t, "p2", modified.State.ResourceID)
	assert.Equal(t, "B", modified.State.Data["name"])
	assert.Equal(t, []any{"x"}, modified.State.Data["tags"])

	// the original is untouched
	assert.Equal(t, "p1", op.State.ResourceID)
	assert.Equal(t, "A", op.State.Data["name"])

	_, err = op.WithParams(map[string]any{"resource_id": 42})
	assert.Error(t, err)
}

func TestOperationHelpers(t *testing.T) {
	del := NewState(StateOp{Action: StateDelete, ResourceType: "task", ResourceID: "t1"})
	assert.True(t, del.IsDestructive())
	assert.True(t, del.IsMutation())
	assert.Equal(t, "delete(task,t1)", del.String())

	q := NewObservation(ObservationOp{ResourceType: "task"})
	assert.False(t, q.IsMutation())
	assert.Equal(t, "query", q.Action())
	typ, id := q.Target()
	assert.Equal(t, "task", typ)
	assert.Empty(t, id)
}

func threeStepPlan() *Plan {
	return &Plan{
		ID:     "plan_1771722000_00000001",
		Goal:   "create a task from prompt p1",
		Status: PlanActive,
		Steps: []*Step{
			{ID: "s1", Order: 1, Label: "Open prompts", Status: StepPending,
				Operation: NewAccess(AccessOp{Action: AccessNavigate, URL: "/prompts"})},
			{ID: "s2", Order: 2, Label: "Select prompt", Status: StepPending, DependsOn: []string{"s1"},
				Operation: NewAccess(AccessOp{Action: AccessSelect, ResourceType: "prompt", ResourceID: "p1"})},
			{ID: "s3", Order: 3, Label: "Create task", Status: StepPending, DependsOn: []string{"s2"}, Required: true,
				Operation: NewState(StateOp{Action: StateCreate, ResourceType: "task"})},
		},
	}
}

func TestPlanDependencyInvariant(t *testing.T) {
	p := threeStepPlan()
	now := time.Now()

	err := p.TransitionStep("s2", StepInProgress, now)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependencyOrder))
	assert.Equal(t, StepPending, p.StepByID("s2").Status)

	require.NoError(t, p.TransitionStep("s1", StepSkipped, now))
	require.NoError(t, p.TransitionStep("s2", StepInProgress, now))
	require.NoError(t, p.TransitionStep("s2", StepCompleted, now))
	assert.NotNil(t, p.StepByID("s2").CompletedAt)

	assert.Equal(t, "s3", p.NextRunnable().ID)
	done, total := p.Progress()
	assert.Equal(t, 2, done)
	assert.Equal(t, 3, total)
	assert.False(t, p.AllSettled())

	require.NoError(t, p.TransitionStep("s3", StepSkipped, now))
	assert.True(t, p.AllSettled())
	assert.Len(t, p.SkippedRequired(), 1)
	assert.Nil(t, p.NextRunnable())
}

func TestPlanCloneIsDeep(t *testing.T) {
	p := threeStepPlan()
	p.Steps[0].Result = map[string]any{"url": "/prompts"}
	c := p.Clone()

	c.Steps[0].Status = StepCompleted
	c.Steps[0].Result["url"] = "/changed"

	assert.Equal(t, StepPending, p.Steps[0].Status)
	assert.Equal(t, "/prompts", p.Steps[0].Result["url"])
}

func TestCheckpointHelpers(t *testing.T) {
	exp := time.Now().Add(-time.Second)
	cp := &PendingCheckpoint{ExpiresAt: &exp}
	assert.True(t, cp.Expired(time.Now()))
	assert.False(t, (&PendingCheckpoint{}).Expired(time.Now()))

	assert.Equal(t, CheckpointApproved, StatusForOption(RespondApprove))
	assert.Equal(t, CheckpointTakenOver, StatusForOption(RespondTakeover))
	assert.True(t, ValidResponseOption(RespondModify))
	assert.False(t, ValidResponseOption("maybe"))
}
