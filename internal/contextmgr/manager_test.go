package contextmgr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
)

func words(s string) int { return len(strings.Fields(s)) }

func newManager(t *testing.T, limit int, o oracle.Oracle) (*Manager, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close(context.Background()) })
	ch := make(chan events.Event, 16)
	bus.Subscribe(events.Filter{SessionID: "sess_1"}, func(e events.Event) { ch <- e })
	cfg := model.ContextConfig{Model: "gpt-4o", MaxTokens: limit, WarningRatio: 0.5, KeepRecent: 1}
	return New("sess_1", "ship the release", cfg, o, bus, WithCounter(words)), ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return events.Event{}
}

func TestUsageAndThreshold(t *testing.T) {
	m, ch := newManager(t, 20, oracle.NewScripted())

	m.Set(model.LayerSystem, "you are a careful agent")
	m.Append(model.LayerWorking, "created task t1")
	u := m.Usage()
	assert.Equal(t, 5, u.PerLayer[model.LayerSystem])
	assert.Equal(t, 3, u.PerLayer[model.LayerWorking])
	assert.Equal(t, 8, u.Total)
	assert.False(t, m.NeedsCompaction())

	m.Append(model.LayerWorking, "updated prompt p1 name to A")
	assert.True(t, m.NeedsCompaction())
	e := next(t, ch)
	assert.Equal(t, events.ContextThreshold, e.Type)
	assert.Equal(t, 14, e.Data["tokens"])

	// no second event while still above the line
	m.Append(model.LayerInstant, "x")
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, []string{"you are a careful agent", "created task t1", "updated prompt p1 name to A", "x"}, m.Lines())
}

func TestCompact_SummarisesOlderEntries(t *testing.T) {
	o := oracle.NewScripted()
	m, ch := newManager(t, 100, o)
	m.Set(model.LayerSession, "goal: ship the release")
	m.Append(model.LayerWorking, "step one done")
	m.Append(model.LayerWorking, "step two done")
	m.Append(model.LayerWorking, "step three done")

	var captured *model.ContextState
	res, err := m.Compact(context.Background(), func(_ context.Context, before *model.ContextState) (string, error) {
		captured = before
		return "snap_1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "snap_1", res.SnapshotID)
	assert.Equal(t, 13, res.BeforeTokens)
	assert.Equal(t, 1, o.SummarizeCalls)

	require.NotNil(t, captured)
	assert.Len(t, captured.Layers[model.LayerWorking], 3)

	st := m.Export()
	assert.Equal(t, 1, st.Compactions)
	assert.Equal(t, []string{"step three done"}, st.Layers[model.LayerWorking])
	require.Len(t, st.Layers[model.LayerSession], 1)
	assert.Contains(t, st.Layers[model.LayerSession][0], "Summary of ship the release")

	e := next(t, ch)
	assert.Equal(t, events.ContextCompacted, e.Type)
	assert.Equal(t, "snap_1", e.Data["snapshot_id"])

	// rolling back to the captured state undoes the summary
	m.Import(captured)
	assert.Len(t, m.Export().Layers[model.LayerWorking], 3)
	assert.Equal(t, 0, m.Export().Compactions)
}

type failingSummary struct{ *oracle.Scripted }

func (failingSummary) Summarize(context.Context, oracle.SummarizeRequest) (string, error) {
	return "", errors.New("oracle down")
}

func TestCompact_FailureLeavesLayers(t *testing.T) {
	m, _ := newManager(t, 100, failingSummary{oracle.NewScripted()})
	m.Set(model.LayerSession, "goal")
	m.Append(model.LayerWorking, "a")
	m.Append(model.LayerWorking, "b")
	before := m.Export()

	_, err := m.Compact(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, before, m.Export())
}

func TestCompact_NothingToSummarise(t *testing.T) {
	m, _ := newManager(t, 100, oracle.NewScripted())
	m.Append(model.LayerWorking, "only entry")
	called := false
	res, err := m.Compact(context.Background(), func(context.Context, *model.ContextState) (string, error) {
		called = true
		return "", nil
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, called)
}

func TestDefaultLimitFromModel(t *testing.T) {
	m := New("s", "g", model.ContextConfig{Model: "gpt-4"}, oracle.NewScripted(), events.NewBus(), WithCounter(words))
	assert.Positive(t, m.Usage().Limit)
}
