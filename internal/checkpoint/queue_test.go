package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/model"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]model.PendingCheckpoint
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]model.PendingCheckpoint)}
}

func (m *memStore) SaveCheckpoint(_ context.Context, cp *model.PendingCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[cp.ID] = *cloneCheckpoint(cp)
	return nil
}

func (m *memStore) OpenCheckpoints(context.Context) ([]*model.PendingCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PendingCheckpoint
	for _, cp := range m.saved {
		if cp.Status == model.CheckpointOpen {
			out = append(out, cloneCheckpoint(&cp))
		}
	}
	return out, nil
}

func (m *memStore) get(id string) model.PendingCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

type eventLog struct {
	mu  sync.Mutex
	got []events.Event
}

func (l *eventLog) add(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e)
}

func (l *eventLog) types() []events.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.EventType
	for _, e := range l.got {
		out = append(out, e.Type)
	}
	return out
}

func newQueue(t *testing.T, timeout time.Duration) (*Queue, *memStore, *eventLog) {
	t.Helper()
	bus := events.NewBus()
	log := &eventLog{}
	bus.Subscribe(events.Filter{}, log.add)
	t.Cleanup(func() { bus.Close(context.Background()) })
	st := newMemStore()
	return NewQueue(st, bus, timeout), st, log
}

var confirm = Decision{Required: true, Type: model.CheckpointConfirm, Message: "Confirm step: create task"}

func createStep() *model.Step {
	return &model.Step{ID: "step_create", Label: "create task",
		Operation: model.NewState(model.StateOp{Action: model.StateCreate, ResourceType: "task", Data: map[string]any{"title": "x"}})}
}

func TestOpen_SingleCheckpointPerSession(t *testing.T) {
	q, st, _ := newQueue(t, 0)
	ctx := context.Background()

	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointOpen, cp.Status)
	assert.Equal(t, model.AllResponseOptions, cp.Options)
	assert.Nil(t, cp.ExpiresAt)
	assert.Equal(t, model.CheckpointOpen, st.get(cp.ID).Status)

	_, err = q.Open(ctx, "sess_1", createStep(), confirm)
	require.ErrorIs(t, err, ErrAlreadyOpen)

	// other sessions have their own slot
	_, err = q.Open(ctx, "sess_2", createStep(), confirm)
	require.NoError(t, err)

	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondApprove})
	require.NoError(t, err)
	_, err = q.Open(ctx, "sess_1", createStep(), confirm)
	assert.NoError(t, err, "a resolved checkpoint frees the slot")
}

func TestRespond_RejectSkipsWithReason(t *testing.T) {
	q, st, log := newQueue(t, 0)
	ctx := context.Background()
	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)

	done := make(chan *model.PendingCheckpoint, 1)
	go func() {
		got, err := q.Wait(ctx, cp.ID)
		assert.NoError(t, err)
		done <- got
	}()

	resolved, err := q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondReject, Reason: "not now"})
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointRejected, resolved.Status)

	select {
	case got := <-done:
		assert.Equal(t, model.CheckpointRejected, got.Status)
		assert.Equal(t, "not now", got.Response.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Equal(t, model.CheckpointRejected, st.get(cp.ID).Status)
	assert.Eventually(t, func() bool {
		ts := log.types()
		return len(ts) == 2 && ts[0] == events.CheckpointOpened && ts[1] == events.CheckpointRejected
	}, time.Second, 10*time.Millisecond)

	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondApprove})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRespond_BeforeWaitIsNotLost(t *testing.T) {
	q, _, _ := newQueue(t, 0)
	ctx := context.Background()
	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)

	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondApprove})
	require.NoError(t, err)
	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondReject})
	assert.ErrorIs(t, err, ErrResolved)

	got, err := q.Wait(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointApproved, got.Status)
}

func TestRespond_ModifyValidatesParams(t *testing.T) {
	q, _, log := newQueue(t, 0)
	ctx := context.Background()
	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)

	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondModify})
	assert.ErrorIs(t, err, ErrBadResponse)
	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondModify, Params: map[string]any{"resource_id": 7}})
	assert.ErrorIs(t, err, ErrBadResponse)
	_, err = q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: "later"})
	assert.ErrorIs(t, err, ErrBadResponse)

	got, err := q.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondModify,
		Params: map[string]any{"data": map[string]any{"title": "y"}}})
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointModified, got.Status)
	assert.Equal(t, "x", got.Operation.State.Data["title"], "the stored operation is not rewritten")
	assert.Eventually(t, func() bool {
		ts := log.types()
		return len(ts) == 2 && ts[1] == events.CheckpointModified
	}, time.Second, 10*time.Millisecond)
}

func TestWait_TimeoutIsRejectWithReason(t *testing.T) {
	q, st, log := newQueue(t, 30*time.Millisecond)
	ctx := context.Background()
	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)
	require.NotNil(t, cp.ExpiresAt)

	got, err := q.Wait(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointExpired, got.Status)
	assert.Equal(t, model.RespondReject, got.Response.Option)
	assert.Equal(t, ReasonTimeout, got.Response.Reason)
	assert.Equal(t, model.CheckpointExpired, st.get(cp.ID).Status)
	assert.Eventually(t, func() bool {
		ts := log.types()
		return len(ts) == 2 && ts[1] == events.CheckpointRejected
	}, time.Second, 10*time.Millisecond)

	_, ok := q.OpenFor("sess_1")
	assert.False(t, ok)
}

func TestWait_ContextCancelKeepsCheckpointOpen(t *testing.T) {
	q, _, _ := newQueue(t, 0)
	cp, err := q.Open(context.Background(), "sess_1", createStep(), confirm)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Wait(ctx, cp.ID)
	assert.ErrorIs(t, err, context.Canceled)

	open, ok := q.OpenFor("sess_1")
	require.True(t, ok)
	assert.Equal(t, cp.ID, open.ID)
}

func TestExpireDueAndCancel(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus := events.NewBus()
	defer bus.Close(context.Background())
	q := NewQueue(newMemStore(), bus, time.Minute, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a, err := q.Open(ctx, "sess_a", createStep(), confirm)
	require.NoError(t, err)
	_, err = q.Open(ctx, "sess_b", createStep(), confirm)
	require.NoError(t, err)

	assert.Equal(t, 0, q.ExpireDue(ctx))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, q.ExpireDue(ctx))
	assert.Equal(t, 0, q.ExpireDue(ctx))

	got, ok := q.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, model.CheckpointExpired, got.Status)

	_, err = q.Open(ctx, "sess_c", createStep(), confirm)
	require.NoError(t, err)
	assert.True(t, q.Cancel(ctx, "sess_c", "session stopped"))
	assert.False(t, q.Cancel(ctx, "sess_c", "again"))
}

func TestRecoverReloadsOpenCheckpoints(t *testing.T) {
	q, st, _ := newQueue(t, 0)
	ctx := context.Background()
	cp, err := q.Open(ctx, "sess_1", createStep(), confirm)
	require.NoError(t, err)

	restarted := NewQueue(st, events.NewBus(), 0)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = restarted.Open(ctx, "sess_1", createStep(), confirm)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	got, err := restarted.Respond(ctx, cp.ID, model.CheckpointResponse{Option: model.RespondTakeover})
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointTakenOver, got.Status)
}
