package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
)

var (
	// ErrAlreadyOpen is returned when a session already has an open checkpoint.
	ErrAlreadyOpen = errors.New("checkpoint already open for session")
	ErrNotFound    = errors.New("checkpoint not found")
	ErrResolved    = errors.New("checkpoint already resolved")
	ErrBadResponse = errors.New("invalid checkpoint response")
)

// ReasonTimeout is recorded on checkpoints that expired unanswered.
const ReasonTimeout = "timeout"

// Store persists checkpoint records.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *model.PendingCheckpoint) error
	OpenCheckpoints(ctx context.Context) ([]*model.PendingCheckpoint, error)
}

type entry struct {
	cp   *model.PendingCheckpoint
	done chan struct{}
}

// Queue holds at most one open checkpoint per session. The loop owning the
// session opens and waits; humans answer through Respond from any goroutine.
type Queue struct {
	store   Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	bySession map[string]*entry
	byID      map[string]*entry
}

type QueueOption func(*Queue)

func WithMetrics(m *metrics.Metrics) QueueOption { return func(q *Queue) { q.metrics = m } }
func WithLogger(l *slog.Logger) QueueOption { return func(q *Queue) { q.logger = l } }
func WithClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

// NewQueue creates a queue. A zero timeout leaves checkpoints open until answered.
func NewQueue(st Store, bus *events.Bus, timeout time.Duration, opts ...QueueOption) *Queue {
	q := &Queue{
		store:     st,
		bus:       bus,
		logger:    slog.Default(),
		timeout:   timeout,
		now:       time.Now,
		bySession: make(map[string]*entry),
		byID:      make(map[string]*entry),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Open enqueues a checkpoint for step. It fails with ErrAlreadyOpen while
// another checkpoint of the session is unresolved.
func (q *Queue) Open(ctx context.Context, sessionID string, step *model.Step, d Decision) (*model.PendingCheckpoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.bySession[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s (step %s)", ErrAlreadyOpen, cur.cp.ID, cur.cp.StepID)
	}

	now := q.now()
	cp := &model.PendingCheckpoint{
		ID:        model.MustGenerateID(model.IDTypeCheckpoint),
		StepID:    step.ID,
		SessionID: sessionID,
		Options:   slices.Clone(model.AllResponseOptions),
		Type:      d.Type,
		Message:   d.Message,
		Operation: step.Operation.Clone(),
		CreatedAt: now,
		Status:    model.CheckpointOpen,
	}
	if q.timeout > 0 {
		exp := now.Add(q.timeout)
		cp.ExpiresAt = &exp
	}
	if err := q.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	q.track(cp)

	data := map[string]any{
		"checkpoint_id": cp.ID,
		"step_id":       cp.StepID,
		"type":          string(cp.Type),
		"message":       cp.Message,
		"options":       optionStrings(cp.Options),
	}
	if cp.ExpiresAt != nil {
		data["expires_at"] = cp.ExpiresAt.Format(time.RFC3339)
	}
	q.bus.Publish(sessionID, events.CheckpointOpened, data)
	q.logger.Info("checkpoint opened", "session", sessionID, "checkpoint", cp.ID, "step", cp.StepID, "type", cp.Type)
	return cloneCheckpoint(cp), nil
}

func (q *Queue) track(cp *model.PendingCheckpoint) {
	e := &entry{cp: cp, done: make(chan struct{})}
	q.bySession[cp.SessionID] = e
	q.byID[cp.ID] = e
}

// Recover reloads unresolved checkpoints from the store after a restart.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	open, err := q.store.OpenCheckpoints(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, cp := range open {
		if _, ok := q.bySession[cp.SessionID]; ok {
			continue
		}
		q.track(cp)
		n++
	}
	return n, nil
}

// Get returns the checkpoint with id if it is still tracked.
func (q *Queue) Get(id string) (*model.PendingCheckpoint, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return cloneCheckpoint(e.cp), true
}

// OpenFor returns the open checkpoint of a session.
func (q *Queue) OpenFor(sessionID string) (*model.PendingCheckpoint, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return cloneCheckpoint(e.cp), true
}

// Respond resolves an open checkpoint. A modify response must carry
// parameters that produce a valid operation.
func (q *Queue) Respond(ctx context.Context, id string, resp model.CheckpointResponse) (*model.PendingCheckpoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !model.ValidResponseOption(resp.Option) || !slices.Contains(e.cp.Options, resp.Option) {
		return nil, fmt.Errorf("%w: option %q", ErrBadResponse, resp.Option)
	}
	if resp.Option == model.RespondModify {
		if len(resp.Params) == 0 {
			return nil, fmt.Errorf("%w: modify requires params", ErrBadResponse)
		}
		if _, err := e.cp.Operation.WithParams(resp.Params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	if e.cp.Expired(q.now()) {
		if err := q.resolve(ctx, e, model.CheckpointExpired, model.CheckpointResponse{Option: model.RespondReject, Reason: ReasonTimeout}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s expired before the response", ErrResolved, id)
	}
	if err := q.resolve(ctx, e, model.StatusForOption(resp.Option), resp); err != nil {
		return nil, err
	}
	return cloneCheckpoint(e.cp), nil
}

// resolve records the resolution and wakes the waiter. Caller holds q.mu.
func (q *Queue) resolve(ctx context.Context, e *entry, status model.CheckpointStatus, resp model.CheckpointResponse) error {
	cp := e.cp
	if model.IsCheckpointResolved(cp.Status) {
		return fmt.Errorf("%w: %s is %s", ErrResolved, cp.ID, cp.Status)
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = q.now()
	}
	cp.Status = status
	cp.Response = &resp
	if err := q.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		q.logger.Error("persist checkpoint resolution", "checkpoint", cp.ID, "error", err)
	}
	// The id stays resolvable until the waiter collects the outcome.
	delete(q.bySession, cp.SessionID)
	close(e.done)

	q.metrics.CheckpointResolved(string(cp.Type), string(status))
	data := map[string]any{"checkpoint_id": cp.ID, "step_id": cp.StepID, "status": string(status)}
	if resp.Reason != "" {
		data["reason"] = resp.Reason
	}
	switch status {
	case model.CheckpointApproved:
		q.bus.Publish(cp.SessionID, events.CheckpointApproved, data)
	case model.CheckpointModified:
		data["params"] = resp.Params
		q.bus.Publish(cp.SessionID, events.CheckpointModified, data)
	case model.CheckpointRejected, model.CheckpointExpired:
		q.bus.Publish(cp.SessionID, events.CheckpointRejected, data)
	}
	q.logger.Info("checkpoint resolved", "session", cp.SessionID, "checkpoint", cp.ID, "status", status, "reason", resp.Reason)
	return nil
}

// Wait blocks until the checkpoint is resolved, expires, or ctx ends. An
// expired checkpoint resolves as a reject with reason "timeout".
func (q *Queue) Wait(ctx context.Context, id string) (*model.PendingCheckpoint, error) {
	q.mu.Lock()
	e, ok := q.byID[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var expiry <-chan time.Time
	if e.cp.ExpiresAt != nil {
		t := time.NewTimer(max(e.cp.ExpiresAt.Sub(q.now()), 0))
		defer t.Stop()
		expiry = t.C
	}
	select {
	case <-e.done:
	case <-expiry:
		q.mu.Lock()
		if !model.IsCheckpointResolved(e.cp.Status) {
			_ = q.resolve(ctx, e, model.CheckpointExpired, model.CheckpointResponse{Option: model.RespondReject, Reason: ReasonTimeout})
		}
		q.mu.Unlock()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, id)
	return cloneCheckpoint(e.cp), nil
}

// ExpireDue resolves every checkpoint whose deadline has passed.
func (q *Queue) ExpireDue(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	n := 0
	for _, e := range q.byID {
		if e.cp.Status == model.CheckpointOpen && e.cp.Expired(now) {
			if err := q.resolve(ctx, e, model.CheckpointExpired, model.CheckpointResponse{Option: model.RespondReject, Reason: ReasonTimeout}); err == nil {
				n++
			}
		}
	}
	return n
}

// Cancel drops the open checkpoint of a session that is being torn down.
func (q *Queue) Cancel(ctx context.Context, sessionID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.bySession[sessionID]
	if !ok {
		return false
	}
	delete(q.byID, e.cp.ID)
	return q.resolve(ctx, e, model.CheckpointCancelled, model.CheckpointResponse{Reason: reason}) == nil
}

func optionStrings(opts []model.ResponseOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = string(o)
	}
	return out
}

func cloneCheckpoint(cp *model.PendingCheckpoint) *model.PendingCheckpoint {
	out := *cp
	out.Options = slices.Clone(cp.Options)
	out.Operation = cp.Operation.Clone()
	if cp.ExpiresAt != nil {
		t := *cp.ExpiresAt
		out.ExpiresAt = &t
	}
	if cp.Response != nil {
		r := *cp.Response
		out.Response = &r
	}
	return &out
}
