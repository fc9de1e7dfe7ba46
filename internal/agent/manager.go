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

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/agentloop/internal/checkpoint"
	"github.com/msageha/agentloop/internal/collab"
	"github.com/msageha/agentloop/internal/contextmgr"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/store"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrTooManySessions  = errors.New("too many running sessions")
	ErrSessionNotActive = errors.New("session is not running")
)

type StartRequest struct {
	Goal string
	// Mode defaults to the configured default mode.
	Mode model.Mode
}

// Status is the externally visible view of one session.
type Status struct {
	Session    *model.Session           `json:"session"`
	Plan       *model.Plan              `json:"plan,omitempty"`
	Checkpoint *model.PendingCheckpoint `json:"checkpoint,omitempty"`
	Context    *contextmgr.Usage        `json:"context,omitempty"`
	Running    bool                     `json:"running"`
}

// Manager owns the running session loops. Sessions are independent: a
// failure in one never touches another.
type Manager struct {
	deps   *Deps
	root   context.Context
	logger *slog.Logger

	mu     sync.Mutex
	loops  map[string]*Loop
	resume singleflight.Group
}

// NewManager creates a manager whose loops live until root is cancelled or
// StopAll is called.
func NewManager(root context.Context, deps *Deps) *Manager {
	return &Manager{
		deps:   deps,
		root:   root,
		logger: deps.Logger.With("component", "sessions"),
		loops:  make(map[string]*Loop),
	}
}

func (m *Manager) loop(id string) (*Loop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, id)
	}
	return l, nil
}

// checkLimitLocked refuses another loop once MaxConcurrent sessions are
// unsettled. Completed and failed sessions keep their loop but do not count.
func (m *Manager) checkLimitLocked() error {
	active := 0
	for _, l := range m.loops {
		if !model.IsLoopSettled(l.state()) {
			active++
		}
	}
	if active >= m.deps.Config.Session.MaxConcurrent {
		return fmt.Errorf("%w: limit %d", ErrTooManySessions, m.deps.Config.Session.MaxConcurrent)
	}
	return nil
}

// Start creates a session for goal and begins planning.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*model.Session, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}
	mode := req.Mode
	if mode == "" {
		mode = m.deps.Config.Session.DefaultMode
	}
	if _, err := model.ParseMode(string(mode)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLimitLocked(); err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &model.Session{
		ID:        model.MustGenerateID(model.IDTypeSession),
		Goal:      goal,
		Mode:      mode,
		LoopState: model.LoopIdle,
		Control:   model.ControlState{Holder: model.ControllerAgent, Reason: "session start", ChangedAt: now},
		CreatedAt: now,
		UpdatedAt: now,
	}
	l := newLoop(m.deps, sess, nil)
	l.ctxm.Set(model.LayerSystem, systemPrompt)
	l.ctxm.Set(model.LayerSession, "goal: "+goal)
	l.setStateLocked(model.LoopPlanning)
	if err := l.persistLocked(ctx); err != nil {
		return nil, err
	}
	m.loops[sess.ID] = l
	m.deps.Metrics.SessionStarted()
	l.start(m.root)
	m.logger.Info("session started", "session", sess.ID, "mode", mode, "goal", goal)
	return l.Session(), nil
}

// Get reports a session, running or not.
func (m *Manager) Get(ctx context.Context, id string) (*Status, error) {
	if l, err := m.loop(id); err == nil {
		u := l.ContextUsage()
		st := &Status{Session: l.Session(), Plan: l.Plan(), Context: &u, Running: true}
		if cp, ok := m.deps.Queue.OpenFor(id); ok {
			st.Checkpoint = cp
		}
		return st, nil
	}
	sess, err := m.deps.Store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err != nil {
		return nil, err
	}
	st := &Status{Session: sess}
	if sess.PlanID != "" {
		if p, err := m.deps.Store.GetPlan(ctx, sess.PlanID); err == nil {
			st.Plan = p
		}
	}
	return st, nil
}

// List returns every persisted session, newest first, with the live copy
// substituted for running ones.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	all, err := m.deps.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for i, s := range all {
		if l, ok := m.loops[s.ID]; ok {
			all[i] = l.Session()
		}
	}
	m.mu.Unlock()
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all, nil
}

// Stop halts one session. It can be resumed later from durable state.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	l, ok := m.loops[id]
	delete(m.loops, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, id)
	}
	m.deps.Metrics.SessionEnded()
	return l.stop(ctx, true)
}

// StopAll halts every running session concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*Loop)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, l := range loops {
		g.Go(func() error {
			m.deps.Metrics.SessionEnded()
			if err := l.stop(gctx, false); err != nil {
				return fmt.Errorf("stop session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Resume restarts the loop of a persisted session. Concurrent calls for the
// same session share one resume.
func (m *Manager) Resume(ctx context.Context, id string) (*model.Session, error) {
	v, err, _ := m.resume.Do(id, func() (any, error) {
		if l, err := m.loop(id); err == nil {
			return l.Session(), nil
		}
		sess, err := m.deps.Store.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
		if err != nil {
			return nil, err
		}
		var p *model.Plan
		if sess.PlanID != "" {
			if p, err = m.deps.Store.GetPlan(ctx, sess.PlanID); err != nil {
				return nil, fmt.Errorf("load plan of %s: %w", id, err)
			}
		}

		m.mu.Lock()
		if err := m.checkLimitLocked(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		l := newLoop(m.deps, sess, p)
		if err := l.prepareResume(ctx); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.loops[id] = l
		m.mu.Unlock()

		m.deps.Metrics.SessionStarted()
		l.start(m.root)
		m.logger.Info("session resumed", "session", id, "state", sess.LoopState)
		return l.Session(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Session), nil
}

// ResumeAll reloads open checkpoints and restarts every session that was
// not finished when the process went down.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	if _, err := m.deps.Queue.Recover(ctx); err != nil {
		return 0, fmt.Errorf("recover checkpoints: %w", err)
	}
	all, err := m.deps.Store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		switch s.LoopState {
		case model.LoopCompleted, model.LoopFailed:
			continue
		}
		if _, err := m.Resume(ctx, s.ID); err != nil {
			m.logger.Warn("resume session", "session", s.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Respond answers a checkpoint. A takeover answer also moves control.
func (m *Manager) Respond(ctx context.Context, checkpointID string, resp model.CheckpointResponse) (*model.PendingCheckpoint, error) {
	cp, ok := m.deps.Queue.Get(checkpointID)
	if !ok {
		cp, err := m.deps.Store.GetCheckpoint(ctx, checkpointID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s is %s", checkpoint.ErrResolved, checkpointID, cp.Status)
	}
	if resp.Option == model.RespondTakeover {
		l, err := m.loop(cp.SessionID)
		if err != nil {
			return nil, err
		}
		reason := resp.Reason
		if reason == "" {
			reason = "checkpoint takeover"
		}
		t, err := l.Takeover(ctx, reason)
		if err != nil {
			return nil, err
		}
		return t.Checkpoint, nil
	}
	return m.deps.Queue.Respond(ctx, checkpointID, resp)
}

func (m *Manager) Takeover(ctx context.Context, id, reason string) (*collab.Transfer, error) {
	l, err := m.loop(id)
	if err != nil {
		return nil, err
	}
	return l.Takeover(ctx, reason)
}

func (m *Manager) Handback(ctx context.Context, id, reason string) (*collab.Transfer, error) {
	l, err := m.loop(id)
	if err != nil {
		return nil, err
	}
	return l.Handback(ctx, reason)
}

func (m *Manager) RecordAction(ctx context.Context, a model.TrackedAction) (*model.TrackedAction, bool, error) {
	l, err := m.loop(a.SessionID)
	if err != nil {
		return nil, false, err
	}
	return l.RecordAction(ctx, a)
}

func (m *Manager) Redirect(ctx context.Context, id, goal string) error {
	l, err := m.loop(id)
	if err != nil {
		return err
	}
	return l.Redirect(ctx, goal)
}

func (m *Manager) Continue(ctx context.Context, id string) error {
	l, err := m.loop(id)
	if err != nil {
		return err
	}
	return l.Continue(ctx)
}

func (m *Manager) Recover(ctx context.Context, id string, opt model.RecoveryOption, params map[string]any) error {
	l, err := m.loop(id)
	if err != nil {
		return err
	}
	return l.Recover(ctx, opt, params)
}

func (m *Manager) Restore(ctx context.Context, id, snapshotID string) (*model.RestoreResult, error) {
	l, err := m.loop(id)
	if err != nil {
		return nil, err
	}
	return l.Restore(ctx, snapshotID)
}

// Snapshots lists the snapshots of a session, oldest first.
func (m *Manager) Snapshots(ctx context.Context, id string) ([]*model.Snapshot, error) {
	return m.deps.Snapshots.List(ctx, id)
}

// Running returns the ids of sessions with a live loop.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
