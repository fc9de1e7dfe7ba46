// Package snapshot captures restorable session state and undoes resource
// changes recorded after a capture.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/agentloop/internal/lock"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/store"
)

const (
	ActionDeleteCreated   = "delete_created"
	ActionRestoreModified = "restore_modified"
	ActionRecreateDeleted = "recreate_deleted"
)

// Capture is the state handed in by the owner of the session. Plan and
// Context are optional.
type Capture struct {
	Session model.SessionState
	Plan    *model.Plan
	Context *model.ContextState
}

type Manager struct {
	store     *store.Store
	resources resource.System
	cfg       model.SnapshotConfig
	locks     *lock.KeyedMutex
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option { return func(mg *Manager) { mg.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(mg *Manager) { mg.logger = l } }
func WithClock(now func() time.Time) Option { return func(mg *Manager) { mg.now = now } }
func WithLocks(l *lock.KeyedMutex) Option { return func(mg *Manager) { mg.locks = l } }

func NewManager(st *store.Store, resources resource.System, cfg model.SnapshotConfig, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		resources: resources,
		cfg:       cfg,
		locks:     lock.NewKeyedMutex(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create persists a snapshot of the session. The resource delta holds the
// changes recorded since the previous snapshot.
func (m *Manager) Create(ctx context.Context, sessionID string, trigger model.SnapshotTrigger, stepID string, c Capture) (*model.Snapshot, error) {
	if !model.ValidSnapshotTrigger(trigger) {
		return nil, fmt.Errorf("unknown snapshot trigger %q", trigger)
	}
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)
	return m.create(ctx, sessionID, trigger, stepID, c)
}

func (m *Manager) create(ctx context.Context, sessionID string, trigger model.SnapshotTrigger, stepID string, c Capture) (*model.Snapshot, error) {
	maxSeq, err := m.store.MaxChangeSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var prevSeq int64
	prev, err := m.store.LatestSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		prevSeq = prev.ChangeSeq
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	changes, err := m.store.ChangesAfter(ctx, sessionID, prevSeq)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		ID:            model.MustGenerateID(model.IDTypeSnapshot),
		SessionID:     sessionID,
		Trigger:       trigger,
		StepID:        stepID,
		ChangeSeq:     maxSeq,
		SessionState:  c.Session,
		PlanState:     c.Plan.Clone(),
		ResourceDelta: deltaOf(changes),
		CreatedAt:     m.now(),
	}
	if c.Context != nil {
		cs := *c.Context
		snap.ContextState = &cs
	}
	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	m.logger.Debug("snapshot created", "session", sessionID, "snapshot", snap.ID,
		"trigger", trigger, "step", stepID, "change_seq", maxSeq)
	return snap, nil
}

func deltaOf(changes []*model.ResourceChange) *model.ResourceDelta {
	d := &model.ResourceDelta{}
	for _, c := range changes {
		if c.Reverted {
			continue
		}
		ref := model.ResourceRef{Type: c.Type, ID: c.ResourceID}
		switch c.Kind {
		case model.ChangeCreated:
			d.Created = append(d.Created, ref)
		case model.ChangeModified:
			d.Modified = append(d.Modified, model.ModifiedResource{ResourceRef: ref, Before: c.Before, After: c.After})
		case model.ChangeDeleted:
			d.Deleted = append(d.Deleted, model.DeletedResource{ResourceRef: ref, Data: c.Before})
		}
	}
	if d.Empty() {
		return nil
	}
	return d
}

// EnsureBeforeMutation returns the latest snapshot when it was taken for
// stepID and nothing has changed since; otherwise it takes a new step_start
// snapshot carrying the latest known state.
func (m *Manager) EnsureBeforeMutation(ctx context.Context, sessionID, stepID string) (string, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	maxSeq, err := m.store.MaxChangeSeq(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var c Capture
	latest, err := m.store.LatestSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		if latest.StepID == stepID && latest.ChangeSeq == maxSeq {
			return latest.ID, nil
		}
		c = Capture{Session: latest.SessionState, Plan: latest.PlanState, Context: latest.ContextState}
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	snap, err := m.create(ctx, sessionID, model.TriggerStepStart, stepID, c)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

// Restore undoes every change recorded after the snapshot, newest first.
// Each resource is handled on its own: failures are reported per outcome
// and leave the change unreverted, so calling Restore again retries only
// what is left.
func (m *Manager) Restore(ctx context.Context, snapshotID string) (*model.RestoreResult, error) {
	snap, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	m.locks.Lock(snap.SessionID)
	defer m.locks.Unlock(snap.SessionID)

	changes, err := m.store.ChangesAfter(ctx, snap.SessionID, snap.ChangeSeq)
	if err != nil {
		return nil, err
	}
	res := &model.RestoreResult{
		SnapshotID:   snap.ID,
		PlanState:    snap.PlanState,
		ContextState: snap.ContextState,
		SessionState: snap.SessionState,
	}
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		if c.Reverted {
			continue
		}
		out := m.undo(ctx, c)
		if out.Succeeded {
			if err := m.store.MarkChangeReverted(ctx, c); err != nil {
				out.Succeeded = false
				out.Error = err.Error()
			}
		}
		m.metrics.RestoreAction(out.Action, out.Succeeded)
		res.Outcomes = append(res.Outcomes, out)
	}
	if failed := res.Failed(); len(failed) > 0 {
		m.logger.Warn("restore incomplete", "session", snap.SessionID, "snapshot", snap.ID,
			"failed", len(failed), "total", len(res.Outcomes))
	} else {
		m.logger.Info("snapshot restored", "session", snap.SessionID, "snapshot", snap.ID, "reverted", len(res.Outcomes))
	}
	return res, nil
}

func (m *Manager) undo(ctx context.Context, c *model.ResourceChange) model.RestoreOutcome {
	out := model.RestoreOutcome{ChangeID: c.ID, Type: c.Type, ResourceID: c.ResourceID}
	var err error
	switch c.Kind {
	case model.ChangeCreated:
		out.Action = ActionDeleteCreated
		_, err = m.resources.Delete(ctx, c.Type, c.ResourceID)
		if errors.Is(err, resource.ErrNotFound) {
			err = nil
		}
	case model.ChangeModified:
		out.Action = ActionRestoreModified
		err = m.resources.Put(ctx, c.Type, c.ResourceID, c.Before)
	case model.ChangeDeleted:
		out.Action = ActionRecreateDeleted
		err = m.resources.Put(ctx, c.Type, c.ResourceID, c.Before)
	default:
		err = fmt.Errorf("unknown change kind %q", c.Kind)
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Succeeded = true
	return out
}

func (m *Manager) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	return m.store.GetSnapshot(ctx, id)
}

func (m *Manager) List(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	return m.store.ListSnapshots(ctx, sessionID)
}

func (m *Manager) Latest(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	return m.store.LatestSnapshot(ctx, sessionID)
}

// GC applies the retention policy: at most MaxCount snapshots per session
// and none older than TTLHours. The newest snapshot of a session is always
// kept so a session can be restored.
func (m *Manager) GC(ctx context.Context) (int, error) {
	sessions, err := m.store.SnapshotSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	ttl := time.Duration(m.cfg.TTLHours) * time.Hour
	total := 0
	for _, sid := range sessions {
		snaps, err := m.store.ListSnapshots(ctx, sid)
		if err != nil {
			return total, err
		}
		var drop []string
		for i, s := range snaps[:len(snaps)-1] {
			overCount := m.cfg.MaxCount > 0 && len(snaps)-i > m.cfg.MaxCount
			expired := ttl > 0 && now.Sub(s.CreatedAt) > ttl
			if overCount || expired {
				drop = append(drop, s.ID)
			}
		}
		if len(drop) == 0 {
			continue
		}
		n, err := m.store.DeleteSnapshots(ctx, drop)
		if err != nil {
			return total, err
		}
		total += n
		m.logger.Debug("snapshots collected", "session", sid, "deleted", n)
	}
	return total, nil
}
