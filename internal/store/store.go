// Package store persists sessions, plans, checkpoints, snapshots, resource
// changes, tracked actions and events in SQLite so a session can be resumed
// from durable state alone.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		loop_state TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS plans_session ON plans(session_id, version);`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at INTEGER,
		body TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS checkpoints_open ON checkpoints(status, session_id);`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		trigger_kind TEXT NOT NULL,
		change_seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		body TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS resource_changes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		reverted INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		at INTEGER NOT NULL,
		body TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS actions_session ON actions(session_id, at);`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		body TEXT NOT NULL,
		UNIQUE(session_id, seq)
	);`,
}

// Open opens (creating when missing) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection serialises writers and keeps sequence allocation atomic.
	db.SetMaxOpenConns(1)

	pragmas := []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`, `PRAGMA foreign_keys=ON;`}
	for _, q := range append(pragmas, schema...) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode[T any](body string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func queryOne[T any](ctx context.Context, db *sql.DB, what, q string, args ...any) (*T, error) {
	var body string
	err := db.QueryRowContext(ctx, q, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	v, err := decode[T](body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	return v, nil
}

func queryAll[T any](ctx context.Context, db *sql.DB, what, q string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		v, err := decode[T](body)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", what, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	body, err := encode(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, loop_state, updated_at, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET loop_state = excluded.loop_state, updated_at = excluded.updated_at, body = excluded.body`,
		sess.ID, string(sess.LoopState), sess.UpdatedAt.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return queryOne[model.Session](ctx, s.db, "session "+id, `SELECT body FROM sessions WHERE id = ?`, id)
}

func (s *Store) ListSessions(ctx context.Context) ([]*model.Session, error) {
	return queryAll[model.Session](ctx, s.db, "sessions", `SELECT body FROM sessions ORDER BY updated_at DESC`)
}

// --- plans ---

func (s *Store) SavePlan(ctx context.Context, p *model.Plan) error {
	body, err := encode(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, session_id, status, version, updated_at, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, body = excluded.body`,
		p.ID, p.SessionID, string(p.Status), p.Version, p.UpdatedAt.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	return queryOne[model.Plan](ctx, s.db, "plan "+id, `SELECT body FROM plans WHERE id = ?`, id)
}

// PlansForSession returns every plan version of a session, oldest first.
func (s *Store) PlansForSession(ctx context.Context, sessionID string) ([]*model.Plan, error) {
	return queryAll[model.Plan](ctx, s.db, "plans", `SELECT body FROM plans WHERE session_id = ? ORDER BY version`, sessionID)
}

// --- checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp *model.PendingCheckpoint) error {
	body, err := encode(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	var expires sql.NullInt64
	if cp.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: cp.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, step_id, status, expires_at, body) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, expires_at = excluded.expires_at, body = excluded.body`,
		cp.ID, cp.SessionID, cp.StepID, string(cp.Status), expires, body)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*model.PendingCheckpoint, error) {
	return queryOne[model.PendingCheckpoint](ctx, s.db, "checkpoint "+id, `SELECT body FROM checkpoints WHERE id = ?`, id)
}

// OpenCheckpoints lists unresolved checkpoints across all sessions.
func (s *Store) OpenCheckpoints(ctx context.Context) ([]*model.PendingCheckpoint, error) {
	return queryAll[model.PendingCheckpoint](ctx, s.db, "checkpoints",
		`SELECT body FROM checkpoints WHERE status = ? ORDER BY rowid`, string(model.CheckpointOpen))
}

// --- snapshots ---

// InsertSnapshot stores the snapshot as one record and assigns its per-session Seq.
func (s *Store) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots WHERE session_id = ?`, snap.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("allocate snapshot seq: %w", err)
	}
	snap.Seq = seq
	body, err := encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, session_id, seq, trigger_kind, change_seq, created_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SessionID, seq, string(snap.Trigger), snap.ChangeSeq, snap.CreatedAt.UnixNano(), body); err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return tx.Commit()
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	return queryOne[model.Snapshot](ctx, s.db, "snapshot "+id, `SELECT body FROM snapshots WHERE id = ?`, id)
}

// ListSnapshots returns the snapshots of a session in creation order.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	return queryAll[model.Snapshot](ctx, s.db, "snapshots",
		`SELECT body FROM snapshots WHERE session_id = ? ORDER BY seq`, sessionID)
}

func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	return queryOne[model.Snapshot](ctx, s.db, "latest snapshot of "+sessionID,
		`SELECT body FROM snapshots WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
}

// SnapshotSessions lists the sessions that own at least one snapshot.
func (s *Store) SnapshotSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteSnapshots(ctx context.Context, ids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("delete snapshot %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// --- resource changes ---

// AppendChange records a mutation and assigns its per-session Seq.
func (s *Store) AppendChange(ctx context.Context, c *model.ResourceChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM resource_changes WHERE session_id = ?`, c.SessionID).Scan(&c.Seq); err != nil {
		return fmt.Errorf("allocate change seq: %w", err)
	}
	body, err := encode(c)
	if err != nil {
		return fmt.Errorf("encode change %s: %w", c.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_changes (id, session_id, seq, reverted, body) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Seq, c.Reverted, body); err != nil {
		return fmt.Errorf("insert change %s: %w", c.ID, err)
	}
	return tx.Commit()
}

// ChangesAfter returns the changes of a session with seq > afterSeq in order.
func (s *Store) ChangesAfter(ctx context.Context, sessionID string, afterSeq int64) ([]*model.ResourceChange, error) {
	return queryAll[model.ResourceChange](ctx, s.db, "resource changes",
		`SELECT body FROM resource_changes WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
}

func (s *Store) MaxChangeSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM resource_changes WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max change seq: %w", err)
	}
	return seq, nil
}

func (s *Store) MarkChangeReverted(ctx context.Context, c *model.ResourceChange) error {
	c.Reverted = true
	body, err := encode(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE resource_changes SET reverted = 1, body = ? WHERE id = ?`, body, c.ID)
	if err != nil {
		return fmt.Errorf("mark change %s reverted: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("change %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// --- tracked actions ---

func (s *Store) AppendAction(ctx context.Context, a *model.TrackedAction) error {
	body, err := encode(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, session_id, at, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		a.ID, a.SessionID, a.At.UnixNano(), body)
	if err != nil {
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}

// UpdateActionMatch records the step an action was reconciled with.
func (s *Store) UpdateActionMatch(ctx context.Context, a *model.TrackedAction) error {
	body, err := encode(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE actions SET body = ? WHERE id = ?`, body, a.ID)
	if err != nil {
		return fmt.Errorf("update action %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// ActionsSince returns a session's tracked actions at or after since, oldest first.
func (s *Store) ActionsSince(ctx context.Context, sessionID string, since time.Time) ([]*model.TrackedAction, error) {
	return queryAll[model.TrackedAction](ctx, s.db, "actions",
		`SELECT body FROM actions WHERE session_id = ? AND at >= ? ORDER BY at, rowid`, sessionID, since.UnixNano())
}

// --- events (events.Journal) ---

func (s *Store) AppendEvent(ctx context.Context, e *events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, e.SessionID).Scan(&e.Seq); err != nil {
		return fmt.Errorf("allocate event seq: %w", err)
	}
	body, err := encode(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, seq, type, timestamp, body) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Seq, string(e.Type), e.Timestamp.UnixNano(), body); err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return tx.Commit()
}

func (s *Store) EventsAfter(ctx context.Context, sessionID string, afterSeq int64) ([]events.Event, error) {
	ptrs, err := queryAll[events.Event](ctx, s.db, "events",
		`SELECT body FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out, nil
}

var _ events.Journal = (*Store)(nil)
