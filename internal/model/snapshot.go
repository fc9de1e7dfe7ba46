package model

import "time"

type SnapshotTrigger string

const (
	TriggerStepStart          SnapshotTrigger = "step_start"
	TriggerCheckpointApproved SnapshotTrigger = "checkpoint_approved"
	TriggerCompaction         SnapshotTrigger = "compaction"
	TriggerManual             SnapshotTrigger = "manual"
)

func ValidSnapshotTrigger(t SnapshotTrigger) bool {
	switch t {
	case TriggerStepStart, TriggerCheckpointApproved, TriggerCompaction, TriggerManual:
		return true
	}
	return false
}

// Snapshot is an append-only capture of a session. Every slice except
// SessionState is optional.
type Snapshot struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Trigger   SnapshotTrigger `json:"trigger"`
	StepID    string          `json:"step_id,omitempty"`
	Seq       int64           `json:"seq"`
	// ChangeSeq is the highest resource change sequence recorded when the
	// snapshot was taken. Restore undoes everything after it.
	ChangeSeq     int64          `json:"change_seq"`
	SessionState  SessionState   `json:"session_state"`
	PlanState     *Plan          `json:"plan_state,omitempty"`
	ResourceDelta *ResourceDelta `json:"resource_delta,omitempty"`
	ContextState  *ContextState  `json:"context_state,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type ResourceDelta struct {
	Created  []ResourceRef      `json:"created,omitempty"`
	Modified []ModifiedResource `json:"modified,omitempty"`
	Deleted  []DeletedResource  `json:"deleted,omitempty"`
}

func (d *ResourceDelta) Empty() bool {
	return d == nil || len(d.Created)+len(d.Modified)+len(d.Deleted) == 0
}

type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type ModifiedResource struct {
	ResourceRef
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

type DeletedResource struct {
	ResourceRef
	Data map[string]any `json:"data"`
}

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// ResourceChange is one mutation recorded by the executor, in session order.
type ResourceChange struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	StepID     string         `json:"step_id,omitempty"`
	Seq        int64          `json:"seq"`
	Kind       ChangeKind     `json:"kind"`
	Type       string         `json:"type"`
	ResourceID string         `json:"resource_id"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Reverted   bool           `json:"reverted"`
	At         time.Time      `json:"at"`
}

// SessionState is the session slice stored in every snapshot.
type SessionState struct {
	Goal      string       `json:"goal"`
	Mode      Mode         `json:"mode"`
	LoopState LoopState    `json:"loop_state"`
	PlanID    string       `json:"plan_id,omitempty"`
	Control   ControlState `json:"control"`
}

// ContextLayer names a logical layer of the context window.
type ContextLayer string

const (
	LayerSystem  ContextLayer = "system"
	LayerSession ContextLayer = "session"
	LayerWorking ContextLayer = "working"
	LayerInstant ContextLayer = "instant"
)

var ContextLayers = []ContextLayer{LayerSystem, LayerSession, LayerWorking, LayerInstant}

// ContextState is the exported content of every context layer.
type ContextState struct {
	Layers      map[ContextLayer][]string `json:"layers"`
	Compactions int                       `json:"compactions"`
}

// RestoreOutcome is the per-resource result of undoing one change.
type RestoreOutcome struct {
	ChangeID   string `json:"change_id"`
	Action     string `json:"action"` // delete_created | restore_modified | recreate_deleted
	Type       string `json:"type"`
	ResourceID string `json:"resource_id"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}

type RestoreResult struct {
	SnapshotID   string           `json:"snapshot_id"`
	Outcomes     []RestoreOutcome `json:"outcomes"`
	PlanState    *Plan            `json:"plan_state,omitempty"`
	ContextState *ContextState    `json:"context_state,omitempty"`
	SessionState SessionState     `json:"session_state"`
}

// Failed lists the outcomes that did not succeed.
func (r *RestoreResult) Failed() []RestoreOutcome {
	var out []RestoreOutcome
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			out = append(out, o)
		}
	}
	return out
}
