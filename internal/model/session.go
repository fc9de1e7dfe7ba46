package model

import (
	"fmt"
	"time"
)

// Controller is the party that currently holds execution authority.
type Controller string

const (
	ControllerAgent Controller = "agent"
	ControllerHuman Controller = "human"
)

type ControlState struct {
	Holder    Controller `json:"holder"`
	Reason    string     `json:"reason,omitempty"`
	ChangedAt time.Time  `json:"changed_at"`
}

// Mode is the collaboration mode that sets the default checkpoint policy.
type Mode string

const (
	ModeAutomatic  Mode = "automatic"
	ModeSupervised Mode = "supervised"
	ModeManual     Mode = "manual"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAutomatic, ModeSupervised, ModeManual:
		return Mode(s), nil
	case "":
		return ModeSupervised, nil
	}
	return "", fmt.Errorf("unknown collaboration mode %q", s)
}

type Session struct {
	ID             string       `json:"id"`
	Goal           string       `json:"goal"`
	Mode           Mode         `json:"mode"`
	LoopState      LoopState    `json:"loop_state"`
	PlanID         string       `json:"plan_id,omitempty"`
	LastSnapshotID string       `json:"last_snapshot_id,omitempty"`
	Control        ControlState `json:"control"`
	// AwaitingInput is set when the loop is parked until the human redirects
	// or chooses a recovery option.
	AwaitingInput bool           `json:"awaiting_input"`
	Failure       *FailureReport `json:"failure,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// State returns the snapshot slice for this session.
func (s *Session) State() SessionState {
	return SessionState{
		Goal:      s.Goal,
		Mode:      s.Mode,
		LoopState: s.LoopState,
		PlanID:    s.PlanID,
		Control:   s.Control,
	}
}

type RecoveryOption string

const (
	RecoverSkip          RecoveryOption = "skip"
	RecoverReplan        RecoveryOption = "replan"
	RecoverRetryModified RecoveryOption = "retry_modified"
	RecoverRollback      RecoveryOption = "rollback"
)

// FailureReport is published with AGENT_FAILED when a step aborts.
type FailureReport struct {
	StepID     string           `json:"step_id,omitempty"`
	Kind       string           `json:"kind"`
	Reason     string           `json:"reason"`
	SnapshotID string           `json:"snapshot_id,omitempty"`
	Options    []RecoveryOption `json:"options,omitempty"`
}
