package model

import "time"

// ResponseOption is one of the four fixed answers to a checkpoint prompt.
type ResponseOption string

const (
	RespondApprove  ResponseOption = "approve"
	RespondModify   ResponseOption = "modify"
	RespondTakeover ResponseOption = "takeover"
	RespondReject   ResponseOption = "reject"
)

// AllResponseOptions is the option set offered on every checkpoint.
var AllResponseOptions = []ResponseOption{RespondApprove, RespondModify, RespondTakeover, RespondReject}

func ValidResponseOption(o ResponseOption) bool {
	switch o {
	case RespondApprove, RespondModify, RespondTakeover, RespondReject:
		return true
	}
	return false
}

type CheckpointType string

const (
	CheckpointConfirm     CheckpointType = "confirm"
	CheckpointDestructive CheckpointType = "destructive"
	CheckpointReview      CheckpointType = "review"
)

type PendingCheckpoint struct {
	ID        string              `json:"id" yaml:"id"`
	StepID    string              `json:"step_id" yaml:"step_id"`
	SessionID string              `json:"session_id" yaml:"session_id"`
	Options   []ResponseOption    `json:"options" yaml:"options"`
	Type      CheckpointType      `json:"type" yaml:"type"`
	Message   string              `json:"message,omitempty" yaml:"message,omitempty"`
	Operation Operation           `json:"operation" yaml:"operation"`
	CreatedAt time.Time           `json:"created_at" yaml:"created_at"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Status    CheckpointStatus    `json:"status" yaml:"status"`
	Response  *CheckpointResponse `json:"response,omitempty" yaml:"response,omitempty"`
}

// CheckpointResponse is the resolution of a checkpoint. Params carries the
// replacement operation parameters for a modify answer.
type CheckpointResponse struct {
	Option      ResponseOption `json:"option" yaml:"option"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Reason      string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	RespondedAt time.Time      `json:"responded_at" yaml:"responded_at"`
}

// Expired reports whether the checkpoint deadline has passed at now.
func (c *PendingCheckpoint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// StatusForOption maps a response option to the checkpoint's resolved status.
func StatusForOption(o ResponseOption) CheckpointStatus {
	switch o {
	case RespondApprove:
		return CheckpointApproved
	case RespondModify:
		return CheckpointModified
	case RespondTakeover:
		return CheckpointTakenOver
	default:
		return CheckpointRejected
	}
}
