package model

import "time"

type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionInput    ActionKind = "input"
	ActionSelect   ActionKind = "select"
	ActionSubmit   ActionKind = "submit"
	ActionNavigate ActionKind = "navigate"
)

func ValidActionKind(k ActionKind) bool {
	switch k {
	case ActionClick, ActionInput, ActionSelect, ActionSubmit, ActionNavigate:
		return true
	}
	return false
}

type ActionSource string

const (
	SourceHuman   ActionSource = "human"
	SourceAgentUI ActionSource = "agent_ui"
)

// ActionTarget is the element a human acted on, with the resource it maps to when detectable.
type ActionTarget struct {
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Label        string            `json:"label,omitempty"`
	URL          string            `json:"url,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// TrackedAction is a DOM-level action the human performed outside the loop.
type TrackedAction struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Kind      ActionKind   `json:"kind"`
	Source    ActionSource `json:"source"`
	Target    ActionTarget `json:"target"`
	Value     string       `json:"value,omitempty"`
	// MatchedStepID is set once reconciliation attributes the action to a step.
	MatchedStepID string    `json:"matched_step_id,omitempty"`
	At            time.Time `json:"at"`
}
