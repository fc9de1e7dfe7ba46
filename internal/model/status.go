package model

import "fmt"

type StepStatus string

const (
	StepPending             StepStatus = "pending"
	StepInProgress          StepStatus = "in_progress"
	StepWaitingConfirmation StepStatus = "waiting_confirmation"
	StepCompleted           StepStatus = "completed"
	StepFailed              StepStatus = "failed"
	StepSkipped             StepStatus = "skipped"
	StepReplanned           StepStatus = "replanned"
)

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanReplanned PlanStatus = "replanned"
	PlanStopped   PlanStatus = "stopped"
)

// LoopState is the state of a session's agent loop.
type LoopState string

const (
	LoopIdle      LoopState = "idle"
	LoopPlanning  LoopState = "planning"
	LoopExecuting LoopState = "executing"
	LoopWaiting   LoopState = "waiting"
	LoopCompleted LoopState = "completed"
	LoopFailed    LoopState = "failed"
	LoopStopped   LoopState = "stopped"
)

type CheckpointStatus string

const (
	CheckpointOpen      CheckpointStatus = "open"
	CheckpointApproved  CheckpointStatus = "approved"
	CheckpointModified  CheckpointStatus = "modified"
	CheckpointTakenOver CheckpointStatus = "taken_over"
	CheckpointRejected  CheckpointStatus = "rejected"
	CheckpointExpired   CheckpointStatus = "expired"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepCompleted: true,
	StepSkipped:   true,
	StepReplanned: true,
}

var terminalPlanStatuses = map[PlanStatus]bool{
	PlanCompleted: true,
	PlanReplanned: true,
}

// Step transitions. pending → completed covers steps reconciled as done by the human.
// failed stays open for recovery (retry with modified parameters, skip, replan).
var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepInProgress:          true,
		StepWaitingConfirmation: true,
		StepCompleted:           true,
		StepSkipped:             true,
		StepReplanned:           true,
	},
	StepWaitingConfirmation: {
		StepInProgress: true,
		StepPending:    true, // takeover: the human performs the step
		StepCompleted:  true,
		StepSkipped:    true,
		StepReplanned:  true,
	},
	StepInProgress: {
		StepCompleted: true,
		StepFailed:    true,
		StepPending:   true, // interrupted before the mutation was recorded
	},
	StepFailed: {
		StepPending:   true,
		StepSkipped:   true,
		StepReplanned: true,
	},
}

var validPlanTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanActive: {
		PlanCompleted: true,
		PlanFailed:    true,
		PlanReplanned: true,
		PlanStopped:   true,
	},
	PlanStopped: {
		PlanActive:    true,
		PlanReplanned: true,
	},
	PlanFailed: {
		PlanActive:    true, // recovery after a surfaced failure
		PlanReplanned: true,
	},
}

var validLoopTransitions = map[LoopState]map[LoopState]bool{
	LoopIdle: {
		LoopPlanning: true,
		LoopStopped:  true,
	},
	LoopPlanning: {
		LoopExecuting: true,
		LoopWaiting:   true,
		LoopFailed:    true,
		LoopStopped:   true,
	},
	LoopExecuting: {
		LoopPlanning:  true,
		LoopWaiting:   true,
		LoopCompleted: true,
		LoopFailed:    true,
		LoopStopped:   true,
	},
	LoopWaiting: {
		LoopExecuting: true,
		LoopPlanning:  true,
		LoopCompleted: true,
		LoopFailed:    true,
		LoopStopped:   true,
	},
	// A finished or stopped loop accepts a new goal (planning), a snapshot
	// restore (executing) or a resume.
	LoopCompleted: {
		LoopPlanning:  true,
		LoopExecuting: true,
	},
	LoopFailed: {
		LoopPlanning:  true,
		LoopWaiting:   true,
		LoopExecuting: true,
		LoopStopped:   true,
	},
	LoopStopped: {
		LoopPlanning:  true,
		LoopExecuting: true,
		LoopWaiting:   true,
	},
}

func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

func IsPlanTerminal(s PlanStatus) bool {
	return terminalPlanStatuses[s]
}

// IsLoopSettled reports whether a session has finished its goal, one way or
// the other. A settled session stays addressable for redirect and restore.
func IsLoopSettled(s LoopState) bool {
	return s == LoopCompleted || s == LoopFailed
}

// IsStepSatisfied reports whether a dependency in status s unblocks its dependents.
func IsStepSatisfied(s StepStatus) bool {
	return s == StepCompleted || s == StepSkipped
}

func ValidateStepTransition(from, to StepStatus) error {
	if IsStepTerminal(from) {
		return fmt.Errorf("cannot transition from terminal step status %q", from)
	}
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("unknown step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePlanTransition(from, to PlanStatus) error {
	if IsPlanTerminal(from) {
		return fmt.Errorf("cannot transition from terminal plan status %q", from)
	}
	allowed, ok := validPlanTransitions[from]
	if !ok {
		return fmt.Errorf("unknown plan status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid plan transition: %q → %q", from, to)
	}
	return nil
}

func ValidateLoopTransition(from, to LoopState) error {
	if from == to {
		return nil
	}
	allowed, ok := validLoopTransitions[from]
	if !ok {
		return fmt.Errorf("unknown loop state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid loop transition: %q → %q", from, to)
	}
	return nil
}

func IsCheckpointResolved(s CheckpointStatus) bool {
	return s != CheckpointOpen && s != ""
}
