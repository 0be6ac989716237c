package model

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// SprintStatus is the lifecycle state of a sprint.
type SprintStatus string

const (
	SprintActive    SprintStatus = "active"
	SprintPaused    SprintStatus = "paused"
	SprintCancelled SprintStatus = "cancelled"
	SprintCompleted SprintStatus = "completed"
	SprintReleased  SprintStatus = "released"
)

var terminalStatuses = map[Status]bool{
	StatusDone:      true,
	StatusCancelled: true,
}

// Task transitions: pending → in_progress → in_review → done.
// blocked and cancelled are reachable from any non-terminal state,
// in_review → in_progress on review rejection, blocked → pending on
// manual unblock, in_progress → pending on requeue (retry/handoff/cancel).
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusBlocked:    true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusInReview:  true,
		StatusDone:      true, // auto-close tasks skip review
		StatusPending:   true, // requeue
		StatusBlocked:   true,
		StatusCancelled: true,
	},
	StatusInReview: {
		StatusDone:       true,
		StatusInProgress: true, // review rejection
		StatusBlocked:    true,
		StatusCancelled:  true,
	},
	StatusBlocked: {
		StatusPending:   true, // manual unblock
		StatusCancelled: true,
	},
}

// Sprint transitions: active → {paused, cancelled, completed} → released,
// paused → active reversible. Gate conditions (all member tasks terminal for
// completed, done/cancelled for released) are enforced by the sprint manager.
var validSprintTransitions = map[SprintStatus]map[SprintStatus]bool{
	SprintActive: {
		SprintPaused:    true,
		SprintCancelled: true,
		SprintCompleted: true,
	},
	SprintPaused: {
		SprintActive: true,
	},
	SprintCompleted: {
		SprintReleased: true,
	},
	SprintCancelled: {
		SprintReleased: true,
	},
}

// IsTerminal reports whether a task status is terminal.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsSprintTerminal reports whether a sprint status is terminal.
func IsSprintTerminal(s SprintStatus) bool {
	return s == SprintReleased
}

// ValidateTaskTransition checks the legality of a task status transition.
func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return &InvalidTransitionError{Kind: "task", From: string(from), To: string(to)}
	}
	allowed, ok := validTaskTransitions[from]
	if !ok || !allowed[to] {
		return &InvalidTransitionError{Kind: "task", From: string(from), To: string(to)}
	}
	return nil
}

// ValidateSprintTransition checks the legality of a sprint status transition.
func ValidateSprintTransition(from, to SprintStatus) error {
	if IsSprintTerminal(from) {
		return &InvalidTransitionError{Kind: "sprint", From: string(from), To: string(to)}
	}
	allowed, ok := validSprintTransitions[from]
	if !ok || !allowed[to] {
		return &InvalidTransitionError{Kind: "sprint", From: string(from), To: string(to)}
	}
	return nil
}
