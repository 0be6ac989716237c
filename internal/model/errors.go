package model

import (
	"fmt"
	"strings"
	"time"
)

// ConflictError reports an optimistic-concurrency mismatch: the entity's
// current state does not match what the caller expected. The caller should
// refetch and retry.
type ConflictError struct {
	Kind     string // "task", "sprint", "backlog"
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected %q, found %q", e.Kind, e.ID, e.Expected, e.Actual)
}

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// CycleError reports that a dependency edge would make the task graph cyclic.
// Path holds the closing cycle, starting and ending at the offending task.
type CycleError struct {
	ID   string
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("task %s: dependency cycle %s", e.ID, strings.Join(e.Path, " -> "))
}

// DependencyNotSatisfiedError reports that a task cannot run because one or
// more of its dependencies is not yet done or cancelled. This is a
// precondition failure, never retried by the core.
type DependencyNotSatisfiedError struct {
	ID    string
	Unmet []string
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s: dependencies not satisfied: %s", e.ID, strings.Join(e.Unmet, ", "))
}

// AlreadyRunningError reports a duplicate trigger for a task that has an
// in-flight execution. The caller should poll instead.
type AlreadyRunningError struct {
	ID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("task %s already has an in-flight execution", e.ID)
}

// QueueTimeoutError is the dispatcher's backpressure signal: no execution
// slot became free within the configured queue wait.
type QueueTimeoutError struct {
	Wait time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("no execution slot available within %s", e.Wait)
}

// InvalidTransitionError reports an illegal status transition.
type InvalidTransitionError struct {
	Kind string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %q -> %q", e.Kind, e.From, e.To)
}

// SprintGateError reports that a sprint transition gate is not met because
// some member tasks are not yet in the required terminal states.
type SprintGateError struct {
	SprintID string
	To       SprintStatus
	Blocking []string
}

func (e *SprintGateError) Error() string {
	return fmt.Sprintf("sprint %s cannot enter %s: tasks not terminal: %s",
		e.SprintID, e.To, strings.Join(e.Blocking, ", "))
}

// ValidationError reports malformed caller input (empty title, unknown role,
// bad identifier format). Surfaced immediately, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}
