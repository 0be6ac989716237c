// Package worker defines the invocation boundary to external AI worker
// processes. The core treats an invocation as an opaque asynchronous
// capability: it may take minutes, it may be cancelled through the context,
// and it always reports a structured outcome.
package worker

import (
	"context"

	"github.com/crewd/crewd/internal/model"
)

// Invocation carries everything a worker needs for one task attempt.
type Invocation struct {
	TaskID      string `json:"task_id"`
	Role        string `json:"role"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Attempt     int    `json:"attempt"`
}

// Invoker executes one task attempt. Implementations must honor context
// cancellation (best-effort external process termination) and must return a
// structured outcome rather than encoding failure kind in message text.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) model.Outcome
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) model.Outcome

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) model.Outcome {
	return f(ctx, inv)
}
