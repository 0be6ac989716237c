package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/crewd/crewd/internal/model"
)

// RetryLoopGuard turns a worker outcome into the task's next transition.
// It is stateless per call: retry counters live on the task record and the
// handoff memory is the ordered chain persisted with the task, not a
// separate mutable global.
type RetryLoopGuard struct {
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	loopThreshold int
	logger        *log.Logger
	logLevel      LogLevel
}

func NewRetryLoopGuard(maxAttempts int, baseDelay, maxDelay time.Duration, loopThreshold int, logger *log.Logger, logLevel LogLevel) *RetryLoopGuard {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if loopThreshold <= 0 {
		loopThreshold = 3
	}
	return &RetryLoopGuard{
		maxAttempts:   maxAttempts,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		loopThreshold: loopThreshold,
		logger:        logger,
		logLevel:      logLevel,
	}
}

// Decision is the guard's verdict for one execution outcome.
type Decision struct {
	To           model.Status
	Patch        model.TaskPatch
	RetryAfter   time.Duration // > 0 schedules a delayed re-trigger
	Retrigger    bool          // immediate re-trigger (handoff delegation)
	LoopDetected bool
}

// Decide classifies the outcome and computes the task's next state.
// requeueOnCancel controls whether a cancelled invocation re-queues the task
// or parks it blocked.
func (g *RetryLoopGuard) Decide(task *model.Task, outcome model.Outcome, requeueOnCancel bool) Decision {
	switch outcome.Kind {
	case model.OutcomeSuccess:
		return g.decideSuccess(task, outcome)
	case model.OutcomeTransient:
		return g.decideTransient(task, outcome)
	case model.OutcomePermanent:
		return g.decidePermanent(task, outcome)
	case model.OutcomeHandoff:
		return g.decideHandoff(task, outcome)
	case model.OutcomeCancelled:
		return g.decideCancelled(task, outcome, requeueOnCancel)
	default:
		// Unknown kinds are treated as permanent so the task never silently
		// stalls in_progress.
		g.log(LogLevelWarn, "unknown_outcome_kind task=%s kind=%s", task.ID, outcome.Kind)
		return g.decidePermanent(task, outcome)
	}
}

func (g *RetryLoopGuard) decideSuccess(task *model.Task, outcome model.Outcome) Decision {
	to := model.StatusInReview
	if task.AutoClose {
		to = model.StatusDone
	}
	zero := 0
	return Decision{
		To: to,
		Patch: model.TaskPatch{
			Result:         outcome.Result,
			RetryCount:     &zero,
			ClearError:     true,
			ClearNotBefore: true,
		},
	}
}

func (g *RetryLoopGuard) decideTransient(task *model.Task, outcome model.Outcome) Decision {
	kind := string(model.OutcomeTransient)
	msg := outcome.Message

	if task.RetryCount >= g.maxAttempts {
		g.log(LogLevelWarn, "retries_exhausted task=%s attempts=%d", task.ID, task.RetryCount)
		return Decision{
			To: model.StatusBlocked,
			Patch: model.TaskPatch{
				LastError: &msg,
				ErrorKind: &kind,
				Result: map[string]any{
					"blocked_reason": "retries_exhausted",
					"attempts":       task.RetryCount,
					"last_error":     msg,
				},
			},
		}
	}

	delay := g.Backoff(task.RetryCount)
	next := task.RetryCount + 1
	notBefore := time.Now().UTC().Add(delay).Format(time.RFC3339)
	g.log(LogLevelInfo, "retry_scheduled task=%s attempt=%d delay=%s", task.ID, next, delay)
	return Decision{
		To: model.StatusPending,
		Patch: model.TaskPatch{
			RetryCount: &next,
			LastError:  &msg,
			ErrorKind:  &kind,
			NotBefore:  &notBefore,
		},
		RetryAfter: delay,
	}
}

func (g *RetryLoopGuard) decidePermanent(task *model.Task, outcome model.Outcome) Decision {
	kind := string(model.OutcomePermanent)
	msg := outcome.Message
	return Decision{
		To: model.StatusBlocked,
		Patch: model.TaskPatch{
			LastError: &msg,
			ErrorKind: &kind,
			Result: map[string]any{
				"blocked_reason": "permanent_failure",
				"last_error":     msg,
			},
		},
	}
}

// decideHandoff appends the target role to the task's handoff chain. When the
// same role appears in the chain more than the loop threshold, the task is
// force-blocked with a loop marker instead of being re-delegated: this is the
// liveness safeguard against runaway agent-to-agent delegation.
func (g *RetryLoopGuard) decideHandoff(task *model.Task, outcome model.Outcome) Decision {
	target := outcome.TargetRole
	chain := append(append([]string(nil), task.HandoffChain...), target)

	occurrences := 0
	for _, role := range chain {
		if role == target {
			occurrences++
		}
	}

	if target == "" {
		msg := "handoff outcome without target role"
		kind := string(model.OutcomePermanent)
		return Decision{
			To:    model.StatusBlocked,
			Patch: model.TaskPatch{LastError: &msg, ErrorKind: &kind},
		}
	}

	if occurrences > g.loopThreshold {
		g.log(LogLevelWarn, "loop_detected task=%s role=%s occurrences=%d threshold=%d",
			task.ID, target, occurrences, g.loopThreshold)
		msg := fmt.Sprintf("handoff loop: role %s delegated %d times", target, occurrences)
		kind := "loop_detected"
		return Decision{
			To: model.StatusBlocked,
			Patch: model.TaskPatch{
				LastError:    &msg,
				ErrorKind:    &kind,
				HandoffChain: chain,
				Result: map[string]any{
					"loop_detected": true,
					"role":          target,
					"handoff_chain": chain,
				},
			},
			LoopDetected: true,
		}
	}

	g.log(LogLevelInfo, "handoff task=%s to=%s chain_len=%d", task.ID, target, len(chain))
	return Decision{
		To: model.StatusPending,
		Patch: model.TaskPatch{
			ExecutorRole: &target,
			HandoffChain: chain,
			ClearError:   true,
		},
		Retrigger: true,
	}
}

func (g *RetryLoopGuard) decideCancelled(task *model.Task, outcome model.Outcome, requeue bool) Decision {
	if requeue {
		return Decision{To: model.StatusPending, Patch: model.TaskPatch{ClearNotBefore: true}}
	}
	msg := outcome.Message
	if msg == "" {
		msg = "execution cancelled"
	}
	kind := string(model.OutcomeCancelled)
	return Decision{
		To: model.StatusBlocked,
		Patch: model.TaskPatch{
			LastError: &msg,
			ErrorKind: &kind,
			Result:    map[string]any{"blocked_reason": "cancelled"},
		},
	}
}

// Backoff returns the delay before retry number attempt+1:
// base × 2^attempt, capped at the configured maximum.
func (g *RetryLoopGuard) Backoff(attempt int) time.Duration {
	d := g.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= g.maxDelay {
			return g.maxDelay
		}
	}
	if d > g.maxDelay {
		return g.maxDelay
	}
	return d
}

// LoopThreshold exposes the configured threshold for reporting.
func (g *RetryLoopGuard) LoopThreshold() int { return g.loopThreshold }

func (g *RetryLoopGuard) log(level LogLevel, format string, args ...any) {
	logf(g.logger, g.logLevel, level, "retry_loop_guard", format, args...)
}
