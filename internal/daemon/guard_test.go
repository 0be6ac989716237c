package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/model"
)

func newGuard() *RetryLoopGuard {
	return NewRetryLoopGuard(3, time.Second, 5*time.Minute, 3, nil, LogLevelError)
}

func TestGuard_Success(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress, RetryCount: 2}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeSuccess, Result: map[string]any{"pr": 42}}, false)

	assert.Equal(t, model.StatusInReview, d.To)
	require.NotNil(t, d.Patch.RetryCount)
	assert.Equal(t, 0, *d.Patch.RetryCount, "retry counter resets on success")
	assert.True(t, d.Patch.ClearError)
	assert.Equal(t, map[string]any{"pr": 42}, d.Patch.Result)
	assert.False(t, d.Retrigger)
	assert.Zero(t, d.RetryAfter)
}

func TestGuard_SuccessAutoClose(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress, AutoClose: true}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeSuccess}, false)
	assert.Equal(t, model.StatusDone, d.To)
}

func TestGuard_TransientSchedulesRetry(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress, RetryCount: 1}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeTransient, Message: "429"}, false)

	assert.Equal(t, model.StatusPending, d.To)
	require.NotNil(t, d.Patch.RetryCount)
	assert.Equal(t, 2, *d.Patch.RetryCount)
	assert.Equal(t, 2*time.Second, d.RetryAfter, "second attempt backs off base*2")
	require.NotNil(t, d.Patch.NotBefore)
	due, err := time.Parse(time.RFC3339, *d.Patch.NotBefore)
	require.NoError(t, err)
	assert.True(t, due.After(time.Now().UTC().Add(-time.Second)))
}

func TestGuard_TransientExhaustsToBlocked(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress, RetryCount: 3}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeTransient, Message: "still failing"}, false)

	assert.Equal(t, model.StatusBlocked, d.To)
	assert.Zero(t, d.RetryAfter)
	assert.Equal(t, "retries_exhausted", d.Patch.Result["blocked_reason"])
}

func TestGuard_PermanentBlocksImmediately(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomePermanent, Message: "bad input"}, false)

	assert.Equal(t, model.StatusBlocked, d.To)
	require.NotNil(t, d.Patch.LastError)
	assert.Equal(t, "bad input", *d.Patch.LastError)
	assert.Equal(t, "permanent_failure", d.Patch.Result["blocked_reason"])
}

func TestGuard_UnknownKindTreatedAsPermanent(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress}

	d := g.Decide(task, model.Outcome{Kind: "weird"}, false)
	assert.Equal(t, model.StatusBlocked, d.To)
}

func TestGuard_HandoffDelegates(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress, ExecutorRole: "coder"}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeHandoff, TargetRole: "reviewer"}, false)

	assert.Equal(t, model.StatusPending, d.To)
	assert.True(t, d.Retrigger)
	assert.False(t, d.LoopDetected)
	require.NotNil(t, d.Patch.ExecutorRole)
	assert.Equal(t, "reviewer", *d.Patch.ExecutorRole)
	assert.Equal(t, []string{"reviewer"}, d.Patch.HandoffChain)
}

func TestGuard_HandoffLoopBlocks(t *testing.T) {
	g := newGuard()
	// "reviewer" already appears 3 times; a 4th delegation crosses the threshold.
	task := &model.Task{
		ID:           "T0001",
		Status:       model.StatusInProgress,
		HandoffChain: []string{"reviewer", "coder", "reviewer", "reviewer"},
	}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeHandoff, TargetRole: "reviewer"}, false)

	assert.Equal(t, model.StatusBlocked, d.To)
	assert.True(t, d.LoopDetected)
	assert.False(t, d.Retrigger)
	assert.Equal(t, true, d.Patch.Result["loop_detected"])
	require.NotNil(t, d.Patch.ErrorKind)
	assert.Equal(t, "loop_detected", *d.Patch.ErrorKind)
}

func TestGuard_HandoffBelowThresholdAllowed(t *testing.T) {
	g := newGuard()
	task := &model.Task{
		ID:           "T0001",
		Status:       model.StatusInProgress,
		HandoffChain: []string{"reviewer", "coder"},
	}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeHandoff, TargetRole: "reviewer"}, false)
	assert.Equal(t, model.StatusPending, d.To)
	assert.True(t, d.Retrigger)
}

func TestGuard_HandoffWithoutTargetBlocks(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress}

	d := g.Decide(task, model.Outcome{Kind: model.OutcomeHandoff}, false)
	assert.Equal(t, model.StatusBlocked, d.To)
	assert.False(t, d.Retrigger)
}

func TestGuard_Cancelled(t *testing.T) {
	g := newGuard()
	task := &model.Task{ID: "T0001", Status: model.StatusInProgress}

	requeued := g.Decide(task, model.Outcome{Kind: model.OutcomeCancelled}, true)
	assert.Equal(t, model.StatusPending, requeued.To)

	parked := g.Decide(task, model.Outcome{Kind: model.OutcomeCancelled}, false)
	assert.Equal(t, model.StatusBlocked, parked.To)
	assert.Equal(t, "cancelled", parked.Patch.Result["blocked_reason"])
}

func TestGuard_Backoff(t *testing.T) {
	g := NewRetryLoopGuard(10, time.Second, 8*time.Second, 3, nil, LogLevelError)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second}, // capped
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
