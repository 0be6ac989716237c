package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/model"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind model.OutcomeKind
	}{
		{
			name:     "success with result",
			input:    `{"kind":"success","result":{"pr":"https://example.com/42"}}`,
			wantKind: model.OutcomeSuccess,
		},
		{
			name:     "transient with message",
			input:    `{"kind":"transient","message":"rate limited","code":429}`,
			wantKind: model.OutcomeTransient,
		},
		{
			name:     "permanent",
			input:    `{"kind":"permanent","message":"bad input"}`,
			wantKind: model.OutcomePermanent,
		},
		{
			name:     "handoff with target role",
			input:    `{"kind":"handoff","target_role":"reviewer"}`,
			wantKind: model.OutcomeHandoff,
		},
		{
			name:     "cancelled",
			input:    `{"kind":"cancelled"}`,
			wantKind: model.OutcomeCancelled,
		},
		{
			name:     "surrounding whitespace tolerated",
			input:    "\n  {\"kind\":\"success\"}  \n",
			wantKind: model.OutcomeSuccess,
		},
		{
			name:     "malformed json is permanent",
			input:    `{"kind":`,
			wantKind: model.OutcomePermanent,
		},
		{
			name:     "empty output is permanent",
			input:    "",
			wantKind: model.OutcomePermanent,
		},
		{
			name:     "unknown kind is permanent",
			input:    `{"kind":"sideways"}`,
			wantKind: model.OutcomePermanent,
		},
		{
			name:     "handoff without target role is permanent",
			input:    `{"kind":"handoff"}`,
			wantKind: model.OutcomePermanent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseOutcome([]byte(tt.input))
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestParseOutcome_CarriesFields(t *testing.T) {
	got := ParseOutcome([]byte(`{"kind":"handoff","target_role":"reviewer","code":2,"message":"needs review"}`))
	assert.Equal(t, model.OutcomeHandoff, got.Kind)
	assert.Equal(t, "reviewer", got.TargetRole)
	assert.Equal(t, 2, got.Code)
	assert.Equal(t, "needs review", got.Message)
}

func TestExecInvoker_SuccessDocument(t *testing.T) {
	inv := NewExecInvoker("sh", []string{"-c", `echo '{"kind":"success","result":{"ok":true}}' #`})

	got := inv.Invoke(context.Background(), Invocation{TaskID: "T0001", Role: "coder"})
	require.Equal(t, model.OutcomeSuccess, got.Kind)
	assert.Equal(t, true, got.Result["ok"])
}

func TestExecInvoker_NonzeroExitIsPermanent(t *testing.T) {
	inv := NewExecInvoker("sh", []string{"-c", "echo refused >&2; exit 3 #"})

	got := inv.Invoke(context.Background(), Invocation{TaskID: "T0001", Role: "coder"})
	assert.Equal(t, model.OutcomePermanent, got.Kind)
	assert.Equal(t, 3, got.Code)
	assert.Contains(t, got.Message, "refused")
}

func TestExecInvoker_MissingBinaryIsTransient(t *testing.T) {
	inv := NewExecInvoker("/nonexistent/worker-binary", nil)

	got := inv.Invoke(context.Background(), Invocation{TaskID: "T0001", Role: "coder"})
	assert.Equal(t, model.OutcomeTransient, got.Kind)
}

func TestExecInvoker_DeadlineIsTransient(t *testing.T) {
	inv := NewExecInvoker("sh", []string{"-c", "sleep 10"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got := inv.Invoke(ctx, Invocation{TaskID: "T0001", Role: "coder"})
	assert.Equal(t, model.OutcomeTransient, got.Kind)
}

func TestExecInvoker_CancelIsCancelled(t *testing.T) {
	inv := NewExecInvoker("sh", []string{"-c", "sleep 10"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	got := inv.Invoke(ctx, Invocation{TaskID: "T0001", Role: "coder"})
	assert.Equal(t, model.OutcomeCancelled, got.Kind)
}

func TestExecInvoker_AppendsRoleAndTaskArgs(t *testing.T) {
	// The worker contract passes role and task ID as trailing args.
	inv := NewExecInvoker("sh", []string{"-c", `printf '{"kind":"success","result":{"role":"%s","task":"%s"}}' "$1" "$2"`, "worker"})

	got := inv.Invoke(context.Background(), Invocation{TaskID: "T0042", Role: "reviewer"})
	require.Equal(t, model.OutcomeSuccess, got.Kind)
	assert.Equal(t, "reviewer", got.Result["role"])
	assert.Equal(t, "T0042", got.Result["task"])
}
