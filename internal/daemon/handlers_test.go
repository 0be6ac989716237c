package daemon

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/uds"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"not found", &model.NotFoundError{Kind: "task", ID: "T0001"}, uds.ErrCodeNotFound},
		{"conflict", &model.ConflictError{Kind: "task", ID: "T0001"}, uds.ErrCodeConflict},
		{"cycle", &model.CycleError{ID: "T0001", Path: []string{"T0001", "T0002", "T0001"}}, uds.ErrCodeCycle},
		{"unmet deps", &model.DependencyNotSatisfiedError{ID: "T0001", Unmet: []string{"T0002"}}, uds.ErrCodeDependencyNotSatisfied},
		{"already running", &model.AlreadyRunningError{ID: "T0001"}, uds.ErrCodeAlreadyRunning},
		{"queue timeout", &model.QueueTimeoutError{Wait: time.Second}, uds.ErrCodeQueueTimeout},
		{"sprint gate", &model.SprintGateError{SprintID: "S0001", To: model.SprintCompleted}, uds.ErrCodeSprintGate},
		{"invalid transition", &model.InvalidTransitionError{Kind: "task", From: "done", To: "pending"}, uds.ErrCodeConflict},
		{"validation", &model.ValidationError{Msg: "title is required"}, uds.ErrCodeValidation},
		{"draining", ErrDraining, uds.ErrCodeDraining},
		{"anything else", errors.New("disk on fire"), uds.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := mapError(tt.err)
			require.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.err.Error(), resp.Error.Message)
		})
	}
}
