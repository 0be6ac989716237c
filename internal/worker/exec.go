package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/crewd/crewd/internal/model"
)

// ExecInvoker runs a configured external command per invocation. The request
// is written to the process's stdin as JSON and the process is expected to
// print a JSON outcome document on stdout. Classification is structural:
// exit codes and context state decide the outcome kind, never substring
// matching on error text.
type ExecInvoker struct {
	Command string
	Args    []string
}

func NewExecInvoker(command string, args []string) *ExecInvoker {
	return &ExecInvoker{Command: command, Args: args}
}

// execOutcome is the wire shape workers print on stdout.
type execOutcome struct {
	Kind       string         `json:"kind"`
	Result     map[string]any `json:"result,omitempty"`
	TargetRole string         `json:"target_role,omitempty"`
	Code       int            `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func (e *ExecInvoker) Invoke(ctx context.Context, inv Invocation) model.Outcome {
	input, err := json.Marshal(inv)
	if err != nil {
		return model.Outcome{Kind: model.OutcomePermanent, Message: fmt.Sprintf("encode invocation: %v", err)}
	}

	args := append(append([]string(nil), e.Args...), inv.Role, inv.TaskID)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// Context state takes precedence over whatever the killed process wrote.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.Outcome{Kind: model.OutcomeTransient, Message: "invocation wall-clock timeout"}
	case errors.Is(ctx.Err(), context.Canceled):
		return model.Outcome{Kind: model.OutcomeCancelled, Message: "invocation cancelled"}
	}

	if runErr != nil {
		return classifyExecError(runErr, stderr.String())
	}
	return ParseOutcome(stdout.Bytes())
}

// ParseOutcome decodes a worker's stdout document into a structured outcome.
// Unparsable or unknown-kind output is a permanent failure: the worker broke
// the contract, so retrying will not help.
func ParseOutcome(data []byte) model.Outcome {
	var out execOutcome
	if err := json.Unmarshal(bytes.TrimSpace(data), &out); err != nil {
		return model.Outcome{Kind: model.OutcomePermanent, Message: fmt.Sprintf("malformed worker output: %v", err)}
	}

	kind := model.OutcomeKind(out.Kind)
	switch kind {
	case model.OutcomeSuccess, model.OutcomeTransient, model.OutcomePermanent, model.OutcomeHandoff, model.OutcomeCancelled:
	default:
		return model.Outcome{Kind: model.OutcomePermanent, Code: out.Code,
			Message: fmt.Sprintf("unknown outcome kind %q", out.Kind)}
	}

	if kind == model.OutcomeHandoff && out.TargetRole == "" {
		return model.Outcome{Kind: model.OutcomePermanent, Code: out.Code,
			Message: "handoff outcome missing target_role"}
	}

	return model.Outcome{
		Kind:       kind,
		Result:     out.Result,
		TargetRole: out.TargetRole,
		Code:       out.Code,
		Message:    out.Message,
	}
}

// classifyExecError maps process-level failures to outcome kinds. A process
// that could not start or was signal-killed is worth retrying; a nonzero exit
// without an outcome document is the worker refusing the input.
func classifyExecError(runErr error, stderr string) model.Outcome {
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return model.Outcome{Kind: model.OutcomeTransient, Code: code,
				Message: fmt.Sprintf("worker killed by signal %s", status.Signal())}
		}
		return model.Outcome{Kind: model.OutcomePermanent, Code: code,
			Message: fmt.Sprintf("worker exited %d: %s", code, firstLine(stderr))}
	}
	// Start failures (missing binary, fork errors) are environmental.
	return model.Outcome{Kind: model.OutcomeTransient, Message: fmt.Sprintf("start worker: %v", runErr)}
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
