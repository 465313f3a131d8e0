package skiff

import (
	"context"
	"fmt"
	"strings"
)

// Environment executes shell actions in a sandbox. Backends live in
// environment/local and environment/docker; selection is by the
// environment_class config field via environment/resolve.
//
// Environments own their resources exclusively; Close must release them on
// every exit path, including panics (callers defer it).
type Environment interface {
	// Execute runs one command. A wall-clock expiry is recoverable: the
	// result has TimedOut set and Output holds the partial capture. cwd
	// overrides the configured working directory when non-empty.
	Execute(ctx context.Context, command, cwd string) (ExecutionResult, error)

	// ExecuteMessages runs the actions of an assistant message in order
	// and returns one result per completed action. A detected submission
	// returns *Submitted; a timeout returns *ExecutionTimeout and stops
	// the remaining actions of the turn.
	ExecuteMessages(ctx context.Context, assistant Message, vars map[string]any) ([]ExecutionResult, error)

	// TemplateVars exposes environment fields to prompt templates.
	TemplateVars() map[string]any

	// Serialize returns the environment's view of the trajectory.
	Serialize() map[string]any

	// Close releases the sandbox (container stop, temp dirs).
	Close(ctx context.Context) error
}

// SubmissionSentinel is the literal marker line the model prints to declare
// the task complete.
const SubmissionSentinel = "COMPLETE_TASK_AND_SUBMIT_FINAL_OUTPUT"

// EnvironmentConfig is shared by all backends. Container fields are ignored
// by the local backend.
type EnvironmentConfig struct {
	Cwd string `json:"cwd" toml:"cwd"`
	// Env is applied to every command; it wins over forwarded host vars.
	Env map[string]string `json:"env,omitempty" toml:"env"`
	// ForwardEnv lists host variables forwarded only when set on the host.
	ForwardEnv []string `json:"forward_env,omitempty" toml:"forward_env"`
	// Timeout is the per-command wall-clock budget in seconds.
	Timeout int `json:"timeout" toml:"timeout"`
	// Interpreter is the argv prefix the command is appended to.
	Interpreter []string `json:"interpreter" toml:"interpreter"`

	// Container backends only.
	Image            string   `json:"image,omitempty" toml:"image"`
	RunArgs          []string `json:"run_args,omitempty" toml:"run_args"`
	ContainerTimeout string   `json:"container_timeout,omitempty" toml:"container_timeout"`

	TimeoutTemplate string `json:"timeout_template" toml:"timeout_template"`
}

// DefaultEnvironmentConfig returns the standard settings: bash -c, 30s
// per-command timeout, 2h container lifetime.
func DefaultEnvironmentConfig() EnvironmentConfig {
	return EnvironmentConfig{
		Timeout:          30,
		Interpreter:      []string{"bash", "-c"},
		ContainerTimeout: "2h",
		TimeoutTemplate:  DefaultTimeoutTemplate,
	}
}

// CheckSubmission tests the submission-sentinel rule on command output: the
// sentinel must be the first or the last non-blank line, and the submission
// is the output with that line removed. One rule serves every backend.
func CheckSubmission(output string) (string, bool) {
	lines := strings.Split(output, "\n")
	first, last := -1, -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return "", false
	}
	if strings.TrimSpace(lines[first]) == SubmissionSentinel {
		return strings.Join(lines[first+1:], "\n"), true
	}
	if strings.TrimSpace(lines[last]) == SubmissionSentinel {
		rest := strings.Join(lines[:last], "\n")
		if rest != "" && !strings.HasSuffix(rest, "\n") {
			rest += "\n"
		}
		return rest, true
	}
	return "", false
}

// ExecuteActions is the shared ExecuteMessages implementation: it runs each
// action through env.Execute, applies the timeout and submission rules, and
// collects results for completed actions. Backends call it with themselves.
func ExecuteActions(ctx context.Context, env Environment, assistant Message, vars map[string]any, cfg EnvironmentConfig) ([]ExecutionResult, error) {
	outputs := []ExecutionResult{}
	if assistant.Extra == nil {
		return outputs, nil
	}
	for _, act := range assistant.Extra.Actions {
		res, err := env.Execute(ctx, act.Command, "")
		if err != nil {
			return outputs, err
		}
		if res.TimedOut {
			return outputs, NewExecutionTimeout(cfg.TimeoutTemplate, act.Command, res, cfg.Timeout, vars)
		}
		outputs = append(outputs, res)
		if res.ReturnCode == 0 {
			if submission, ok := CheckSubmission(res.Output); ok {
				return outputs, &Submitted{Submission: submission}
			}
		}
	}
	return outputs, nil
}

// NewExecutionTimeout renders the timeout observation for a command that
// exceeded its budget, preserving the partial output.
func NewExecutionTimeout(tmpl, command string, res ExecutionResult, timeout int, vars map[string]any) *ExecutionTimeout {
	body, err := Render(tmpl, MergeVars(vars, map[string]any{
		"action":  command,
		"output":  res.Output,
		"timeout": timeout,
	}))
	if err != nil {
		body = fmt.Sprintf("The last command timed out after %d seconds.\n<output>\n%s\n</output>", timeout, res.Output)
	}
	rc := res.ReturnCode
	return &ExecutionTimeout{Message: Message{
		Role:    RoleUser,
		Content: body,
		Extra: &Extra{
			Kind:          KindTimeoutObservation,
			InterruptType: "ExecutionTimeoutError",
			RawOutput:     res.Output,
			ReturnCode:    &rc,
			Timestamp:     Timestamp(),
		},
	}}
}
