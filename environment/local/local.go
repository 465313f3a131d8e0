// Package local executes actions as subprocesses on the host.
//
// Commands run through the configured interpreter argv (default bash -c)
// with merged stdout+stderr capture. A wall-clock expiry kills the process
// but keeps the partial output; the agent treats it as recoverable.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	skiff "github.com/nevindra/skiff"
)

// Environment implements skiff.Environment on the host shell.
type Environment struct {
	cfg    skiff.EnvironmentConfig
	logger *slog.Logger
}

var _ skiff.Environment = (*Environment)(nil)

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates a local environment. Zero-valued config fields fall back to
// the standard defaults.
func New(cfg skiff.EnvironmentConfig, opts ...Option) *Environment {
	def := skiff.DefaultEnvironmentConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = def.Interpreter
	}
	if cfg.TimeoutTemplate == "" {
		cfg.TimeoutTemplate = def.TimeoutTemplate
	}
	e := &Environment{cfg: cfg, logger: skiff.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one command through the interpreter. The returned error is
// non-nil only for failures to spawn or caller cancellation; command
// failures and timeouts are reported in the result.
func (e *Environment) Execute(ctx context.Context, command, cwd string) (skiff.ExecutionResult, error) {
	timeout := time.Duration(e.cfg.Timeout) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, e.cfg.Interpreter...), command)
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	if cwd == "" {
		cwd = e.cfg.Cwd
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = e.buildEnv()

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	output := strings.ToValidUTF8(buf.String(), "�")

	if ctx.Err() != nil {
		return skiff.ExecutionResult{Output: output, ReturnCode: -1}, ctx.Err()
	}

	res := skiff.ExecutionResult{Output: output}
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		res.ReturnCode = -1
		res.TimedOut = true
		res.ExceptionInfo = fmt.Sprintf("command timed out after %d seconds", e.cfg.Timeout)
		e.logger.Debug("command timed out", "command", command, "timeout_s", e.cfg.Timeout)
	case runErr == nil:
		res.ReturnCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ReturnCode = exitErr.ExitCode()
		} else {
			return res, fmt.Errorf("spawn command: %w", runErr)
		}
	}
	e.logger.Debug("executed command",
		"returncode", res.ReturnCode,
		"duration", time.Since(start),
		"output_bytes", len(output))
	return res, nil
}

// ExecuteMessages runs the assistant's actions in order with the shared
// timeout and submission rules.
func (e *Environment) ExecuteMessages(ctx context.Context, assistant skiff.Message, vars map[string]any) ([]skiff.ExecutionResult, error) {
	return skiff.ExecuteActions(ctx, e, assistant, vars, e.cfg)
}

// buildEnv starts from the full host environment and overlays the
// configured vars. ForwardEnv is a no-op locally since the host environment
// is already visible.
func (e *Environment) buildEnv() []string {
	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// TemplateVars exposes the config fields to prompt templates.
func (e *Environment) TemplateVars() map[string]any {
	return skiff.ToMap(e.cfg)
}

// Serialize returns the environment's view of the trajectory.
func (e *Environment) Serialize() map[string]any {
	return map[string]any{
		"info": map[string]any{
			"config": map[string]any{
				"environment":      skiff.ToMap(e.cfg),
				"environment_type": "local.Environment",
			},
		},
	}
}

// Close releases nothing; local commands own no persistent resources.
func (e *Environment) Close(context.Context) error { return nil }
