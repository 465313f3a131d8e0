// Package docker runs actions inside a long-lived container through the
// Docker Engine API.
//
// New starts a `sleep <container_timeout>` container from the configured
// image; every action becomes one exec in it. Close stops and force-removes
// the container; agents defer it so the teardown path runs even on panics.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	skiff "github.com/nevindra/skiff"
)

// Environment implements skiff.Environment on a dedicated container. Each
// instance owns exactly one container for its lifetime.
type Environment struct {
	cfg         skiff.EnvironmentConfig
	cli         *client.Client
	containerID string
	name        string
	logger      *slog.Logger
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

// New connects to the Docker daemon (honoring DOCKER_HOST and friends) and
// starts the task container. cfg.Image is required. cfg.RunArgs is recorded
// in the serialized config for provenance; arbitrary CLI flags have no
// Engine-API equivalent.
func New(ctx context.Context, cfg skiff.EnvironmentConfig, opts ...Option) (*Environment, error) {
	if cfg.Image == "" {
		return nil, errors.New("docker environment: image is required")
	}
	def := skiff.DefaultEnvironmentConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = []string{"bash", "-lc"}
	}
	if cfg.TimeoutTemplate == "" {
		cfg.TimeoutTemplate = def.TimeoutTemplate
	}
	if cfg.ContainerTimeout == "" {
		cfg.ContainerTimeout = def.ContainerTimeout
	}

	e := &Environment{cfg: cfg, logger: skiff.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker environment: connect: %w", err)
	}
	e.cli = cli
	e.name = "skiff-" + skiff.ShortID()

	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", cfg.ContainerTimeout},
		WorkingDir: cfg.Cwd,
	}, &container.HostConfig{}, nil, nil, e.name)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker environment: create container: %w", err)
	}
	e.containerID = created.ID

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		cli.Close()
		return nil, fmt.Errorf("docker environment: start container: %w", err)
	}
	e.logger.Info("started container", "name", e.name, "image", cfg.Image)
	return e, nil
}

// Execute runs one command as an exec in the task container. On wall-clock
// expiry the attach is abandoned and the partial output is returned with
// TimedOut set.
func (e *Environment) Execute(ctx context.Context, command, cwd string) (skiff.ExecutionResult, error) {
	if cwd == "" {
		cwd = e.cfg.Cwd
	}
	argv := append(append([]string{}, e.cfg.Interpreter...), command)

	execResp, err := e.cli.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          argv,
		Env:          e.buildEnv(),
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return skiff.ExecutionResult{}, fmt.Errorf("docker environment: exec create: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Timeout)*time.Second)
	defer cancel()

	attach, err := e.cli.ContainerExecAttach(cctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return skiff.ExecutionResult{}, fmt.Errorf("docker environment: exec attach: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		// Merged stream: both demuxed halves land in the same buffer.
		_, copyErr := stdcopy.StdCopy(&buf, &buf, attach.Reader)
		done <- copyErr
	}()

	var timedOut bool
	select {
	case <-cctx.Done():
		if ctx.Err() != nil {
			return skiff.ExecutionResult{Output: strings.ToValidUTF8(buf.String(), "�"), ReturnCode: -1}, ctx.Err()
		}
		timedOut = true
	case copyErr := <-done:
		if copyErr != nil && cctx.Err() == nil {
			return skiff.ExecutionResult{}, fmt.Errorf("docker environment: read exec output: %w", copyErr)
		}
	}

	output := strings.ToValidUTF8(buf.String(), "�")
	if timedOut {
		e.logger.Debug("exec timed out", "container", e.name, "timeout_s", e.cfg.Timeout)
		return skiff.ExecutionResult{
			Output:        output,
			ReturnCode:    -1,
			TimedOut:      true,
			ExceptionInfo: fmt.Sprintf("command timed out after %d seconds", e.cfg.Timeout),
		}, nil
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return skiff.ExecutionResult{}, fmt.Errorf("docker environment: exec inspect: %w", err)
	}
	return skiff.ExecutionResult{Output: output, ReturnCode: inspect.ExitCode}, nil
}

// ExecuteMessages runs the assistant's actions in order with the shared
// timeout and submission rules.
func (e *Environment) ExecuteMessages(ctx context.Context, assistant skiff.Message, vars map[string]any) ([]skiff.ExecutionResult, error) {
	return skiff.ExecuteActions(ctx, e, assistant, vars, e.cfg)
}

// buildEnv forwards the listed host variables (only when set on the host),
// then appends the configured vars. The exec applies the last occurrence,
// so config wins on collision.
func (e *Environment) buildEnv() []string {
	var env []string
	for _, k := range e.cfg.ForwardEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
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
				"environment_type": "docker.Environment",
			},
		},
	}
}

// Close stops and force-removes the container. Best effort: a stop failure
// does not prevent the remove, and Close never blocks on a canceled caller
// context.
func (e *Environment) Close(ctx context.Context) error {
	if e.cli == nil || e.containerID == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	stopTimeout := 10
	var errs []error
	if err := e.cli.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		errs = append(errs, fmt.Errorf("stop container: %w", err))
	}
	if err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil {
		errs = append(errs, fmt.Errorf("remove container: %w", err))
	}
	if err := e.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	e.containerID = ""
	e.logger.Info("released container", "name", e.name)
	return errors.Join(errs...)
}
