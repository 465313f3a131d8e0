package skiff

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// AgentConfig controls one run.
type AgentConfig struct {
	SystemTemplate   string `json:"system_template" toml:"system_template"`
	InstanceTemplate string `json:"instance_template" toml:"instance_template"`
	// StepLimit bounds the number of model queries; 0 disables the limit.
	StepLimit int `json:"step_limit" toml:"step_limit"`
	// CostLimit bounds the accumulated model cost; 0 disables the limit.
	CostLimit float64 `json:"cost_limit" toml:"cost_limit"`
	// OutputPath is where the trajectory is rewritten after every step.
	// Empty disables persistence.
	OutputPath string `json:"output_path,omitempty" toml:"output_path"`
}

// Hooks let a frontend interpose on the loop without reimplementing it.
// The interactive package uses all three; headless runs leave them nil.
type Hooks struct {
	// Query replaces the model call when it reports handled=true.
	Query func(ctx context.Context, messages []Message) (msg Message, handled bool, err error)
	// BeforeExecute runs after the assistant message is appended and
	// before execution. A returned error goes through the normal bands,
	// so a *UserInterruption rejects the turn recoverably.
	BeforeExecute func(assistant Message) error
	// Recover maps a step error before classification. Returning nil
	// swallows the error and continues the loop.
	Recover func(ctx context.Context, err error) error
}

// Agent is the turn-by-turn state machine driving one task. Agents are
// created per task and are not safe for concurrent use.
type Agent struct {
	cfg    AgentConfig
	model  Model
	env    Environment
	hooks  Hooks
	logger *slog.Logger
	tracer Tracer
	vars   map[string]any

	messages   []Message
	task       string
	exitStatus string
	submission string
	traceback  string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLogger sets the structured logger (default: no output).
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithTracer enables span creation around steps and queries.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithTemplateVars adds extra variables visible to all templates.
func WithTemplateVars(vars map[string]any) AgentOption {
	return func(a *Agent) { a.vars = MergeVars(a.vars, vars) }
}

// WithHooks installs frontend hooks.
func WithHooks(h Hooks) AgentOption {
	return func(a *Agent) { a.hooks = h }
}

// NewAgent builds an agent over a model and an environment.
func NewAgent(model Model, env Environment, cfg AgentConfig, opts ...AgentOption) *Agent {
	a := &Agent{
		cfg:    cfg,
		model:  model,
		env:    env,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Config returns the agent's configuration.
func (a *Agent) Config() AgentConfig { return a.cfg }

// Model returns the agent's model client.
func (a *Agent) Model() Model { return a.model }

// Environment returns the agent's execution backend.
func (a *Agent) Environment() Environment { return a.env }

// Messages returns the message log. Callers must not mutate it.
func (a *Agent) Messages() []Message { return a.messages }

// AppendMessage appends to the message log in order.
func (a *Agent) AppendMessage(msgs ...Message) {
	a.messages = append(a.messages, msgs...)
}

// TemplateVars merges config fields, environment and model variables, any
// extra variables, and the current task.
func (a *Agent) TemplateVars() map[string]any {
	v := MergeVars(ToMap(a.cfg), a.env.TemplateVars(), a.model.TemplateVars(), a.vars)
	v["task"] = a.task
	return v
}

// RunResult is the outcome of a terminal run.
type RunResult struct {
	ExitStatus string
	Submission string
}

// Init renders the system and instance templates and seeds the log with
// messages 0 and 1. It resets any previous run state.
func (a *Agent) Init(task string) error {
	a.task = task
	a.messages = nil
	a.exitStatus, a.submission, a.traceback = "", "", ""

	system, err := Render(a.cfg.SystemTemplate, a.TemplateVars())
	if err != nil {
		return fmt.Errorf("render system template: %w", err)
	}
	instance, err := Render(a.cfg.InstanceTemplate, a.TemplateVars())
	if err != nil {
		return fmt.Errorf("render instance template: %w", err)
	}
	a.AppendMessage(SystemMessage(system), UserMessage(instance))
	return nil
}

// Run drives the loop until a terminal event. Submitted and LimitsExceeded
// return a RunResult with a nil error; any other failure saves a traceback
// and returns the error to the caller, which marks the instance failed.
func (a *Agent) Run(ctx context.Context, task string) (RunResult, error) {
	if err := a.Init(task); err != nil {
		return RunResult{}, err
	}
	a.saveBestEffort()

	for {
		stepErr := a.Step(ctx)
		if stepErr != nil && a.hooks.Recover != nil {
			stepErr = a.hooks.Recover(ctx, stepErr)
		}

		if stepErr == nil {
			a.saveBestEffort()
			continue
		}

		if msg, ok := NonTerminatingMessage(stepErr); ok {
			a.logger.Debug("recoverable step error", "status", StatusOf(stepErr))
			a.AppendMessage(msg)
			a.saveBestEffort()
			continue
		}

		if status, payload, ok := Terminal(stepErr); ok {
			a.exitStatus, a.submission = status, payload
			a.AppendMessage(ExitMessage(status, payload))
			a.saveBestEffort()
			a.logger.Info("run finished", "exit_status", status)
			return RunResult{ExitStatus: status, Submission: payload}, nil
		}

		a.exitStatus = StatusOf(stepErr)
		a.traceback = fmt.Sprintf("%v\n\n%s", stepErr, debug.Stack())
		a.saveBestEffort()
		a.logger.Error("run failed", "exit_status", a.exitStatus, "error", stepErr)
		return RunResult{ExitStatus: a.exitStatus}, stepErr
	}
}

// Step performs one Think-Act-Observe turn: limit check, model query,
// optional confirmation hook, execution, observation append.
func (a *Agent) Step(ctx context.Context) error {
	if a.tracer != nil {
		ctx2, span := a.tracer.Start(ctx, "agent.step", IntAttr("messages", len(a.messages)))
		ctx = ctx2
		defer span.End()
	}

	if err := a.checkLimits(); err != nil {
		return err
	}

	assistant, err := a.query(ctx)
	if err != nil {
		return err
	}
	a.AppendMessage(assistant)

	if a.hooks.BeforeExecute != nil {
		if err := a.hooks.BeforeExecute(assistant); err != nil {
			return err
		}
	}

	outputs, execErr := a.env.ExecuteMessages(ctx, assistant, a.TemplateVars())
	observations, fmtErr := a.model.FormatObservationMessages(assistant, outputs, a.TemplateVars())
	if fmtErr != nil {
		return fmtErr
	}
	a.AppendMessage(observations...)
	return execErr
}

func (a *Agent) query(ctx context.Context) (Message, error) {
	if a.hooks.Query != nil {
		if msg, handled, err := a.hooks.Query(ctx, a.messages); handled || err != nil {
			return msg, err
		}
	}
	return a.model.Query(ctx, a.messages)
}

func (a *Agent) checkLimits() error {
	stats := a.model.Stats()
	if a.cfg.StepLimit > 0 && stats.APICalls >= a.cfg.StepLimit {
		return &LimitsExceeded{Reason: fmt.Sprintf("step limit reached after %d api calls (limit %d)", stats.APICalls, a.cfg.StepLimit)}
	}
	if a.cfg.CostLimit > 0 && stats.Cost >= a.cfg.CostLimit {
		return &LimitsExceeded{Reason: fmt.Sprintf("cost limit reached at $%.4f (limit $%.4f)", stats.Cost, a.cfg.CostLimit)}
	}
	return nil
}

// Save re-serializes the trajectory from the agent, model, and environment
// views plus any extra parts and rewrites OutputPath in full.
func (a *Agent) Save(extra ...map[string]any) error {
	if a.cfg.OutputPath == "" {
		return nil
	}
	parts := append([]map[string]any{a.Serialize(), a.model.Serialize(), a.env.Serialize()}, extra...)
	_, err := SaveTrajectory(a.cfg.OutputPath, parts...)
	return err
}

func (a *Agent) saveBestEffort() {
	if err := a.Save(); err != nil {
		a.logger.Warn("trajectory save failed", "path", a.cfg.OutputPath, "error", err)
	}
}

// Serialize returns the agent's view of the trajectory: the message log,
// its config, and terminal metadata when set.
func (a *Agent) Serialize() map[string]any {
	info := map[string]any{
		"config": map[string]any{
			"agent":      ToMap(a.cfg),
			"agent_type": "skiff.Agent",
		},
		"model_stats": ToMap(a.model.Stats()),
	}
	if a.exitStatus != "" {
		info["exit_status"] = a.exitStatus
		info["submission"] = a.submission
	} else {
		info["exit_status"] = nil
		info["submission"] = nil
	}
	if a.traceback != "" {
		info["traceback"] = a.traceback
	}
	return map[string]any{
		"info":     info,
		"messages": a.messages,
	}
}
