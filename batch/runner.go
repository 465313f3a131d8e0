package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/observer"
)

// Factory builds the per-instance agent. Each call must return a fresh
// Agent whose model and environment belong to that instance alone, with
// OutputPath already set to outputPath.
type Factory func(ctx context.Context, inst Instance, outputPath string) (*skiff.Agent, error)

// Progress is a snapshot of the per-instance status counts.
type Progress struct {
	Pending        int
	Running        int
	Submitted      int
	Failed         int
	Timeout        int
	LimitsExceeded int
	Skipped        int
}

// Runner fans instances out over a bounded worker pool. One worker's crash
// is captured and recorded; the rest of the batch keeps going.
type Runner struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	tracer  skiff.Tracer
	inst    *observer.Instruments
	results *resultFiles

	mu       sync.Mutex
	progress Progress
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer enables spans around instances.
func WithTracer(t skiff.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithInstruments counts finished instances by exit status.
func WithInstruments(inst *observer.Instruments) RunnerOption {
	return func(r *Runner) { r.inst = inst }
}

// NewRunner creates a batch runner.
func NewRunner(cfg Config, factory Factory, opts ...RunnerOption) (*Runner, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("batch: output_dir is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("batch: factory is required")
	}
	r := &Runner{
		cfg:     cfg,
		factory: factory,
		logger:  skiff.NopLogger(),
		results: newResultFiles(cfg.OutputDir),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Progress returns the current status counts.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// TrajectoryPath returns where an instance's trajectory is written.
func (r *Runner) TrajectoryPath(id string) string {
	return filepath.Join(r.cfg.OutputDir, id+".traj.json")
}

// Run selects instances, then dispatches up to Workers of them at a time.
// The first interrupt stops dispatching new instances and lets running ones
// finish; the second cancels everything in flight. Environments are
// released on every path.
func (r *Runner) Run(ctx context.Context, instances []Instance) error {
	selected, err := Select(instances, r.cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	r.mu.Lock()
	r.progress = Progress{Pending: len(selected)}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			r.logger.Warn("interrupt received, finishing running instances (interrupt again to abort)")
			close(stop)
		case <-ctx.Done():
			return
		}
		select {
		case <-sig:
			r.logger.Warn("second interrupt, aborting")
			cancel()
		case <-ctx.Done():
		}
	}()

	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup

dispatch:
	for _, inst := range selected {
		select {
		case <-stop:
			break dispatch
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(inst Instance) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()

	p := r.Progress()
	r.logger.Info("batch finished",
		"submitted", p.Submitted, "failed", p.Failed, "timeout", p.Timeout,
		"limits_exceeded", p.LimitsExceeded, "skipped", p.Skipped, "pending", p.Pending)
	return ctx.Err()
}

// runInstance drives one agent to a terminal state and records the outcome.
// Panics are contained here so a crashed worker cannot take down the batch.
func (r *Runner) runInstance(ctx context.Context, inst Instance) {
	if r.tracer != nil {
		ctx2, span := r.tracer.Start(ctx, "batch.instance", skiff.StringAttr("instance_id", inst.ID))
		ctx = ctx2
		defer span.End()
	}

	trajPath := r.TrajectoryPath(inst.ID)
	if !r.cfg.RedoExisting && skiff.WellFormedTrajectory(trajPath) {
		r.logger.Info("skipping instance with existing trajectory", "instance_id", inst.ID)
		if err := r.results.SetStatus(inst.ID, existingStatus(trajPath)); err != nil {
			r.logger.Warn("status write failed", "instance_id", inst.ID, "error", err)
		}
		r.finish(inst.ID, "", "skipped")
		return
	}

	r.setRunning()
	r.logger.Info("starting instance", "instance_id", inst.ID)

	status := "Failed"
	var submission string
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("instance panicked", "instance_id", inst.ID, "panic", p)
			r.writeCrashTrajectory(trajPath, fmt.Sprintf("%v\n\n%s", p, debug.Stack()))
			status = "RuntimeError"
		}
		r.record(ctx, inst, status, submission)
	}()

	agent, err := r.factory(ctx, inst, trajPath)
	if err != nil {
		r.logger.Error("instance setup failed", "instance_id", inst.ID, "error", err)
		r.writeCrashTrajectory(trajPath, err.Error())
		status = skiff.StatusOf(err)
		return
	}
	defer func() {
		if cerr := agent.Environment().Close(context.WithoutCancel(ctx)); cerr != nil {
			r.logger.Warn("environment cleanup failed", "instance_id", inst.ID, "error", cerr)
		}
	}()

	result, err := agent.Run(ctx, inst.ProblemStatement)
	if err != nil {
		status = skiff.StatusOf(err)
		r.logger.Error("instance failed", "instance_id", inst.ID, "exit_status", status, "error", err)
		return
	}
	status, submission = result.ExitStatus, result.Submission
	r.logger.Info("instance finished", "instance_id", inst.ID, "exit_status", status)
}

// record persists the outcome and updates progress exactly once per
// instance.
func (r *Runner) record(ctx context.Context, inst Instance, status, submission string) {
	if err := r.results.SetStatus(inst.ID, status); err != nil {
		r.logger.Warn("status write failed", "instance_id", inst.ID, "error", err)
	}
	if err := r.results.AddPrediction(Prediction{
		ModelNameOrPath: r.cfg.ModelNameOrPath,
		InstanceID:      inst.ID,
		ModelPatch:      submission,
	}); err != nil {
		r.logger.Warn("preds write failed", "instance_id", inst.ID, "error", err)
	}
	if r.inst != nil {
		r.inst.InstancesDone.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(observer.AttrExitStatus.String(status)))
	}
	r.finish(inst.ID, status, "done")
}

func (r *Runner) setRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Pending--
	r.progress.Running++
}

// finish moves an instance into its terminal progress bucket. phase
// distinguishes skipped instances, which never entered Running.
func (r *Runner) finish(id, status, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if phase == "skipped" {
		r.progress.Pending--
		r.progress.Skipped++
		return
	}
	r.progress.Running--
	switch {
	case status == "Submitted":
		r.progress.Submitted++
	case status == "LimitsExceeded":
		r.progress.LimitsExceeded++
	case strings.Contains(status, "Timeout"):
		r.progress.Timeout++
	default:
		r.progress.Failed++
	}
}

// existingStatus pulls info.exit_status out of a prior trajectory so the
// status file stays complete across resumed runs.
func existingStatus(path string) string {
	m, err := skiff.LoadTrajectory(path)
	if err != nil {
		return "Skipped"
	}
	info, _ := m["info"].(map[string]any)
	if status, ok := info["exit_status"].(string); ok && status != "" {
		return status
	}
	return "Skipped"
}

// writeCrashTrajectory leaves a minimal trajectory behind when the agent
// never got far enough to write its own. Best effort.
func (r *Runner) writeCrashTrajectory(path, traceback string) {
	if skiff.WellFormedTrajectory(path) {
		return
	}
	_, err := skiff.SaveTrajectory(path, map[string]any{
		"info":     map[string]any{"exit_status": "RuntimeError", "traceback": traceback},
		"messages": []any{},
	})
	if err != nil {
		r.logger.Warn("crash trajectory write failed", "path", path, "error", err)
	}
}
