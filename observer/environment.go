package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	skiff "github.com/nevindra/skiff"
)

// ObservedEnvironment wraps a skiff.Environment with OTEL instrumentation.
// Every executed command bumps the command counter; durations land in the
// command histogram.
type ObservedEnvironment struct {
	inner skiff.Environment
	inst  *Instruments
}

var _ skiff.Environment = (*ObservedEnvironment)(nil)

// WrapEnvironment returns an instrumented environment. A nil inst returns
// inner unchanged.
func WrapEnvironment(inner skiff.Environment, inst *Instruments) skiff.Environment {
	if inst == nil {
		return inner
	}
	return &ObservedEnvironment{inner: inner, inst: inst}
}

func (o *ObservedEnvironment) Execute(ctx context.Context, command, cwd string) (skiff.ExecutionResult, error) {
	start := time.Now()
	res, err := o.inner.Execute(ctx, command, cwd)
	o.inst.CommandsRun.Add(ctx, 1, metric.WithAttributes(
		AttrReturnCode.Int(res.ReturnCode),
		AttrTimedOut.Bool(res.TimedOut),
	))
	o.inst.CommandDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return res, err
}

// ExecuteMessages delegates the whole turn and records one count per
// completed action plus the turn duration. The submission and timeout
// errors pass through untouched.
func (o *ObservedEnvironment) ExecuteMessages(ctx context.Context, assistant skiff.Message, vars map[string]any) ([]skiff.ExecutionResult, error) {
	start := time.Now()
	outputs, err := o.inner.ExecuteMessages(ctx, assistant, vars)
	for _, out := range outputs {
		o.inst.CommandsRun.Add(ctx, 1, metric.WithAttributes(
			AttrReturnCode.Int(out.ReturnCode),
			AttrTimedOut.Bool(out.TimedOut),
		))
	}
	o.inst.CommandDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return outputs, err
}

func (o *ObservedEnvironment) TemplateVars() map[string]any { return o.inner.TemplateVars() }

func (o *ObservedEnvironment) Serialize() map[string]any { return o.inner.Serialize() }

func (o *ObservedEnvironment) Close(ctx context.Context) error { return o.inner.Close(ctx) }
