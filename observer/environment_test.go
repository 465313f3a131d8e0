package observer

import (
	"context"
	"errors"
	"testing"

	skiff "github.com/nevindra/skiff"
)

// mockEnvironment for observer tests.
type mockEnvironment struct {
	result  skiff.ExecutionResult
	outputs []skiff.ExecutionResult
	err     error
	closed  bool
}

func (m *mockEnvironment) Execute(_ context.Context, _, _ string) (skiff.ExecutionResult, error) {
	return m.result, m.err
}

func (m *mockEnvironment) ExecuteMessages(_ context.Context, _ skiff.Message, _ map[string]any) ([]skiff.ExecutionResult, error) {
	return m.outputs, m.err
}

func (m *mockEnvironment) TemplateVars() map[string]any { return map[string]any{"cwd": "/work"} }

func (m *mockEnvironment) Serialize() map[string]any { return map[string]any{"env": "mock"} }
func (m *mockEnvironment) Close(_ context.Context) error {
	m.closed = true
	return nil
}

// testInstruments builds no-op instruments against the global OTEL
// providers, which are no-ops unless Init ran.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := NewInstruments(nil)
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return inst
}

func TestWrapEnvironmentNilInstrumentsReturnsInner(t *testing.T) {
	inner := &mockEnvironment{}
	if got := WrapEnvironment(inner, nil); got != skiff.Environment(inner) {
		t.Errorf("WrapEnvironment(inner, nil) = %T, want the inner environment", got)
	}
}

func TestObservedEnvironmentExecute(t *testing.T) {
	want := skiff.ExecutionResult{Output: "hello\n", ReturnCode: 0}
	inner := &mockEnvironment{result: want}
	env := WrapEnvironment(inner, testInstruments(t))

	got, err := env.Execute(context.Background(), "echo hello", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != want {
		t.Errorf("Execute() = %+v, want %+v", got, want)
	}
}

func TestObservedEnvironmentExecuteMessagesPassesErrorThrough(t *testing.T) {
	outputs := []skiff.ExecutionResult{{Output: "patch", ReturnCode: 0}}
	inner := &mockEnvironment{outputs: outputs, err: &skiff.Submitted{Submission: "patch"}}
	env := WrapEnvironment(inner, testInstruments(t))

	got, err := env.ExecuteMessages(context.Background(), skiff.Message{}, nil)
	var sub *skiff.Submitted
	if !errors.As(err, &sub) || sub.Submission != "patch" {
		t.Fatalf("err = %v, want the submission", err)
	}
	if len(got) != 1 || got[0].Output != "patch" {
		t.Errorf("outputs = %+v", got)
	}
}

func TestObservedEnvironmentDelegates(t *testing.T) {
	inner := &mockEnvironment{}
	env := WrapEnvironment(inner, testInstruments(t))

	if v := env.TemplateVars(); v["cwd"] != "/work" {
		t.Errorf("TemplateVars() = %v", v)
	}
	if s := env.Serialize(); s["env"] != "mock" {
		t.Errorf("Serialize() = %v", s)
	}
	if err := env.Close(context.Background()); err != nil || !inner.closed {
		t.Errorf("Close() err = %v, closed = %v", err, inner.closed)
	}
}
