package local

import (
	"context"
	"errors"
	"strings"
	"testing"

	skiff "github.com/nevindra/skiff"
)

func TestExecuteCapturesOutput(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	res, err := env.Execute(context.Background(), "echo hello", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ReturnCode != 0 {
		t.Errorf("returncode = %d", res.ReturnCode)
	}
	if res.Output != "hello\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteMergesStderr(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	res, err := env.Execute(context.Background(), "echo out; echo err >&2", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("output = %q, want both streams", res.Output)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	res, err := env.Execute(context.Background(), "exit 3", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ReturnCode != 3 {
		t.Errorf("returncode = %d, want 3", res.ReturnCode)
	}
}

func TestExecuteCwd(t *testing.T) {
	dir := t.TempDir()
	env := New(skiff.EnvironmentConfig{Cwd: dir})
	res, err := env.Execute(context.Background(), "pwd", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Output) != dir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Output), dir)
	}
}

func TestExecuteCwdOverride(t *testing.T) {
	base := t.TempDir()
	override := t.TempDir()
	env := New(skiff.EnvironmentConfig{Cwd: base})
	res, err := env.Execute(context.Background(), "pwd", override)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Output) != override {
		t.Errorf("pwd = %q, want the per-call override %q", strings.TrimSpace(res.Output), override)
	}
}

func TestExecuteConfiguredEnvWins(t *testing.T) {
	t.Setenv("SKIFF_TEST_VAR", "host")
	env := New(skiff.EnvironmentConfig{Env: map[string]string{"SKIFF_TEST_VAR": "configured"}})
	res, err := env.Execute(context.Background(), "echo $SKIFF_TEST_VAR", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Output) != "configured" {
		t.Errorf("output = %q, configured env must win", res.Output)
	}
}

func TestExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	env := New(skiff.EnvironmentConfig{Timeout: 1})
	res, err := env.Execute(context.Background(), "echo started; sleep 5; echo finished", "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.TimedOut {
		t.Fatal("TimedOut not set")
	}
	if res.ReturnCode != -1 {
		t.Errorf("returncode = %d, want -1", res.ReturnCode)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if strings.Contains(res.Output, "finished") {
		t.Errorf("output after the deadline: %q", res.Output)
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := New(skiff.EnvironmentConfig{})
	_, err := env.Execute(ctx, "echo hi", "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExecuteInvalidUTF8Replaced(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	res, err := env.Execute(context.Background(), `printf '\xff\xfeok'`, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(res.Output, "�") || !strings.Contains(res.Output, "ok") {
		t.Errorf("output = %q, want replacement characters", res.Output)
	}
}

func TestExecuteMessagesSubmission(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	assistant := skiff.Message{Role: skiff.RoleAssistant, Extra: &skiff.Extra{
		Kind:    skiff.KindAssistant,
		Actions: []skiff.Action{{Command: "echo result; echo " + skiff.SubmissionSentinel}},
	}}
	outputs, err := env.ExecuteMessages(context.Background(), assistant, nil)

	var sub *skiff.Submitted
	if !errors.As(err, &sub) {
		t.Fatalf("err = %v, want *Submitted", err)
	}
	if sub.Submission != "result\n" {
		t.Errorf("submission = %q", sub.Submission)
	}
	if len(outputs) != 1 {
		t.Errorf("len(outputs) = %d", len(outputs))
	}
}

func TestSerializeCarriesType(t *testing.T) {
	env := New(skiff.EnvironmentConfig{})
	m := env.Serialize()
	info := m["info"].(map[string]any)
	config := info["config"].(map[string]any)
	if config["environment_type"] != "local.Environment" {
		t.Errorf("environment_type = %v", config["environment_type"])
	}
}
