package interactive

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	skiff "github.com/nevindra/skiff"
)

func TestWhitelisted(t *testing.T) {
	r := &Runner{whitelist: []*regexp.Regexp{
		regexp.MustCompile(`^ls`),
		regexp.MustCompile(`^cat `),
	}}

	cases := []struct {
		name    string
		actions []skiff.Action
		want    bool
	}{
		{"single match", []skiff.Action{{Command: "ls -la"}}, true},
		{"all match", []skiff.Action{{Command: "ls"}, {Command: "cat go.mod"}}, true},
		{"one miss", []skiff.Action{{Command: "ls"}, {Command: "rm -rf /"}}, false},
		{"no actions", nil, false},
	}
	for _, tc := range cases {
		if got := r.whitelisted(tc.actions); got != tc.want {
			t.Errorf("%s: whitelisted() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWhitelistedEmptyPatterns(t *testing.T) {
	r := &Runner{}
	if r.whitelisted([]skiff.Action{{Command: "ls"}}) {
		t.Error("empty whitelist must not match anything")
	}
}

func TestHumanAssistantMessage(t *testing.T) {
	msg := humanAssistantMessage("echo hi")
	if msg.Role != skiff.RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
	if !strings.Contains(msg.Content, "```mswea_bash_command\necho hi\n```") {
		t.Errorf("content = %q, want the bash fence", msg.Content)
	}
	if len(msg.Extra.Actions) != 1 || msg.Extra.Actions[0].Command != "echo hi" {
		t.Errorf("actions = %+v", msg.Extra.Actions)
	}

	// The synthesized turn must parse back like a model turn would.
	actions := skiff.ParseTextActions(msg.Content, regexp.MustCompile(skiff.DefaultActionRegex), nil)
	if len(actions) != 1 || actions[0].Command != "echo hi" {
		t.Errorf("parsed actions = %+v", actions)
	}
}

func TestRejectionIsRecoverable(t *testing.T) {
	err := rejection("do something else")

	var ui *skiff.UserInterruption
	if !errors.As(err, &ui) {
		t.Fatalf("err = %T, want *UserInterruption", err)
	}
	msg, ok := skiff.NonTerminatingMessage(err)
	if !ok {
		t.Fatal("rejection must be non-terminating")
	}
	if msg.Role != skiff.RoleUser || msg.Content != "do something else" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Extra.Kind != skiff.KindUserInterruption {
		t.Errorf("kind = %q", msg.Extra.Kind)
	}
	if msg.Extra.InterruptType != "UserInterruption" {
		t.Errorf("interrupt_type = %q", msg.Extra.InterruptType)
	}
}

func TestSetMode(t *testing.T) {
	var buf strings.Builder
	r := &Runner{mode: ModeConfirm, out: &buf}

	r.setMode(ModeYolo)
	if r.Mode() != ModeYolo {
		t.Errorf("mode = %q", r.Mode())
	}
	if !strings.Contains(buf.String(), "yolo") {
		t.Errorf("switch notice = %q", buf.String())
	}

	buf.Reset()
	r.setMode(ModeYolo)
	if buf.String() != "" {
		t.Errorf("no-op switch printed %q", buf.String())
	}
}

func TestBeforeExecuteSkipsOutsideConfirmMode(t *testing.T) {
	assistant := humanAssistantMessage("rm -rf /")
	for _, mode := range []string{ModeYolo, ModeHuman} {
		r := &Runner{mode: mode}
		if err := r.beforeExecute(assistant); err != nil {
			t.Errorf("mode %s: beforeExecute() error = %v", mode, err)
		}
	}
}

func TestBeforeExecuteWhitelistBypassesPrompt(t *testing.T) {
	// No readline instance is wired up, so reaching the prompt would panic.
	r := &Runner{
		mode:      ModeConfirm,
		whitelist: []*regexp.Regexp{regexp.MustCompile(`^echo `)},
	}
	if err := r.beforeExecute(humanAssistantMessage("echo safe")); err != nil {
		t.Errorf("beforeExecute() error = %v", err)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(nil, nil, skiff.AgentConfig{}, Config{Mode: "supervise"}); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestNewRejectsBadWhitelistPattern(t *testing.T) {
	if _, err := New(nil, nil, skiff.AgentConfig{}, Config{Mode: ModeYolo, Whitelist: []string{"("}}); err == nil {
		t.Error("invalid whitelist pattern accepted")
	}
}
