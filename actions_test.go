package skiff

import (
	"regexp"
	"strings"
	"testing"
)

var actionRE = regexp.MustCompile(DefaultActionRegex)
var legacyRE = regexp.MustCompile(LegacyActionRegex)

func TestParseTextActionsSingle(t *testing.T) {
	content := "I will list the files.\n\n```mswea_bash_command\nls -la\n```\n"
	actions := ParseTextActions(content, actionRE, nil)
	if len(actions) != 1 {
		t.Fatalf("len(actions) = %d, want 1", len(actions))
	}
	if actions[0].Command != "ls -la" {
		t.Errorf("command = %q", actions[0].Command)
	}
}

func TestParseTextActionsMultiline(t *testing.T) {
	content := "```mswea_bash_command\nfor f in *.go; do\n  wc -l \"$f\"\ndone\n```"
	actions := ParseTextActions(content, actionRE, nil)
	if len(actions) != 1 {
		t.Fatalf("len(actions) = %d, want 1", len(actions))
	}
	if !strings.Contains(actions[0].Command, "done") {
		t.Errorf("command lost lines: %q", actions[0].Command)
	}
}

func TestParseTextActionsNone(t *testing.T) {
	if got := ParseTextActions("just thinking, no command yet", actionRE, nil); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestParseTextActionsMultiple(t *testing.T) {
	content := "```mswea_bash_command\necho one\n```\n```mswea_bash_command\necho two\n```"
	if got := ParseTextActions(content, actionRE, nil); len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestParseTextActionsLegacyFallback(t *testing.T) {
	content := "```bash\necho hi\n```"
	if got := ParseTextActions(content, actionRE, nil); len(got) != 0 {
		t.Errorf("legacy fence matched without opt-in")
	}
	got := ParseTextActions(content, actionRE, legacyRE)
	if len(got) != 1 || got[0].Command != "echo hi" {
		t.Errorf("legacy parse = %+v", got)
	}
}

func TestParseTextActionsPrimaryWinsOverLegacy(t *testing.T) {
	content := "```mswea_bash_command\necho primary\n```\n```bash\necho legacy\n```"
	got := ParseTextActions(content, actionRE, legacyRE)
	if len(got) != 1 || got[0].Command != "echo primary" {
		t.Errorf("got = %+v, want only the primary fence", got)
	}
}

func TestNewFormatErrorMessage(t *testing.T) {
	fe := NewFormatError(DefaultFormatErrorTemplate, "no fence here", 0, nil)
	if fe.Message.Role != RoleUser {
		t.Errorf("role = %q, want user", fe.Message.Role)
	}
	if !strings.Contains(fe.Message.Content, "found 0 actions") {
		t.Errorf("content = %q", fe.Message.Content)
	}
	if fe.Message.Extra == nil || fe.Message.Extra.Kind != KindFormatError {
		t.Fatal("extra kind not format_error")
	}
	if fe.Message.Extra.NActions == nil || *fe.Message.Extra.NActions != 0 {
		t.Error("n_actions not recorded")
	}
}

func TestParseToolCallActionsValid(t *testing.T) {
	actions, reason := ParseToolCallActions([]ToolCall{
		{ID: "call_1", Name: "bash", Arguments: `{"command":"echo hi"}`},
	})
	if reason != "" {
		t.Fatalf("reason = %q, want empty", reason)
	}
	if len(actions) != 1 || actions[0].Command != "echo hi" || actions[0].ToolCallID != "call_1" {
		t.Errorf("actions = %+v", actions)
	}
}

func TestParseToolCallActionsRejects(t *testing.T) {
	cases := []struct {
		name  string
		calls []ToolCall
	}{
		{"no calls", nil},
		{"wrong tool", []ToolCall{{ID: "1", Name: "python", Arguments: `{"command":"x"}`}}},
		{"bad json", []ToolCall{{ID: "1", Name: "bash", Arguments: `{"command":`}}},
		{"missing command", []ToolCall{{ID: "1", Name: "bash", Arguments: `{"cmd":"x"}`}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actions, reason := ParseToolCallActions(tc.calls)
			if reason == "" {
				t.Errorf("reason empty, actions = %+v", actions)
			}
		})
	}
}

func TestFormatObservationsUserRole(t *testing.T) {
	assistant := Message{
		Role: RoleAssistant,
		Extra: &Extra{
			Kind:    KindAssistant,
			Actions: []Action{{Command: "echo hi"}},
		},
	}
	outputs := []ExecutionResult{{Output: "hi\n", ReturnCode: 0}}
	msgs, err := FormatObservations(assistant, outputs, DefaultObservationTemplate, RoleUser, nil)
	if err != nil {
		t.Fatalf("FormatObservations() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	if msgs[0].Role != RoleUser {
		t.Errorf("role = %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "<returncode>0</returncode>") {
		t.Errorf("content = %q", msgs[0].Content)
	}
	if msgs[0].Extra.Kind != KindUserObservation {
		t.Errorf("kind = %q", msgs[0].Extra.Kind)
	}
	if msgs[0].Extra.ReturnCode == nil || *msgs[0].Extra.ReturnCode != 0 {
		t.Error("returncode not recorded")
	}
}

func TestFormatObservationsToolRoleCarriesCallID(t *testing.T) {
	assistant := Message{
		Role: RoleAssistant,
		Extra: &Extra{
			Kind:    KindAssistant,
			Actions: []Action{{Command: "echo hi", ToolCallID: "call_9"}},
		},
	}
	msgs, err := FormatObservations(assistant, []ExecutionResult{{Output: "hi", ReturnCode: 0}},
		DefaultObservationTemplate, RoleTool, nil)
	if err != nil {
		t.Fatalf("FormatObservations() error = %v", err)
	}
	if msgs[0].Role != RoleTool || msgs[0].Extra.ToolCallID != "call_9" {
		t.Errorf("msg = %+v", msgs[0])
	}
	if msgs[0].Extra.Kind != KindToolObservation {
		t.Errorf("kind = %q", msgs[0].Extra.Kind)
	}
}

func TestFormatObservationsMoreOutputsThanActions(t *testing.T) {
	assistant := Message{Role: RoleAssistant, Extra: &Extra{Actions: []Action{{Command: "x"}}}}
	outputs := []ExecutionResult{{}, {}}
	if _, err := FormatObservations(assistant, outputs, DefaultObservationTemplate, RoleUser, nil); err == nil {
		t.Error("expected error for more outputs than actions")
	}
}

func TestFormatObservationsPartialOutputs(t *testing.T) {
	// A timed-out turn produces fewer outputs than actions; the completed
	// prefix still gets observations.
	assistant := Message{Role: RoleAssistant, Extra: &Extra{
		Actions: []Action{{Command: "a"}, {Command: "b"}},
	}}
	msgs, err := FormatObservations(assistant, []ExecutionResult{{Output: "ok", ReturnCode: 0}},
		DefaultObservationTemplate, RoleUser, nil)
	if err != nil {
		t.Fatalf("FormatObservations() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d, want 1", len(msgs))
	}
}
