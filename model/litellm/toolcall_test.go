package litellm

import (
	"strings"
	"testing"

	skiff "github.com/nevindra/skiff"
)

func TestNewToolModelDefaultsToToolDialectFormatError(t *testing.T) {
	m, err := NewToolModel(Config{ModelConfig: skiff.ModelConfig{ModelName: "gpt-4o"}})
	if err != nil {
		t.Fatalf("NewToolModel() error = %v", err)
	}
	if m.cfg.FormatErrorTemplate != skiff.DefaultToolFormatErrorTemplate {
		t.Errorf("format_error_template = %q, want the tool-call default", m.cfg.FormatErrorTemplate)
	}
}

func TestNewToolModelKeepsExplicitFormatError(t *testing.T) {
	m, err := NewToolModel(Config{ModelConfig: skiff.ModelConfig{
		ModelName:           "gpt-4o",
		FormatErrorTemplate: "custom {{.reason}}",
	}})
	if err != nil {
		t.Fatalf("NewToolModel() error = %v", err)
	}
	if m.cfg.FormatErrorTemplate != "custom {{.reason}}" {
		t.Errorf("format_error_template = %q", m.cfg.FormatErrorTemplate)
	}
}

func TestToolFormatErrorCarriesParseReason(t *testing.T) {
	m, err := NewToolModel(Config{ModelConfig: skiff.ModelConfig{ModelName: "gpt-4o"}})
	if err != nil {
		t.Fatalf("NewToolModel() error = %v", err)
	}

	calls := []skiff.ToolCall{{ID: "call_1", Name: "python", Arguments: `{"command":"ls"}`}}
	actions, reason := skiff.ParseToolCallActions(calls)
	if reason == "" {
		t.Fatal("expected a parse reason for an unknown tool")
	}

	fe := skiff.NewFormatError(m.cfg.FormatErrorTemplate, "resp", len(actions),
		map[string]any{"reason": reason})
	if !strings.Contains(fe.Message.Content, `Unknown tool "python"`) {
		t.Errorf("message = %q, want the parse reason surfaced", fe.Message.Content)
	}
	if !strings.Contains(fe.Message.Content, "Call the bash tool exactly once") {
		t.Errorf("message = %q, want tool-call guidance", fe.Message.Content)
	}
	if strings.Contains(fe.Message.Content, "triple backticks") {
		t.Errorf("message = %q, fence guidance leaked into the tool dialect", fe.Message.Content)
	}
	if strings.Contains(fe.Message.Content, "{{") {
		t.Errorf("message = %q, template not rendered", fe.Message.Content)
	}
}
