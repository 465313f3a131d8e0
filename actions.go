package skiff

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultActionRegex extracts the single tagged command block from an
// assistant turn in the text dialect.
const DefaultActionRegex = "(?s)```mswea_bash_command\\s*\\n(.*?)\\n```"

// LegacyActionRegex matches the older plain bash fence, accepted for
// interoperability when ModelConfig.AllowLegacyFence is set.
const LegacyActionRegex = "(?s)```bash\\s*\\n(.*?)\\n```"

// DefaultObservationTemplate renders one execution result back to the model.
const DefaultObservationTemplate = "<returncode>{{.returncode}}</returncode>\n<output>\n{{.output}}\n</output>"

// DefaultFormatErrorTemplate is re-injected as a user turn when action
// parsing fails in the text dialect.
const DefaultFormatErrorTemplate = "Please always provide EXACTLY ONE action in triple backticks, found {{.n_actions}} actions.\n" +
	"\n" +
	"Format your action like this:\n" +
	"\n" +
	"```mswea_bash_command\n" +
	"your_command_here\n" +
	"```\n" +
	"\n" +
	"To finish, run a command whose output ends with the line " + SubmissionSentinel + " followed by nothing, " +
	"with your final answer printed before it."

// DefaultToolFormatErrorTemplate is re-injected as a user turn when tool
// call parsing fails in the tool-call dialect.
const DefaultToolFormatErrorTemplate = "{{.reason}}\n" +
	"\n" +
	"Call the bash tool exactly once per turn, with the command to run in the \"command\" argument.\n" +
	"\n" +
	"To finish, run a command whose output ends with the line " + SubmissionSentinel + " followed by nothing, " +
	"with your final answer printed before it."

// DefaultTimeoutTemplate renders the observation for a command that
// exceeded its wall-clock budget.
const DefaultTimeoutTemplate = "The last command <command>{{.action}}</command> timed out after {{.timeout}} seconds and was terminated.\n" +
	"Partial output before the timeout:\n" +
	"<output>\n{{.output}}\n</output>"

// ParseTextActions extracts fenced commands from content. When the primary
// regex finds nothing and legacy is non-nil, the legacy fence is tried.
// The caller enforces the exactly-one rule.
func ParseTextActions(content string, re, legacy *regexp.Regexp) []Action {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 && legacy != nil {
		matches = legacy.FindAllStringSubmatch(content, -1)
	}
	actions := make([]Action, 0, len(matches))
	for _, m := range matches {
		actions = append(actions, Action{Command: strings.TrimSpace(m[1])})
	}
	return actions
}

// NewFormatError renders the configured format-error template into the
// user message that is re-injected to the model.
func NewFormatError(tmpl, modelResponse string, nActions int, vars map[string]any) *FormatError {
	body, err := Render(tmpl, MergeVars(vars, map[string]any{
		"n_actions":      nActions,
		"model_response": modelResponse,
	}))
	if err != nil {
		body = fmt.Sprintf("Found %d actions, expected exactly one command in a ```mswea_bash_command fence.", nActions)
	}
	raw, _ := json.Marshal(modelResponse)
	return &FormatError{Message: Message{
		Role:    RoleUser,
		Content: body,
		Extra: &Extra{
			Kind:          KindFormatError,
			InterruptType: "FormatError",
			NActions:      intPtr(nActions),
			ModelResponse: raw,
			Timestamp:     Timestamp(),
		},
	}}
}

// BashToolName and BashToolSchema declare the single tool registered in the
// tool-call dialect: bash(command: string, required).
const BashToolName = "bash"

const BashToolDescription = "Execute a bash command in the task environment and return its combined output."

var BashToolSchema = json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"The bash command to execute."}},"required":["command"]}`)

// ToolCall is a transport-agnostic native function call returned by a
// provider.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ParseToolCallActions validates tool calls strictly: at least one call,
// every call names the bash tool, arguments are valid JSON with a command
// field. On violation it returns a non-empty reason for the FormatError.
func ParseToolCallActions(calls []ToolCall) ([]Action, string) {
	if len(calls) == 0 {
		return nil, "The response contained no tool calls. Call the bash tool with the command to run."
	}
	actions := make([]Action, 0, len(calls))
	for _, c := range calls {
		if c.Name != BashToolName {
			return nil, fmt.Sprintf("Unknown tool %q. Only the bash tool is available.", c.Name)
		}
		var args struct {
			Command *string `json:"command"`
		}
		if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
			return nil, fmt.Sprintf("Tool call arguments are not valid JSON: %v.", err)
		}
		if args.Command == nil {
			return nil, "Tool call is missing the required \"command\" argument."
		}
		actions = append(actions, Action{Command: *args.Command, ToolCallID: c.ID})
	}
	return actions, ""
}

// FormatObservations renders one observation message per execution result,
// paired element-wise with the assistant's actions. role selects the
// dialect convention: RoleUser for the text dialect, RoleTool for the
// tool-call dialect (with tool_call_id correlation).
func FormatObservations(assistant Message, outputs []ExecutionResult, tmpl, role string, vars map[string]any) ([]Message, error) {
	var actions []Action
	if assistant.Extra != nil {
		actions = assistant.Extra.Actions
	}
	if len(outputs) > len(actions) {
		return nil, fmt.Errorf("got %d outputs for %d actions", len(outputs), len(actions))
	}
	kind := KindUserObservation
	if role == RoleTool {
		kind = KindToolObservation
	}
	msgs := make([]Message, 0, len(outputs))
	for i, out := range outputs {
		body, err := Render(tmpl, MergeVars(vars, map[string]any{
			"output":     out.Output,
			"returncode": out.ReturnCode,
			"action":     actions[i].Command,
		}))
		if err != nil {
			return nil, err
		}
		rc := out.ReturnCode
		m := Message{
			Role:    role,
			Content: body,
			Extra: &Extra{
				Kind:       kind,
				RawOutput:  out.Output,
				ReturnCode: &rc,
				Timestamp:  Timestamp(),
			},
		}
		if role == RoleTool {
			m.Extra.ToolCallID = actions[i].ToolCallID
		}
		if out.ExceptionInfo != "" {
			m.Extra.ExceptionInfo = out.ExceptionInfo
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
