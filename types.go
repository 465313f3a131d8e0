package skiff

import (
	"encoding/json"
	"time"
)

// Roles used in the message log.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleExit      = "exit"
)

// ExtraKind discriminates the typed metadata attached to a Message.
type ExtraKind string

const (
	KindAssistant          ExtraKind = "assistant"
	KindUserObservation    ExtraKind = "user_observation"
	KindToolObservation    ExtraKind = "tool_observation"
	KindExit               ExtraKind = "exit"
	KindUserInterruption   ExtraKind = "user_interruption"
	KindFormatError        ExtraKind = "format_error"
	KindTimeoutObservation ExtraKind = "timeout_observation"
)

// Message is one entry in a run's message log. The log is append-only;
// index 0 is always the system message and index 1 the instance message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Extra   *Extra `json:"extra,omitempty"`
}

// Extra is the typed metadata variant attached to a message. Kind selects
// which fields are meaningful; everything else is omitted from JSON.
type Extra struct {
	Kind      ExtraKind `json:"kind"`
	Timestamp string    `json:"timestamp,omitempty"`

	// KindAssistant
	Actions       []Action        `json:"actions,omitempty"`
	Cost          float64         `json:"cost,omitempty"`
	ModelResponse json.RawMessage `json:"model_response,omitempty"`

	// Observation kinds
	RawOutput     string `json:"raw_output,omitempty"`
	ReturnCode    *int   `json:"returncode,omitempty"`
	ExceptionInfo string `json:"exception_info,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`

	// KindFormatError, KindUserInterruption, KindTimeoutObservation
	InterruptType string `json:"interrupt_type,omitempty"`
	NActions      *int   `json:"n_actions,omitempty"`

	// KindExit
	ExitStatus string `json:"exit_status,omitempty"`
	Submission string `json:"submission,omitempty"`
}

// Action is one shell command extracted from an assistant turn. ToolCallID
// is set only in the tool-call dialect, where it correlates the observation
// back to the originating call.
type Action struct {
	Command    string `json:"command"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ExecutionResult is the outcome of executing one action. Output is merged
// stdout+stderr decoded as UTF-8 with replacement. TimedOut marks a
// recoverable wall-clock expiry; Output then holds whatever was captured
// before the deadline.
type ExecutionResult struct {
	Output        string `json:"output"`
	ReturnCode    int    `json:"returncode"`
	TimedOut      bool   `json:"timed_out,omitempty"`
	ExceptionInfo string `json:"exception_info,omitempty"`
}

// Timestamp returns the current UTC time in RFC 3339, the format used in
// message metadata.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// SystemMessage builds the message at index 0 of every log.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a plain user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ExitMessage closes a terminal run's log.
func ExitMessage(status, submission string) Message {
	return Message{
		Role:    RoleExit,
		Content: submission,
		Extra: &Extra{
			Kind:       KindExit,
			ExitStatus: status,
			Submission: submission,
			Timestamp:  Timestamp(),
		},
	}
}

func intPtr(n int) *int { return &n }
