package litellm

import (
	"context"

	"github.com/voocel/litellm"

	skiff "github.com/nevindra/skiff"
)

// bashTool is the single function registered with tool-call models.
var bashTool = litellm.Tool{
	Type: "function",
	Function: litellm.FunctionSchema{
		Name:        skiff.BashToolName,
		Description: skiff.BashToolDescription,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The bash command to execute.",
				},
			},
			"required": []string{"command"},
		},
	},
}

// ToolModel is the native tool-call dialect. The model must issue bash
// function calls instead of fenced code blocks, and observations go back
// as tool-role messages keyed by call ID.
type ToolModel struct {
	*base
}

var _ skiff.Model = (*ToolModel)(nil)

// NewToolModel creates a tool-call dialect model.
func NewToolModel(cfg Config, opts ...Option) (*ToolModel, error) {
	if cfg.FormatErrorTemplate == "" {
		cfg.FormatErrorTemplate = skiff.DefaultToolFormatErrorTemplate
	}
	b, err := newBase(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &ToolModel{base: b}, nil
}

// Query sends the log with the bash tool attached and parses the returned
// calls. A response with no calls, a call to another tool, or malformed
// arguments yields a *FormatError.
func (m *ToolModel) Query(ctx context.Context, messages []skiff.Message) (skiff.Message, error) {
	resp, err := m.complete(ctx, m.request(messages, []litellm.Tool{bashTool}))
	if err != nil {
		return skiff.Message{}, err
	}
	cost, err := m.accountCost(ctx, resp)
	if err != nil {
		return skiff.Message{}, err
	}
	calls := make([]skiff.ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		calls[i] = skiff.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}
	actions, reason := skiff.ParseToolCallActions(calls)
	if reason != "" {
		m.logger.Debug("tool call parse failed", "reason", reason, "n_calls", len(calls))
		return skiff.Message{}, skiff.NewFormatError(m.cfg.FormatErrorTemplate, resp.Content, len(actions),
			map[string]any{"reason": reason})
	}
	return assistantMessage(resp.Content, actions, cost), nil
}

// FormatObservationMessages renders tool-role observations carrying the
// originating call IDs.
func (m *ToolModel) FormatObservationMessages(assistant skiff.Message, outputs []skiff.ExecutionResult, vars map[string]any) ([]skiff.Message, error) {
	return skiff.FormatObservations(assistant, outputs, m.cfg.ObservationTemplate, skiff.RoleTool, vars)
}

// Serialize returns the model's view of the trajectory.
func (m *ToolModel) Serialize() map[string]any {
	return m.serialize("litellm.ToolModel")
}
