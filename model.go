package skiff

import (
	"context"
	"os"
	"sync"
)

// Model is the LM client contract. Implementations live in model/litellm
// (text and tool-call dialects) and model/openaicompat (raw HTTP with
// streaming).
type Model interface {
	// Query sends the message log to the model and returns the assistant
	// message. On success Extra.Actions holds at least one parsed action;
	// a parse failure returns *FormatError instead of a message.
	Query(ctx context.Context, messages []Message) (Message, error)

	// FormatObservationMessages pairs each action of assistant with its
	// execution result and renders one observation message per result.
	// The observation role (user vs tool) depends on the dialect.
	FormatObservationMessages(assistant Message, outputs []ExecutionResult, vars map[string]any) ([]Message, error)

	// Stats returns the model's own running totals.
	Stats() ModelStats

	// TemplateVars exposes model fields to prompt templates.
	TemplateVars() map[string]any

	// Serialize returns the model's view of the trajectory.
	Serialize() map[string]any
}

// ModelStats is a model instance's running cost and call count.
type ModelStats struct {
	Cost     float64 `json:"instance_cost"`
	APICalls int     `json:"api_calls"`
}

// Cost tracking and cache control modes.
const (
	CostTrackingDefault      = "default"
	CostTrackingIgnoreErrors = "ignore_errors"

	CacheControlNone       = "none"
	CacheControlDefaultEnd = "default_end"
)

// ModelConfig is the configuration shared by both dialects.
type ModelConfig struct {
	ModelName   string         `json:"model_name" toml:"model_name"`
	ModelKwargs map[string]any `json:"model_kwargs,omitempty" toml:"model_kwargs"`

	// CostTracking selects what happens when cost accounting fails:
	// "default" fails the query, "ignore_errors" records zero cost.
	CostTracking string `json:"cost_tracking" toml:"cost_tracking"`

	// SetCacheControl = "default_end" tags the last message's content
	// segment with an ephemeral cache marker on the wire. The stored log
	// is never modified.
	SetCacheControl string `json:"set_cache_control" toml:"set_cache_control"`

	// Text dialect action extraction.
	ActionRegex      string `json:"action_regex" toml:"action_regex"`
	AllowLegacyFence bool   `json:"allow_legacy_fence" toml:"allow_legacy_fence"`

	FormatErrorTemplate string `json:"format_error_template" toml:"format_error_template"`
	ObservationTemplate string `json:"observation_template" toml:"observation_template"`
}

// DefaultModelConfig returns a ModelConfig with the standard templates,
// the primary action fence, and cost tracking taken from the
// MSWEA_COST_TRACKING environment variable.
func DefaultModelConfig(name string) ModelConfig {
	tracking := os.Getenv("MSWEA_COST_TRACKING")
	if tracking != CostTrackingIgnoreErrors {
		tracking = CostTrackingDefault
	}
	return ModelConfig{
		ModelName:           name,
		CostTracking:        tracking,
		SetCacheControl:     CacheControlNone,
		ActionRegex:         DefaultActionRegex,
		FormatErrorTemplate: DefaultFormatErrorTemplate,
		ObservationTemplate: DefaultObservationTemplate,
	}
}

// GlobalModelStats accumulates cost and call counts across every model in
// the process. Safe for concurrent use by batch workers.
type GlobalModelStats struct {
	mu    sync.Mutex
	cost  float64
	calls int
}

// Add records one completed query.
func (g *GlobalModelStats) Add(cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cost += cost
	g.calls++
}

// Cost returns the total accumulated cost.
func (g *GlobalModelStats) Cost() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cost
}

// Calls returns the total number of queries.
func (g *GlobalModelStats) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Reset zeroes the accumulator. Tests call this between cases.
func (g *GlobalModelStats) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cost = 0
	g.calls = 0
}

// GlobalStats is the process-wide accumulator. Lifetime = process.
var GlobalStats = &GlobalModelStats{}
