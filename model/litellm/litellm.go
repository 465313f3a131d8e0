// Package litellm implements the model contract over the voocel/litellm
// unified client.
//
// Two dialects share the transport: Model extracts the action from a tagged
// code block in the response text, ToolModel registers a native bash tool
// and parses function calls. Both apply the standard retry discipline and
// cost accounting.
package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voocel/litellm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/observer"
)

// Config configures both dialects. The embedded ModelConfig fields are
// serialized into trajectories; the credentials are not.
type Config struct {
	skiff.ModelConfig

	APIKey      string  `json:"-" toml:"api_key"`
	BaseURL     string  `json:"base_url,omitempty" toml:"base_url"`
	Temperature float64 `json:"temperature,omitempty" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" toml:"max_tokens"`

	// Pricing extends or overrides the default cost table.
	Pricing map[string]observer.ModelPricing `json:"-" toml:"pricing"`
}

// base carries the pieces shared by both dialects.
type base struct {
	cfg    Config
	client *litellm.Client
	retry  skiff.RetryConfig
	costs  *observer.CostCalculator
	logger *slog.Logger
	tracer skiff.Tracer
	inst   *observer.Instruments

	mu    sync.Mutex
	stats skiff.ModelStats
}

// Option configures either dialect.
type Option func(*base)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTracer enables spans around queries.
func WithTracer(t skiff.Tracer) Option {
	return func(b *base) { b.tracer = t }
}

// WithRetryConfig overrides the default retry discipline.
func WithRetryConfig(rc skiff.RetryConfig) Option {
	return func(b *base) { b.retry = rc }
}

// WithInstruments emits OTEL metrics for queries, tokens, and cost.
func WithInstruments(inst *observer.Instruments) Option {
	return func(b *base) { b.inst = inst }
}

// WithClient injects a prebuilt client. Tests use it to avoid network
// construction side effects.
func WithClient(c *litellm.Client) Option {
	return func(b *base) { b.client = c }
}

func newBase(cfg Config, opts ...Option) (*base, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("litellm model: model_name is required")
	}
	def := skiff.DefaultModelConfig(cfg.ModelName)
	if cfg.CostTracking == "" {
		cfg.CostTracking = def.CostTracking
	}
	if cfg.FormatErrorTemplate == "" {
		cfg.FormatErrorTemplate = def.FormatErrorTemplate
	}
	if cfg.ObservationTemplate == "" {
		cfg.ObservationTemplate = def.ObservationTemplate
	}
	if cfg.ActionRegex == "" {
		cfg.ActionRegex = def.ActionRegex
	}
	b := &base{
		cfg:    cfg,
		retry:  skiff.DefaultRetryConfig(),
		costs:  observer.NewCostCalculator(cfg.Pricing),
		logger: skiff.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = newClient(cfg)
	}
	return b, nil
}

// newClient routes the model name to its provider client. Unknown names
// fall back to the OpenAI-compatible path, which most gateways speak.
func newClient(cfg Config) *litellm.Client {
	defaults := litellm.WithDefaults(cfg.MaxTokens, cfg.Temperature)
	name := bareModelName(cfg.ModelName)
	switch {
	case strings.HasPrefix(cfg.ModelName, "anthropic/") || strings.HasPrefix(name, "claude"):
		if cfg.BaseURL != "" {
			return litellm.New(litellm.WithAnthropic(cfg.APIKey, cfg.BaseURL), defaults)
		}
		return litellm.New(litellm.WithAnthropic(cfg.APIKey), defaults)
	case strings.HasPrefix(cfg.ModelName, "gemini/") || strings.HasPrefix(name, "gemini"):
		if cfg.BaseURL != "" {
			return litellm.New(litellm.WithGemini(cfg.APIKey, cfg.BaseURL), defaults)
		}
		return litellm.New(litellm.WithGemini(cfg.APIKey), defaults)
	default:
		if cfg.BaseURL != "" {
			return litellm.New(litellm.WithOpenAI(cfg.APIKey, cfg.BaseURL), defaults)
		}
		return litellm.New(litellm.WithOpenAI(cfg.APIKey), defaults)
	}
}

// bareModelName strips a routing prefix like "anthropic/".
func bareModelName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// request converts the message log to the wire shape. Exit messages are
// never sent; tool-call metadata is reconstructed from the typed extras.
func (b *base) request(messages []skiff.Message, tools []litellm.Tool) *litellm.Request {
	msgs := make([]litellm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == skiff.RoleExit {
			continue
		}
		lm := litellm.Message{Role: msg.Role, Content: msg.Content}
		if msg.Extra != nil {
			if msg.Role == skiff.RoleTool {
				lm.ToolCallID = msg.Extra.ToolCallID
			}
			if msg.Role == skiff.RoleAssistant {
				for _, a := range msg.Extra.Actions {
					if a.ToolCallID == "" {
						continue
					}
					args, _ := json.Marshal(map[string]string{"command": a.Command})
					lm.ToolCalls = append(lm.ToolCalls, litellm.ToolCall{
						ID:   a.ToolCallID,
						Type: "function",
						Function: litellm.FunctionCall{
							Name:      skiff.BashToolName,
							Arguments: string(args),
						},
					})
				}
			}
		}
		msgs = append(msgs, lm)
	}
	req := &litellm.Request{
		Model:    bareModelName(b.cfg.ModelName),
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}
	if b.cfg.Temperature != 0 {
		req.Temperature = litellm.Float64Ptr(b.cfg.Temperature)
	}
	if b.cfg.MaxTokens != 0 {
		req.MaxTokens = litellm.IntPtr(b.cfg.MaxTokens)
	}
	return req
}

// complete runs one query through the retry driver.
func (b *base) complete(ctx context.Context, req *litellm.Request) (*litellm.Response, error) {
	if b.tracer != nil {
		ctx2, span := b.tracer.Start(ctx, "model.query", skiff.StringAttr("model", b.cfg.ModelName))
		ctx = ctx2
		defer span.End()
	}
	start := time.Now()
	resp, err := skiff.RetryCall(ctx, b.retry, b.cfg.ModelName, b.logger, func() (*litellm.Response, error) {
		return b.client.Complete(ctx, req)
	})
	if b.inst != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		b.inst.ModelQueries.Add(ctx, 1, metric.WithAttributes(
			observer.AttrLLMModel.String(b.cfg.ModelName),
			attribute.String("status", status),
		))
		b.inst.QueryDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(observer.AttrLLMModel.String(b.cfg.ModelName)))
	}
	return resp, err
}

// accountCost computes the query cost, enforces the cost>0 rule, and
// updates the instance and process-wide totals atomically.
func (b *base) accountCost(ctx context.Context, resp *litellm.Response) (float64, error) {
	cost := b.costs.Calculate(b.cfg.ModelName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if cost <= 0 {
		if b.cfg.CostTracking != skiff.CostTrackingIgnoreErrors {
			return 0, &skiff.ErrCost{Model: b.cfg.ModelName, Reason: "computed cost is not positive; no pricing entry for this model"}
		}
		cost = 0
	}
	b.mu.Lock()
	b.stats.Cost += cost
	b.stats.APICalls++
	b.mu.Unlock()
	skiff.GlobalStats.Add(cost)
	if b.inst != nil {
		b.inst.TokenUsage.Add(ctx, int64(resp.Usage.PromptTokens), metric.WithAttributes(
			observer.AttrLLMModel.String(b.cfg.ModelName),
			attribute.String("direction", "input"),
		))
		b.inst.TokenUsage.Add(ctx, int64(resp.Usage.CompletionTokens), metric.WithAttributes(
			observer.AttrLLMModel.String(b.cfg.ModelName),
			attribute.String("direction", "output"),
		))
		b.inst.CostTotal.Add(ctx, cost,
			metric.WithAttributes(observer.AttrLLMModel.String(b.cfg.ModelName)))
	}
	return cost, nil
}

// Stats returns the running totals.
func (b *base) Stats() skiff.ModelStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// TemplateVars exposes model config fields to prompt templates.
func (b *base) TemplateVars() map[string]any {
	return skiff.ToMap(b.cfg)
}

func (b *base) serialize(modelType string) map[string]any {
	return map[string]any{
		"info": map[string]any{
			"config": map[string]any{
				"model":      skiff.ToMap(b.cfg),
				"model_type": modelType,
			},
			"model_stats": skiff.ToMap(b.Stats()),
		},
	}
}

func assistantMessage(content string, actions []skiff.Action, cost float64) skiff.Message {
	raw, _ := json.Marshal(content)
	return skiff.Message{
		Role:    skiff.RoleAssistant,
		Content: content,
		Extra: &skiff.Extra{
			Kind:          skiff.KindAssistant,
			Actions:       actions,
			Cost:          cost,
			ModelResponse: raw,
			Timestamp:     skiff.Timestamp(),
		},
	}
}

// Model is the regex-tagged text dialect.
type Model struct {
	*base
	re     *regexp.Regexp
	legacy *regexp.Regexp
}

var _ skiff.Model = (*Model)(nil)

// New creates a text-dialect model.
func New(cfg Config, opts ...Option) (*Model, error) {
	b, err := newBase(cfg, opts...)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(b.cfg.ActionRegex)
	if err != nil {
		return nil, fmt.Errorf("litellm model: compile action_regex: %w", err)
	}
	var legacy *regexp.Regexp
	if b.cfg.AllowLegacyFence {
		legacy = regexp.MustCompile(skiff.LegacyActionRegex)
	}
	return &Model{base: b, re: re, legacy: legacy}, nil
}

// Query sends the log and parses exactly one fenced command out of the
// response. Zero or multiple fences return a *FormatError carrying the
// message re-injected to the model.
func (m *Model) Query(ctx context.Context, messages []skiff.Message) (skiff.Message, error) {
	resp, err := m.complete(ctx, m.request(messages, nil))
	if err != nil {
		return skiff.Message{}, err
	}
	cost, err := m.accountCost(ctx, resp)
	if err != nil {
		return skiff.Message{}, err
	}
	actions := skiff.ParseTextActions(resp.Content, m.re, m.legacy)
	if len(actions) != 1 {
		m.logger.Debug("action parse failed", "n_actions", len(actions))
		return skiff.Message{}, skiff.NewFormatError(m.cfg.FormatErrorTemplate, resp.Content, len(actions), nil)
	}
	return assistantMessage(resp.Content, actions, cost), nil
}

// Complete returns the raw completion text for messages without action
// parsing. Cost accounting still applies. The memory summarizer uses it.
func (m *Model) Complete(ctx context.Context, messages []skiff.Message) (string, error) {
	resp, err := m.complete(ctx, m.request(messages, nil))
	if err != nil {
		return "", err
	}
	if _, err := m.accountCost(ctx, resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// FormatObservationMessages renders user-role observations.
func (m *Model) FormatObservationMessages(assistant skiff.Message, outputs []skiff.ExecutionResult, vars map[string]any) ([]skiff.Message, error) {
	return skiff.FormatObservations(assistant, outputs, m.cfg.ObservationTemplate, skiff.RoleUser, vars)
}

// Serialize returns the model's view of the trajectory.
func (m *Model) Serialize() map[string]any {
	return m.serialize("litellm.Model")
}
