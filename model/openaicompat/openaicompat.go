package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/observer"
)

// Config configures the raw HTTP text-dialect model.
type Config struct {
	skiff.ModelConfig

	APIKey  string `json:"-" toml:"api_key"`
	BaseURL string `json:"base_url" toml:"base_url"`

	Temperature float64 `json:"temperature,omitempty" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" toml:"max_tokens"`

	// Streaming enables SSE streaming with the repetition guard. Defaults
	// to the MSWEA_USE_STREAMING environment variable.
	Streaming bool `json:"streaming" toml:"streaming"`

	Pricing map[string]observer.ModelPricing `json:"-" toml:"pricing"`
}

// Model is the text dialect over the chat completions wire format.
type Model struct {
	cfg    Config
	client *http.Client
	retry  skiff.RetryConfig
	costs  *observer.CostCalculator
	logger *slog.Logger
	tracer skiff.Tracer
	inst   *observer.Instruments
	guard  GuardConfig
	re     *regexp.Regexp
	legacy *regexp.Regexp

	mu    sync.Mutex
	stats skiff.ModelStats
}

var _ skiff.Model = (*Model)(nil)

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer enables spans around queries.
func WithTracer(t skiff.Tracer) Option {
	return func(m *Model) { m.tracer = t }
}

// WithRetryConfig overrides the default retry discipline.
func WithRetryConfig(rc skiff.RetryConfig) Option {
	return func(m *Model) { m.retry = rc }
}

// WithHTTPClient replaces the HTTP client. Tests point it at a local server.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.client = c }
}

// WithGuard overrides the env-derived stream guard settings.
func WithGuard(g GuardConfig) Option {
	return func(m *Model) { m.guard = g }
}

// WithInstruments emits OTEL metrics for queries, tokens, and cost.
func WithInstruments(inst *observer.Instruments) Option {
	return func(m *Model) { m.inst = inst }
}

// New creates an openaicompat model. BaseURL is the API base, e.g.
// "https://api.openai.com/v1"; the /chat/completions path is appended.
func New(cfg Config, opts ...Option) (*Model, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("openaicompat model: model_name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat model: base_url is required")
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
	if !cfg.Streaming {
		if v, err := strconv.ParseBool(os.Getenv("MSWEA_USE_STREAMING")); err == nil {
			cfg.Streaming = v
		}
	}
	re, err := regexp.Compile(cfg.ActionRegex)
	if err != nil {
		return nil, fmt.Errorf("openaicompat model: compile action_regex: %w", err)
	}
	m := &Model{
		cfg:    cfg,
		client: &http.Client{},
		retry:  skiff.DefaultRetryConfig(),
		costs:  observer.NewCostCalculator(cfg.Pricing),
		logger: skiff.NopLogger(),
		guard:  guardFromEnv(),
		re:     re,
	}
	if cfg.AllowLegacyFence {
		m.legacy = regexp.MustCompile(skiff.LegacyActionRegex)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Query sends the log and parses exactly one fenced command from the
// response text.
func (m *Model) Query(ctx context.Context, messages []skiff.Message) (skiff.Message, error) {
	if m.tracer != nil {
		ctx2, span := m.tracer.Start(ctx, "model.query", skiff.StringAttr("model", m.cfg.ModelName))
		ctx = ctx2
		defer span.End()
	}

	start := time.Now()
	res, err := skiff.RetryCall(ctx, m.retry, m.cfg.ModelName, m.logger, func() (streamResult, error) {
		return m.queryOnce(ctx, messages)
	})
	if m.inst != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.inst.ModelQueries.Add(ctx, 1, metric.WithAttributes(
			observer.AttrLLMModel.String(m.cfg.ModelName),
			attribute.String("status", status),
		))
		m.inst.QueryDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(observer.AttrLLMModel.String(m.cfg.ModelName)))
	}
	if err != nil {
		return skiff.Message{}, err
	}

	cost := m.costs.Calculate(m.cfg.ModelName, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	if cost <= 0 {
		if m.cfg.CostTracking != skiff.CostTrackingIgnoreErrors {
			return skiff.Message{}, &skiff.ErrCost{Model: m.cfg.ModelName, Reason: "computed cost is not positive; no pricing entry for this model"}
		}
		cost = 0
	}
	m.mu.Lock()
	m.stats.Cost += cost
	m.stats.APICalls++
	m.mu.Unlock()
	skiff.GlobalStats.Add(cost)
	if m.inst != nil {
		m.inst.TokenUsage.Add(ctx, int64(res.Usage.PromptTokens), metric.WithAttributes(
			observer.AttrLLMModel.String(m.cfg.ModelName),
			attribute.String("direction", "input"),
		))
		m.inst.TokenUsage.Add(ctx, int64(res.Usage.CompletionTokens), metric.WithAttributes(
			observer.AttrLLMModel.String(m.cfg.ModelName),
			attribute.String("direction", "output"),
		))
		m.inst.CostTotal.Add(ctx, cost,
			metric.WithAttributes(observer.AttrLLMModel.String(m.cfg.ModelName)))
	}

	actions := skiff.ParseTextActions(res.Content, m.re, m.legacy)
	if len(actions) != 1 {
		m.logger.Debug("action parse failed", "n_actions", len(actions))
		return skiff.Message{}, skiff.NewFormatError(m.cfg.FormatErrorTemplate, res.Content, len(actions), nil)
	}

	raw, _ := json.Marshal(res.Content)
	return skiff.Message{
		Role:    skiff.RoleAssistant,
		Content: res.Content,
		Extra: &skiff.Extra{
			Kind:          skiff.KindAssistant,
			Actions:       actions,
			Cost:          cost,
			ModelResponse: raw,
			Timestamp:     skiff.Timestamp(),
		},
	}, nil
}

// queryOnce performs a single attempt. A streamed response whose usage
// accounting is invalid falls back to one non-streaming request within the
// same attempt.
func (m *Model) queryOnce(ctx context.Context, messages []skiff.Message) (streamResult, error) {
	if m.cfg.Streaming {
		res, err := m.queryStream(ctx, messages)
		if err == nil {
			return res, nil
		}
		if err != errInvalidStreamUsage {
			return streamResult{}, err
		}
		m.logger.Warn("streamed usage invalid, falling back to non-streaming",
			"total_tokens", res.Usage.TotalTokens, "prompt_tokens", res.Usage.PromptTokens)
	}
	return m.queryPlain(ctx, messages)
}

func (m *Model) queryPlain(ctx context.Context, messages []skiff.Message) (streamResult, error) {
	resp, err := m.sendHTTP(ctx, buildBody(messages, m.cfg.ModelName, m.cfg, false))
	if err != nil {
		return streamResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return streamResult{}, m.httpErr(resp)
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return streamResult{}, &skiff.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(body.Choices) == 0 || body.Choices[0].Message == nil {
		return streamResult{}, &skiff.ErrLLM{Provider: "openaicompat", Message: "response contains no choices"}
	}
	res := streamResult{Content: body.Choices[0].Message.Content}
	if body.Usage != nil {
		res.Usage = *body.Usage
	}
	return res, nil
}

func (m *Model) queryStream(ctx context.Context, messages []skiff.Message) (streamResult, error) {
	resp, err := m.sendHTTP(ctx, buildBody(messages, m.cfg.ModelName, m.cfg, true))
	if err != nil {
		return streamResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return streamResult{}, m.httpErr(resp)
	}
	return streamSSE(resp.Body, m.guard, m.logger)
}

func (m *Model) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &skiff.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	url := m.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &skiff.ErrLLM{Provider: "openaicompat", Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}
	return m.client.Do(req)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// driver. Parses the Retry-After header when present.
func (m *Model) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &skiff.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: skiff.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// FormatObservationMessages renders user-role observations.
func (m *Model) FormatObservationMessages(assistant skiff.Message, outputs []skiff.ExecutionResult, vars map[string]any) ([]skiff.Message, error) {
	return skiff.FormatObservations(assistant, outputs, m.cfg.ObservationTemplate, skiff.RoleUser, vars)
}

// Stats returns the running totals.
func (m *Model) Stats() skiff.ModelStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// TemplateVars exposes model config fields to prompt templates.
func (m *Model) TemplateVars() map[string]any {
	return skiff.ToMap(m.cfg)
}

// Serialize returns the model's view of the trajectory.
func (m *Model) Serialize() map[string]any {
	return map[string]any{
		"info": map[string]any{
			"config": map[string]any{
				"model":      skiff.ToMap(m.cfg),
				"model_type": "openaicompat.Model",
			},
			"model_stats": skiff.ToMap(m.Stats()),
		},
	}
}
