// Package config loads the runner configuration: defaults, then a TOML
// file, then environment overrides (env wins).
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/batch"
	"github.com/nevindra/skiff/interactive"
	"github.com/nevindra/skiff/observer"
)

type Config struct {
	Agent       skiff.AgentConfig  `toml:"agent"`
	Model       ModelConfig        `toml:"model"`
	Environment EnvironmentConfig  `toml:"environment"`
	Batch       batch.Config       `toml:"batch"`
	Interactive interactive.Config `toml:"interactive"`
	Observer    ObserverConfig     `toml:"observer"`
	Memory      MemoryConfig       `toml:"memory"`
}

// ModelConfig selects and configures the LM backend.
type ModelConfig struct {
	// Class picks the backend: litellm (default), litellm-toolcall, or
	// openaicompat.
	Class string `toml:"class"`

	skiff.ModelConfig

	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	Streaming   bool    `toml:"streaming"`

	Pricing map[string]PricingEntry `toml:"pricing"`
}

type PricingEntry struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// EnvironmentConfig selects and configures the execution backend.
type EnvironmentConfig struct {
	// Class picks the backend: local (default) or docker.
	Class string `toml:"class"`

	skiff.EnvironmentConfig
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type MemoryConfig struct {
	Enabled bool `toml:"enabled"`
	// Backend picks the experience store: sqlite (default) or postgres.
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`

	KeepLast int `toml:"keep_last"`
	Trigger  int `toml:"trigger"`
}

// DefaultSystemTemplate instructs the model on the action format and the
// submission protocol.
const DefaultSystemTemplate = `You are a software engineering agent working in a sandboxed shell.

In each turn, respond with a short thought and then EXACTLY ONE command in a fenced block:

` + "```mswea_bash_command\nyour_command_here\n```" + `

The command runs with bash -c and its combined output comes back in the next user message. Commands are not stateful between turns; use absolute paths and avoid interactive programs.

When you are done, run one final command whose output prints your answer and then the line ` + skiff.SubmissionSentinel + ` on its own.`

// DefaultInstanceTemplate renders the task as the first user message.
const DefaultInstanceTemplate = `Please solve this task:

{{.task}}`

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Agent: skiff.AgentConfig{
			SystemTemplate:   DefaultSystemTemplate,
			InstanceTemplate: DefaultInstanceTemplate,
			StepLimit:        0,
			CostLimit:        3.0,
		},
		Model: ModelConfig{
			Class:       "litellm",
			ModelConfig: skiff.DefaultModelConfig(""),
		},
		Environment: EnvironmentConfig{
			Class:             "local",
			EnvironmentConfig: skiff.DefaultEnvironmentConfig(),
		},
		Batch: batch.Config{
			Workers:   1,
			OutputDir: "results",
		},
		Interactive: interactive.Config{
			Mode:        interactive.ModeConfirm,
			ConfirmExit: true,
		},
		Memory: MemoryConfig{
			Backend: "sqlite",
			Path:    "skiff-memory.db",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "skiff.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// Env overrides
	if v := os.Getenv("MSWEA_MODEL_NAME"); v != "" {
		cfg.Model.ModelName = v
	}
	if v := os.Getenv("MSWEA_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MSWEA_COST_TRACKING"); v != "" {
		cfg.Model.CostTracking = v
	}
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = providerKey(cfg.Model.ModelName)
	}
	return cfg, nil
}

// providerKey falls back to the conventional per-provider key variables.
func providerKey(modelName string) string {
	name := modelName
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasPrefix(modelName, "anthropic/") || strings.HasPrefix(name, "claude"):
		return os.Getenv("ANTHROPIC_API_KEY")
	case strings.HasPrefix(modelName, "gemini/") || strings.HasPrefix(name, "gemini"):
		return os.Getenv("GEMINI_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// ModelPricing converts the TOML pricing table to the observer's form.
func (m ModelConfig) ModelPricing() map[string]observer.ModelPricing {
	if len(m.Pricing) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(m.Pricing))
	for k, v := range m.Pricing {
		out[k] = observer.ModelPricing{InputPerMillion: v.Input, OutputPerMillion: v.Output}
	}
	return out
}
