// Package resolve maps the model_class config field to a concrete LM
// client backend.
package resolve

import (
	"fmt"
	"log/slog"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/model/litellm"
	"github.com/nevindra/skiff/model/openaicompat"
	"github.com/nevindra/skiff/observer"
)

// Settings carries the union of backend configuration fields. Each backend
// picks the ones it understands.
type Settings struct {
	skiff.ModelConfig

	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Streaming   bool
	Pricing     map[string]observer.ModelPricing

	// Instruments, when set, wires OTEL metrics into the backend.
	Instruments *observer.Instruments
}

// New constructs the backend named by class. Supported classes: "litellm"
// (the default when class is empty), "litellm-toolcall", and "openaicompat".
func New(class string, s Settings, logger *slog.Logger) (skiff.Model, error) {
	switch class {
	case "", "litellm":
		return litellm.New(litellmConfig(s), litellmOptions(s, logger)...)
	case "litellm-toolcall":
		return litellm.NewToolModel(litellmConfig(s), litellmOptions(s, logger)...)
	case "openaicompat":
		opts := []openaicompat.Option{openaicompat.WithLogger(logger)}
		if s.Instruments != nil {
			opts = append(opts, openaicompat.WithInstruments(s.Instruments))
		}
		return openaicompat.New(openaicompat.Config{
			ModelConfig: s.ModelConfig,
			APIKey:      s.APIKey,
			BaseURL:     s.BaseURL,
			Temperature: s.Temperature,
			MaxTokens:   s.MaxTokens,
			Streaming:   s.Streaming,
			Pricing:     s.Pricing,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown model_class %q (want litellm, litellm-toolcall, or openaicompat)", class)
	}
}

func litellmConfig(s Settings) litellm.Config {
	return litellm.Config{
		ModelConfig: s.ModelConfig,
		APIKey:      s.APIKey,
		BaseURL:     s.BaseURL,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Pricing:     s.Pricing,
	}
}

func litellmOptions(s Settings, logger *slog.Logger) []litellm.Option {
	opts := []litellm.Option{litellm.WithLogger(logger)}
	if s.Instruments != nil {
		opts = append(opts, litellm.WithInstruments(s.Instruments))
	}
	return opts
}
