// Package openaicompat implements the text-dialect model contract over the
// raw OpenAI chat completions wire format.
//
// It works against OpenAI, OpenRouter, Groq, Together, DeepSeek, Ollama,
// vLLM, and any other endpoint that speaks the same API. It exists alongside
// the litellm backend for two capabilities that need wire-level control:
// SSE streaming with the repetition guard, and ephemeral cache-control
// markers on the last message.
package openaicompat

import "encoding/json"

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`

	// Extra carries model_kwargs passthrough fields.
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the request object so arbitrary
// model_kwargs reach the provider without schema changes here.
func (r chatRequest) MarshalJSON() ([]byte, error) {
	type plain chatRequest
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage is a single message on the wire. Content is a string except
// when a cache marker forces the block form.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// contentBlock is the typed content form, used only to attach cache-control
// markers.
type contentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

// chatResponse is the chat completions response, for both the full body and
// streamed chunks.
type chatResponse struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
