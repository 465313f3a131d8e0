package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"

	skiff "github.com/nevindra/skiff"
)

func TestBuildBodySkipsExitMessages(t *testing.T) {
	messages := []skiff.Message{
		skiff.SystemMessage("sys"),
		skiff.UserMessage("task"),
		skiff.ExitMessage("Submitted", "patch"),
	}
	req := buildBody(messages, "gpt-4o", Config{}, false)
	if len(req.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(req.Messages))
	}
	for _, m := range req.Messages {
		if m.Role == skiff.RoleExit {
			t.Error("exit message reached the wire")
		}
	}
}

func TestBuildBodyCacheControlMarksLastMessage(t *testing.T) {
	cfg := Config{}
	cfg.SetCacheControl = skiff.CacheControlDefaultEnd
	messages := []skiff.Message{
		skiff.SystemMessage("sys"),
		skiff.UserMessage("observation"),
	}
	req := buildBody(messages, "gpt-4o", cfg, false)

	if _, ok := req.Messages[0].Content.(string); !ok {
		t.Error("non-final message content must stay a plain string")
	}
	blocks, ok := req.Messages[1].Content.([]contentBlock)
	if !ok {
		t.Fatalf("last content = %T, want []contentBlock", req.Messages[1].Content)
	}
	if len(blocks) != 1 || blocks[0].Text != "observation" {
		t.Errorf("blocks = %+v", blocks)
	}
	if blocks[0].CacheControl == nil || blocks[0].CacheControl.Type != "ephemeral" {
		t.Errorf("cache_control = %+v", blocks[0].CacheControl)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"cache_control":{"type":"ephemeral"}`) {
		t.Errorf("wire body = %s", data)
	}
}

func TestBuildBodyNoCacheControlByDefault(t *testing.T) {
	req := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "gpt-4o", Config{}, false)
	if _, ok := req.Messages[0].Content.(string); !ok {
		t.Errorf("content = %T, want string", req.Messages[0].Content)
	}
}

func TestBuildBodyStreamOptions(t *testing.T) {
	req := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "m", Config{}, true)
	if !req.Stream {
		t.Error("stream flag unset")
	}
	if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
		t.Errorf("stream_options = %+v, usage must be requested", req.StreamOptions)
	}

	plain := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "m", Config{}, false)
	if plain.Stream || plain.StreamOptions != nil {
		t.Error("non-streaming request carries stream fields")
	}
}

func TestBuildBodyTemperature(t *testing.T) {
	cfg := Config{Temperature: 0.3}
	req := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "m", cfg, false)
	if req.Temperature == nil || *req.Temperature != 0.3 {
		t.Errorf("temperature = %v", req.Temperature)
	}

	unset := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "m", Config{}, false)
	if unset.Temperature != nil {
		t.Error("zero temperature must be omitted, not sent")
	}
}

func TestChatRequestMarshalFlattensKwargs(t *testing.T) {
	cfg := Config{}
	cfg.ModelKwargs = map[string]any{
		"top_p": 0.9,
		"model": "must-not-override",
	}
	req := buildBody([]skiff.Message{skiff.UserMessage("hi")}, "real-model", cfg, false)

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["top_p"] != 0.9 {
		t.Errorf("top_p = %v, kwargs must be flattened into the body", wire["top_p"])
	}
	if wire["model"] != "real-model" {
		t.Errorf("model = %v, kwargs must not override schema fields", wire["model"])
	}
}
