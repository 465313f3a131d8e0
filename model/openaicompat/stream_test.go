package openaicompat

import (
	"errors"
	"strings"
	"testing"

	skiff "github.com/nevindra/skiff"
)

func testGuard() GuardConfig {
	return GuardConfig{
		Enabled:   true,
		Window:    defaultGuardWindow,
		Threshold: defaultGuardThreshold,
		TagRegex:  defaultTagRegex,
	}
}

func TestStreamSSEReassemblesContent(t *testing.T) {
	body := strings.Join([]string{
		`data: {"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"id":"1","choices":[{"index":0,"delta":{"content":"lo "}}]}`,
		``,
		`data: {"id":"1","choices":[{"index":0,"delta":{"content":"world"}}]}`,
		``,
		`data: {"id":"1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	res, err := streamSSE(strings.NewReader(body), testGuard(), skiff.NopLogger())
	if err != nil {
		t.Fatalf("streamSSE() error = %v", err)
	}
	if res.Content != "Hello world" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.Truncated {
		t.Error("unexpectedly truncated")
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	body := strings.Join([]string{
		`data: {"id":"1","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`data: {not json`,
		`: comment line`,
		`data: {"id":"1","usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		`data: [DONE]`,
	}, "\n")

	res, err := streamSSE(strings.NewReader(body), testGuard(), skiff.NopLogger())
	if err != nil {
		t.Fatalf("streamSSE() error = %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestStreamSSEInvalidUsage(t *testing.T) {
	body := strings.Join([]string{
		`data: {"id":"1","choices":[{"index":0,"delta":{"content":"hi"}}]}`,
		`data: {"id":"1","usage":{"prompt_tokens":50,"completion_tokens":0,"total_tokens":2}}`,
		`data: [DONE]`,
	}, "\n")

	_, err := streamSSE(strings.NewReader(body), testGuard(), skiff.NopLogger())
	if !errors.Is(err, errInvalidStreamUsage) {
		t.Errorf("err = %v, want errInvalidStreamUsage", err)
	}
}

func TestStreamSSEGuardTruncatesLoop(t *testing.T) {
	guard := testGuard()
	guard.Window = 256
	guard.Threshold = 5

	lines := []string{
		`data: {"id":"1","choices":[{"index":0,"delta":{"content":"thinking "}}]}`,
	}
	for i := 0; i < 20; i++ {
		lines = append(lines, `data: {"id":"1","choices":[{"index":0,"delta":{"content":"</tool>"}}]}`)
	}
	lines = append(lines, `data: [DONE]`)

	res, err := streamSSE(strings.NewReader(strings.Join(lines, "\n")), guard, skiff.NopLogger())
	if err != nil {
		t.Fatalf("streamSSE() error = %v", err)
	}
	if !res.Truncated {
		t.Fatal("guard did not trip")
	}
	if n := strings.Count(res.Content, "</tool>"); n >= 20 {
		t.Errorf("content kept all %d repetitions", n)
	}
}

func TestStreamSSEGuardDisabled(t *testing.T) {
	guard := testGuard()
	guard.Enabled = false
	guard.Window = 256
	guard.Threshold = 5

	lines := []string{}
	for i := 0; i < 20; i++ {
		lines = append(lines, `data: {"id":"1","choices":[{"index":0,"delta":{"content":"</tool>"}}]}`)
	}
	lines = append(lines,
		`data: {"id":"1","usage":{"prompt_tokens":1,"completion_tokens":20,"total_tokens":21}}`,
		`data: [DONE]`)

	res, err := streamSSE(strings.NewReader(strings.Join(lines, "\n")), guard, skiff.NopLogger())
	if err != nil {
		t.Fatalf("streamSSE() error = %v", err)
	}
	if res.Truncated {
		t.Error("disabled guard still truncated")
	}
	if n := strings.Count(res.Content, "</tool>"); n != 20 {
		t.Errorf("content repetitions = %d, want 20", n)
	}
}

func TestGuardTrippedWindowing(t *testing.T) {
	guard := GuardConfig{Window: 64, Threshold: 3, TagRegex: defaultTagRegex}

	// Tags outside the tail window do not count.
	old := strings.Repeat("</x>", 10) + strings.Repeat("a", 100)
	if guardTripped(old, guard) {
		t.Error("tags outside the window tripped the guard")
	}

	recent := strings.Repeat("a", 100) + strings.Repeat("</x>", 3)
	if !guardTripped(recent, guard) {
		t.Error("tags inside the window did not trip the guard")
	}
}

func TestGuardFromEnv(t *testing.T) {
	t.Setenv("MSWEA_STREAM_GUARD_ENABLED", "false")
	t.Setenv("MSWEA_STREAM_GUARD_WINDOW", "123")
	t.Setenv("MSWEA_STREAM_GUARD_TAG_THRESHOLD", "7")

	g := guardFromEnv()
	if g.Enabled {
		t.Error("MSWEA_STREAM_GUARD_ENABLED=false ignored")
	}
	if g.Window != 123 || g.Threshold != 7 {
		t.Errorf("guard = %+v", g)
	}
}
