package openaicompat

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// GuardConfig controls the streaming repetition guard. A model stuck in a
// loop tends to emit the same closing tag over and over; the guard watches a
// rolling tail window of the streamed text and truncates the response when
// the tag count inside the window crosses the threshold.
type GuardConfig struct {
	Enabled   bool
	Window    int
	Threshold int
	TagRegex  *regexp.Regexp
}

const (
	defaultGuardWindow    = 8192
	defaultGuardThreshold = 50
)

var defaultTagRegex = regexp.MustCompile(`</[A-Za-z0-9_.:-]+>`)

// guardFromEnv reads the MSWEA_STREAM_GUARD_* variables. The guard is on by
// default whenever streaming is on.
func guardFromEnv() GuardConfig {
	g := GuardConfig{
		Enabled:   true,
		Window:    defaultGuardWindow,
		Threshold: defaultGuardThreshold,
		TagRegex:  defaultTagRegex,
	}
	if v := os.Getenv("MSWEA_STREAM_GUARD_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			g.Enabled = enabled
		}
	}
	if v := os.Getenv("MSWEA_STREAM_GUARD_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			g.Window = n
		}
	}
	if v := os.Getenv("MSWEA_STREAM_GUARD_TAG_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			g.Threshold = n
		}
	}
	return g
}

// errInvalidStreamUsage marks a stream whose final usage accounting does not
// add up. The caller falls back to a non-streaming request.
var errInvalidStreamUsage = errors.New("streamed usage accounting is invalid")

// streamResult is the reconstructed assistant turn.
type streamResult struct {
	Content   string
	Usage     usage
	Truncated bool
}

// streamSSE reads a chat completions SSE body and reassembles the response.
//
// Expected line format:
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
func streamSSE(body io.Reader, guard GuardConfig, logger *slog.Logger) (streamResult, error) {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads need more than the default buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var res streamResult

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			res.Usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}
		content.WriteString(delta.Content)

		if guard.Enabled && guardTripped(content.String(), guard) {
			logger.Warn("stream guard tripped, truncating response",
				"window", guard.Window, "threshold", guard.Threshold, "length", content.Len())
			res.Truncated = true
			break
		}
	}
	if err := scanner.Err(); err != nil && !res.Truncated {
		return streamResult{}, err
	}

	res.Content = content.String()
	if !res.Truncated && res.Usage.TotalTokens < res.Usage.PromptTokens {
		return res, errInvalidStreamUsage
	}
	return res, nil
}

// guardTripped reports whether the closing-tag count inside the tail window
// crossed the threshold.
func guardTripped(s string, guard GuardConfig) bool {
	tail := s
	if len(tail) > guard.Window {
		tail = tail[len(tail)-guard.Window:]
	}
	return len(guard.TagRegex.FindAllStringIndex(tail, guard.Threshold)) >= guard.Threshold
}
