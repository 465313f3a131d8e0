// Package memory holds the optional long-run helpers: a history summarizer
// that compresses the middle of a long message log, and an experience store
// for retrieving notes from prior runs.
//
// Everything here is best effort. A memory failure degrades to the
// uncompressed history and never terminates a run.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	skiff "github.com/nevindra/skiff"
)

// Experience is one tagged note from a prior run.
type Experience struct {
	ID        string   `json:"id"`
	Task      string   `json:"task"`
	Tags      []string `json:"tags,omitempty"`
	Content   string   `json:"content"`
	CreatedAt int64    `json:"created_at"`
}

// ExperienceStore persists and retrieves experiences. Implementations live
// in memory/sqlite and memory/postgres.
type ExperienceStore interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, exp Experience) error
	// Search returns up to topK experiences relevant to query, best first.
	Search(ctx context.Context, query string, topK int) ([]Experience, error)
	Close() error
}

// QueryFunc produces a plain completion for a prompt transcript. The
// summarizer is model-agnostic; callers adapt their LM client to this
// shape.
type QueryFunc func(ctx context.Context, messages []skiff.Message) (string, error)

const summaryPrompt = "Summarize the conversation so far for an engineer resuming the task. " +
	"Keep every detail needed to continue: the goal, what was tried, key command outputs, " +
	"current hypotheses, and open items. Target at most %d characters."

// Summarizer compresses the middle region of a long log into one injected
// summary message. The system message and the last KeepLast messages are
// never touched. Summaries are cached by a hash of the source range so
// repeated compactions of an unchanged prefix cost nothing.
type Summarizer struct {
	query    QueryFunc
	keepLast int
	trigger  int
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithKeepLast sets how many trailing messages stay verbatim (default 10).
func WithKeepLast(k int) SummarizerOption {
	return func(s *Summarizer) {
		if k > 0 {
			s.keepLast = k
		}
	}
}

// WithTrigger sets the log length at which compaction starts (default 40).
func WithTrigger(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.trigger = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSummarizer creates a summarizer over query.
func NewSummarizer(query QueryFunc, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		query:    query,
		keepLast: 10,
		trigger:  40,
		logger:   skiff.NopLogger(),
		cache:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compact returns messages with the middle region replaced by a single
// summary message when the log is long enough. On any failure the input is
// returned unchanged.
func (s *Summarizer) Compact(ctx context.Context, messages []skiff.Message) []skiff.Message {
	if len(messages) < s.trigger || len(messages) <= s.keepLast+2 {
		return messages
	}
	middle := messages[1 : len(messages)-s.keepLast]

	summary, err := s.summarize(ctx, middle)
	if err != nil {
		s.logger.Warn("history compaction failed, keeping full history", "error", err)
		return messages
	}

	out := make([]skiff.Message, 0, s.keepLast+2)
	out = append(out, messages[0])
	out = append(out, skiff.UserMessage("Previous conversation summary:\n"+summary))
	out = append(out, messages[len(messages)-s.keepLast:]...)
	return out
}

func (s *Summarizer) summarize(ctx context.Context, middle []skiff.Message) (string, error) {
	key, size := rangeKey(middle)

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	prompt := fmt.Sprintf(summaryPrompt, size/2)
	req := make([]skiff.Message, 0, len(middle)+1)
	req = append(req, middle...)
	req = append(req, skiff.UserMessage(prompt))

	summary, err := s.query(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("summarizer returned empty output")
	}

	s.mu.Lock()
	s.cache[key] = summary
	s.mu.Unlock()
	return summary, nil
}

// rangeKey hashes the source range and returns its total content size.
func rangeKey(messages []skiff.Message) (string, int) {
	h := sha256.New()
	size := 0
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
		size += len(m.Content)
	}
	return hex.EncodeToString(h.Sum(nil)), size
}
