package openaicompat

import (
	skiff "github.com/nevindra/skiff"
)

// buildBody converts the message log into the wire request. Exit messages
// never leave the process. With cacheLast set, the final message's content
// is sent as a block list whose last block carries an ephemeral
// cache-control marker; the stored log is untouched.
func buildBody(messages []skiff.Message, model string, cfg Config, stream bool) chatRequest {
	msgs := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == skiff.RoleExit {
			continue
		}
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	if cfg.SetCacheControl == skiff.CacheControlDefaultEnd && len(msgs) > 0 {
		last := &msgs[len(msgs)-1]
		if text, ok := last.Content.(string); ok {
			last.Content = []contentBlock{{
				Type:         "text",
				Text:         text,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
		}
	}

	req := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: cfg.MaxTokens,
		Extra:     cfg.ModelKwargs,
	}
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		req.Temperature = &t
	}
	if stream {
		req.Stream = true
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}
