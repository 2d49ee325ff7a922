package transform

import "github.com/crispinlab/cc-proxy/internal/protocol"

// passthrough gives every transformer a default no-op implementation of
// all four hooks; each transformer embeds it and overrides only the hooks
// it actually uses.
type passthrough struct{}

func (passthrough) RequestIn(req *protocol.ClaudeRequest) (*protocol.ClaudeRequest, error) {
	return req, nil
}

func (passthrough) RequestOut(req *protocol.OARequest) (*protocol.OARequest, error) {
	return req, nil
}

func (passthrough) ResponseIn(resp *protocol.OAResponse) (*protocol.OAResponse, error) {
	return resp, nil
}

func (passthrough) ResponseOut(resp *protocol.ClaudeResponse) (*protocol.ClaudeResponse, error) {
	return resp, nil
}

func optionString(opts map[string]any, key, fallback string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}

	return fallback
}

func optionInt(opts map[string]any, key string, fallback int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}

	return fallback
}
