package transform

import "github.com/crispinlab/cc-proxy/internal/protocol"

// genericReminder injects a one-line system reminder encouraging tool use
// whenever the translated request carries at least one tool. Unlike
// deepSeek it never forces tool_choice or adds a synthetic tool; it is
// meant for models that already support tool calling well but tend to
// answer in prose when a tool would serve the user better.
type genericReminder struct {
	passthrough

	message string
}

func newGenericReminder(cfg protocol.TransformerConfig) (Transformer, error) {
	return &genericReminder{
		message: optionString(cfg.Options, "message", "Prefer calling an available tool over answering from memory when one applies."),
	}, nil
}

func (g *genericReminder) Name() string { return "reminder" }

func (g *genericReminder) RequestOut(req *protocol.OARequest) (*protocol.OARequest, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}

	reminder := protocol.OAMessage{Role: protocol.OARoleSystem, Content: g.message}
	req.Messages = append([]protocol.OAMessage{reminder}, req.Messages...)

	return req, nil
}
