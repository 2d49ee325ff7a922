package transform

import (
	"encoding/json"
	"regexp"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

const (
	exitToolName    = "ExitTool"
	defaultMaxOutput = 8192
)

// deepSeek forces tool-calling models that otherwise tend to answer in
// plain text into always calling a tool, by injecting a synthetic
// ExitTool the model can call with a plain-text answer when none of the
// real tools fit. response_out then unwraps an ExitTool call back into a
// normal text turn, and also repairs the common case of a model wrapping
// its JSON answer in a fenced code block instead of returning bare JSON.
type deepSeek struct {
	passthrough

	maxOutput int
	reminder  string
}

func newDeepSeek(cfg protocol.TransformerConfig) (Transformer, error) {
	return &deepSeek{
		maxOutput: optionInt(cfg.Options, "max_output", defaultMaxOutput),
		reminder:  optionString(cfg.Options, "reminder", "You must call a tool to respond. If none of the available tools fit, call ExitTool with your answer in the response field."),
	}, nil
}

func (d *deepSeek) Name() string { return "deepseek" }

func (d *deepSeek) RequestOut(req *protocol.OARequest) (*protocol.OARequest, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}

	req.ToolChoice = "required"
	req.Tools = append(req.Tools, exitToolDefinition())

	reminder := protocol.OAMessage{Role: protocol.OARoleSystem, Content: d.reminder}
	req.Messages = append([]protocol.OAMessage{reminder}, req.Messages...)

	if req.MaxTokens <= 0 || req.MaxTokens > d.maxOutput {
		req.MaxTokens = d.maxOutput
	}

	return req, nil
}

// ResponseIn rewrites a buffered (non-streaming) ExitTool call into a
// plain assistant text turn. Streaming chunks carry only partial tool-call
// argument fragments, so the equivalent rewrite for a streamed response
// happens in ResponseOut against the fully assembled message instead —
// see ResponseOut below.
func (d *deepSeek) ResponseIn(resp *protocol.OAResponse) (*protocol.OAResponse, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return resp, nil
	}

	msg := resp.Choices[0].Message

	for _, tc := range msg.ToolCalls {
		if tc.Function.Name != exitToolName {
			continue
		}

		text := exitToolResponseText(tc.Function.Arguments)
		msg.Content = text
		msg.ToolCalls = nil
		stop := "stop"
		resp.Choices[0].FinishReason = &stop

		break
	}

	return resp, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")

// ResponseOut catches the streaming-path ExitTool case (the assembled
// message may still carry a tool_use block named ExitTool, since the
// per-chunk hook in ResponseIn never saw complete arguments) and applies
// the fenced-JSON repair to every text block on both paths.
func (d *deepSeek) ResponseOut(resp *protocol.ClaudeResponse) (*protocol.ClaudeResponse, error) {
	for i, b := range resp.Content {
		if b.Type == protocol.BlockToolUse && b.ToolUse != nil && b.ToolUse.Name == exitToolName {
			text := exitToolInputText(b.ToolUse.Input)
			resp.Content = []protocol.Block{{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: text}}}
			resp.StopReason = protocol.StopEndTurn

			return resp, nil
		}

		if b.Type == protocol.BlockText && b.Text != nil {
			if m := fencedJSON.FindStringSubmatch(b.Text.Text); m != nil && json.Valid([]byte(m[1])) {
				resp.Content[i].Text = &protocol.TextBlock{Text: m[1]}
			}
		}
	}

	return resp, nil
}

func exitToolDefinition() protocol.OATool {
	schema := json.RawMessage(`{"type":"object","properties":{"response":{"type":"string"}},"required":["response"]}`)

	return protocol.OATool{
		Type: "function",
		Function: protocol.OAFunctionDef{
			Name:        exitToolName,
			Description: "Return a plain-text answer when none of the available tools apply.",
			Parameters:  schema,
		},
	}
}

func exitToolResponseText(arguments string) string {
	var parsed struct {
		Response string `json:"response"`
	}

	if err := json.Unmarshal([]byte(arguments), &parsed); err != nil || parsed.Response == "" {
		return arguments
	}

	return parsed.Response
}

func exitToolInputText(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}

	if text, ok := m["response"].(string); ok {
		return text
	}

	return ""
}
