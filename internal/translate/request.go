package translate

import (
	"encoding/json"
	"strings"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// Limits configures the sampling ceiling/floor the component design calls
// for: a configured max_tokens_limit ceiling and min_tokens_limit floor.
type Limits struct {
	MaxTokens int
	MinTokens int
}

// ToOpenAI converts a Claude request into its OpenAI-compatible
// equivalent, per §4.2.1. Native Anthropic providers skip this entirely
// (the orchestrator forwards the original body unchanged); this function is
// only reached for OpenAI-compatible upstreams.
func ToOpenAI(req *protocol.ClaudeRequest, limits Limits) *protocol.OARequest {
	out := &protocol.OARequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP, // TopK has no OpenAI equivalent and is dropped.
		MaxTokens:   clampTokens(req.MaxTokens, limits),
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	out.Messages = buildMessages(req)

	if len(req.Tools) > 0 {
		out.Tools = make([]protocol.OATool, 0, len(req.Tools))
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, protocol.OATool{
				Type: "function",
				Function: protocol.OAFunctionDef{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(*req.ToolChoice)
	}

	return out
}

func clampTokens(requested int, limits Limits) int {
	if limits.MaxTokens > 0 && requested > limits.MaxTokens {
		return limits.MaxTokens
	}

	if limits.MinTokens > 0 && requested < limits.MinTokens {
		return limits.MinTokens
	}

	return requested
}

// convertToolChoice maps Claude's {auto,any,tool,none} union onto OpenAI's
// {"auto","required",{"type":"function","function":{"name":...}},"none"}.
func convertToolChoice(tc protocol.ToolChoice) any {
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// buildMessages flattens Claude's system prompt and message list into
// OpenAI's flat message array, per the Messages/System rules in §4.2.1.
func buildMessages(req *protocol.ClaudeRequest) []protocol.OAMessage {
	var out []protocol.OAMessage

	if req.System != nil && !req.System.IsEmpty() {
		out = append(out, protocol.OAMessage{
			Role:    protocol.OARoleSystem,
			Content: systemText(*req.System),
		})
	}

	for _, msg := range req.Messages {
		out = append(out, convertMessage(msg)...)
	}

	return out
}

// systemText joins a structured system prompt with newlines; cache_control
// annotations on system blocks only matter for native Anthropic providers
// (which skip translation entirely), so they are simply absent from the
// joined text here.
func systemText(c protocol.Content) string {
	if c.Blocks == nil {
		return c.Text
	}

	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		if b.Type == protocol.BlockText && b.Text != nil {
			parts = append(parts, b.Text.Text)
		}
	}

	return strings.Join(parts, "\n")
}

// convertMessage expands one Claude message into zero or more OpenAI
// messages: an assistant message with tool_use blocks becomes one
// assistant message carrying tool_calls; a user message with tool_result
// blocks splits into one role=tool message per result, preceded by a
// single user message for any remaining text/image content.
func convertMessage(msg protocol.Message) []protocol.OAMessage {
	if msg.Content.Blocks == nil {
		return []protocol.OAMessage{{Role: msg.Role, Content: msg.Content.Text}}
	}

	if msg.Role == protocol.RoleAssistant {
		return []protocol.OAMessage{convertAssistantBlocks(msg.Content.Blocks)}
	}

	return convertUserBlocks(msg.Content.Blocks)
}

func convertAssistantBlocks(blocks []protocol.Block) protocol.OAMessage {
	var (
		text      strings.Builder
		toolCalls []protocol.OAToolCall
	)

	for _, b := range blocks {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != nil {
				text.WriteString(b.Text.Text)
			}
		case protocol.BlockToolUse:
			if b.ToolUse == nil {
				continue
			}

			args, _ := json.Marshal(b.ToolUse.Input)
			toolCalls = append(toolCalls, protocol.OAToolCall{
				ID:   b.ToolUse.ID,
				Type: "function",
				Function: protocol.OAFunctionCall{
					Name:      b.ToolUse.Name,
					Arguments: string(args),
				},
			})
		}
	}

	return protocol.OAMessage{
		Role:      protocol.OARoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
	}
}

func convertUserBlocks(blocks []protocol.Block) []protocol.OAMessage {
	var (
		leading   []any
		toolMsgs  []protocol.OAMessage
		hasLeader bool
	)

	for _, b := range blocks {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != nil {
				leading = append(leading, map[string]any{"type": "text", "text": b.Text.Text})
				hasLeader = true
			}
		case protocol.BlockImage:
			if b.Image != nil {
				leading = append(leading, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": imageURL(*b.Image)},
				})
				hasLeader = true
			}
		case protocol.BlockToolResult:
			if b.ToolResult == nil {
				continue
			}

			toolMsgs = append(toolMsgs, protocol.OAMessage{
				Role:       protocol.OARoleTool,
				ToolCallID: b.ToolResult.ToolUseID,
				Content:    toolResultContent(*b.ToolResult),
			})
		}
	}

	var out []protocol.OAMessage

	if hasLeader {
		out = append(out, protocol.OAMessage{Role: protocol.OARoleUser, Content: leading})
	}

	out = append(out, toolMsgs...)

	return out
}

func imageURL(img protocol.ImageBlock) string {
	if img.Source.URL != "" {
		return img.Source.URL
	}

	return "data:" + img.Source.MediaType + ";base64," + img.Source.Data
}

func toolResultContent(tr protocol.ToolResultBlock) string {
	switch v := tr.Content.(type) {
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(raw)
	}
}
