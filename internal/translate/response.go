package translate

import (
	"encoding/json"
	"strings"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// stopReasonMapping is the finish_reason -> stop_reason table from §4.2.2.
var stopReasonMapping = map[string]string{
	"stop":           protocol.StopEndTurn,
	"length":         protocol.StopMaxTokens,
	"tool_calls":     protocol.StopToolUse,
	"function_call":  protocol.StopToolUse,
	"content_filter": protocol.StopEndTurn,
	"":               protocol.StopEndTurn,
}

// ConvertStopReason maps an OpenAI finish_reason to a Claude stop_reason.
// Anything unrecognized defaults to end_turn, matching the "anything else"
// fallback in §4.2.2.
func ConvertStopReason(reason string) string {
	if mapped, ok := stopReasonMapping[reason]; ok {
		return mapped
	}

	return protocol.StopEndTurn
}

// ToClaude assembles a non-streaming Claude Message from a buffered OpenAI
// response, per §4.2.2. requestedModel is echoed back since upstream
// responses often report their own internal model name. fallbackInputTokens
// is the character-heuristic estimate of the original request, used to fill
// Usage.InputTokens when the upstream response carries no usage block.
func ToClaude(resp *protocol.OAResponse, requestedModel string, fallbackInputTokens int) *protocol.ClaudeResponse {
	out := &protocol.ClaudeResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  protocol.RoleAssistant,
		Model: requestedModel,
	}

	if len(resp.Choices) == 0 {
		out.StopReason = protocol.StopEndTurn
		out.Content = []protocol.Block{{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: ""}}}

		return out
	}

	choice := resp.Choices[0]

	msg := choice.Message
	if msg == nil {
		msg = choice.Delta
	}

	out.Content = contentBlocksFromMessage(msg)

	if choice.FinishReason != nil {
		out.StopReason = ConvertStopReason(*choice.FinishReason)
	} else {
		out.StopReason = protocol.StopEndTurn
	}

	out.Usage = usageFromResponse(resp, out, fallbackInputTokens)

	return out
}

func contentBlocksFromMessage(msg *protocol.OAMessage) []protocol.Block {
	var blocks []protocol.Block

	if msg == nil {
		return []protocol.Block{{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: ""}}}
	}

	if text, ok := msg.Content.(string); ok && text != "" {
		blocks = append(blocks, protocol.Block{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: text}})
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, toolUseBlockFromCall(tc))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, protocol.Block{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: ""}})
	}

	return blocks
}

// toolUseBlockFromCall converts one OpenAI tool_call into a tool_use block.
// On JSON-parse failure of the arguments, the raw string is carried under
// a "_raw" key and the caller's soft-error logging (done by the
// orchestrator, which has access to a logger) is expected to note it.
func toolUseBlockFromCall(tc protocol.OAToolCall) protocol.Block {
	var input map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
		input = map[string]any{"_raw": tc.Function.Arguments}
	}

	return protocol.Block{
		Type: protocol.BlockToolUse,
		ToolUse: &protocol.ToolUseBlock{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		},
	}
}

// usageFromResponse copies reported usage when present; otherwise it
// estimates both sides of the total via the character heuristic so the
// total = input + output invariant holds regardless. fallbackInputTokens
// comes from estimating the original request text, since nothing in the
// OpenAI response itself reflects what was actually sent upstream.
func usageFromResponse(resp *protocol.OAResponse, claude *protocol.ClaudeResponse, fallbackInputTokens int) protocol.Usage {
	if resp.Usage != nil {
		return protocol.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	var outText strings.Builder

	for _, b := range claude.Content {
		if b.Type == protocol.BlockText && b.Text != nil {
			outText.WriteString(b.Text.Text)
		}

		if b.Type == protocol.BlockToolUse && b.ToolUse != nil {
			raw, _ := json.Marshal(b.ToolUse.Input)
			outText.Write(raw)
		}
	}

	return protocol.Usage{
		InputTokens:  fallbackInputTokens,
		OutputTokens: EstimateTokens(outText.String()),
	}
}
