package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

func strPtr(s string) *string { return &s }

func TestConvertStopReason_KnownAndUnknown(t *testing.T) {
	assert.Equal(t, protocol.StopEndTurn, ConvertStopReason("stop"))
	assert.Equal(t, protocol.StopMaxTokens, ConvertStopReason("length"))
	assert.Equal(t, protocol.StopToolUse, ConvertStopReason("tool_calls"))
	assert.Equal(t, protocol.StopToolUse, ConvertStopReason("function_call"))
	assert.Equal(t, protocol.StopEndTurn, ConvertStopReason("something_unrecognized"))
}

func TestToClaude_CopiesReportedUsage(t *testing.T) {
	resp := &protocol.OAResponse{
		ID: "chatcmpl-1",
		Choices: []protocol.OAChoice{{
			Message:      &protocol.OAMessage{Role: protocol.OARoleAssistant, Content: "hi there"},
			FinishReason: strPtr("stop"),
		}},
		Usage: &protocol.OAUsage{PromptTokens: 12, CompletionTokens: 4},
	}

	out := ToClaude(resp, "claude-3-5-haiku-20241022", 99)

	assert.Equal(t, protocol.StopEndTurn, out.StopReason)
	assert.Equal(t, 12, out.Usage.InputTokens)
	assert.Equal(t, 4, out.Usage.OutputTokens)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "hi there", out.Content[0].Text.Text)
}

func TestToClaude_FallsBackToEstimatedUsageWhenUpstreamOmitsIt(t *testing.T) {
	resp := &protocol.OAResponse{
		ID: "chatcmpl-2",
		Choices: []protocol.OAChoice{{
			Message:      &protocol.OAMessage{Role: protocol.OARoleAssistant, Content: "a rather long answer here"},
			FinishReason: strPtr("stop"),
		}},
	}

	out := ToClaude(resp, "claude-3-5-haiku-20241022", 42)

	assert.Equal(t, 42, out.Usage.InputTokens)
	assert.Greater(t, out.Usage.OutputTokens, 0)
}

func TestToClaude_ToolCallsBecomeToolUseBlocks(t *testing.T) {
	resp := &protocol.OAResponse{
		ID: "chatcmpl-3",
		Choices: []protocol.OAChoice{{
			Message: &protocol.OAMessage{
				Role: protocol.OARoleAssistant,
				ToolCalls: []protocol.OAToolCall{
					{ID: "call_1", Function: protocol.OAFunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
				},
			},
			FinishReason: strPtr("tool_calls"),
		}},
	}

	out := ToClaude(resp, "m", 0)

	assert.Equal(t, protocol.StopToolUse, out.StopReason)
	require.Len(t, out.Content, 1)
	require.NotNil(t, out.Content[0].ToolUse)
	assert.Equal(t, "get_weather", out.Content[0].ToolUse.Name)
	assert.Equal(t, "Paris", out.Content[0].ToolUse.Input.(map[string]any)["city"])
}

func TestToClaude_MalformedToolArgumentsFallBackToRaw(t *testing.T) {
	resp := &protocol.OAResponse{
		ID: "chatcmpl-4",
		Choices: []protocol.OAChoice{{
			Message: &protocol.OAMessage{
				Role: protocol.OARoleAssistant,
				ToolCalls: []protocol.OAToolCall{
					{ID: "call_1", Function: protocol.OAFunctionCall{Name: "get_weather", Arguments: "not json"}},
				},
			},
			FinishReason: strPtr("tool_calls"),
		}},
	}

	out := ToClaude(resp, "m", 0)

	require.Len(t, out.Content, 1)
	assert.Equal(t, "not json", out.Content[0].ToolUse.Input.(map[string]any)["_raw"])
}

func TestToClaude_NoChoicesProducesEmptyTextBlock(t *testing.T) {
	out := ToClaude(&protocol.OAResponse{ID: "chatcmpl-5"}, "m", 0)

	assert.Equal(t, protocol.StopEndTurn, out.StopReason)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "", out.Content[0].Text.Text)
}
