package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

func intPtr(i int) *int { return &i }

func TestStreamState_FirstChunkEmitsMessageStart(t *testing.T) {
	s := NewStreamState()

	out := s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "gpt-4o-mini"})

	assert.Contains(t, string(out), "event: message_start")
	assert.Contains(t, string(out), "event: ping")
}

func TestStreamState_TextDeltasOpenOneBlockAndAccumulate(t *testing.T) {
	s := NewStreamState()

	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m", Choices: []protocol.OAChoice{
		{Delta: &protocol.OAMessage{Content: "hel"}},
	}})
	out := s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{
		{Delta: &protocol.OAMessage{Content: "lo"}},
	}})

	text := string(out)
	assert.Contains(t, text, "event: content_block_delta")
	assert.NotContains(t, text, "content_block_start")

	reason := "stop"
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{}, FinishReason: &reason}}})

	assembled := s.Assemble()
	require.Len(t, assembled.Content, 1)
	assert.Equal(t, "hello", assembled.Content[0].Text.Text)
}

func TestStreamState_ToolCallsTrackByOpenAIIndex(t *testing.T) {
	s := NewStreamState()
	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m"})

	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{
		ToolCalls: []protocol.OAToolCall{{Index: intPtr(0), ID: "call_1", Function: protocol.OAFunctionCall{Name: "get_weather"}}},
	}}}})
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{
		ToolCalls: []protocol.OAToolCall{{Index: intPtr(0), Function: protocol.OAFunctionCall{Arguments: `{"city":"Paris"}`}}},
	}}}})

	reason := "tool_calls"
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{}, FinishReason: &reason}}})

	assembled := s.Assemble()
	require.Len(t, assembled.Content, 1)
	require.NotNil(t, assembled.Content[0].ToolUse)
	assert.Equal(t, "get_weather", assembled.Content[0].ToolUse.Name)
	assert.Equal(t, "Paris", assembled.Content[0].ToolUse.Input.(map[string]any)["city"])
}

func TestStreamState_TextThenToolCallClosesTextBlockFirst(t *testing.T) {
	s := NewStreamState()
	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m"})

	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{Content: "checking weather"}}}})
	out := s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{
		ToolCalls: []protocol.OAToolCall{{Index: intPtr(0), ID: "call_1", Function: protocol.OAFunctionCall{Name: "get_weather"}}},
	}}}})

	assert.Contains(t, string(out), "event: content_block_stop")
}

func TestStreamState_FinishClosesOpenBlocksAndMarksDone(t *testing.T) {
	s := NewStreamState()
	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m"})
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{Content: "hi"}}}})

	reason := "stop"
	out := s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{}, FinishReason: &reason}}})

	text := string(out)
	assert.Contains(t, text, "event: content_block_stop")
	assert.Contains(t, text, "event: message_delta")
	assert.Contains(t, text, "event: message_stop")
	assert.True(t, s.Done())
}

func TestStreamState_AbortClosesOpenBlocksAndEmitsErrorEvent(t *testing.T) {
	s := NewStreamState()
	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m"})
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{Content: "hi"}}}})

	out := s.Abort("upstream connection dropped")

	text := string(out)
	assert.True(t, strings.Index(text, "event: error") < strings.Index(text, "event: content_block_stop"))
	assert.Contains(t, text, "event: message_delta")
	assert.Contains(t, text, "event: message_stop")
	assert.True(t, s.Done())

	assembled := s.Assemble()
	assert.Equal(t, protocol.StopError, assembled.StopReason)
}

func TestStreamState_AbortOnFreshStateIsHarmless(t *testing.T) {
	s := NewStreamState()

	out := s.Abort("decompressing upstream stream failed")

	text := string(out)
	assert.Contains(t, text, "event: error")
	assert.Contains(t, text, "event: message_stop")
	assert.NotContains(t, text, "content_block_stop")
	assert.True(t, s.Done())
}

func TestStreamState_UsageFromFinalChunkIsCarriedIntoAssemble(t *testing.T) {
	s := NewStreamState()
	s.ProcessChunk(&protocol.OAResponse{ID: "chatcmpl-1", Model: "m"})
	s.ProcessChunk(&protocol.OAResponse{Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{Content: "hi"}}}})

	reason := "stop"
	s.ProcessChunk(&protocol.OAResponse{
		Choices: []protocol.OAChoice{{Delta: &protocol.OAMessage{}, FinishReason: &reason}},
		Usage:   &protocol.OAUsage{PromptTokens: 7, CompletionTokens: 3},
	})

	assembled := s.Assemble()
	assert.Equal(t, 7, assembled.Usage.InputTokens)
	assert.Equal(t, 3, assembled.Usage.OutputTokens)
}
