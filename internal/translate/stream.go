package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crispinlab/cc-proxy/internal/protocol"
)

// block kinds tracked by the streaming state machine. Thinking is kept
// distinct from Text since a model may emit reasoning content ahead of its
// answer and the two must never share an index.
const (
	blockKindText    = "text"
	blockKindTool    = "tool_use"
	blockKindThink   = "thinking"
)

type blockState struct {
	kind       string
	startSent  bool
	stopSent   bool
	text       strings.Builder
	toolID     string
	toolName   string
	args       strings.Builder
	oaiIndex   int
	haveOAI    bool
}

// StreamState is the builder the state machine accumulates into: an
// append-only record of what has been emitted and the Claude message being
// assembled underneath it, per the Design Notes' "builder, not mutable
// shared document" guidance. The history row is written from Assemble's
// result, never from partial mutation of a shared struct.
type StreamState struct {
	MessageID string
	Model     string

	started    bool
	nextIndex  int
	openText   int // index of the currently open text block, -1 if none
	blocks     map[int]*blockState
	toolByOAI  map[int]int

	inputTokens  int
	outputTokens int
	stopReason   string
	done         bool
}

func NewStreamState() *StreamState {
	return &StreamState{
		openText:  -1,
		blocks:    make(map[int]*blockState),
		toolByOAI: make(map[int]int),
	}
}

func formatSSE(event string, data any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to encode event\"}}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

// Start emits message_start and an immediate ping, the HeaderSent
// transition out of Idle. Claude clients expect the ping to keep the
// connection alive while waiting on the first real delta.
func (s *StreamState) Start(messageID, model string) []byte {
	s.MessageID = messageID
	s.Model = model
	s.started = true

	var out []byte

	out = append(out, formatSSE("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          protocol.RoleAssistant,
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": s.inputTokens, "output_tokens": 0},
		},
	})...)
	out = append(out, formatSSE("ping", map[string]any{"type": "ping"})...)

	return out
}

// ProcessChunk feeds one OpenAI streaming chunk through the state machine
// and returns the Claude SSE events it produces, per §4.2.3.
func (s *StreamState) ProcessChunk(chunk *protocol.OAResponse) []byte {
	var out []byte

	if !s.started {
		out = append(out, s.Start(chunk.ID, chunk.Model)...)
	}

	if chunk.Usage != nil {
		if chunk.Usage.PromptTokens > 0 {
			s.inputTokens = chunk.Usage.PromptTokens
		}

		if chunk.Usage.CompletionTokens > 0 {
			s.outputTokens = chunk.Usage.CompletionTokens
		}
	}

	if len(chunk.Choices) == 0 {
		return out
	}

	choice := chunk.Choices[0]
	if choice.Delta == nil {
		return out
	}

	if reasoning := reasoningText(choice.Delta); reasoning != "" {
		out = append(out, s.emitThinking(reasoning)...)
	}

	hasToolCalls := len(choice.Delta.ToolCalls) > 0
	if hasToolCalls {
		// Open question (ii): a chunk carrying both content and a new
		// tool_call closes the text block first, then opens the tool block.
		if text, ok := choice.Delta.Content.(string); ok && text != "" {
			out = append(out, s.emitText(text)...)
		}

		out = append(out, s.closeOpenText()...)
		out = append(out, s.emitToolCalls(choice.Delta.ToolCalls)...)
	} else if text, ok := choice.Delta.Content.(string); ok && text != "" {
		out = append(out, s.emitText(text)...)
	}

	if choice.FinishReason != nil {
		out = append(out, s.finish(*choice.FinishReason)...)
	}

	return out
}

// reasoningText extracts whichever of the three shapes an upstream uses
// for a reasoning/thinking fragment: OpenAI o1-style reasoning_content,
// OpenRouter's reasoning_details array, or a bare reasoning string.
func reasoningText(delta *protocol.OAMessage) string {
	raw, err := json.Marshal(delta)
	if err != nil {
		return ""
	}

	var extra struct {
		ReasoningContent string `json:"reasoning_content"`
		Reasoning        string `json:"reasoning"`
		ReasoningDetails []struct {
			Text      string `json:"text"`
			Summary   string `json:"summary"`
			Encrypted bool   `json:"encrypted"`
		} `json:"reasoning_details"`
	}

	if err := json.Unmarshal(raw, &extra); err != nil {
		return ""
	}

	if extra.ReasoningContent != "" {
		return extra.ReasoningContent
	}

	if extra.Reasoning != "" {
		return extra.Reasoning
	}

	for _, d := range extra.ReasoningDetails {
		if d.Encrypted {
			return "[reasoning redacted by model provider]"
		}

		if d.Text != "" {
			return d.Text
		}

		if d.Summary != "" {
			return d.Summary
		}
	}

	return ""
}

func (s *StreamState) emitThinking(text string) []byte {
	idx := s.findOpenBlockIndex(blockKindThink)
	if idx == -1 {
		idx = s.openBlock(blockKindThink)
	}

	return s.appendAndDelta(idx, text, "thinking_delta", "thinking")
}

func (s *StreamState) emitText(text string) []byte {
	idx := s.openText
	if idx == -1 {
		idx = s.openBlock(blockKindText)
		s.openText = idx
	}

	return s.appendAndDelta(idx, text, "text_delta", "text")
}

func (s *StreamState) appendAndDelta(idx int, text, deltaType, blockType string) []byte {
	b := s.blocks[idx]

	var out []byte

	if !b.startSent {
		out = append(out, formatSSE("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{
				"type": blockType,
				blockType: "",
			},
		})...)
		b.startSent = true
	}

	b.text.WriteString(text)
	s.outputTokens += EstimateTokens(text)

	out = append(out, formatSSE("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": deltaType, blockType: text},
	})...)

	return out
}

func (s *StreamState) findOpenBlockIndex(kind string) int {
	for idx, b := range s.blocks {
		if b.kind == kind && !b.stopSent {
			return idx
		}
	}

	return -1
}

func (s *StreamState) openBlock(kind string) int {
	idx := s.nextIndex
	s.nextIndex++
	s.blocks[idx] = &blockState{kind: kind}

	return idx
}

// closeOpenText closes the currently open text block, if any, per the
// fixed block-index-assignment rule in §9's open question (ii).
func (s *StreamState) closeOpenText() []byte {
	if s.openText == -1 {
		return nil
	}

	idx := s.openText
	s.openText = -1

	return s.closeBlock(idx)
}

func (s *StreamState) closeBlock(idx int) []byte {
	b, ok := s.blocks[idx]
	if !ok || b.stopSent || !b.startSent {
		return nil
	}

	b.stopSent = true

	return formatSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})
}

// emitToolCalls processes one chunk's tool_calls delta array. Each
// OpenAI-side tool-call index is tracked independently via toolByOAI so
// fragments for concurrent tool calls land on the right Claude block even
// when they interleave across chunks.
func (s *StreamState) emitToolCalls(calls []protocol.OAToolCall) []byte {
	var out []byte

	for _, call := range calls {
		oaIndex := 0
		if call.Index != nil {
			oaIndex = *call.Index
		}

		idx, known := s.toolByOAI[oaIndex]
		if !known {
			idx = s.openBlock(blockKindTool)
			s.toolByOAI[oaIndex] = idx
			s.blocks[idx].oaiIndex = oaIndex
			s.blocks[idx].haveOAI = true
		}

		b := s.blocks[idx]

		if call.ID != "" {
			b.toolID = call.ID
		}

		if call.Function.Name != "" {
			b.toolName = call.Function.Name
		}

		if !b.startSent && b.toolID != "" && b.toolName != "" {
			out = append(out, formatSSE("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    b.toolID,
					"name":  b.toolName,
					"input": map[string]any{},
				},
			})...)
			b.startSent = true
		}

		if call.Function.Arguments != "" {
			b.args.WriteString(call.Function.Arguments)
			s.outputTokens += EstimateTokens(call.Function.Arguments)

			if b.startSent {
				out = append(out, formatSSE("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": idx,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Function.Arguments},
				})...)
			}
		}
	}

	return out
}

// finish closes every open block, then emits message_delta and
// message_stop — the Finalizing -> Done transition, reached on every exit
// path including mid-stream errors (via Abort).
func (s *StreamState) finish(reason string) []byte {
	var out []byte

	for idx, b := range s.blocks {
		if b.startSent && !b.stopSent {
			out = append(out, s.closeBlock(idx)...)
		}
	}

	s.openText = -1
	s.stopReason = ConvertStopReason(reason)
	s.done = true

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   s.stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": s.outputTokens},
	}
	out = append(out, formatSSE("message_delta", delta)...)
	out = append(out, formatSSE("message_stop", map[string]any{"type": "message_stop"})...)

	return out
}

// Abort closes whatever is open and emits the error terminal sequence:
// an SSE error event, message_delta(stop_reason=error), message_stop. Used
// when the upstream connection fails after the first byte has already been
// forwarded.
func (s *StreamState) Abort(message string) []byte {
	var out []byte

	out = append(out, formatSSE("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": message},
	})...)

	for idx, b := range s.blocks {
		if b.startSent && !b.stopSent {
			out = append(out, s.closeBlock(idx)...)
		}
	}

	s.stopReason = protocol.StopError
	s.done = true

	out = append(out, formatSSE("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   protocol.StopError,
			"stop_sequence": nil,
		},
	})...)
	out = append(out, formatSSE("message_stop", map[string]any{"type": "message_stop"})...)

	return out
}

// Done reports whether a terminal event (normal or aborted) has been
// emitted.
func (s *StreamState) Done() bool {
	return s.done
}

// Assemble derives the final Claude Message from the accumulated block
// state, for the history row and for the round-trip/equivalence testable
// properties. It never reads from partial event bytes, only from the
// builder's own state.
func (s *StreamState) Assemble() *protocol.ClaudeResponse {
	out := &protocol.ClaudeResponse{
		ID:         s.MessageID,
		Type:       "message",
		Role:       protocol.RoleAssistant,
		Model:      s.Model,
		StopReason: s.stopReason,
		Usage: protocol.Usage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
		},
	}

	for i := 0; i < s.nextIndex; i++ {
		b, ok := s.blocks[i]
		if !ok {
			continue
		}

		switch b.kind {
		case blockKindText:
			out.Content = append(out.Content, protocol.Block{
				Type: protocol.BlockText,
				Text: &protocol.TextBlock{Text: b.text.String()},
			})
		case blockKindThink:
			out.Content = append(out.Content, protocol.Block{
				Type:     protocol.BlockThinking,
				Thinking: &protocol.ThinkingBlock{Thinking: b.text.String()},
			})
		case blockKindTool:
			var input map[string]any
			if err := json.Unmarshal([]byte(b.args.String()), &input); err != nil {
				input = map[string]any{"_raw": b.args.String()}
			}

			out.Content = append(out.Content, protocol.Block{
				Type: protocol.BlockToolUse,
				ToolUse: &protocol.ToolUseBlock{
					ID:    b.toolID,
					Name:  b.toolName,
					Input: input,
				},
			})
		}
	}

	if len(out.Content) == 0 {
		out.Content = []protocol.Block{{Type: protocol.BlockText, Text: &protocol.TextBlock{Text: ""}}}
	}

	return out
}
