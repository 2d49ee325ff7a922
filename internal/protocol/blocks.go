// Package protocol defines the wire and domain types shared by the
// translator, transformer pipeline, router, and history store: Claude's
// tagged content blocks, the Claude and OpenAI request/response shapes, and
// the history record persisted for every exchange.
package protocol

import "encoding/json"

// Block kinds, matching Claude's content block "type" discriminator.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// Block is a tagged union over Claude's content block variants. Exactly one
// of the variant fields is populated, selected by Type. Modeling this as a
// sum type rather than a raw map keeps the translator's switch exhaustive
// and keeps JSON round-tripping explicit.
type Block struct {
	Type string `json:"type"`

	Text *TextBlock       `json:"-"`
	Image *ImageBlock     `json:"-"`
	ToolUse *ToolUseBlock `json:"-"`
	ToolResult *ToolResultBlock `json:"-"`
	Thinking *ThinkingBlock `json:"-"`
}

type TextBlock struct {
	Text string `json:"text"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type ImageBlock struct {
	Source ImageSource `json:"source"`
}

type ToolUseBlock struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   any    `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

// MarshalJSON flattens the active variant's fields alongside Type, the way
// Claude's wire format represents a block: one flat object, not a nested
// "value" wrapper.
func (b Block) MarshalJSON() ([]byte, error) {
	merged := map[string]any{"type": b.Type}

	var variant any

	switch b.Type {
	case BlockText:
		variant = b.Text
	case BlockImage:
		variant = b.Image
	case BlockToolUse:
		variant = b.ToolUse
	case BlockToolResult:
		variant = b.ToolResult
	case BlockThinking:
		variant = b.Thinking
	}

	if variant != nil {
		raw, err := json.Marshal(variant)
		if err != nil {
			return nil, err
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}

		for k, v := range fields {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}

// UnmarshalJSON dispatches on the "type" discriminator into the matching
// variant struct.
func (b *Block) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	b.Type = tag.Type

	switch tag.Type {
	case BlockText:
		var v TextBlock
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Text = &v
	case BlockImage:
		var v ImageBlock
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Image = &v
	case BlockToolUse:
		var v ToolUseBlock
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.ToolUse = &v
	case BlockToolResult:
		var v ToolResultBlock
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.ToolResult = &v
	case BlockThinking:
		var v ThinkingBlock
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		b.Thinking = &v
	}

	return nil
}

// Content is either a plain string or a list of Blocks, matching Claude's
// permissive content field. Exactly one of Text/Blocks is populated.
type Content struct {
	Text   string
	Blocks []Block
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}

	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil

		return nil
	}

	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}

	c.Blocks = blocks

	return nil
}

// IsEmpty reports whether the content carries neither text nor blocks.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Blocks) == 0
}
