// Package schema defines the typed input model for inference requests
// (messages, content blocks, system prompts) and validates it against
// per-role JSON schemas compiled for a function.
package schema

import "encoding/json"

// Role identifies the speaker of a Message.
type Role string

const (
	// RoleUser is the role for user-authored messages.
	RoleUser Role = "user"

	// RoleAssistant is the role for assistant-authored messages.
	RoleAssistant Role = "assistant"
)

type (
	// ContentBlock is a marker interface implemented by every input content
	// block variant. Concrete implementations capture schema-checked text,
	// raw text that bypasses validation, tool calls/results, and files.
	ContentBlock interface {
		isContentBlock()
	}

	// TextBlock is schema-checked text content.
	//
	// Exactly one of Text or Arguments is set. Text is validated as a JSON
	// string against the role schema; Arguments is validated as a JSON object.
	// Callers construct one or the other, never both.
	TextBlock struct {
		// Text holds plain-string content when set.
		Text *string

		// Arguments holds structured content validated as a JSON object
		// when set.
		Arguments json.RawMessage
	}

	// RawTextBlock carries text that bypasses schema validation entirely.
	RawTextBlock struct {
		Value string
	}

	// ToolCallBlock is a tool invocation requested by the assistant.
	ToolCallBlock struct {
		ID        string
		Name      string
		Arguments json.RawMessage
	}

	// ToolResultBlock carries the result of a prior tool call, supplied by
	// the caller on a subsequent turn.
	ToolResultBlock struct {
		ID     string
		Name   string
		Result string
	}

	// FileBlock attaches binary content to a message.
	FileBlock struct {
		MIMEType string
		Data     []byte
		URL      string
	}

	// SystemContent is the optional system field of a Request.
	//
	// Exactly one of Text or Object is set: Text for a plain system string,
	// Object for structured content validated against the system schema.
	SystemContent struct {
		Text   *string
		Object json.RawMessage
	}

	// Message is a single ordered entry in a conversation.
	Message struct {
		Role    Role
		Content []ContentBlock
	}

	// Input is the full input payload: an optional system field plus an
	// ordered sequence of messages.
	Input struct {
		System   *SystemContent
		Messages []Message
	}
)

func (TextBlock) isContentBlock()       {}
func (RawTextBlock) isContentBlock()    {}
func (ToolCallBlock) isContentBlock()   {}
func (ToolResultBlock) isContentBlock() {}
func (FileBlock) isContentBlock()       {}
