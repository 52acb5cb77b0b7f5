// Package llm defines the chat-completion port: message and tool shapes plus
// a streaming interface whose events form a tagged sum
// (Token | ToolCall | Done | Error).
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role classifies a chat message. The set is closed.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Args is the JSON-encoded argument object as emitted by the model.
	Args string `json:"args"`
}

// Message is a single chat turn. For assistant messages carrying tool calls,
// ToolCalls is set; for tool-result messages, ToolCallID and ToolName refer
// back to the call being answered.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema document describing the argument object.
	Parameters json.RawMessage
}

// EventType discriminates stream events.
type EventType int

const (
	// EventToken carries one streamed text fragment.
	EventToken EventType = iota
	// EventToolCall carries one fully accumulated tool invocation.
	EventToolCall
	// EventDone closes the stream normally.
	EventDone
	// EventError closes the stream abnormally.
	EventError
)

// Event is the tagged sum emitted by Complete. Exactly one payload field is
// meaningful per type: Token for EventToken, Call for EventToolCall,
// FinishReason for EventDone, Err for EventError.
type Event struct {
	Type         EventType
	Token        string
	Call         ToolCall
	FinishReason string
	Err          error
}

// Options tunes a single completion request.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming bool
	Tools     bool
	Models    []string
}

// LLM streams chat completions.
type LLM interface {
	// Complete starts a streaming completion over messages with the given
	// tools advertised. The returned channel yields Token and ToolCall events
	// in arrival order and terminates with exactly one Done or Error event,
	// after which it is closed. Cancelling ctx aborts the stream.
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (<-chan Event, error)

	// Capabilities reports provider support.
	Capabilities() Capabilities
}
