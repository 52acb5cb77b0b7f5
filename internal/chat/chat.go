// Package chat maintains the per-session conversation log. The log enforces
// the tool pairing rules providers require: every tool result immediately
// follows the assistant message that requested it, and every tool call id is
// answered at most once.
package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callforge/voiceagent/pkg/ai/llm"
)

// Context is an ordered, validated message log. All methods are safe for
// concurrent use.
type Context struct {
	mu       sync.RWMutex
	messages []llm.Message
}

// New creates an empty context.
func New() *Context {
	return &Context{}
}

// Append validates and stores a message. Missing ids and timestamps are
// assigned. The stored message is returned.
func (c *Context) Append(msg llm.Message) (llm.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !msg.Role.Valid() {
		return llm.Message{}, fmt.Errorf("chat: invalid role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch msg.Role {
	case llm.RoleTool:
		if err := c.checkToolResult(msg); err != nil {
			return llm.Message{}, err
		}
	case llm.RoleAssistant:
		if err := c.checkToolCalls(msg); err != nil {
			return llm.Message{}, err
		}
	default:
		if msg.ToolCallID != "" {
			return llm.Message{}, fmt.Errorf("chat: %s message cannot carry a tool call id", msg.Role)
		}
	}

	c.messages = append(c.messages, msg)
	return msg, nil
}

// checkToolResult verifies the result answers an open call in the current
// tool block.
func (c *Context) checkToolResult(msg llm.Message) error {
	if msg.ToolCallID == "" {
		return fmt.Errorf("chat: tool message missing tool call id")
	}
	// walk back over the current run of tool results to the assistant
	// message that opened the block
	i := len(c.messages) - 1
	for i >= 0 && c.messages[i].Role == llm.RoleTool {
		if c.messages[i].ToolCallID == msg.ToolCallID {
			return fmt.Errorf("chat: tool call %s already answered", msg.ToolCallID)
		}
		i--
	}
	if i < 0 || c.messages[i].Role != llm.RoleAssistant {
		return fmt.Errorf("chat: tool result %s has no preceding assistant tool call", msg.ToolCallID)
	}
	for _, call := range c.messages[i].ToolCalls {
		if call.ID == msg.ToolCallID {
			return nil
		}
	}
	return fmt.Errorf("chat: tool result %s does not match any call in the preceding assistant message", msg.ToolCallID)
}

// checkToolCalls verifies call ids are present and unused.
func (c *Context) checkToolCalls(msg llm.Message) error {
	seen := make(map[string]bool, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		if call.ID == "" {
			return fmt.Errorf("chat: assistant tool call missing id")
		}
		if seen[call.ID] {
			return fmt.Errorf("chat: duplicate tool call id %s in message", call.ID)
		}
		seen[call.ID] = true
		for _, m := range c.messages {
			for _, prev := range m.ToolCalls {
				if prev.ID == call.ID {
					return fmt.Errorf("chat: tool call id %s already used", call.ID)
				}
			}
		}
	}
	return nil
}

// Snapshot returns an independent copy of the log.
func (c *Context) Snapshot() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMessages(c.messages)
}

// Len reports the number of messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Truncate removes every message matching the predicate and returns how many
// were removed. Removing an assistant message also removes its tool results,
// so the pairing invariant survives any predicate. Re-applying the same
// predicate is a no-op.
func (c *Context) Truncate(pred func(llm.Message) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := make(map[string]bool)
	kept := c.messages[:0:0]
	for _, msg := range c.messages {
		if pred(msg) {
			for _, call := range msg.ToolCalls {
				removed[call.ID] = true
			}
			continue
		}
		if msg.Role == llm.RoleTool && removed[msg.ToolCallID] {
			continue
		}
		kept = append(kept, msg)
	}
	n := len(c.messages) - len(kept)
	c.messages = kept
	return n
}

// Amend replaces the content of the message with the given id, leaving its
// position and pairing untouched. It reports whether the id was found.
// Used on barge-in to shrink the assistant message to the spoken prefix.
func (c *Context) Amend(id, content string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i].Content = content
			return true
		}
	}
	return false
}

// MessagesForLLM returns the log shaped for a completion request: orphaned
// tool exchanges are dropped so the provider never sees a call without its
// result or a result without its call.
func (c *Context) MessagesForLLM() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	answered := make(map[string]bool)
	for _, msg := range c.messages {
		if msg.Role == llm.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(c.messages))
	valid := make(map[string]bool)
	for _, msg := range c.messages {
		m := cloneMessage(msg)
		switch m.Role {
		case llm.RoleAssistant:
			var calls []llm.ToolCall
			for _, call := range m.ToolCalls {
				if answered[call.ID] {
					calls = append(calls, call)
					valid[call.ID] = true
				}
			}
			m.ToolCalls = calls
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
		case llm.RoleTool:
			if !valid[m.ToolCallID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// Validate re-checks the pairing invariant over the whole log.
func (c *Context) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validateMessages(c.messages)
}

func validateMessages(messages []llm.Message) error {
	callIDs := make(map[string]bool)
	answered := make(map[string]bool)
	for i, msg := range messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("chat: message %d: invalid role %q", i, msg.Role)
		}
		for _, call := range msg.ToolCalls {
			if call.ID == "" {
				return fmt.Errorf("chat: message %d: tool call missing id", i)
			}
			if callIDs[call.ID] {
				return fmt.Errorf("chat: message %d: tool call id %s reused", i, call.ID)
			}
			callIDs[call.ID] = true
		}
		if msg.Role != llm.RoleTool {
			continue
		}
		if msg.ToolCallID == "" {
			return fmt.Errorf("chat: message %d: tool result missing call id", i)
		}
		if answered[msg.ToolCallID] {
			return fmt.Errorf("chat: message %d: tool call %s answered twice", i, msg.ToolCallID)
		}
		answered[msg.ToolCallID] = true

		j := i - 1
		for j >= 0 && messages[j].Role == llm.RoleTool {
			j--
		}
		if j < 0 || messages[j].Role != llm.RoleAssistant || !carriesCall(messages[j], msg.ToolCallID) {
			return fmt.Errorf("chat: message %d: tool result %s does not follow its call", i, msg.ToolCallID)
		}
	}
	return nil
}

func carriesCall(msg llm.Message, id string) bool {
	for _, call := range msg.ToolCalls {
		if call.ID == id {
			return true
		}
	}
	return false
}

type contextJSON struct {
	Messages []llm.Message `json:"messages"`
}

// MarshalJSON encodes the full log.
func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(contextJSON{Messages: c.messages})
}

// UnmarshalJSON decodes and validates a log.
func (c *Context) UnmarshalJSON(data []byte) error {
	var decoded contextJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if err := validateMessages(decoded.Messages); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = decoded.Messages
	return nil
}

func copyMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m llm.Message) llm.Message {
	c := m
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = make([]llm.ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	return c
}
