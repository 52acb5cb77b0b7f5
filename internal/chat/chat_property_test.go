package chat

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/callforge/voiceagent/pkg/ai/llm"
)

// buildConversation appends one turn per word: a user message followed by
// either a plain assistant reply or a full tool exchange.
func buildConversation(t *testing.T, words []string, toolTurns []bool) *Context {
	t.Helper()
	c := New()
	for i, word := range words {
		if _, err := c.Append(llm.Message{Role: llm.RoleUser, Content: word}); err != nil {
			t.Fatalf("user append: %v", err)
		}
		useTool := i < len(toolTurns) && toolTurns[i]
		if !useTool {
			if _, err := c.Append(llm.Message{Role: llm.RoleAssistant, Content: word + "!"}); err != nil {
				t.Fatalf("assistant append: %v", err)
			}
			continue
		}
		callID := fmt.Sprintf("call_%d", i)
		if _, err := c.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: callID, Name: "look_up_availability", Args: "{}"},
		}}); err != nil {
			t.Fatalf("tool call append: %v", err)
		}
		if _, err := c.Append(llm.Message{Role: llm.RoleTool, Content: `{"ok":true}`, ToolCallID: callID, ToolName: "look_up_availability"}); err != nil {
			t.Fatalf("tool result append: %v", err)
		}
		if _, err := c.Append(llm.Message{Role: llm.RoleAssistant, Content: "done"}); err != nil {
			t.Fatalf("closing assistant append: %v", err)
		}
	}
	return c
}

func TestContextProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	wordsGen := gen.SliceOf(gen.AlphaString().SuchThat(func(s string) bool { return s != "" }))
	flagsGen := gen.SliceOf(gen.Bool())

	properties.Property("json round-trip preserves the log", prop.ForAll(
		func(words []string, flags []bool) bool {
			c := buildConversation(t, words, flags)
			data, err := json.Marshal(c)
			if err != nil {
				return false
			}
			restored := New()
			if err := json.Unmarshal(data, restored); err != nil {
				return false
			}
			if restored.Validate() != nil {
				return false
			}
			again, err := json.Marshal(restored)
			if err != nil {
				return false
			}
			return string(data) == string(again)
		},
		wordsGen, flagsGen,
	))

	properties.Property("truncate is idempotent", prop.ForAll(
		func(words []string, flags []bool, needle string) bool {
			c := buildConversation(t, words, flags)
			pred := func(m llm.Message) bool { return strings.Contains(m.Content, needle) }
			c.Truncate(pred)
			first := c.Snapshot()
			if n := c.Truncate(pred); n != 0 {
				return false
			}
			return reflect.DeepEqual(first, c.Snapshot())
		},
		wordsGen, flagsGen, gen.AlphaString(),
	))

	properties.Property("pairing invariant survives append and truncate", prop.ForAll(
		func(words []string, flags []bool, needle string) bool {
			c := buildConversation(t, words, flags)
			if c.Validate() != nil {
				return false
			}
			c.Truncate(func(m llm.Message) bool { return strings.Contains(m.Content, needle) })
			return c.Validate() == nil
		},
		wordsGen, flagsGen, gen.AlphaString(),
	))

	properties.TestingRun(t)
}
