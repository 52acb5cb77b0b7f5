package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/pkg/ai/llm"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	is := is.New(t)

	c := New()
	msg, err := c.Append(llm.Message{Role: llm.RoleUser, Content: "hello"})
	is.NoErr(err)
	is.True(msg.ID != "")
	is.True(!msg.Timestamp.IsZero())
	is.Equal(c.Len(), 1)
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		seed []llm.Message
		msg  llm.Message
	}{
		{
			name: "invalid role",
			msg:  llm.Message{Role: "narrator", Content: "x"},
		},
		{
			name: "tool result without assistant",
			msg:  llm.Message{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_1"},
		},
		{
			name: "tool result without call id",
			seed: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call"}}},
			},
			msg: llm.Message{Role: llm.RoleTool, Content: "{}"},
		},
		{
			name: "tool result for unknown call",
			seed: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call"}}},
			},
			msg: llm.Message{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_9"},
		},
		{
			name: "duplicate tool answer",
			seed: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call"}}},
				{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_1"},
			},
			msg: llm.Message{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_1"},
		},
		{
			name: "reused call id",
			seed: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call"}}},
				{Role: llm.RoleTool, Content: "{}", ToolCallID: "call_1"},
			},
			msg: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call"}}},
		},
		{
			name: "user message with call id",
			msg:  llm.Message{Role: llm.RoleUser, Content: "x", ToolCallID: "call_1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			for _, m := range tt.seed {
				if _, err := c.Append(m); err != nil {
					t.Fatalf("seed append failed: %v", err)
				}
			}
			if _, err := c.Append(tt.msg); err == nil {
				t.Fatal("expected append to be rejected")
			}
			if err := c.Validate(); err != nil {
				t.Fatalf("context invalid after rejected append: %v", err)
			}
		})
	}
}

func TestToolResultsFollowTheirCalls(t *testing.T) {
	is := is.New(t)

	c := New()
	_, err := c.Append(llm.Message{Role: llm.RoleSystem, Content: "sys"})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleUser, Content: "book me in"})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
		{ID: "call_1", Name: "look_up_availability", Args: `{"date":"tomorrow"}`},
		{ID: "call_2", Name: "get_call_info", Args: "{}"},
	}})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleTool, Content: `{"slots":[]}`, ToolCallID: "call_1", ToolName: "look_up_availability"})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleTool, Content: `{"caller":"+15550100"}`, ToolCallID: "call_2", ToolName: "get_call_info"})
	is.NoErr(err)

	is.NoErr(c.Validate())
}

func TestSnapshotIsIndependent(t *testing.T) {
	is := is.New(t)

	c := New()
	_, err := c.Append(llm.Message{Role: llm.RoleUser, Content: "original"})
	is.NoErr(err)

	snap := c.Snapshot()
	snap[0].Content = "mutated"

	is.Equal(c.Snapshot()[0].Content, "original")
}

func TestTruncateCascadesAndIsIdempotent(t *testing.T) {
	is := is.New(t)

	c := New()
	_, err := c.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	is.NoErr(err)
	asst, err := c.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call", Args: "{}"}}})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1"})
	is.NoErr(err)

	pred := func(m llm.Message) bool { return m.ID == asst.ID }
	is.Equal(c.Truncate(pred), 2) // assistant and its tool result
	is.Equal(c.Len(), 1)
	is.NoErr(c.Validate())

	is.Equal(c.Truncate(pred), 0) // second application is a no-op
	is.Equal(c.Len(), 1)
}

func TestAmendRewritesContentInPlace(t *testing.T) {
	is := is.New(t)

	c := New()
	msg, err := c.Append(llm.Message{Role: llm.RoleAssistant, Content: "I was going to say a lot more"})
	is.NoErr(err)

	is.True(c.Amend(msg.ID, "I was going"))
	is.Equal(c.Snapshot()[0].Content, "I was going")
	is.True(!c.Amend("missing", "x"))
}

func TestMessagesForLLMDropsOrphans(t *testing.T) {
	is := is.New(t)

	c := New()
	_, err := c.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	is.NoErr(err)
	// a call the session never got to answer (barge-in during ToolRunning)
	_, err = c.Append(llm.Message{Role: llm.RoleAssistant, Content: "One moment.", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "look_up_availability", Args: "{}"}}})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleUser, Content: "actually never mind"})
	is.NoErr(err)

	msgs := c.MessagesForLLM()
	is.Equal(len(msgs), 3)
	is.Equal(len(msgs[1].ToolCalls), 0) // unanswered call stripped
	is.Equal(msgs[1].Content, "One moment.")
}

func TestMessagesForLLMDropsEmptyInterruptedAssistant(t *testing.T) {
	is := is.New(t)

	c := New()
	msg, err := c.Append(llm.Message{Role: llm.RoleAssistant, Content: "full reply"})
	is.NoErr(err)
	c.Amend(msg.ID, "") // barge-in before any audio played

	is.Equal(len(c.MessagesForLLM()), 0)
	is.Equal(c.Len(), 1) // the log itself keeps the record
}

func TestJSONRoundTrip(t *testing.T) {
	is := is.New(t)

	c := New()
	_, err := c.Append(llm.Message{Role: llm.RoleSystem, Content: "sys"})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "end_call", Args: "{}"}}})
	is.NoErr(err)
	_, err = c.Append(llm.Message{Role: llm.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1", ToolName: "end_call"})
	is.NoErr(err)

	data, err := json.Marshal(c)
	is.NoErr(err)

	restored := New()
	is.NoErr(json.Unmarshal(data, restored))
	is.Equal(restored.Len(), 3)
	is.NoErr(restored.Validate())

	again, err := json.Marshal(restored)
	is.NoErr(err)
	is.Equal(string(data), string(again))
}

func TestUnmarshalRejectsInvalidLog(t *testing.T) {
	is := is.New(t)

	payload := `{"messages":[{"id":"1","role":"tool","content":"{}","tool_call_id":"call_1"}]}`
	err := json.Unmarshal([]byte(payload), New())
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "tool result"))
}
