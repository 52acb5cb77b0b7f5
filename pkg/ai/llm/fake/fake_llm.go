// Package fake provides a scripted llm.LLM for tests.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/llm"
)

// Script describes the events one Complete call emits, in order. The stream
// always terminates with the script's final event followed by channel close,
// unless Hang is set, in which case the stream blocks until the context is
// cancelled and then errors.
type Script struct {
	Events []llm.Event
	Delay  time.Duration
	Hang   bool
}

// Say scripts a plain text completion streamed token by token.
func Say(text string) Script {
	var events []llm.Event
	for _, tok := range strings.SplitAfter(text, " ") {
		if tok == "" {
			continue
		}
		events = append(events, llm.Event{Type: llm.EventToken, Token: tok})
	}
	events = append(events, llm.Event{Type: llm.EventDone, FinishReason: "stop"})
	return Script{Events: events}
}

// Call scripts a completion that requests a single tool invocation.
func Call(id, name, args string) Script {
	return Script{Events: []llm.Event{
		{Type: llm.EventToolCall, Call: llm.ToolCall{ID: id, Name: name, Args: args}},
		{Type: llm.EventDone, FinishReason: "tool_calls"},
	}}
}

// SayThenCall scripts spoken text followed by a tool invocation in the same
// completion.
func SayThenCall(text, id, name, args string) Script {
	say := Say(text)
	events := say.Events[:len(say.Events)-1]
	events = append(events,
		llm.Event{Type: llm.EventToolCall, Call: llm.ToolCall{ID: id, Name: name, Args: args}},
		llm.Event{Type: llm.EventDone, FinishReason: "tool_calls"},
	)
	return Script{Events: events}
}

// Fail scripts a completion that errors immediately.
func Fail(err error) Script {
	return Script{Events: []llm.Event{{Type: llm.EventError, Err: err}}}
}

// Hang scripts a completion that never produces output. The stream errors
// with the context's error once the caller cancels or times out.
func Hang() Script {
	return Script{Hang: true}
}

// Request records the arguments of one Complete call.
type Request struct {
	Messages []llm.Message
	Tools    []llm.ToolDefinition
	Opts     llm.Options
}

// LLM replays scripts in order, one per Complete call. When the scripts run
// out it answers with a canned line so session tests never stall.
type LLM struct {
	mu       sync.Mutex
	scripts  []Script
	next     int
	requests []Request

	openErr error

	inflight      atomic.Int32
	maxConcurrent atomic.Int32
}

var _ llm.LLM = (*LLM)(nil)

// New creates a fake that replays the given scripts in order.
func New(scripts ...Script) *LLM {
	return &LLM{scripts: scripts}
}

// Push appends another script to the replay queue.
func (f *LLM) Push(s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, s)
}

// FailOpenWith makes the next Complete call fail before streaming.
func (f *LLM) FailOpenWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Requests returns a copy of every Complete call observed so far.
func (f *LLM) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls reports how many completions were opened.
func (f *LLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// MaxConcurrent reports the highest number of completions that were in
// flight at the same time.
func (f *LLM) MaxConcurrent() int32 {
	return f.maxConcurrent.Load()
}

// Capabilities reports full streaming and tool support.
func (f *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Tools: true, Models: []string{"fake"}}
}

// Complete pops the next script and streams its events.
func (f *LLM) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (<-chan llm.Event, error) {
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.openErr = nil
		f.mu.Unlock()
		return nil, err
	}
	msgCopy := make([]llm.Message, len(messages))
	copy(msgCopy, messages)
	toolCopy := make([]llm.ToolDefinition, len(tools))
	copy(toolCopy, tools)
	f.requests = append(f.requests, Request{Messages: msgCopy, Tools: toolCopy, Opts: opts})

	script := Say(fmt.Sprintf("Fake reply %d.", f.next+1))
	if f.next < len(f.scripts) {
		script = f.scripts[f.next]
	}
	f.next++
	f.mu.Unlock()

	n := f.inflight.Add(1)
	for {
		max := f.maxConcurrent.Load()
		if n <= max || f.maxConcurrent.CompareAndSwap(max, n) {
			break
		}
	}

	events := make(chan llm.Event, len(script.Events)+1)
	go func() {
		defer close(events)
		defer f.inflight.Add(-1)

		if script.Hang {
			<-ctx.Done()
			events <- llm.Event{Type: llm.EventError, Err: ctx.Err()}
			return
		}
		for _, ev := range script.Events {
			if script.Delay > 0 {
				select {
				case <-time.After(script.Delay):
				case <-ctx.Done():
					events <- llm.Event{Type: llm.EventError, Err: ctx.Err()}
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
