// Package openai implements the llm port over the OpenAI chat completions
// streaming API, including incremental tool-call assembly.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/llm"
)

const defaultModel = "gpt-4o-mini"

// Provider implements llm.LLM backed by OpenAI.
type Provider struct {
	client *gopenai.Client
	model  string
}

var _ llm.LLM = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithModel overrides the default completion model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithClient substitutes a preconfigured client (custom base URL, transport).
func WithClient(client *gopenai.Client) Option {
	return func(p *Provider) { p.client = client }
}

// New creates an OpenAI provider. apiKey must be non-empty unless a client is
// supplied via WithClient.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		if apiKey == "" {
			return nil, errors.New("openai: api key required")
		}
		p.client = gopenai.NewClient(apiKey)
	}
	return p, nil
}

// Capabilities reports streaming and tool support.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Streaming: true,
		Tools:     true,
		Models:    []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini"},
	}
}

// Complete opens a streaming completion and fans events into a channel.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts llm.Options) (<-chan llm.Event, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	req := gopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       convertTools(tools),
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	events := make(chan llm.Event, 32)
	go func() {
		defer close(events)
		defer stream.Close()

		acc := newToolCallAccumulator()
		finish := ""
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				} else {
					err = classify(err)
				}
				send(ctx, events, llm.Event{Type: llm.EventError, Err: err})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, events, llm.Event{Type: llm.EventToken, Token: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.add(tc)
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
		}

		for _, call := range acc.finished() {
			if !send(ctx, events, llm.Event{Type: llm.EventToolCall, Call: call}) {
				return
			}
		}
		if finish == "" {
			finish = string(gopenai.FinishReasonStop)
		}
		send(ctx, events, llm.Event{Type: llm.EventDone, FinishReason: finish})
	}()
	return events, nil
}

func send(ctx context.Context, events chan<- llm.Event, ev llm.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolCallAccumulator reassembles tool calls from streamed deltas, which
// arrive as fragments keyed by choice index.
type toolCallAccumulator struct {
	order []int
	calls map[int]*llm.ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*llm.ToolCall)}
}

func (a *toolCallAccumulator) add(tc gopenai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &llm.ToolCall{}
		a.calls[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Args += tc.Function.Arguments
}

func (a *toolCallAccumulator) finished() []llm.ToolCall {
	sort.Ints(a.order)
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.calls[idx]
		if call.Args == "" {
			call.Args = "{}"
		}
		out = append(out, *call)
	}
	return out
}

func convertMessages(messages []llm.Message) []gopenai.ChatCompletionMessage {
	out := make([]gopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := gopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == llm.RoleTool {
			cm.Role = gopenai.ChatMessageRoleTool
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, gopenai.ToolCall{
				ID:   tc.ID,
				Type: gopenai.ToolTypeFunction,
				Function: gopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(tools []llm.ToolDefinition) []gopenai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]gopenai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, gopenai.Tool{
			Type: gopenai.ToolTypeFunction,
			Function: &gopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// classify maps OpenAI API failures onto the provider error taxonomy.
func classify(err error) error {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ai.Fatal(err, fmt.Sprintf("openai: authentication failed (%d)", apiErr.HTTPStatusCode))
		case http.StatusTooManyRequests:
			return ai.Recoverable(err, "openai: rate limited")
		}
		if apiErr.HTTPStatusCode >= 500 {
			return ai.Recoverable(err, fmt.Sprintf("openai: server error (%d)", apiErr.HTTPStatusCode))
		}
		return ai.Fatal(err, fmt.Sprintf("openai: request rejected (%d)", apiErr.HTTPStatusCode))
	}
	return ai.Recoverable(err, "openai: request failed")
}
