// Package tools holds the function tools a session advertises to the model
// and dispatches their invocations. Parameters are validated against each
// tool's JSON schema before the handler runs; handlers return an explicit
// ok/err result that is serialized back into the chat context, so the model
// can recover from tool failures on its own.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/callforge/voiceagent/internal/adapt"
	"github.com/callforge/voiceagent/pkg/ai/llm"
)

// ErrorKind classifies a failed tool invocation for the model.
type ErrorKind string

const (
	ErrKindInvalidParams ErrorKind = "invalid_params"
	ErrKindUnknownTool   ErrorKind = "unknown_tool"
	ErrKindFailed        ErrorKind = "failed"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindCancelled     ErrorKind = "cancelled"
)

// Result is the outcome of one invocation: either a value or a structured
// error. Exactly one side is meaningful.
type Result struct {
	OK    bool      `json:"ok"`
	Value any       `json:"value,omitempty"`
	Kind  ErrorKind `json:"error_kind,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Ok wraps a successful return value.
func Ok(value any) Result {
	return Result{OK: true, Value: value}
}

// Err wraps a failure the model should see and work around.
func Err(kind ErrorKind, message string) Result {
	return Result{Kind: kind, Error: message}
}

// JSON encodes the result as the tool-result message payload.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Result values are produced by our own handlers; a marshal failure
		// here is a handler returning something unencodable.
		return fmt.Sprintf(`{"ok":false,"error_kind":%q,"error":"unencodable tool result"}`, ErrKindFailed)
	}
	return string(data)
}

// Handler executes one tool call. params is the raw argument object; it has
// already passed schema validation.
type Handler func(ctx context.Context, params json.RawMessage) Result

// Spec declares a tool.
type Spec struct {
	Name        string
	Description string
	// ParameterSchema is a JSON-schema document for the argument object.
	// Empty means the tool takes no arguments.
	ParameterSchema json.RawMessage
	// Stages limits which conversation stages advertise the tool. Empty
	// means all stages.
	Stages []adapt.Stage
}

// Registry holds the session's tools. Registration happens at session
// construction; dispatch is sequential, driven by the orchestrator.
type Registry struct {
	logger *slog.Logger
	grace  time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	spec    Spec
	handler Handler
	schema  *jsonschema.Schema
}

// NewRegistry creates an empty registry. grace bounds how long a handler may
// run past cancellation before its result is discarded.
func NewRegistry(logger *slog.Logger, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Registry{
		logger:  logger,
		grace:   grace,
		entries: map[string]*entry{},
	}
}

// Register adds a tool. The parameter schema is compiled eagerly so a broken
// declaration fails at session construction, not mid-call.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: spec missing name")
	}
	if handler == nil {
		return fmt.Errorf("tools: %s: nil handler", spec.Name)
	}

	var schema *jsonschema.Schema
	if len(spec.ParameterSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.ParameterSchema))
		if err != nil {
			return fmt.Errorf("tools: %s: unmarshal schema: %w", spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tools: %s: add schema resource: %w", spec.Name, err)
		}
		schema, err = c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tools: %s: compile schema: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("tools: %s already registered", spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, handler: handler, schema: schema}
	return nil
}

// Definitions returns the tool schemas advertised to the model at the given
// stage, sorted by name for a stable request shape.
func (r *Registry) Definitions(stage adapt.Stage) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	for _, e := range r.entries {
		if !e.advertisedAt(stage) {
			continue
		}
		params := e.spec.ParameterSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        e.spec.Name,
			Description: e.spec.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (e *entry) advertisedAt(stage adapt.Stage) bool {
	if len(e.spec.Stages) == 0 {
		return true
	}
	for _, s := range e.spec.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Names lists the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one tool call under ctx and returns the result to append as
// the tool message. It never panics and never returns an unserializable
// result: schema violations, unknown tools, handler panics, and overruns all
// come back as err results for the model to react to.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Err(ErrKindUnknownTool, fmt.Sprintf("no tool named %q", call.Name))
	}

	args := call.Args
	if args == "" {
		args = "{}"
	}

	if e.schema != nil {
		var decoded any
		if err := json.Unmarshal([]byte(args), &decoded); err != nil {
			return Err(ErrKindInvalidParams, fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
		if err := e.schema.Validate(decoded); err != nil {
			return Err(ErrKindInvalidParams, err.Error())
		}
	}

	results := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool handler panicked",
					slog.String("tool", call.Name),
					slog.Any("panic", rec))
				results <- Err(ErrKindFailed, fmt.Sprintf("tool %s crashed", call.Name))
			}
		}()
		results <- e.handler(ctx, json.RawMessage(args))
	}()

	select {
	case res := <-results:
		return res
	case <-ctx.Done():
		// the handler got ctx and should return promptly; give it the grace
		// window, then discard its result
		select {
		case res := <-results:
			return res
		case <-time.After(r.grace):
			r.logger.Warn("tool handler ignored cancellation",
				slog.String("tool", call.Name),
				slog.Duration("grace", r.grace))
			return Err(ErrKindTimeout, fmt.Sprintf("tool %s did not stop within %s", call.Name, r.grace))
		}
	}
}

