// Package job carries the unit of work a worker receives from the control
// plane: the room to join, the callee metadata, and a cancellation scope with
// shutdown hooks that per-call resources register against.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CompletionReason classifies how a job ended.
type CompletionReason string

const (
	ReasonNormal          CompletionReason = "normal"
	ReasonParticipantLeft CompletionReason = "participantLeft"
	ReasonTimeout         CompletionReason = "timeout"
	ReasonFatalError      CompletionReason = "fatalError"
)

// e164 matches the international number format: + followed by up to 15 digits,
// first digit nonzero.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether number is a well-formed E.164 phone number.
func ValidE164(number string) bool {
	return e164.MatchString(number)
}

// Metadata is the JSON blob bound to a job by the control plane.
type Metadata struct {
	PhoneNumber   string         `json:"phone_number"`
	TransferTo    string         `json:"transfer_to,omitempty"`
	CustomerName  string         `json:"customer_name,omitempty"`
	AgentConfigID string         `json:"agent_config_id,omitempty"`
	CustomFields  map[string]any `json:"custom_fields,omitempty"`
}

// ParseMetadata decodes and validates the job metadata string. A missing or
// ill-formed phone number is a rejection; the dispatcher reports fatalError
// without creating a session.
func ParseMetadata(raw string) (Metadata, error) {
	var md Metadata
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("job: invalid metadata JSON: %w", err)
	}
	if md.PhoneNumber == "" {
		return Metadata{}, fmt.Errorf("job: metadata missing phone_number")
	}
	if !ValidE164(md.PhoneNumber) {
		return Metadata{}, fmt.Errorf("job: phone_number %q is not E.164", md.PhoneNumber)
	}
	if md.TransferTo != "" && !ValidE164(md.TransferTo) {
		return Metadata{}, fmt.Errorf("job: transfer_to %q is not E.164", md.TransferTo)
	}
	return md, nil
}

// Job is one dispatched call. Immutable once constructed.
type Job struct {
	ID           string
	RoomName     string
	Metadata     Metadata
	DispatchedAt time.Time

	// Token is the room join token issued with the assignment.
	Token string
}

// New validates the raw metadata and builds a Job.
func New(id, roomName, token, rawMetadata string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job: id is required")
	}
	if roomName == "" {
		return nil, fmt.Errorf("job: room name is required")
	}
	md, err := ParseMetadata(rawMetadata)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:           id,
		RoomName:     roomName,
		Metadata:     md,
		DispatchedAt: time.Now(),
		Token:        token,
	}, nil
}

// Result is what a finished session reports back to the dispatcher.
type Result struct {
	JobID       string
	CompletedAt time.Time
	Reason      CompletionReason
	Err         error
}

// Context is the cancellation scope for one job. Shutdown is idempotent;
// hooks registered with OnShutdown run exactly once, in registration order,
// before the context is cancelled.
type Context struct {
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	hooks    chan func(reason CompletionReason)
	shutdown chan shutdownReq
}

type shutdownReq struct {
	reason CompletionReason
}

// NewContext derives a job scope from parent.
func NewContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	jc := &Context{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		hooks:    make(chan func(reason CompletionReason), 16),
		shutdown: make(chan shutdownReq, 1),
	}
	go jc.run(parent)
	return jc
}

func (jc *Context) run(parent context.Context) {
	var hooks []func(CompletionReason)
	for {
		select {
		case h := <-jc.hooks:
			hooks = append(hooks, h)
		case req := <-jc.shutdown:
			for _, h := range hooks {
				h(req.reason)
			}
			jc.cancel()
			close(jc.done)
			return
		case <-parent.Done():
			for _, h := range hooks {
				h(ReasonNormal)
			}
			jc.cancel()
			close(jc.done)
			return
		}
	}
}

// Ctx exposes the scope for passing into blocking operations.
func (jc *Context) Ctx() context.Context { return jc.ctx }

// OnShutdown registers a hook to run when the job shuts down. Hooks added
// after shutdown are dropped.
func (jc *Context) OnShutdown(hook func(reason CompletionReason)) {
	select {
	case jc.hooks <- hook:
	case <-jc.done:
	}
}

// Shutdown runs the hooks and cancels the scope. Later calls are no-ops.
func (jc *Context) Shutdown(reason CompletionReason) {
	select {
	case jc.shutdown <- shutdownReq{reason: reason}:
	default:
	}
}

// Done is closed once shutdown has completed.
func (jc *Context) Done() <-chan struct{} { return jc.done }

// Wait blocks until shutdown completes or waitCtx ends.
func (jc *Context) Wait(waitCtx context.Context) error {
	select {
	case <-jc.done:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}
