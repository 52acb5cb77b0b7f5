package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/callforge/voiceagent/internal/adapt"
)

// CallActions is what the built-in call-control tools need from the session.
// All methods are invoked from the orchestrator goroutine via Dispatch.
type CallActions interface {
	// TransferCall asks the media server to move the remote participant to
	// transferTo (E.164). Blocking; honors ctx.
	TransferCall(ctx context.Context, transferTo string) error

	// EndCall schedules a hangup once the current agent utterance finishes.
	EndCall()

	// DetectedAnsweringMachine reports that the callee is a machine. The
	// session ends the call, optionally leaving the configured voicemail
	// message first.
	DetectedAnsweringMachine()
}

// CallInfo is the read-only call context exposed to the model via
// get_call_info.
type CallInfo struct {
	PhoneNumber  string         `json:"phone_number"`
	CustomerName string         `json:"customer_name,omitempty"`
	TransferTo   string         `json:"transfer_to,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// RegisterBuiltins installs the call-control tools every voice session
// carries: transfer_call, end_call, detected_answering_machine, and
// get_call_info.
func RegisterBuiltins(r *Registry, actions CallActions, info CallInfo) error {
	transferSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"transfer_to": {
				"type": "string",
				"pattern": "^\\+[1-9][0-9]{1,14}$",
				"description": "E.164 number to transfer the caller to. Omit to use the number on file."
			}
		},
		"additionalProperties": false
	}`)

	err := r.Register(Spec{
		Name:            "transfer_call",
		Description:     "Transfer this call to a human agent. Use when the caller asks for a person.",
		ParameterSchema: transferSchema,
	}, func(ctx context.Context, params json.RawMessage) Result {
		var args struct {
			TransferTo string `json:"transfer_to"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return Err(ErrKindInvalidParams, err.Error())
		}
		target := args.TransferTo
		if target == "" {
			target = info.TransferTo
		}
		if target == "" {
			return Err(ErrKindFailed, "no transfer number available for this call")
		}
		if err := actions.TransferCall(ctx, target); err != nil {
			return Err(ErrKindFailed, fmt.Sprintf("transfer to %s failed: %v", target, err))
		}
		return Ok(map[string]string{"transferred_to": target})
	})
	if err != nil {
		return err
	}

	err = r.Register(Spec{
		Name:        "end_call",
		Description: "End the call politely once you have said goodbye.",
		Stages:      []adapt.Stage{adapt.StageConversation, adapt.StageAppAction, adapt.StageEndCall},
	}, func(ctx context.Context, params json.RawMessage) Result {
		actions.EndCall()
		return Ok(map[string]string{"status": "hanging_up"})
	})
	if err != nil {
		return err
	}

	err = r.Register(Spec{
		Name:        "detected_answering_machine",
		Description: "Call this immediately when you realize you reached voicemail or an answering machine.",
	}, func(ctx context.Context, params json.RawMessage) Result {
		actions.DetectedAnsweringMachine()
		return Ok(map[string]string{"status": "answering_machine"})
	})
	if err != nil {
		return err
	}

	return r.Register(Spec{
		Name:        "get_call_info",
		Description: "Look up details about this call: customer name and any custom fields.",
	}, func(ctx context.Context, params json.RawMessage) Result {
		return Ok(info)
	})
}

// RegisterScheduling installs the appointment tools enabled by agent configs
// that do scheduling. Availability is answered from the windows list; a nil
// list uses a stock set of times.
func RegisterScheduling(r *Registry, windows []string) error {
	if windows == nil {
		windows = []string{"9:00 AM", "11:30 AM", "2:00 PM", "4:15 PM"}
	}

	dateSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"date": {"type": "string", "description": "The requested date, e.g. \"next Tuesday\" or \"2026-09-01\"."}
		},
		"required": ["date"],
		"additionalProperties": false
	}`)

	err := r.Register(Spec{
		Name:            "look_up_availability",
		Description:     "Look up open appointment times on a given date.",
		ParameterSchema: dateSchema,
		Stages:          []adapt.Stage{adapt.StageConversation, adapt.StageAppAction},
	}, func(ctx context.Context, params json.RawMessage) Result {
		var args struct {
			Date string `json:"date"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return Err(ErrKindInvalidParams, err.Error())
		}
		return Ok(map[string]any{"date": args.Date, "available_times": windows})
	})
	if err != nil {
		return err
	}

	confirmSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"date": {"type": "string"},
			"time": {"type": "string"}
		},
		"required": ["date", "time"],
		"additionalProperties": false
	}`)

	return r.Register(Spec{
		Name:            "confirm_appointment",
		Description:     "Confirm an appointment on the given date and time after the caller agrees.",
		ParameterSchema: confirmSchema,
		Stages:          []adapt.Stage{adapt.StageConversation, adapt.StageAppAction},
	}, func(ctx context.Context, params json.RawMessage) Result {
		var args struct {
			Date string `json:"date"`
			Time string `json:"time"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return Err(ErrKindInvalidParams, err.Error())
		}
		return Ok(map[string]string{"status": "confirmed", "date": args.Date, "time": args.Time})
	})
}
