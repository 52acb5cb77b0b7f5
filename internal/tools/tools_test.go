package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/internal/adapt"
	"github.com/callforge/voiceagent/pkg/ai/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegisterRejectsBadSpecs(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	is.True(r.Register(Spec{}, nil) != nil)
	is.True(r.Register(Spec{Name: "x"}, nil) != nil)
	is.True(r.Register(Spec{Name: "bad_schema", ParameterSchema: json.RawMessage(`{`)},
		func(context.Context, json.RawMessage) Result { return Ok(nil) }) != nil)

	handler := func(context.Context, json.RawMessage) Result { return Ok(nil) }
	is.NoErr(r.Register(Spec{Name: "dup"}, handler))
	is.True(r.Register(Spec{Name: "dup"}, handler) != nil)
}

func TestDispatchValidatesParams(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"date": {"type": "string"}},
		"required": ["date"],
		"additionalProperties": false
	}`)
	invoked := 0
	is.NoErr(r.Register(Spec{Name: "lookup", ParameterSchema: schema},
		func(ctx context.Context, params json.RawMessage) Result {
			invoked++
			return Ok("fine")
		}))

	tests := []struct {
		name     string
		args     string
		wantOK   bool
		wantKind ErrorKind
	}{
		{name: "valid", args: `{"date": "tuesday"}`, wantOK: true},
		{name: "missing required", args: `{}`, wantKind: ErrKindInvalidParams},
		{name: "wrong type", args: `{"date": 3}`, wantKind: ErrKindInvalidParams},
		{name: "extra property", args: `{"date": "x", "zone": "pst"}`, wantKind: ErrKindInvalidParams},
		{name: "not JSON", args: `date=tuesday`, wantKind: ErrKindInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "lookup", Args: tt.args})
			is.Equal(res.OK, tt.wantOK)
			if !tt.wantOK {
				is.Equal(res.Kind, tt.wantKind)
			}
		})
	}
	is.Equal(invoked, 1)
}

func TestDispatchUnknownTool(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "ghost"})
	is.True(!res.OK)
	is.Equal(res.Kind, ErrKindUnknownTool)
}

func TestZeroArgToolInvokedExactlyOnce(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	calls := 0
	is.NoErr(r.Register(Spec{Name: "end_call"},
		func(ctx context.Context, params json.RawMessage) Result {
			calls++
			return Ok(nil)
		}))

	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "end_call", Args: ""})
	is.True(res.OK)
	is.Equal(calls, 1)
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	is.NoErr(r.Register(Spec{Name: "boom"},
		func(ctx context.Context, params json.RawMessage) Result {
			panic("kaboom")
		}))

	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "boom"})
	is.True(!res.OK)
	is.Equal(res.Kind, ErrKindFailed)
}

func TestDispatchDiscardsResultAfterGrace(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), 50*time.Millisecond)

	block := make(chan struct{})
	is.NoErr(r.Register(Spec{Name: "stuck"},
		func(ctx context.Context, params json.RawMessage) Result {
			<-block
			return Ok("too late")
		}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	res := r.Dispatch(ctx, llm.ToolCall{ID: "c1", Name: "stuck"})
	close(block)

	is.True(!res.OK)
	is.Equal(res.Kind, ErrKindTimeout)
	is.True(time.Since(start) < time.Second)
}

func TestDefinitionsAreStageScopedAndSorted(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	h := func(context.Context, json.RawMessage) Result { return Ok(nil) }
	is.NoErr(r.Register(Spec{Name: "zeta"}, h))
	is.NoErr(r.Register(Spec{Name: "alpha", Stages: []adapt.Stage{adapt.StageGreeting}}, h))

	all := r.Definitions(adapt.StageGreeting)
	is.Equal(len(all), 2)
	is.Equal(all[0].Name, "alpha")
	is.Equal(all[1].Name, "zeta")
	// zero-arg tools still advertise an object schema
	is.True(strings.Contains(string(all[1].Parameters), `"object"`))

	conv := r.Definitions(adapt.StageConversation)
	is.Equal(len(conv), 1)
	is.Equal(conv[0].Name, "zeta")
}

func TestBuiltins(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)

	actions := &fakeActions{}
	info := CallInfo{
		PhoneNumber:  "+14155550123",
		CustomerName: "Jayden",
		TransferTo:   "+14155559999",
		CustomFields: map[string]any{"appointment": "Tuesday 3pm"},
	}
	is.NoErr(RegisterBuiltins(r, actions, info))

	// transfer falls back to the number on file
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "transfer_call", Args: `{}`})
	is.True(res.OK)
	is.Equal(actions.transferredTo, "+14155559999")

	// explicit target wins
	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c2", Name: "transfer_call", Args: `{"transfer_to": "+14155551111"}`})
	is.True(res.OK)
	is.Equal(actions.transferredTo, "+14155551111")

	// malformed number is rejected by schema before the handler runs
	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c3", Name: "transfer_call", Args: `{"transfer_to": "extension 12"}`})
	is.Equal(res.Kind, ErrKindInvalidParams)

	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c4", Name: "end_call"})
	is.True(res.OK)
	is.True(actions.ended)

	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c5", Name: "detected_answering_machine"})
	is.True(res.OK)
	is.True(actions.machine)

	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c6", Name: "get_call_info"})
	is.True(res.OK)
	got := res.Value.(CallInfo)
	is.Equal(got.CustomerName, "Jayden")
}

func TestSchedulingTools(t *testing.T) {
	is := is.New(t)
	r := NewRegistry(testLogger(), time.Second)
	is.NoErr(RegisterScheduling(r, []string{"10:00 AM", "3:00 PM"}))

	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "look_up_availability", Args: `{"date": "next Tuesday"}`})
	is.True(res.OK)

	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c2", Name: "confirm_appointment", Args: `{"date": "Tuesday", "time": "3:00 PM"}`})
	is.True(res.OK)

	res = r.Dispatch(context.Background(), llm.ToolCall{ID: "c3", Name: "confirm_appointment", Args: `{"date": "Tuesday"}`})
	is.Equal(res.Kind, ErrKindInvalidParams)
}

type fakeActions struct {
	transferredTo string
	ended         bool
	machine       bool
}

func (f *fakeActions) TransferCall(ctx context.Context, to string) error {
	f.transferredTo = to
	return nil
}
func (f *fakeActions) EndCall()                  { f.ended = true }
func (f *fakeActions) DetectedAnsweringMachine() { f.machine = true }
