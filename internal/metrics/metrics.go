// Package metrics aggregates per-turn latency measurements and session
// lifecycle events. Records are built incrementally while a turn runs and
// emitted exactly once on completion; an unemitted record never leaves the
// aggregator.
package metrics

import (
	"expvar"
	"sync"
	"time"
)

// TurnError classifies a turn that failed.
type TurnError string

const (
	TurnErrorNone       TurnError = ""
	TurnErrorLLMTimeout TurnError = "llm_timeout"
	TurnErrorProvider   TurnError = "provider_error"
)

// TurnRecord is the timing of one user/agent exchange.
type TurnRecord struct {
	SpeechID      string    `json:"speech_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	STTFinalAt    time.Time `json:"stt_final_at"`
	LLMFirstTokenAt time.Time `json:"llm_first_token_at,omitempty"`
	LLMDoneAt     time.Time `json:"llm_done_at,omitempty"`
	TTSFirstByteAt time.Time `json:"tts_first_byte_at,omitempty"`
	TTSDoneAt     time.Time `json:"tts_done_at,omitempty"`
	// TotalLatencyMs is TTS first byte minus STT final: the silence the
	// caller heard before the agent began answering.
	TotalLatencyMs int64     `json:"total_latency_ms"`
	Interrupted    bool      `json:"interrupted"`
	Error          TurnError `json:"error,omitempty"`
}

// EventType tags a metrics event.
type EventType int

const (
	EventTurn EventType = iota
	EventSessionStarted
	EventSessionEnded
)

// Event is one emission on the metrics channel.
type Event struct {
	Type      EventType
	SessionID string
	At        time.Time

	// Turn is set for EventTurn.
	Turn *TurnRecord

	// Ended is set for EventSessionEnded.
	Ended *SessionEnded
}

// SessionEnded summarizes a finished session.
type SessionEnded struct {
	Reason    string
	Duration  time.Duration
	TurnCount int
}

// Process-wide counters, exposed on the expvar page.
var (
	sessionsStarted = expvar.NewInt("voiceagent_sessions_started")
	sessionsEnded   = expvar.NewInt("voiceagent_sessions_ended")
	turnsCompleted  = expvar.NewInt("voiceagent_turns_completed")
	turnsInterrupted = expvar.NewInt("voiceagent_turns_interrupted")
	turnsErrored    = expvar.NewInt("voiceagent_turns_errored")
)

// Aggregator builds turn records for one session and emits them on the sink.
// The sink is shared across sessions and must be drained by the consumer; a
// full sink drops the event rather than stalling the call.
type Aggregator struct {
	sessionID string
	sink      chan<- Event

	mu      sync.Mutex
	open    *TurnRecord
	turns   int
	started time.Time
}

// NewAggregator creates the per-session aggregator. sink may be nil, in which
// case records are counted but not delivered.
func NewAggregator(sessionID string, sink chan<- Event) *Aggregator {
	return &Aggregator{sessionID: sessionID, sink: sink}
}

// SessionStarted emits the lifecycle start event.
func (a *Aggregator) SessionStarted() {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
	sessionsStarted.Add(1)
	a.emit(Event{Type: EventSessionStarted, SessionID: a.sessionID, At: time.Now()})
}

// SessionEnded emits the lifecycle end event with the final turn count.
func (a *Aggregator) SessionEnded(reason string) {
	a.mu.Lock()
	turns := a.turns
	dur := time.Duration(0)
	if !a.started.IsZero() {
		dur = time.Since(a.started)
	}
	a.open = nil
	a.mu.Unlock()
	sessionsEnded.Add(1)
	a.emit(Event{
		Type:      EventSessionEnded,
		SessionID: a.sessionID,
		At:        time.Now(),
		Ended:     &SessionEnded{Reason: reason, Duration: dur, TurnCount: turns},
	})
}

// OpenTurn starts a record at turn end detection. Any previous unemitted
// record is discarded; incomplete records are never delivered.
func (a *Aggregator) OpenTurn(speechID, userText string, sttFinalAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = &TurnRecord{SpeechID: speechID, UserText: userText, STTFinalAt: sttFinalAt}
}

// LLMFirstToken stamps the first streamed token.
func (a *Aggregator) LLMFirstToken(at time.Time) {
	a.stamp(func(r *TurnRecord) {
		if r.LLMFirstTokenAt.IsZero() {
			r.LLMFirstTokenAt = at
		}
	})
}

// LLMDone stamps stream completion.
func (a *Aggregator) LLMDone(at time.Time) {
	a.stamp(func(r *TurnRecord) { r.LLMDoneAt = at })
}

// TTSFirstByte stamps the first synthesized frame.
func (a *Aggregator) TTSFirstByte(at time.Time) {
	a.stamp(func(r *TurnRecord) {
		if r.TTSFirstByteAt.IsZero() {
			r.TTSFirstByteAt = at
		}
	})
}

// TTSDone stamps synthesis completion.
func (a *Aggregator) TTSDone(at time.Time) {
	a.stamp(func(r *TurnRecord) { r.TTSDoneAt = at })
}

// AssistantText records what the agent actually said, post truncation.
func (a *Aggregator) AssistantText(text string) {
	a.stamp(func(r *TurnRecord) { r.AssistantText = text })
}

func (a *Aggregator) stamp(fn func(*TurnRecord)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		fn(a.open)
	}
}

// CloseTurn finalizes and emits the open record. Interrupted turns are still
// emitted with the flag set. It is a no-op when no turn is open.
func (a *Aggregator) CloseTurn(interrupted bool, turnErr TurnError) {
	a.mu.Lock()
	r := a.open
	a.open = nil
	if r != nil {
		a.turns++
	}
	a.mu.Unlock()
	if r == nil {
		return
	}

	r.Interrupted = interrupted
	r.Error = turnErr
	if !r.TTSFirstByteAt.IsZero() && !r.STTFinalAt.IsZero() {
		r.TotalLatencyMs = r.TTSFirstByteAt.Sub(r.STTFinalAt).Milliseconds()
	}

	turnsCompleted.Add(1)
	if interrupted {
		turnsInterrupted.Add(1)
	}
	if turnErr != TurnErrorNone {
		turnsErrored.Add(1)
	}
	a.emit(Event{Type: EventTurn, SessionID: a.sessionID, At: time.Now(), Turn: r})
}

// TurnOpen reports whether a record is being built.
func (a *Aggregator) TurnOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open != nil
}

// TurnCount reports how many records were emitted.
func (a *Aggregator) TurnCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}

func (a *Aggregator) emit(ev Event) {
	if a.sink == nil {
		return
	}
	select {
	case a.sink <- ev:
	default:
		// consumer fell behind; losing a metric beats stalling the call
	}
}
