// Package turn fuses voice-activity events and streaming transcripts into
// turn boundaries. It decides when the user has started and finished
// speaking, and requests barge-in when the user talks over the agent.
package turn

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventType tags a detector output.
type EventType int

const (
	// EventUserTurnStarted fires on confirmed speech onset.
	EventUserTurnStarted EventType = iota
	// EventPartialTranscript forwards an interim hypothesis. Never ends a
	// turn.
	EventPartialTranscript
	// EventUserTurnEnded carries the full utterance text.
	EventUserTurnEnded
	// EventBargeInRequested fires when voice is detected while the agent is
	// speaking.
	EventBargeInRequested
)

func (t EventType) String() string {
	switch t {
	case EventUserTurnStarted:
		return "user_turn_started"
	case EventPartialTranscript:
		return "partial_transcript"
	case EventUserTurnEnded:
		return "user_turn_ended"
	case EventBargeInRequested:
		return "barge_in_requested"
	default:
		return "unknown"
	}
}

// Event is one detector output.
type Event struct {
	Type EventType
	Text string
	At   time.Time
}

// Config tunes endpointing.
type Config struct {
	// EndpointingSilence is the hangover: how long silence must last after
	// VAD reports quiet before the turn is declared over. An STT final
	// short-circuits it.
	EndpointingSilence time.Duration
	// FinalDebounce is how long an STT final is held when VAD still reports
	// voice, in case the speaker is only pausing.
	FinalDebounce time.Duration
	// UnlikelyEndScore, when set, is consulted as the hangover starts. A
	// true second return with a high score means the utterance looks
	// unfinished, and the hangover is stretched to MaxEndpointingDelay.
	// Advisory; errors inside the scorer must surface as ok=false.
	UnlikelyEndScore func(text string) (score float64, ok bool)
	// UnlikelyThreshold is the score above which the utterance is treated
	// as unfinished. Zero means 0.85.
	UnlikelyThreshold float64
	// MaxEndpointingDelay caps the stretched hangover. Zero means 3x the
	// endpointing silence.
	MaxEndpointingDelay time.Duration
}

const (
	defaultEndpointing   = 300 * time.Millisecond
	defaultFinalDebounce = 200 * time.Millisecond
	defaultUnlikely      = 0.85
)

// Detector is the fusion state machine. VAD and STT events are pushed in
// from the session's stream-reader goroutines; outputs appear on Events.
// Safe for concurrent use.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	events chan Event

	mu            sync.Mutex
	voiceActive   bool
	agentSpeaking bool
	turnActive    bool
	finals        []string
	lastPartial   string
	hangover      *time.Timer
	finalHold     *time.Timer
	closed        bool

	now func() time.Time
}

// New creates a detector. Zero config fields take defaults.
func New(cfg Config, logger *slog.Logger) *Detector {
	if cfg.EndpointingSilence <= 0 {
		cfg.EndpointingSilence = defaultEndpointing
	}
	if cfg.FinalDebounce <= 0 {
		cfg.FinalDebounce = defaultFinalDebounce
	}
	if cfg.UnlikelyThreshold == 0 {
		cfg.UnlikelyThreshold = defaultUnlikely
	}
	if cfg.MaxEndpointingDelay == 0 {
		cfg.MaxEndpointingDelay = 3 * cfg.EndpointingSilence
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
		now:    time.Now,
	}
}

// Events returns the output channel. It closes after Close.
func (d *Detector) Events() <-chan Event { return d.events }

// SetAgentSpeaking tells the detector whether agent audio is playing, which
// turns voice onsets into barge-in requests.
func (d *Detector) SetAgentSpeaking(speaking bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agentSpeaking = speaking
}

// VoiceStarted handles a VAD onset.
func (d *Detector) VoiceStarted(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.voiceActive = true
	d.stopTimer(&d.hangover)
	d.stopTimer(&d.finalHold)

	if d.agentSpeaking {
		d.emit(Event{Type: EventBargeInRequested, At: at})
	}
	if !d.turnActive {
		d.turnActive = true
		d.emit(Event{Type: EventUserTurnStarted, At: at})
	}
}

// VoiceStopped handles a VAD offset: the hangover starts, stretched when the
// semantic scorer says the utterance looks unfinished.
func (d *Detector) VoiceStopped(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.voiceActive = false
	if !d.turnActive {
		return
	}

	// a held final was waiting for exactly this silence
	if d.finalHold != nil {
		d.stopTimer(&d.finalHold)
		d.endTurnLocked(at)
		return
	}

	delay := d.cfg.EndpointingSilence
	if d.cfg.UnlikelyEndScore != nil {
		if score, ok := d.cfg.UnlikelyEndScore(d.textLocked()); ok && score > d.cfg.UnlikelyThreshold {
			delay = d.cfg.MaxEndpointingDelay
		}
	}

	d.stopTimer(&d.hangover)
	d.hangover = time.AfterFunc(delay, d.hangoverExpired)
}

// Partial handles an interim transcript.
func (d *Detector) Partial(text string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || strings.TrimSpace(text) == "" {
		return
	}
	d.lastPartial = text
	// fresh speech cancels a held final; the turn continues
	d.stopTimer(&d.finalHold)
	if d.turnActive {
		d.emit(Event{Type: EventPartialTranscript, Text: text, At: at})
	}
}

// Final handles a finalized transcript segment. During silence it ends the
// turn immediately; during voice it is held for the debounce window.
func (d *Detector) Final(text string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		d.finals = append(d.finals, trimmed)
	}
	d.lastPartial = ""
	if !d.turnActive {
		// STT finalized audio the VAD never flagged (brief utterance below
		// the energy floor); treat it as a complete turn of its own.
		if len(d.finals) > 0 {
			d.turnActive = true
			d.emit(Event{Type: EventUserTurnStarted, At: at})
			d.endTurnLocked(at)
		}
		return
	}

	if d.voiceActive {
		// speaker may be pausing mid-thought; hold before committing
		d.stopTimer(&d.finalHold)
		d.finalHold = time.AfterFunc(d.cfg.FinalDebounce, d.finalHoldExpired)
		return
	}

	// final during silence short-circuits the hangover
	d.stopTimer(&d.hangover)
	d.endTurnLocked(at)
}

// Close stops timers and closes the event channel.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.stopTimer(&d.hangover)
	d.stopTimer(&d.finalHold)
	close(d.events)
}

func (d *Detector) hangoverExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.turnActive || d.voiceActive {
		return
	}
	d.hangover = nil
	d.endTurnLocked(d.now())
}

func (d *Detector) finalHoldExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.turnActive {
		return
	}
	d.finalHold = nil
	d.endTurnLocked(d.now())
}

// endTurnLocked emits UserTurnEnded when any text accumulated; a voiced turn
// with no transcript is dropped so pure noise never reaches the model.
func (d *Detector) endTurnLocked(at time.Time) {
	text := d.textLocked()
	d.turnActive = false
	d.finals = nil
	d.lastPartial = ""
	if text == "" {
		return
	}
	d.emit(Event{Type: EventUserTurnEnded, Text: text, At: at})
}

// textLocked joins finalized segments, falling back to the freshest partial.
func (d *Detector) textLocked() string {
	if len(d.finals) > 0 {
		return strings.Join(d.finals, " ")
	}
	return strings.TrimSpace(d.lastPartial)
}

func (d *Detector) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (d *Detector) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("turn event dropped, consumer stalled",
			slog.String("event", ev.Type.String()))
	}
}
