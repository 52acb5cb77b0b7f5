// Package session runs one phone call: a single orchestrator goroutine that
// owns the conversation state machine and consumes every event — turn
// boundaries, model tokens, synthesized audio, tool results, teardown — from
// channels feeding it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/callforge/voiceagent/internal/adapt"
	"github.com/callforge/voiceagent/internal/chat"
	"github.com/callforge/voiceagent/internal/config"
	"github.com/callforge/voiceagent/internal/job"
	"github.com/callforge/voiceagent/internal/metrics"
	"github.com/callforge/voiceagent/internal/tools"
	"github.com/callforge/voiceagent/internal/turn"
	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/llm"
	"github.com/callforge/voiceagent/pkg/ai/stt"
	"github.com/callforge/voiceagent/pkg/ai/tts"
	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/audio"
)

// State is the orchestrator's position in the call.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateUserSpeaking
	StateThinking
	StateSpeaking
	StateToolRunning
	StateEnding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateToolRunning:
		return "tool_running"
	case StateEnding:
		return "ending"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Canned lines for degraded moments. Spoken with default voice parameters.
const (
	lineRetryExhausted = "I'm having trouble hearing you; could you repeat that?"
	lineFatalFarewell  = "I'm sorry, something went wrong; goodbye."
	lineEmptyReply     = "I'm sorry, could you say that again?"

	farewellBudget = 2 * time.Second
	cannedBudget   = 10 * time.Second

	pipelineSampleRate = 16000

	// maxToolRounds bounds the tool → completion loop within one turn. A
	// model stuck calling tools forever trips this and gets the fallback.
	maxToolRounds = 8
)

// Output is where synthesized audio goes. Implemented by room.Playout.
type Output interface {
	Begin()
	Play(frame audio.Frame)
	Finish()
	Flush()
	Spoken() time.Duration
	Drained() <-chan struct{}
}

// Telephony is the slice of call control the built-in tools reach for.
type Telephony interface {
	// Transfer moves the remote participant to transferTo (E.164).
	Transfer(ctx context.Context, transferTo string) error
}

// Config assembles one session. Provider ports are interfaces so tests drive
// the machine with fakes.
type Config struct {
	ID       string
	RoomName string
	Agent    config.AgentConfig
	Info     tools.CallInfo

	STT stt.STT
	LLM llm.LLM
	TTS tts.TTS
	VAD vad.VAD

	// Input carries the caller's audio, 16 kHz mono 10 ms frames.
	Input  <-chan audio.Frame
	Output Output

	// ParticipantLeft closes when the remote hangs up.
	ParticipantLeft <-chan struct{}

	Telephony Telephony
	Metrics   chan<- metrics.Event
	Logger    *slog.Logger

	// UnlikelyEndScore plugs the semantic end-of-utterance model into the
	// turn detector. Optional.
	UnlikelyEndScore func(text string) (float64, bool)
	// UnlikelyThreshold is the per-language score cutoff for the scorer.
	// Zero takes the detector's default.
	UnlikelyThreshold float64

	FinalDebounce time.Duration
	LLMTimeout    time.Duration
	TTSTimeout    time.Duration
	ToolGrace     time.Duration
	CallTimeLimit time.Duration
}

// Session is one call's orchestrator.
type Session struct {
	cfg    Config
	logger *slog.Logger

	chat     *chat.Context
	registry *tools.Registry
	engine   *adapt.Engine
	agg      *metrics.Aggregator
	detector *turn.Detector

	// sttMu guards sttStream, which is swapped when a dead stream is
	// reopened mid-call.
	sttMu     sync.Mutex
	sttStream stt.Stream
	// sttRetried marks that this turn already burned its one reopen.
	// Orchestrator goroutine only.
	sttRetried bool

	vadStream vad.Stream

	state atomic.Int32

	endRequested    atomic.Bool
	machineDetected atomic.Bool
	transferred     atomic.Bool

	// provErrs carries stream failures from the pump goroutines into the
	// orchestrator loop.
	provErrs chan error

	// pending buffers turn events that arrive while a turn is running; the
	// machine serializes turns.
	pending []turn.Event

	turns int
}

// New builds a session. Run starts it.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = config.DefaultLLMTimeout
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = config.DefaultTTSTimeout
	}
	if cfg.ToolGrace <= 0 {
		cfg.ToolGrace = config.DefaultToolGrace
	}
	if cfg.FinalDebounce <= 0 {
		cfg.FinalDebounce = config.DefaultFinalDebounce
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil || cfg.VAD == nil {
		return nil, fmt.Errorf("session: all four provider ports are required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("session: output is required")
	}

	s := &Session{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("session_id", cfg.ID)),
		chat:     chat.New(),
		agg:      metrics.NewAggregator(cfg.ID, cfg.Metrics),
		provErrs: make(chan error, 8),
	}

	s.registry = tools.NewRegistry(s.logger, cfg.ToolGrace)
	if err := tools.RegisterBuiltins(s.registry, s, cfg.Info); err != nil {
		return nil, fmt.Errorf("session: register builtins: %w", err)
	}
	for _, name := range cfg.Agent.Tools {
		if name != "scheduling" {
			s.logger.Warn("unknown tool group in agent config", slog.String("tool", name))
			continue
		}
		if err := tools.RegisterScheduling(s.registry, nil); err != nil {
			return nil, fmt.Errorf("session: register scheduling tools: %w", err)
		}
	}

	if cfg.Agent.Adapt.Enabled {
		s.engine = adapt.New(adapt.Config{
			Enabled:     true,
			RateLimit:   cfg.Agent.Adapt.RateLimit,
			MemoryLimit: cfg.Agent.Adapt.MemoryLimit,
		})
	}
	return s, nil
}

// State reports the current machine state.
func (s *Session) State() State { return State(s.state.Load()) }

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []llm.Message { return s.chat.Snapshot() }

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("state transition",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
}

// Run drives the call to completion and reports why it ended. It blocks
// until the machine reaches Terminated.
func (s *Session) Run(ctx context.Context) (job.CompletionReason, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	instructions := s.cfg.Agent.Instructions
	if instructions == "" {
		instructions = config.DefaultInstructions
	}
	if _, err := s.chat.Append(llm.Message{Role: llm.RoleSystem, Content: instructions}); err != nil {
		return job.ReasonFatalError, fmt.Errorf("session: seed system prompt: %w", err)
	}

	sttStream, err := s.cfg.STT.Open(ctx, s.sttConfig())
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("session: open stt: %w", err)
	}
	s.sttStream = sttStream
	defer func() { s.currentSTT().Close() }()

	vadStream, err := s.cfg.VAD.Open(ctx, vad.Config{
		SampleRate: pipelineSampleRate,
		Threshold:  s.cfg.Agent.VAD.Threshold,
		MinSpeech:  s.cfg.Agent.VAD.MinSpeech,
		MinSilence: s.cfg.Agent.VAD.MinSilence,
	})
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("session: open vad: %w", err)
	}
	s.vadStream = vadStream
	defer vadStream.Close()

	s.detector = turn.New(turn.Config{
		EndpointingSilence: s.cfg.Agent.STT.Endpointing,
		FinalDebounce:      s.cfg.FinalDebounce,
		UnlikelyEndScore:   s.cfg.UnlikelyEndScore,
		UnlikelyThreshold:  s.cfg.UnlikelyThreshold,
	}, s.logger)
	defer s.detector.Close()

	go s.pumpInput(ctx)
	go s.pumpVAD(ctx)
	go s.pumpSTT(ctx, sttStream)

	s.agg.SessionStarted()
	s.setState(StateListening)
	s.logger.Info("session started", slog.String("room", s.cfg.RoomName))

	reason := s.mainLoop(ctx)

	s.end(ctx, reason)
	return reason, nil
}

func (s *Session) mainLoop(ctx context.Context) job.CompletionReason {
	var timeLimit <-chan time.Time
	if s.cfg.CallTimeLimit > 0 {
		t := time.NewTimer(s.cfg.CallTimeLimit)
		defer t.Stop()
		timeLimit = t.C
	}

	// opening move: greet unless the profile waits for the callee to speak
	if !s.cfg.Agent.WaitForGreeting {
		if r, done := s.resolveOutcome(ctx, s.greet(ctx)); done {
			return r
		}
	}

	for {
		ev, ok, reason, done := s.nextEvent(ctx, timeLimit)
		if done {
			return reason
		}
		if !ok {
			// detector closed under us; only happens in teardown races
			return job.ReasonNormal
		}

		switch ev.Type {
		case turn.EventUserTurnStarted:
			s.setState(StateUserSpeaking)
		case turn.EventPartialTranscript:
			s.logger.Debug("partial transcript", slog.String("text", ev.Text))
		case turn.EventBargeInRequested:
			// stale: nothing is playing between turns
		case turn.EventUserTurnEnded:
			s.sttRetried = false
			outcome := s.runTurn(ctx, ev.Text, ev.At, true)
			if r, done := s.resolveOutcome(ctx, outcome); done {
				return r
			}
		}
	}
}

// nextEvent delivers the next turn event, draining the pending buffer before
// selecting, or reports the session-ending condition.
func (s *Session) nextEvent(ctx context.Context, timeLimit <-chan time.Time) (turn.Event, bool, job.CompletionReason, bool) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, true, "", false
	}
	for {
		select {
		case ev, ok := <-s.detector.Events():
			return ev, ok, "", false
		case <-s.participantLeft():
			s.logger.Info("remote participant left")
			return turn.Event{}, false, job.ReasonParticipantLeft, true
		case <-ctx.Done():
			return turn.Event{}, false, job.ReasonNormal, true
		case <-timeLimit:
			s.logger.Info("call time limit reached")
			return turn.Event{}, false, job.ReasonTimeout, true
		case err := <-s.provErrs:
			if s.recoverSTT(ctx, err) {
				continue
			}
			return turn.Event{}, false, s.handleStreamError(ctx, err), true
		}
	}
}

// resolveOutcome folds a turn outcome into the loop: either the session
// continues (done=false) or ends with the given reason.
func (s *Session) resolveOutcome(ctx context.Context, outcome turnOutcome) (job.CompletionReason, bool) {
	switch outcome {
	case turnOK:
		if s.machineDetected.Load() {
			s.leaveVoicemail(ctx)
			return job.ReasonNormal, true
		}
		if s.endRequested.Load() {
			return job.ReasonNormal, true
		}
		return "", false
	case turnEndCall:
		if s.machineDetected.Load() {
			s.leaveVoicemail(ctx)
		}
		return job.ReasonNormal, true
	case turnParticipantLeft:
		return job.ReasonParticipantLeft, true
	case turnCancelled:
		return job.ReasonNormal, true
	case turnFatal:
		return job.ReasonFatalError, true
	default:
		s.logger.Error("unknown turn outcome", slog.Int("outcome", int(outcome)))
		return job.ReasonFatalError, true
	}
}

// sttConfig is the stream configuration recognition is (re)opened with.
func (s *Session) sttConfig() stt.Config {
	return stt.Config{
		Model:       s.cfg.Agent.STT.Model,
		Language:    s.cfg.Agent.STT.Language,
		SampleRate:  pipelineSampleRate,
		NumChannels: 1,
		Endpointing: s.cfg.Agent.STT.Endpointing,
	}
}

func (s *Session) currentSTT() stt.Stream {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	return s.sttStream
}

// recoverSTT reopens recognition after a transient stream failure. One
// reopen per turn; a second failure within the turn, a fatal error, or a
// failed reopen fall through to the fatal path.
func (s *Session) recoverSTT(ctx context.Context, err error) bool {
	if !ai.IsRecoverable(err) || s.sttRetried {
		return false
	}
	s.sttRetried = true
	s.logger.Warn("stt stream failed, reopening",
		slog.String("state", s.State().String()),
		slog.String("error", err.Error()))

	next, openErr := s.cfg.STT.Open(ctx, s.sttConfig())
	if openErr != nil {
		s.logger.Error("stt reopen failed", slog.String("error", openErr.Error()))
		return false
	}

	s.sttMu.Lock()
	prev := s.sttStream
	s.sttStream = next
	s.sttMu.Unlock()
	prev.Close()

	go s.pumpSTT(ctx, next)
	return true
}

// handleStreamError reacts to an input-stream failure surfaced by a pump.
// Recognition is load-bearing; a dead STT stream that recovery could not
// bring back ends the call.
func (s *Session) handleStreamError(ctx context.Context, err error) job.CompletionReason {
	s.logger.Error("input stream failed",
		slog.String("state", s.State().String()),
		slog.Bool("recoverable", ai.IsRecoverable(err)),
		slog.String("error", err.Error()))
	s.speakCanned(ctx, lineFatalFarewell, farewellBudget)
	return job.ReasonFatalError
}

// leaveVoicemail speaks the configured message onto an answering machine.
func (s *Session) leaveVoicemail(ctx context.Context) {
	vm := s.cfg.Agent.Voicemail
	if vm.HangupImmediately || vm.Message == "" {
		return
	}
	s.logger.Info("leaving voicemail message")
	s.speakCanned(ctx, vm.Message, cannedBudget)
}

// end tears the session down: Ending drains and closes, Terminated is final.
func (s *Session) end(ctx context.Context, reason job.CompletionReason) {
	s.setState(StateEnding)
	s.cfg.Output.Flush()
	if s.agg.TurnOpen() {
		// a turn died mid-flight with the session
		s.agg.CloseTurn(false, metrics.TurnErrorProvider)
	}
	s.currentSTT().CloseSend()
	s.agg.SessionEnded(string(reason))
	s.setState(StateTerminated)
	s.logger.Info("session ended",
		slog.String("reason", string(reason)),
		slog.Int("turns", s.agg.TurnCount()))
}

func (s *Session) participantLeft() <-chan struct{} {
	if s.cfg.ParticipantLeft != nil {
		return s.cfg.ParticipantLeft
	}
	return nil
}

// pumpInput fans caller audio out to recognition and detection.
func (s *Session) pumpInput(ctx context.Context) {
	for {
		select {
		case frame, ok := <-s.cfg.Input:
			if !ok {
				return
			}
			if err := s.currentSTT().Push(frame); err != nil {
				s.logger.Debug("stt push failed", slog.String("error", err.Error()))
			}
			if err := s.vadStream.Push(frame); err != nil {
				s.logger.Debug("vad push failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpVAD feeds speech boundaries into the turn detector.
func (s *Session) pumpVAD(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.vadStream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case vad.EventVoiceStarted:
				s.detector.VoiceStarted(ev.At)
			case vad.EventVoiceStopped:
				s.detector.VoiceStopped(ev.At)
			case vad.EventError:
				// detection is advisory; STT finals still end turns
				s.logger.Warn("vad error", slog.String("error", ev.Err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpSTT feeds one stream's transcripts into the turn detector. A stream
// error is surfaced to the orchestrator; a reopened stream gets its own pump.
func (s *Session) pumpSTT(ctx context.Context, stream stt.Stream) {
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case stt.EventPartial:
				s.detector.Partial(ev.Text, ev.At)
			case stt.EventFinal:
				s.detector.Final(ev.Text, ev.At)
			case stt.EventError:
				select {
				case s.provErrs <- ev.Err:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// TransferCall implements tools.CallActions.
func (s *Session) TransferCall(ctx context.Context, transferTo string) error {
	if s.cfg.Telephony == nil {
		return fmt.Errorf("session: no telephony backend for transfer")
	}
	if err := s.cfg.Telephony.Transfer(ctx, transferTo); err != nil {
		return err
	}
	s.transferred.Store(true)
	return nil
}

// EndCall implements tools.CallActions: hang up after the current utterance.
func (s *Session) EndCall() {
	s.endRequested.Store(true)
}

// DetectedAnsweringMachine implements tools.CallActions.
func (s *Session) DetectedAnsweringMachine() {
	s.machineDetected.Store(true)
}
