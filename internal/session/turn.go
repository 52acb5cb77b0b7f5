package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callforge/voiceagent/internal/adapt"
	"github.com/callforge/voiceagent/internal/metrics"
	"github.com/callforge/voiceagent/internal/turn"
	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/llm"
	"github.com/callforge/voiceagent/pkg/ai/tts"
	"github.com/callforge/voiceagent/pkg/audio"
)

// turnOutcome is how one agent turn concluded.
type turnOutcome int

const (
	// turnOK: turn finished; session keeps listening.
	turnOK turnOutcome = iota
	// turnEndCall: a tool asked for an immediate hangup.
	turnEndCall
	// turnParticipantLeft: the remote hung up mid-turn.
	turnParticipantLeft
	// turnCancelled: the session context was cancelled.
	turnCancelled
	// turnFatal: unrecoverable provider failure; farewell already spoken.
	turnFatal
)

// streamResult is how one completion round concluded.
type streamResult int

const (
	streamDone streamResult = iota
	streamLLMTimeout
	streamTTSTimeout
	streamRecoverable
	streamFatal
	streamBargeIn
	streamParticipantLeft
	streamCancelled
)

// utterance tracks the spoken side of one turn across completion rounds.
type utterance struct {
	stream tts.Stream
	frames <-chan audio.Frame

	// text is the current round's uncommitted assistant text.
	text strings.Builder
	// synthesized is the total audio produced this turn.
	synthesized time.Duration

	speaking  bool
	firstByte bool

	firstByteTimer *time.Timer

	// calls accumulates the current round's tool requests.
	calls []llm.ToolCall
}

func (u *utterance) firstByteC() <-chan time.Time {
	if u.firstByteTimer == nil {
		return nil
	}
	return u.firstByteTimer.C
}

func (u *utterance) closeStream() {
	if u.firstByteTimer != nil {
		u.firstByteTimer.Stop()
		u.firstByteTimer = nil
	}
	if u.stream != nil {
		u.stream.Close()
		u.stream = nil
		u.frames = nil
	}
}

// greet speaks the opening line. A configured greeting is spoken verbatim;
// otherwise the model generates the opener from the system prompt alone.
func (s *Session) greet(ctx context.Context) turnOutcome {
	if s.cfg.Agent.Greeting != "" {
		if s.speakCanned(ctx, s.cfg.Agent.Greeting, cannedBudget) {
			s.appendAssistant(s.cfg.Agent.Greeting)
		}
		s.setState(StateListening)
		return turnOK
	}
	return s.runTurn(ctx, "", time.Now(), false)
}

// runTurn drives one full agent turn: append the user utterance, complete
// against the model (retrying once on transient failure), speak the reply,
// and close the turn record.
func (s *Session) runTurn(ctx context.Context, userText string, endedAt time.Time, record bool) turnOutcome {
	s.turns++
	stage := s.stage()

	if userText != "" {
		if _, err := s.chat.Append(llm.Message{Role: llm.RoleUser, Content: userText, Timestamp: endedAt}); err != nil {
			s.logger.Error("append user message", slog.String("error", err.Error()))
			return turnOK
		}
		if record {
			s.agg.OpenTurn(uuid.NewString(), userText, endedAt)
		}
	}

	decision := adapt.DefaultDecision(stage)
	if s.engine != nil {
		decision = s.engine.Decide(userText, stage)
	}

	retried := false
	for {
		outcome, retry := s.completeTurn(ctx, stage, decision)
		if !retry {
			return outcome
		}
		if !retried {
			retried = true
			s.logger.Warn("transient llm failure, retrying once")
			continue
		}
		// second failure within the turn: canned line, keep the call alive
		if s.speakCanned(ctx, lineRetryExhausted, cannedBudget) {
			s.appendAssistant(lineRetryExhausted)
		}
		s.agg.AssistantText(lineRetryExhausted)
		s.agg.CloseTurn(false, metrics.TurnErrorProvider)
		s.setState(StateListening)
		return turnOK
	}
}

func (s *Session) stage() adapt.Stage {
	if s.endRequested.Load() || s.machineDetected.Load() {
		return adapt.StageEndCall
	}
	if s.turns <= 1 {
		return adapt.StageGreeting
	}
	return adapt.StageConversation
}

// completeTurn runs the completion rounds of one turn. The bool return asks
// the caller to retry the whole completion.
func (s *Session) completeTurn(ctx context.Context, stage adapt.Stage, decision adapt.Decision) (turnOutcome, bool) {
	defs := s.registry.Definitions(stage)
	opts := llm.Options{
		Model:       s.cfg.Agent.LLM.Model,
		Temperature: s.cfg.Agent.LLM.Temperature,
	}

	ut := &utterance{}
	defer ut.closeStream()

	for round := 0; round < maxToolRounds; round++ {
		llmCtx, llmCancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)

		s.setState(StateThinking)
		events, err := s.cfg.LLM.Complete(llmCtx, s.chat.MessagesForLLM(), defs, opts)
		if err != nil {
			llmCancel()
			if ai.IsFatal(err) {
				return s.fatalTurn(ctx), false
			}
			if ut.speaking {
				return s.finishEarly(ut, metrics.TurnErrorProvider), false
			}
			return turnOK, true
		}

		ut.calls = nil
		res := s.consumeStream(ctx, llmCtx, events, decision, ut)
		llmCancel()
		go drainLLM(events)

		switch res {
		case streamDone:
			if len(ut.calls) > 0 {
				outcome, proceed := s.dispatchCalls(ctx, ut)
				if !proceed {
					return outcome, false
				}
				continue
			}
			return s.finishTurn(ctx, ut), false

		case streamLLMTimeout:
			s.abandonUtterance(ut)
			s.logger.Warn("llm timed out", slog.Duration("timeout", s.cfg.LLMTimeout))
			if s.speakCanned(ctx, lineRetryExhausted, cannedBudget) {
				s.appendAssistant(lineRetryExhausted)
			}
			s.agg.AssistantText(lineRetryExhausted)
			s.agg.CloseTurn(false, metrics.TurnErrorLLMTimeout)
			s.setState(StateListening)
			return turnOK, false

		case streamTTSTimeout:
			s.abandonUtterance(ut)
			if s.speakCanned(ctx, lineRetryExhausted, cannedBudget) {
				s.appendAssistant(lineRetryExhausted)
			}
			s.agg.CloseTurn(false, metrics.TurnErrorProvider)
			s.setState(StateListening)
			return turnOK, false

		case streamRecoverable:
			if ut.speaking {
				return s.finishEarly(ut, metrics.TurnErrorProvider), false
			}
			return turnOK, true

		case streamFatal:
			s.abandonUtterance(ut)
			return s.fatalTurn(ctx), false

		case streamBargeIn:
			s.interrupt(ut)
			return turnOK, false

		case streamParticipantLeft:
			ut.closeStream()
			return turnParticipantLeft, false

		case streamCancelled:
			ut.closeStream()
			return turnCancelled, false
		}
	}

	s.logger.Error("tool round limit reached, abandoning turn")
	s.abandonUtterance(ut)
	if s.speakCanned(ctx, lineEmptyReply, cannedBudget) {
		s.appendAssistant(lineEmptyReply)
	}
	s.agg.CloseTurn(false, metrics.TurnErrorProvider)
	s.setState(StateListening)
	return turnOK, false
}

// abandonUtterance tears down an in-progress utterance without committing
// its text.
func (s *Session) abandonUtterance(ut *utterance) {
	ut.closeStream()
	s.cfg.Output.Flush()
	s.detector.SetAgentSpeaking(false)
}

// consumeStream reads one completion stream to its terminal event, opening
// TTS and forwarding audio as text arrives.
func (s *Session) consumeStream(ctx context.Context, llmCtx context.Context, events <-chan llm.Event, decision adapt.Decision, ut *utterance) streamResult {
	detEvents := s.detector.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// closed without a terminal event; treat as transient
				return streamRecoverable
			}
			switch ev.Type {
			case llm.EventToken:
				if ev.Token == "" {
					continue
				}
				if res, ok := s.onToken(ctx, ev.Token, decision, ut); !ok {
					return res
				}
			case llm.EventToolCall:
				ut.calls = append(ut.calls, ev.Call)
			case llm.EventDone:
				s.agg.LLMDone(time.Now())
				return streamDone
			case llm.EventError:
				if errors.Is(ev.Err, context.DeadlineExceeded) && llmCtx.Err() != nil {
					return streamLLMTimeout
				}
				if errors.Is(ev.Err, context.Canceled) {
					if ctx.Err() != nil {
						return streamCancelled
					}
					return streamRecoverable
				}
				if ai.IsFatal(ev.Err) {
					s.logger.Error("fatal llm error", slog.String("error", ev.Err.Error()))
					return streamFatal
				}
				s.logger.Warn("llm stream error", slog.String("error", ev.Err.Error()))
				return streamRecoverable
			}

		case frame, ok := <-ut.frames:
			if !ok {
				if err := ut.stream.Err(); err != nil {
					// synthesis died mid-stream, not a clean finish
					s.logger.Warn("tts stream failed", slog.String("error", err.Error()))
					if ai.IsFatal(err) {
						return streamFatal
					}
					return streamRecoverable
				}
				// synthesis ended under a still-open completion; stop
				// watching, the Done handling sorts the rest out
				ut.frames = nil
				continue
			}
			s.onFrame(frame, ut)

		case <-ut.firstByteC():
			if !ut.firstByte {
				s.logger.Warn("tts produced no audio in time",
					slog.Duration("timeout", s.cfg.TTSTimeout))
				return streamTTSTimeout
			}

		case ev, ok := <-detEvents:
			if !ok {
				detEvents = nil
				continue
			}
			if ev.Type == turn.EventBargeInRequested && ut.speaking {
				return streamBargeIn
			}
			s.bufferEvent(ev)

		case <-llmCtx.Done():
			if ctx.Err() != nil {
				return streamCancelled
			}
			return streamLLMTimeout

		case <-s.participantLeft():
			return streamParticipantLeft
		}
	}
}

// onToken routes one text token into the utterance, opening the synthesis
// stream on the first one.
func (s *Session) onToken(ctx context.Context, token string, decision adapt.Decision, ut *utterance) (streamResult, bool) {
	if !ut.speaking {
		s.agg.LLMFirstToken(time.Now())
		stream, err := s.cfg.TTS.Open(ctx, s.ttsConfig(), decision.Params)
		if err != nil {
			s.logger.Error("open tts", slog.String("error", err.Error()))
			if ai.IsFatal(err) {
				return streamFatal, false
			}
			return streamRecoverable, false
		}
		if decision.Params.PreSpeechDelay > 0 {
			select {
			case <-time.After(decision.Params.PreSpeechDelay):
			case <-ctx.Done():
				stream.Close()
				return streamCancelled, false
			}
		}
		ut.stream = stream
		ut.frames = stream.Frames()
		ut.speaking = true
		ut.firstByteTimer = time.NewTimer(s.cfg.TTSTimeout)
		s.cfg.Output.Begin()
		s.detector.SetAgentSpeaking(true)
	}
	// tool rounds drop back to Thinking; text puts the turn in Speaking again
	s.setState(StateSpeaking)
	ut.text.WriteString(token)
	if err := ut.stream.Push(token); err != nil {
		s.logger.Warn("tts push failed", slog.String("error", err.Error()))
		return streamRecoverable, false
	}
	return 0, true
}

func (s *Session) onFrame(frame audio.Frame, ut *utterance) {
	if !ut.firstByte {
		ut.firstByte = true
		if ut.firstByteTimer != nil {
			ut.firstByteTimer.Stop()
		}
		s.agg.TTSFirstByte(time.Now())
	}
	ut.synthesized += frame.Duration()
	s.cfg.Output.Play(frame)
}

// dispatchCalls commits the round's assistant message and runs its tool
// calls sequentially. proceed=false ends the turn with the given outcome.
func (s *Session) dispatchCalls(ctx context.Context, ut *utterance) (outcome turnOutcome, proceed bool) {
	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   ut.text.String(),
		ToolCalls: ut.calls,
	}
	if _, err := s.chat.Append(msg); err != nil {
		s.logger.Error("append assistant tool calls", slog.String("error", err.Error()))
		return turnOK, false
	}
	ut.text.Reset()

	s.setState(StateToolRunning)
	for _, call := range ut.calls {
		s.logger.Info("dispatching tool",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID))
		result := s.registry.Dispatch(ctx, call)
		if _, err := s.chat.Append(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    result.JSON(),
		}); err != nil {
			s.logger.Error("append tool result", slog.String("error", err.Error()))
		}
		if s.machineDetected.Load() {
			// answering machine: stop all output now
			s.abandonUtterance(ut)
			s.agg.CloseTurn(false, metrics.TurnErrorNone)
			return turnEndCall, false
		}
	}
	return turnOK, true
}

// finishTurn closes out a spoken reply: flush synthesis, wait for playout,
// commit the assistant message, emit the record.
func (s *Session) finishTurn(ctx context.Context, ut *utterance) turnOutcome {
	if !ut.speaking {
		// model finished without saying anything; keep the line alive
		s.logger.Warn("completion produced no text")
		if s.speakCanned(ctx, lineEmptyReply, cannedBudget) {
			s.appendAssistant(lineEmptyReply)
		}
		s.agg.AssistantText(lineEmptyReply)
		s.agg.CloseTurn(false, metrics.TurnErrorNone)
		s.setState(StateListening)
		return turnOK
	}

	if err := ut.stream.CloseSend(); err != nil {
		s.logger.Warn("tts close send", slog.String("error", err.Error()))
	}

	detEvents := s.detector.Events()

	// drain the remaining synthesis
	for ut.frames != nil {
		select {
		case frame, ok := <-ut.frames:
			if !ok {
				if err := ut.stream.Err(); err != nil {
					s.logger.Warn("tts stream failed", slog.String("error", err.Error()))
					if ai.IsFatal(err) {
						s.abandonUtterance(ut)
						return s.fatalTurn(ctx)
					}
					// keep what already played, flag the record
					return s.finishEarly(ut, metrics.TurnErrorProvider)
				}
				ut.frames = nil
				continue
			}
			s.onFrame(frame, ut)
		case <-ut.firstByteC():
			if !ut.firstByte {
				s.logger.Warn("tts produced no audio in time")
				return s.finishEarly(ut, metrics.TurnErrorProvider)
			}
		case ev, ok := <-detEvents:
			if !ok {
				detEvents = nil
				continue
			}
			if ev.Type == turn.EventBargeInRequested {
				s.interrupt(ut)
				return turnOK
			}
			s.bufferEvent(ev)
		case <-s.participantLeft():
			ut.closeStream()
			return turnParticipantLeft
		case <-ctx.Done():
			ut.closeStream()
			return turnCancelled
		}
	}
	s.agg.TTSDone(time.Now())

	// wait for the room to finish playing
	s.cfg.Output.Finish()
	for {
		select {
		case <-s.cfg.Output.Drained():
			text := ut.text.String()
			s.appendAssistant(text)
			s.agg.AssistantText(text)
			s.agg.CloseTurn(false, metrics.TurnErrorNone)
			ut.closeStream()
			s.detector.SetAgentSpeaking(false)
			s.setState(StateListening)
			return turnOK
		case ev, ok := <-detEvents:
			if !ok {
				detEvents = nil
				continue
			}
			if ev.Type == turn.EventBargeInRequested {
				s.interrupt(ut)
				return turnOK
			}
			s.bufferEvent(ev)
		case <-s.participantLeft():
			ut.closeStream()
			return turnParticipantLeft
		case <-ctx.Done():
			ut.closeStream()
			return turnCancelled
		}
	}
}

// finishEarly ends a partially spoken turn after a mid-stream failure: keep
// what was said, flag the record.
func (s *Session) finishEarly(ut *utterance, turnErr metrics.TurnError) turnOutcome {
	spoken := s.cfg.Output.Spoken()
	text := truncateSpoken(ut.text.String(), spoken, ut.synthesized)
	s.abandonUtterance(ut)
	s.appendAssistant(text)
	s.agg.AssistantText(text)
	s.agg.CloseTurn(false, turnErr)
	s.setState(StateListening)
	return turnOK
}

// interrupt handles barge-in: stop audio within one playout tick, truncate
// the assistant message to what the caller actually heard.
func (s *Session) interrupt(ut *utterance) {
	spoken := s.cfg.Output.Spoken()
	synthesized := ut.synthesized
	s.abandonUtterance(ut)

	text := truncateSpoken(ut.text.String(), spoken, synthesized)
	s.appendAssistant(text)
	s.agg.AssistantText(text)
	s.agg.CloseTurn(true, metrics.TurnErrorNone)

	s.logger.Info("barge-in",
		slog.Duration("spoken", spoken),
		slog.Duration("synthesized", synthesized))

	s.setState(StateListening)
}

// fatalTurn speaks the farewell on a tight budget and flags the record.
func (s *Session) fatalTurn(ctx context.Context) turnOutcome {
	s.speakCanned(ctx, lineFatalFarewell, farewellBudget)
	s.agg.CloseTurn(false, metrics.TurnErrorProvider)
	return turnFatal
}

func (s *Session) appendAssistant(text string) {
	if text == "" {
		return
	}
	if _, err := s.chat.Append(llm.Message{Role: llm.RoleAssistant, Content: text}); err != nil {
		s.logger.Error("append assistant message", slog.String("error", err.Error()))
	}
}

// bufferEvent holds a turn event that arrived while a turn was running; the
// main loop replays it once the machine is listening again.
func (s *Session) bufferEvent(ev turn.Event) {
	if ev.Type == turn.EventPartialTranscript {
		return
	}
	s.pending = append(s.pending, ev)
}

func (s *Session) ttsConfig() tts.Config {
	return tts.Config{
		Model:      s.cfg.Agent.TTS.Model,
		Voice:      s.cfg.Agent.TTS.Voice,
		SampleRate: pipelineSampleRate,
	}
}

// speakCanned synthesizes a fixed line with default voice parameters,
// bounded by budget. Failures are logged and swallowed; canned lines are
// best effort.
func (s *Session) speakCanned(ctx context.Context, text string, budget time.Duration) bool {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	stream, err := s.cfg.TTS.Open(cctx, s.ttsConfig(), tts.Params{Speed: 1.0})
	if err != nil {
		s.logger.Warn("canned utterance: open tts", slog.String("error", err.Error()))
		return false
	}
	defer stream.Close()

	if err := stream.Push(text); err != nil {
		s.logger.Warn("canned utterance: push", slog.String("error", err.Error()))
		return false
	}
	if err := stream.CloseSend(); err != nil {
		s.logger.Warn("canned utterance: close send", slog.String("error", err.Error()))
		return false
	}

	s.cfg.Output.Begin()
	first := time.NewTimer(s.cfg.TTSTimeout)
	defer first.Stop()
	got := false

drain:
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				break drain
			}
			if !got {
				got = true
				first.Stop()
			}
			s.cfg.Output.Play(frame)
		case <-first.C:
			if !got {
				s.cfg.Output.Flush()
				return false
			}
		case <-cctx.Done():
			s.cfg.Output.Flush()
			return false
		}
	}

	s.cfg.Output.Finish()
	select {
	case <-s.cfg.Output.Drained():
		return true
	case <-cctx.Done():
		s.cfg.Output.Flush()
		return false
	}
}

// truncateSpoken cuts text to the fraction that actually played, on a word
// boundary. Playout progress is the only signal available; providers do not
// report per-word timings.
func truncateSpoken(text string, spoken, synthesized time.Duration) string {
	if synthesized <= 0 || spoken <= 0 {
		return ""
	}
	if spoken >= synthesized {
		return text
	}
	words := strings.Fields(text)
	keep := int(float64(len(words)) * (float64(spoken) / float64(synthesized)))
	if keep <= 0 {
		return ""
	}
	if keep >= len(words) {
		return text
	}
	return strings.Join(words[:keep], " ")
}

// drainLLM discards the tail of an abandoned completion stream so the
// producer goroutine can exit.
func drainLLM(events <-chan llm.Event) {
	for range events {
	}
}
