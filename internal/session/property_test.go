package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/matryer/is"

	"github.com/callforge/voiceagent/internal/job"
	"github.com/callforge/voiceagent/internal/metrics"
	"github.com/callforge/voiceagent/internal/tools"
	llmfake "github.com/callforge/voiceagent/pkg/ai/llm/fake"
	sttfake "github.com/callforge/voiceagent/pkg/ai/stt/fake"
	ttsfake "github.com/callforge/voiceagent/pkg/ai/tts/fake"
	vadfake "github.com/callforge/voiceagent/pkg/ai/vad/fake"
	"github.com/callforge/voiceagent/pkg/audio"
)

func TestTruncateSpokenProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	wordsGen := gen.SliceOf(gen.AlphaString().SuchThat(func(s string) bool { return s != "" }))
	msGen := gen.IntRange(0, 5000)

	properties.Property("result is a word prefix of the input", prop.ForAll(
		func(words []string, spokenMs, synthMs int) bool {
			text := strings.Join(words, " ")
			out := truncateSpoken(text, time.Duration(spokenMs)*time.Millisecond, time.Duration(synthMs)*time.Millisecond)
			if out == "" {
				return true
			}
			outWords := strings.Fields(out)
			inWords := strings.Fields(text)
			if len(outWords) > len(inWords) {
				return false
			}
			for i := range outWords {
				if outWords[i] != inWords[i] {
					return false
				}
			}
			return true
		},
		wordsGen, msGen, msGen,
	))

	properties.Property("more playout never yields less text", prop.ForAll(
		func(words []string, aMs, bMs, synthMs int) bool {
			if synthMs == 0 {
				return true
			}
			text := strings.Join(words, " ")
			lo, hi := aMs, bMs
			if lo > hi {
				lo, hi = hi, lo
			}
			synth := time.Duration(synthMs) * time.Millisecond
			short := truncateSpoken(text, time.Duration(lo)*time.Millisecond, synth)
			long := truncateSpoken(text, time.Duration(hi)*time.Millisecond, synth)
			return len(short) <= len(long)
		},
		wordsGen, msGen, msGen, msGen,
	))

	properties.Property("full playout returns the full text", prop.ForAll(
		func(words []string, synthMs int) bool {
			if synthMs == 0 {
				return true
			}
			text := strings.Join(words, " ")
			synth := time.Duration(synthMs) * time.Millisecond
			return truncateSpoken(text, synth, synth) == text
		},
		wordsGen, msGen,
	))

	properties.TestingRun(t)
}

// transitionLog captures state-transition debug records.
type transitionLog struct {
	mu    sync.Mutex
	moves [][2]string
}

func (l *transitionLog) record(from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, [2]string{from, to})
}

func (l *transitionLog) snapshot() [][2]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][2]string, len(l.moves))
	copy(out, l.moves)
	return out
}

type transitionHandler struct {
	log   *transitionLog
	attrs []slog.Attr
}

func (h *transitionHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *transitionHandler) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "state transition" {
		return nil
	}
	var from, to string
	rec.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "from":
			from = a.Value.String()
		case "to":
			to = a.Value.String()
		}
		return true
	})
	h.log.record(from, to)
	return nil
}

func (h *transitionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &transitionHandler{log: h.log, attrs: append(h.attrs, attrs...)}
}

func (h *transitionHandler) WithGroup(string) slog.Handler { return h }

// TestNeverSpeakingWithoutThinking drives a conversation with tool rounds,
// a timeout, and a barge-in, and checks the trace: every entry into
// Speaking comes from Thinking.
func TestNeverSpeakingWithoutThinking(t *testing.T) {
	is := is.New(t)

	tlog := &transitionLog{}

	long := llmfake.Say("a very long reply that keeps streaming for a while so it can be interrupted midway through")
	long.Delay = 5 * time.Millisecond

	r := &rig{
		stt:  sttfake.New(""),
		llm: llmfake.New(
			llmfake.Say("first reply"),
			llmfake.SayThenCall("checking that ", "c1", "get_call_info", `{}`),
			llmfake.Say("your number ends in one two three"),
			llmfake.Hang(),
			long,
			llmfake.Say("closing reply"),
		),
		tts:  ttsfake.New(),
		vad:  vadfake.New(),
		out:  newTestOutput(),
		left: make(chan struct{}),
		mx:   make(chan metrics.Event, 64),
		done: make(chan job.CompletionReason, 1),
	}
	r.tel = &testTelephony{left: r.left}

	s, err := New(Config{
		ID:              "prop-session",
		Agent:           quietAgent(),
		Info:            tools.CallInfo{PhoneNumber: "+14155550123"},
		STT:             r.stt,
		LLM:             r.llm,
		TTS:             r.tts,
		VAD:             r.vad,
		Input:           make(chan audio.Frame),
		Output:          r.out,
		ParticipantLeft: r.left,
		Telephony:       r.tel,
		Metrics:         r.mx,
		Logger:          slog.New(&transitionHandler{log: tlog}),
		FinalDebounce:   20 * time.Millisecond,
		LLMTimeout:      150 * time.Millisecond,
		TTSTimeout:      time.Second,
	})
	is.NoErr(err)
	r.s = s
	r.run(t)

	r.userSays(t, "hello")
	r.nextTurn(t)

	r.userSays(t, "what number do you have for me?")
	r.nextTurn(t)

	// this one hangs; the llm timeout recovers the session
	r.userSays(t, "still there?")
	rec := r.nextTurn(t)
	is.Equal(rec.Error, metrics.TurnErrorLLMTimeout)

	// and this one gets barged in on
	r.userSays(t, "tell me something long")
	waitFor(t, func() bool { return r.s.State() == StateSpeaking }, "agent speaking")
	waitFor(t, func() bool { return len(r.vad.Streams()) > 0 }, "vad stream open")
	r.vad.Streams()[0].EmitVoiceStarted()
	rec = r.nextTurn(t)
	is.True(rec.Interrupted)

	r.hangUp()
	r.reason(t)

	moves := tlog.snapshot()
	is.True(len(moves) > 0)
	for _, m := range moves {
		if m[1] == StateSpeaking.String() && m[0] != StateThinking.String() {
			t.Fatalf("entered speaking from %s", m[0])
		}
	}
}
