package silero

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/pkg/ai/vad"
)

func TestOpenRejectsUnsupportedRate(t *testing.T) {
	is := is.New(t)

	d := New("/nonexistent/model.onnx")
	_, err := d.Open(context.Background(), vad.Config{SampleRate: 44100})
	is.True(err != nil)
}

func TestModelPathOverride(t *testing.T) {
	is := is.New(t)

	t.Setenv("SILERO_VAD_MODEL", "/models/custom.onnx")
	d := New("")
	is.Equal(d.modelPath, "/models/custom.onnx")

	d = New("/explicit/path.onnx")
	is.Equal(d.modelPath, "/explicit/path.onnx")
}

func TestAdvanceHysteresis(t *testing.T) {
	is := is.New(t)

	s := &stream{
		cfg: vad.Config{
			SampleRate: 16000,
			Threshold:  0.5,
			MinSpeech:  64 * time.Millisecond,  // two 32ms windows
			MinSilence: 96 * time.Millisecond,  // three 32ms windows
		},
		window: 512,
		events: make(chan vad.Event, 16),
		done:   make(chan struct{}),
	}

	// one voiced window is below MinSpeech
	s.advance(0.9)
	select {
	case ev := <-s.events:
		t.Fatalf("premature event %v", ev.Type)
	default:
	}

	s.advance(0.9)
	ev := <-s.events
	is.Equal(ev.Type, vad.EventVoiceStarted)

	// silence must persist for three windows before stopping
	s.advance(0.1)
	s.advance(0.1)
	select {
	case ev := <-s.events:
		t.Fatalf("premature event %v", ev.Type)
	default:
	}
	s.advance(0.1)
	ev = <-s.events
	is.Equal(ev.Type, vad.EventVoiceStopped)

	// a voiced blip resets the silence run
	s.advance(0.9)
	s.advance(0.9)
	ev = <-s.events
	is.Equal(ev.Type, vad.EventVoiceStarted)
	s.advance(0.1)
	s.advance(0.1)
	s.advance(0.9) // blip
	s.advance(0.1)
	s.advance(0.1)
	select {
	case ev := <-s.events:
		t.Fatalf("silence run should have reset, got %v", ev.Type)
	default:
	}
}
