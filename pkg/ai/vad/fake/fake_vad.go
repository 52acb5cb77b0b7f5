// Package fake provides a hand-driven vad.VAD for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/audio"
)

// VAD hands out streams whose events are emitted by the test.
type VAD struct {
	mu      sync.Mutex
	openErr error
	streams []*Stream
}

var _ vad.VAD = (*VAD)(nil)

// New creates a fake detector.
func New() *VAD {
	return &VAD{}
}

// FailOpenWith makes the next Open call fail.
func (f *VAD) FailOpenWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Streams returns every stream opened so far.
func (f *VAD) Streams() []*Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Stream, len(f.streams))
	copy(out, f.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (f *VAD) LastStream() *Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// Capabilities reports streaming support at common rates.
func (f *VAD) Capabilities() vad.Capabilities {
	return vad.Capabilities{SampleRates: []int{8000, 16000, 48000}, Streaming: true}
}

// Open records and returns a new hand-driven stream.
func (f *VAD) Open(ctx context.Context, cfg vad.Config) (vad.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		err := f.openErr
		f.openErr = nil
		return nil, err
	}
	s := &Stream{
		Config: cfg,
		events: make(chan vad.Event, 64),
	}
	f.streams = append(f.streams, s)
	return s, nil
}

// Stream is a detection stream driven by test code.
type Stream struct {
	Config vad.Config

	mu     sync.Mutex
	frames int
	closed bool
	events chan vad.Event
}

var _ vad.Stream = (*Stream)(nil)

// Push counts the frame.
func (s *Stream) Push(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fake vad: stream closed")
	}
	s.frames++
	return nil
}

// Frames reports how many frames were pushed.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Events returns the event channel.
func (s *Stream) Events() <-chan vad.Event {
	return s.events
}

// Close terminates the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitVoiceStarted injects a speech onset event.
func (s *Stream) EmitVoiceStarted() {
	s.emit(vad.Event{Type: vad.EventVoiceStarted, At: time.Now(), Probability: 0.95})
}

// EmitVoiceStopped injects a speech end event.
func (s *Stream) EmitVoiceStopped() {
	s.emit(vad.Event{Type: vad.EventVoiceStopped, At: time.Now(), Probability: 0.05})
}

// EmitError injects a detector failure.
func (s *Stream) EmitError(err error) {
	s.emit(vad.Event{Type: vad.EventError, At: time.Now(), Err: err})
}

func (s *Stream) emit(ev vad.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// scripted past the buffer; drop rather than deadlock a test
	}
}
