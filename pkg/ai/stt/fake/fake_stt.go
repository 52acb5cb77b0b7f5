// Package fake provides a scriptable in-memory STT implementation for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/stt"
	"github.com/callforge/voiceagent/pkg/audio"
)

// STT is a fake recognizer. Tests either script events directly via the
// stream's Emit* methods or configure a transcript that is finalized on
// CloseSend.
type STT struct {
	mu         sync.Mutex
	transcript string
	openErr    error
	streams    []*Stream
}

var _ stt.STT = (*STT)(nil)

// New creates a fake STT with an optional canned transcript.
func New(transcript string) *STT {
	return &STT{transcript: transcript}
}

// FailOpenWith makes the next Open calls return err.
func (f *STT) FailOpenWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Streams returns every stream opened so far.
func (f *STT) Streams() []*Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Stream, len(f.streams))
	copy(out, f.streams)
	return out
}

// Open creates a scripted stream.
func (f *STT) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &Stream{
		transcript: f.transcript,
		events:     make(chan stt.Event, 64),
	}
	f.streams = append(f.streams, s)
	return s, nil
}

// Capabilities reports full streaming support.
func (f *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:      true,
		InterimResults: true,
		Languages:      []string{"en"},
		SampleRates:    []int{16000, 48000},
	}
}

// Stream is one scripted recognition session.
type Stream struct {
	transcript string
	events     chan stt.Event

	mu       sync.Mutex
	frames   int
	sendDone bool
	closed   bool
}

var _ stt.Stream = (*Stream)(nil)

// Push counts frames; recognition output is driven by the test script.
func (s *Stream) Push(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return errors.New("fake stt: push after CloseSend")
	}
	s.frames++
	return nil
}

// Frames returns how many frames were pushed.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// EmitPartial injects an interim transcript event.
func (s *Stream) EmitPartial(text string) {
	s.emit(stt.Event{Type: stt.EventPartial, Text: text, At: time.Now()})
}

// EmitFinal injects a finalized transcript event.
func (s *Stream) EmitFinal(text string) {
	s.emit(stt.Event{Type: stt.EventFinal, Text: text, At: time.Now()})
}

// EmitError injects a stream error event.
func (s *Stream) EmitError(err error) {
	s.emit(stt.Event{Type: stt.EventError, At: time.Now(), Err: err})
}

func (s *Stream) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default: // scripted past the buffer; drop rather than deadlock a test
	}
}

// Events returns the scripted event channel.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// CloseSend finalizes the canned transcript, if one was configured.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	already := s.sendDone
	s.sendDone = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.transcript != "" {
		s.EmitFinal(s.transcript)
	}
	return nil
}

// Close ends the stream and closes the event channel.
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
