// Package fake provides a deterministic tts.TTS for tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/tts"
	"github.com/callforge/voiceagent/pkg/audio"
)

const defaultSampleRate = 16000

// TTS fabricates silent audio for pushed text. Each pushed chunk yields
// FramesPerChunk frames, so playout length is proportional to text volume and
// tests can reason about truncation points.
type TTS struct {
	mu      sync.Mutex
	openErr error
	streams []*Stream

	// FramesPerChunk is how many 10 ms frames each Push produces.
	FramesPerChunk int
	// Stall suppresses all frame output, for first-byte timeout tests.
	Stall bool
}

var _ tts.TTS = (*TTS)(nil)

// New creates a fake TTS provider.
func New() *TTS {
	return &TTS{FramesPerChunk: 2}
}

// FailOpenWith makes the next Open call fail.
func (f *TTS) FailOpenWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Streams returns every stream opened so far.
func (f *TTS) Streams() []*Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Stream, len(f.streams))
	copy(out, f.streams)
	return out
}

// LastStream returns the most recently opened stream, or nil.
func (f *TTS) LastStream() *Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// Capabilities reports full control support.
func (f *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:      true,
		SpeedControl:   true,
		EmotionControl: true,
		SampleRates:    []int{defaultSampleRate},
	}
}

// Open records the stream with its config and params.
func (f *TTS) Open(ctx context.Context, cfg tts.Config, params tts.Params) (tts.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		err := f.openErr
		f.openErr = nil
		return nil, err
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	s := &Stream{
		Config:         cfg,
		Params:         params,
		framesPerChunk: f.FramesPerChunk,
		stall:          f.Stall,
		frames:         make(chan audio.Frame, 256),
	}
	f.streams = append(f.streams, s)
	return s, nil
}

// Stream is a scripted synthesis stream. Frames are emitted synchronously
// from Push so tests observe deterministic ordering.
type Stream struct {
	Config tts.Config
	Params tts.Params

	mu             sync.Mutex
	pushed         []string
	framesPerChunk int
	stall          bool
	ts             time.Duration
	sendClosed     bool
	closed         bool
	closedAt       time.Time
	err            error

	frames chan audio.Frame
}

var _ tts.Stream = (*Stream)(nil)

// Push records the chunk and emits its frames.
func (s *Stream) Push(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fake tts: stream closed")
	}
	if s.sendClosed {
		return errors.New("fake tts: send side closed")
	}
	s.pushed = append(s.pushed, text)
	if s.stall {
		return nil
	}
	for i := 0; i < s.framesPerChunk; i++ {
		frame := audio.SilentFrame(s.Config.SampleRate, s.ts)
		s.ts += audio.FrameDuration
		select {
		case s.frames <- frame:
		default:
			// test consumed nothing and the buffer is full; drop
		}
	}
	return nil
}

// CloseSend finalizes the utterance and closes the frame channel once all
// frames are out.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed || s.closed {
		return nil
	}
	s.sendClosed = true
	if !s.stall {
		close(s.frames)
		s.closed = true
		s.closedAt = time.Now()
	}
	return nil
}

// Frames returns the emitted audio.
func (s *Stream) Frames() <-chan audio.Frame {
	return s.frames
}

// Err reports the injected terminal error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FailWith injects a terminal error and closes the frame channel.
func (s *Stream) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	s.closedAt = time.Now()
	close(s.frames)
}

// Close abandons synthesis.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closedAt = time.Now()
	close(s.frames)
	return nil
}

// Pushed returns every text chunk pushed so far.
func (s *Stream) Pushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pushed))
	copy(out, s.pushed)
	return out
}

// Text returns the concatenation of all pushed chunks.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, c := range s.pushed {
		out += c
	}
	return out
}

// Closed reports whether the stream has been terminated.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ClosedAt reports when the stream terminated.
func (s *Stream) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}
