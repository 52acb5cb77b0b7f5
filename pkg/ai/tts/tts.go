// Package tts defines the speech synthesis port. A stream synthesizes one
// utterance: the caller pushes text chunks as the language model produces
// them, closes the send side, and drains audio frames until the channel
// closes.
package tts

import (
	"context"
	"time"

	"github.com/callforge/voiceagent/pkg/audio"
)

// Emotion is a single expressive dimension with an intensity in [0, 1].
type Emotion struct {
	Kind      string  `json:"kind"`
	Intensity float64 `json:"intensity"`
}

// Params carries per-utterance voice controls, typically produced by the
// voice adaptation layer. A zero Params means provider defaults.
type Params struct {
	// Speed is a relative speaking rate where 1.0 is baseline. Providers
	// clamp to their supported range.
	Speed float64
	// Emotions hint the delivery. Providers without emotion controls
	// ignore them.
	Emotions []Emotion
	// PreSpeechDelay is honored by the caller before playout, not by the
	// provider.
	PreSpeechDelay time.Duration
}

// Config selects the voice for a stream.
type Config struct {
	Model      string
	Voice      string
	Language   string
	SampleRate int
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming      bool
	SpeedControl   bool
	EmotionControl bool
	SampleRates    []int
}

// TTS is implemented by speech synthesis providers.
type TTS interface {
	// Open starts a synthesis stream for a single utterance.
	Open(ctx context.Context, cfg Config, params Params) (Stream, error)

	// Capabilities reports what the provider supports.
	Capabilities() Capabilities
}

// Stream synthesizes one utterance incrementally.
type Stream interface {
	// Push appends a text chunk to the utterance. It blocks when the
	// provider applies back-pressure and errors once the stream is closed.
	Push(text string) error

	// CloseSend marks the utterance text as complete. Frames continue to
	// arrive until synthesis finishes.
	CloseSend() error

	// Frames returns synthesized audio in order. The channel closes after
	// the final frame, or early on failure or Close.
	Frames() <-chan audio.Frame

	// Err reports why Frames closed. It is nil after normal completion
	// and must only be called after Frames is closed.
	Err() error

	// Close abandons synthesis immediately and releases the stream.
	// It is safe to call more than once.
	Close() error
}
