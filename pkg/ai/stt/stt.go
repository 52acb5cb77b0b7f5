// Package stt defines the streaming speech-to-text port. Adapters convert
// pushed PCM frames into partial and final transcript events.
package stt

import (
	"context"
	"time"

	"github.com/callforge/voiceagent/pkg/audio"
)

// Config tunes a recognition stream.
type Config struct {
	Model       string
	Language    string
	SampleRate  int
	NumChannels int
	// Endpointing asks the provider to finalize after this much trailing
	// silence. Zero leaves the provider default in place.
	Endpointing time.Duration
}

// EventType discriminates transcript events.
type EventType int

const (
	// EventPartial carries an interim hypothesis that may still change.
	EventPartial EventType = iota
	// EventFinal carries a finalized utterance segment.
	EventFinal
	// EventError carries a stream failure; the stream ends after emitting it.
	EventError
)

// Event is one recognition result or error from the stream.
type Event struct {
	Type EventType
	Text string
	At   time.Time
	Err  error
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming      bool
	InterimResults bool
	Languages      []string
	SampleRates    []int
}

// STT creates recognition streams.
type STT interface {
	// Open starts a streaming session. The stream stays usable until Close;
	// cancelling ctx tears it down.
	Open(ctx context.Context, cfg Config) (Stream, error)

	// Capabilities reports provider support.
	Capabilities() Capabilities
}

// Stream is one live recognition session. Push never blocks on the network;
// implementations buffer internally and drop oldest audio under pressure.
type Stream interface {
	// Push submits one frame of audio.
	Push(frame audio.Frame) error

	// Events returns the channel of recognition events. It is closed when the
	// stream ends.
	Events() <-chan Event

	// CloseSend signals end of audio and asks the provider to flush finals.
	CloseSend() error

	// Close releases the stream. Safe to call more than once.
	Close() error
}
