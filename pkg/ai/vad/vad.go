// Package vad defines the voice activity detection port. Detectors consume
// PCM frames through a stream and report speech boundaries as events.
package vad

import (
	"context"
	"time"

	"github.com/callforge/voiceagent/pkg/audio"
)

// EventType tags a detection event.
type EventType int

const (
	// EventVoiceStarted fires when speech onset is confirmed.
	EventVoiceStarted EventType = iota
	// EventVoiceStopped fires when trailing silence is confirmed.
	EventVoiceStopped
	// EventError carries a detector failure.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventVoiceStarted:
		return "voice_started"
	case EventVoiceStopped:
		return "voice_stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a detected speech boundary.
type Event struct {
	Type EventType
	// At is when the boundary was detected.
	At time.Time
	// Probability is the detector's speech likelihood at the boundary.
	Probability float64
	Err         error
}

// Config tunes boundary confirmation.
type Config struct {
	SampleRate int
	// Threshold is the speech probability above which a frame counts as
	// voiced.
	Threshold float64
	// MinSpeech is how long voice must persist before VoiceStarted fires.
	MinSpeech time.Duration
	// MinSilence is how long silence must persist before VoiceStopped
	// fires.
	MinSilence time.Duration
}

// Capabilities describes a detector.
type Capabilities struct {
	SampleRates []int
	Streaming   bool
}

// VAD is implemented by voice activity detectors.
type VAD interface {
	// Open starts a detection stream.
	Open(ctx context.Context, cfg Config) (Stream, error)

	// Capabilities reports what the detector supports.
	Capabilities() Capabilities
}

// Stream is one live detection session.
type Stream interface {
	// Push feeds a frame to the detector. Frames are dropped, not
	// blocked on, when the detector falls behind.
	Push(frame audio.Frame) error

	// Events returns boundary events. The channel closes after Close.
	Events() <-chan Event

	// Close releases the stream. It is safe to call more than once.
	Close() error
}
