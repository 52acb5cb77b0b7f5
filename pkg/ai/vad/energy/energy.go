// Package energy implements the vad port with a self-calibrating energy
// detector. It needs no model files, making it the default for tests and a
// fallback when the silero model is unavailable.
package energy

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/audio"
)

const (
	defaultThreshold  = 0.5
	defaultMinSpeech  = 50 * time.Millisecond
	defaultMinSilence = 100 * time.Millisecond

	// initialThreshold seeds the energy gate before calibration kicks in.
	initialThreshold = 1000.0
	historySize      = 50
	calibrationMin   = 10

	inputQueueFrames = 200
	eventBuffer      = 16
)

// Detector implements vad.VAD using mean-square frame energy with a dynamic
// threshold of twice the rolling average.
type Detector struct{}

var _ vad.VAD = (*Detector)(nil)

// New creates an energy detector.
func New() *Detector {
	return &Detector{}
}

// Capabilities reports rate-agnostic streaming detection.
func (d *Detector) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates: []int{8000, 16000, 48000},
		Streaming:   true,
	}
}

// Open starts a detection stream.
func (d *Detector) Open(ctx context.Context, cfg vad.Config) (vad.Stream, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	if cfg.MinSilence == 0 {
		cfg.MinSilence = defaultMinSilence
	}
	s := &stream{
		cfg:       cfg,
		input:     audio.NewFrameQueue(inputQueueFrames),
		events:    make(chan vad.Event, eventBuffer),
		done:      make(chan struct{}),
		threshold: initialThreshold,
		history:   make([]float64, 0, historySize),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

type stream struct {
	cfg    vad.Config
	input  *audio.FrameQueue
	events chan vad.Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// detection state, owned by the run goroutine
	threshold  float64
	history    []float64
	speaking   bool
	speechRun  time.Duration
	silenceRun time.Duration
}

var _ vad.Stream = (*stream)(nil)

func (s *stream) Push(frame audio.Frame) error {
	select {
	case <-s.done:
		return errors.New("energy vad: stream closed")
	default:
	}
	s.input.Push(frame)
	return nil
}

func (s *stream) Events() <-chan vad.Event {
	return s.events
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.input.Close()
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *stream) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		for {
			frame, ok := s.input.Pop()
			if !ok {
				break
			}
			s.analyze(frame)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.input.Wait():
		}
	}
}

// analyze updates the speech state machine with one frame.
func (s *stream) analyze(frame audio.Frame) {
	samples := frame.Samples()
	if len(samples) == 0 {
		return
	}
	energy := meanSquare(samples)
	s.calibrate(energy)

	prob := s.probability(energy)
	voiced := prob >= s.cfg.Threshold

	if voiced {
		s.speechRun += frame.Duration()
		s.silenceRun = 0
		if !s.speaking && s.speechRun >= s.cfg.MinSpeech {
			s.speaking = true
			s.emit(vad.Event{Type: vad.EventVoiceStarted, At: time.Now(), Probability: prob})
		}
		return
	}

	s.silenceRun += frame.Duration()
	s.speechRun = 0
	if s.speaking && s.silenceRun >= s.cfg.MinSilence {
		s.speaking = false
		s.emit(vad.Event{Type: vad.EventVoiceStopped, At: time.Now(), Probability: prob})
	}
}

func (s *stream) emit(ev vad.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// calibrate keeps the energy gate at twice the rolling average, so sustained
// background noise raises the bar instead of counting as speech.
func (s *stream) calibrate(energy float64) {
	s.history = append(s.history, energy)
	if len(s.history) > historySize {
		s.history = s.history[1:]
	}
	if len(s.history) < calibrationMin {
		return
	}
	var sum float64
	for _, e := range s.history {
		sum += e
	}
	s.threshold = sum / float64(len(s.history)) * 2.0
}

// probability squashes the energy ratio through a sigmoid centered on the
// threshold.
func (s *stream) probability(energy float64) float64 {
	if s.threshold == 0 {
		return 0
	}
	ratio := energy / s.threshold
	return 1.0 / (1.0 + math.Exp(-3.0*(ratio-1.0)))
}

func meanSquare(samples []int16) float64 {
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return sum / float64(len(samples))
}
