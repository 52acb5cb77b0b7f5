// Package silero implements the vad port with the Silero VAD ONNX model.
// The model consumes fixed windows (512 samples at 16 kHz, 256 at 8 kHz) and
// carries recurrent state between windows.
package silero

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/onnx"
	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/audio"
)

const (
	defaultThreshold  = 0.5
	defaultMinSpeech  = 50 * time.Millisecond
	defaultMinSilence = 100 * time.Millisecond

	stateSize        = 2 * 1 * 128
	inputQueueFrames = 200
	eventBuffer      = 16
)

// Detector implements vad.VAD over a Silero ONNX session. The session loads
// lazily on first Open and is shared by all streams.
type Detector struct {
	modelPath string

	sessionOnce sync.Once
	session     *ort.DynamicAdvancedSession
	sessionErr  error
}

var _ vad.VAD = (*Detector)(nil)

// New creates a detector for the model at modelPath. An empty path falls
// back to SILERO_VAD_MODEL or ~/.voiceagent/models/silero_vad.onnx.
func New(modelPath string) *Detector {
	if modelPath == "" {
		modelPath = defaultModelPath()
	}
	return &Detector{modelPath: modelPath}
}

func defaultModelPath() string {
	if p := os.Getenv("SILERO_VAD_MODEL"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/voiceagent-models/silero_vad.onnx"
	}
	return filepath.Join(home, ".voiceagent", "models", "silero_vad.onnx")
}

// Capabilities reports the model's supported rates.
func (d *Detector) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates: []int{8000, 16000},
		Streaming:   true,
	}
}

// Open loads the session if needed and starts a detection stream.
func (d *Detector) Open(ctx context.Context, cfg vad.Config) (vad.Stream, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	if cfg.MinSilence == 0 {
		cfg.MinSilence = defaultMinSilence
	}
	if err := d.loadSession(); err != nil {
		return nil, err
	}

	window := 512
	if cfg.SampleRate == 8000 {
		window = 256
	}
	s := &stream{
		cfg:     cfg,
		session: d.session,
		window:  window,
		state:   make([]float32, stateSize),
		input:   audio.NewFrameQueue(inputQueueFrames),
		events:  make(chan vad.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// Close destroys the shared session. Open must not be called afterwards.
func (d *Detector) Close() error {
	if d.session != nil {
		return d.session.Destroy()
	}
	return nil
}

func (d *Detector) loadSession() error {
	d.sessionOnce.Do(func() {
		if _, err := os.Stat(d.modelPath); err != nil {
			d.sessionErr = ai.Fatal(err, fmt.Sprintf("silero: model file not found: %s", d.modelPath))
			return
		}
		if err := onnx.EnsureRuntime(); err != nil {
			d.sessionErr = ai.Fatal(err, "silero: onnx runtime init failed")
			return
		}
		options, err := ort.NewSessionOptions()
		if err != nil {
			d.sessionErr = ai.Fatal(err, "silero: session options failed")
			return
		}
		defer options.Destroy()
		if err := options.SetIntraOpNumThreads(1); err != nil {
			d.sessionErr = ai.Fatal(err, "silero: thread config failed")
			return
		}
		d.session, err = ort.NewDynamicAdvancedSession(
			d.modelPath,
			[]string{"input", "state", "sr"},
			[]string{"output", "stateN"},
			options,
		)
		if err != nil {
			d.sessionErr = ai.Fatal(err, "silero: session load failed")
		}
	})
	return d.sessionErr
}

type stream struct {
	cfg     vad.Config
	session *ort.DynamicAdvancedSession
	window  int

	input  *audio.FrameQueue
	events chan vad.Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// inference state, owned by the run goroutine
	buf        []float32
	state      []float32
	speaking   bool
	speechRun  time.Duration
	silenceRun time.Duration
}

var _ vad.Stream = (*stream)(nil)

func (s *stream) Push(frame audio.Frame) error {
	select {
	case <-s.done:
		return errors.New("silero: stream closed")
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
			s.ingest(frame)
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

// ingest buffers samples and runs inference per full window.
func (s *stream) ingest(frame audio.Frame) {
	for _, v := range frame.Samples() {
		s.buf = append(s.buf, float32(v)/32768.0)
	}
	for len(s.buf) >= s.window {
		chunk := s.buf[:s.window]
		prob, err := s.infer(chunk)
		s.buf = s.buf[s.window:]
		if err != nil {
			s.emit(vad.Event{Type: vad.EventError, At: time.Now(), Err: ai.Recoverable(err, "silero: inference failed")})
			continue
		}
		s.advance(prob)
	}
}

// advance applies hysteresis over per-window probabilities.
func (s *stream) advance(prob float64) {
	windowDur := time.Duration(s.window) * time.Second / time.Duration(s.cfg.SampleRate)
	if prob >= s.cfg.Threshold {
		s.speechRun += windowDur
		s.silenceRun = 0
		if !s.speaking && s.speechRun >= s.cfg.MinSpeech {
			s.speaking = true
			s.emit(vad.Event{Type: vad.EventVoiceStarted, At: time.Now(), Probability: prob})
		}
		return
	}
	s.silenceRun += windowDur
	s.speechRun = 0
	if s.speaking && s.silenceRun >= s.cfg.MinSilence {
		s.speaking = false
		s.emit(vad.Event{Type: vad.EventVoiceStopped, At: time.Now(), Probability: prob})
	}
}

func (s *stream) infer(window []float32) (float64, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(s.window)), window)
	if err != nil {
		return 0, err
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), s.state)
	if err != nil {
		return 0, err
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(s.cfg.SampleRate)})
	if err != nil {
		return 0, err
	}
	defer srTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	err = s.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, outputs)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	probOut, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || len(probOut.GetData()) == 0 {
		return 0, errors.New("unexpected output tensor")
	}
	if stateOut, ok := outputs[1].(*ort.Tensor[float32]); ok {
		copy(s.state, stateOut.GetData())
	}
	return float64(probOut.GetData()[0]), nil
}

func (s *stream) emit(ev vad.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
