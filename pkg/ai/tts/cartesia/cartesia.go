// Package cartesia implements the tts port over the Cartesia websocket API.
// Each stream is one utterance: text chunks are sent as continuations under a
// shared context id and raw PCM chunks come back base64-encoded.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/tts"
	"github.com/callforge/voiceagent/pkg/audio"
)

const (
	endpoint   = "wss://api.cartesia.ai/tts/websocket"
	apiVersion = "2024-06-10"

	defaultModel      = "sonic-2"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	frameBuffer = 64
)

// Provider implements tts.TTS backed by Cartesia.
type Provider struct {
	apiKey string
	model  string
	voice  string
	dialer *websocket.Dialer
}

var _ tts.TTS = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithModel overrides the default synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the default voice id.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// New creates a Cartesia provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: api key required")
	}
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports streaming with speed and emotion controls.
func (p *Provider) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		Streaming:      true,
		SpeedControl:   true,
		EmotionControl: true,
		SampleRates:    []int{8000, 16000, 22050, 24000, 44100, 48000},
	}
}

// Open dials the synthesis websocket and prepares a single-utterance stream.
func (p *Provider) Open(ctx context.Context, cfg tts.Config, params tts.Params) (tts.Stream, error) {
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}
	if cfg.Voice == "" {
		return nil, errors.New("cartesia: voice id required")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}

	url := fmt.Sprintf("%s?api_key=%s&cartesia_version=%s", endpoint, p.apiKey, apiVersion)
	conn, resp, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ai.Fatal(err, "cartesia: authentication rejected")
		}
		return nil, ai.Recoverable(err, "cartesia: dial failed")
	}

	s := &stream{
		conn:       conn,
		template:   buildRequest(cfg, params),
		frames:     make(chan audio.Frame, frameBuffer),
		done:       make(chan struct{}),
		sampleRate: cfg.SampleRate,
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// buildRequest prepares the message template repeated on every continuation.
func buildRequest(cfg tts.Config, params tts.Params) request {
	voice := voiceSpec{Mode: "id", ID: cfg.Voice}
	if c := buildControls(params); c != nil {
		voice.Controls = c
	}
	return request{
		ModelID:  cfg.Model,
		Voice:    voice,
		Language: cfg.Language,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cfg.SampleRate,
		},
		ContextID: uuid.NewString(),
	}
}

func buildControls(params tts.Params) *voiceControls {
	c := &voiceControls{}
	if params.Speed > 0 && params.Speed != 1.0 {
		c.Speed = controlSpeed(params.Speed)
	}
	c.Emotion = controlEmotions(params.Emotions)
	if c.Speed == 0 && len(c.Emotion) == 0 {
		return nil
	}
	return c
}

// controlSpeed maps a 1.0-relative rate onto Cartesia's [-1, 1] scale.
func controlSpeed(speed float64) float64 {
	var v float64
	if speed < 1.0 {
		v = (speed - 1.0) / 0.3
	} else {
		v = (speed - 1.0) / 0.4
	}
	if v < -1 {
		v = -1
	}
	if v > 1 {
		v = 1
	}
	return v
}

// controlEmotions renders emotion hints as Cartesia "kind:level" tags.
// Negligible intensities are dropped.
func controlEmotions(emotions []tts.Emotion) []string {
	var out []string
	for _, e := range emotions {
		switch {
		case e.Intensity < 0.15:
		case e.Intensity < 0.4:
			out = append(out, e.Kind+":low")
		case e.Intensity < 0.75:
			out = append(out, e.Kind)
		default:
			out = append(out, e.Kind+":high")
		}
	}
	return out
}

type voiceControls struct {
	Speed   float64  `json:"speed,omitempty"`
	Emotion []string `json:"emotion,omitempty"`
}

type voiceSpec struct {
	Mode     string         `json:"mode"`
	ID       string         `json:"id"`
	Controls *voiceControls `json:"__experimental_controls,omitempty"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type request struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	Language     string       `json:"language,omitempty"`
	ContextID    string       `json:"context_id"`
	OutputFormat outputFormat `json:"output_format"`
	Continue     bool         `json:"continue"`
}

type response struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

type stream struct {
	conn     *websocket.Conn
	template request

	writeMu    sync.Mutex
	sendClosed bool

	frames     chan audio.Frame
	framesOnce sync.Once
	sampleRate int

	errMu sync.Mutex
	err   error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ tts.Stream = (*stream)(nil)

func (s *stream) Push(text string) error {
	if text == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return errors.New("cartesia: stream send side closed")
	}
	select {
	case <-s.done:
		return errors.New("cartesia: stream closed")
	default:
	}
	msg := s.template
	msg.Transcript = text
	msg.Continue = true
	if err := s.conn.WriteJSON(msg); err != nil {
		return ai.Recoverable(err, "cartesia: write failed")
	}
	return nil
}

func (s *stream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	select {
	case <-s.done:
		return nil
	default:
	}
	msg := s.template
	msg.Transcript = ""
	msg.Continue = false
	if err := s.conn.WriteJSON(msg); err != nil {
		return ai.Recoverable(err, "cartesia: flush failed")
	}
	return nil
}

func (s *stream) Frames() <-chan audio.Frame {
	return s.frames
}

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.wg.Wait()
		s.framesOnce.Do(func() { close(s.frames) })
	})
	return nil
}

// finish records the terminal error and closes the frame channel.
func (s *stream) finish(err error) {
	if err != nil {
		s.errMu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.errMu.Unlock()
	}
	s.framesOnce.Do(func() { close(s.frames) })
}

// readLoop reassembles provider chunks into fixed 10 ms frames. Chunk sizes
// are arbitrary, so a carry buffer holds the tail between messages.
func (s *stream) readLoop() {
	defer s.wg.Done()

	frameBytes := s.sampleRate / 100 * 2
	var pending []byte
	var ts time.Duration

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.finish(nil)
			default:
				s.finish(ai.Recoverable(err, "cartesia: connection lost"))
			}
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				continue
			}
			pending = append(pending, pcm...)
			for len(pending) >= frameBytes {
				buf := make([]byte, frameBytes)
				copy(buf, pending)
				pending = pending[frameBytes:]
				frame, err := audio.NewFrame(buf, s.sampleRate, 1, ts)
				if err != nil {
					continue
				}
				ts += audio.FrameDuration
				select {
				case s.frames <- frame:
				case <-s.done:
					s.finish(nil)
					return
				}
			}
		case "done":
			if len(pending) > 0 {
				tail := make([]byte, frameBytes)
				copy(tail, pending)
				if frame, err := audio.NewFrame(tail, s.sampleRate, 1, ts); err == nil {
					select {
					case s.frames <- frame:
					case <-s.done:
					}
				}
			}
			s.finish(nil)
			return
		case "error":
			s.finish(ai.Recoverable(errors.New(resp.Error), "cartesia: synthesis failed"))
			return
		}
	}
}
