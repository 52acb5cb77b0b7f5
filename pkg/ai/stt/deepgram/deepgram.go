// Package deepgram implements the stt port over the Deepgram streaming
// WebSocket API (wss://api.deepgram.com/v1/listen).
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callforge/voiceagent/pkg/ai"
	"github.com/callforge/voiceagent/pkg/ai/stt"
	"github.com/callforge/voiceagent/pkg/audio"
)

const (
	endpoint        = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "en"

	// keepAliveInterval keeps the socket open through long user silences.
	keepAliveInterval = 5 * time.Second

	// inputQueueFrames bounds buffered audio (drop-oldest) at ~2s of 10ms frames.
	inputQueueFrames = 200
)

// Option configures the provider.
type Option func(*Provider)

// WithModel overrides the default recognition model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage overrides the default BCP-47 language code.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// Provider implements stt.STT backed by Deepgram.
type Provider struct {
	apiKey   string
	model    string
	language string
	dialer   *websocket.Dialer
}

var _ stt.STT = (*Provider)(nil)

// New creates a Deepgram provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key required")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities reports Deepgram streaming support.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:      true,
		InterimResults: true,
		Languages:      []string{"en", "es", "fr", "de", "pt", "nl", "hi", "ja"},
		SampleRates:    []int{8000, 16000, 24000, 48000},
	}
}

// Open dials the streaming endpoint and starts the read/write loops.
func (p *Provider) Open(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ai.Fatal(err, "deepgram: authentication rejected")
		}
		return nil, ai.Recoverable(err, "deepgram: dial failed")
	}

	s := &stream{
		conn:   conn,
		input:  audio.NewFrameQueue(inputQueueFrames),
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop(ctx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	channels := cfg.NumChannels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(cfg.Endpointing.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// result is the Deepgram Results message shape, reduced to what we consume.
type result struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn   *websocket.Conn
	input  *audio.FrameQueue
	events chan stt.Event

	done      chan struct{}
	closeOnce sync.Once
	sendOnce  sync.Once
	wg        sync.WaitGroup
}

var _ stt.Stream = (*stream)(nil)

func (s *stream) Push(frame audio.Frame) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream closed")
	default:
	}
	s.input.Push(frame)
	return nil
}

func (s *stream) Events() <-chan stt.Event { return s.events }

// CloseSend flushes buffered audio and asks Deepgram to finalize.
func (s *stream) CloseSend() error {
	s.sendOnce.Do(func() {
		s.input.Close()
	})
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.input.Close()
		s.input.Flush()
		// Best effort: tell Deepgram to flush before tearing the socket down.
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		_ = s.conn.Close()
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued frames as binary messages and keeps the socket
// alive during silence. It sends CloseStream once the input queue drains
// after CloseSend.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	closing := false
	for {
		for {
			frame, ok := s.input.Pop()
			if !ok {
				break
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				return
			}
		}
		if closing {
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.input.Wait():
		case <-keepAlive.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}

		// A closed, empty queue means CloseSend was called and all audio is out.
		if s.input.Closed() && s.input.Len() == 0 {
			closing = true
		}
	}
}

// readLoop parses Results messages into transcript events.
func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done: // deliberate close, not an error
			default:
				s.emit(stt.Event{Type: stt.EventError, At: time.Now(), Err: ai.Recoverable(err, "deepgram: read failed")})
			}
			return
		}

		ev, ok := parseResult(msg)
		if !ok {
			continue
		}
		s.emit(ev)
	}
}

func (s *stream) emit(ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// parseResult converts a raw Deepgram message into an stt.Event.
// Messages that are not Results, or carry an empty transcript on an interim
// result, are skipped.
func parseResult(data []byte) (stt.Event, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Event{}, false
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}
	text := r.Channel.Alternatives[0].Transcript
	if text == "" && !r.IsFinal {
		return stt.Event{}, false
	}
	typ := stt.EventPartial
	if r.IsFinal {
		typ = stt.EventFinal
	}
	return stt.Event{Type: typ, Text: text, At: time.Now()}, true
}
