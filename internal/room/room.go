// Package room handles per-call media: joining the call room, decoding the
// remote SIP participant's audio into the pipeline's 16 kHz mono frames, and
// publishing the agent's synthesized voice back as an opus track.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/callforge/voiceagent/pkg/audio"
)

const (
	// roomRate is the opus clock rate both directions use on the wire.
	roomRate = 48000
	// pipelineRate is what STT and VAD consume.
	pipelineRate = 16000

	// inputQueueFrames bounds buffered caller audio (~2s); oldest frames
	// drop first when the pipeline stalls.
	inputQueueFrames = 200
)

// Config for joining one call room.
type Config struct {
	URL   string
	Token string
	// RemoteIdentity is the SIP participant the session is talking to.
	RemoteIdentity string
	Logger         *slog.Logger
}

// Session is the media leg of one call.
type Session struct {
	cfg    Config
	logger *slog.Logger

	room    *lksdk.Room
	track   *lksdk.LocalSampleTrack
	encoder *gopus.Encoder

	inputQueue *audio.FrameQueue
	input      chan audio.Frame

	remoteJoined chan struct{}
	remoteLeft   chan struct{}
	joinOnce     sync.Once
	leftOnce     sync.Once

	encMu    sync.Mutex
	pcm48    []int16 // accumulates upsampled samples until an opus frame fills
	playout  *Playout
	closeMu  sync.Mutex
	closed   bool
}

// Connect joins the room and publishes the agent's audio track. The remote
// participant usually joins later, once the dial completes; WaitForRemote
// blocks for it.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{
		cfg:          cfg,
		logger:       cfg.Logger,
		inputQueue:   audio.NewFrameQueue(inputQueueFrames),
		input:        make(chan audio.Frame, 32),
		remoteJoined: make(chan struct{}),
		remoteLeft:   make(chan struct{}),
	}

	enc, err := gopus.NewEncoder(roomRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("room: create opus encoder: %w", err)
	}
	s.encoder = enc

	cb := lksdk.NewRoomCallback()
	cb.OnParticipantConnected = s.onParticipantConnected
	cb.OnParticipantDisconnected = s.onParticipantDisconnected
	cb.OnDisconnected = s.onDisconnected
	cb.ParticipantCallback.OnTrackSubscribed = s.onTrackSubscribed

	room, err := lksdk.ConnectToRoomWithToken(cfg.URL, cfg.Token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("room: connect: %w", err)
	}
	s.room = room

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: roomRate,
		Channels:  1,
	})
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("room: create audio track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "agent-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("room: publish audio track: %w", err)
	}
	s.track = track

	// someone may already be in the room from a previous dial attempt
	for _, rp := range room.GetRemoteParticipants() {
		s.noteParticipant(rp.Identity())
	}

	s.playout = NewPlayout(ctx, s, cfg.Logger)
	go s.forwardInput(ctx)

	cfg.Logger.Info("joined room", slog.String("room", room.Name()))
	return s, nil
}

// WaitForRemote blocks until the SIP participant appears.
func (s *Session) WaitForRemote(ctx context.Context) error {
	select {
	case <-s.remoteJoined:
		return nil
	case <-s.remoteLeft:
		return fmt.Errorf("room: remote participant left before joining")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InputFrames returns the caller's audio: 16 kHz mono 10 ms frames, in
// order. The channel closes when the session closes.
func (s *Session) InputFrames() <-chan audio.Frame { return s.input }

// ParticipantLeft closes when the remote SIP participant disconnects.
func (s *Session) ParticipantLeft() <-chan struct{} { return s.remoteLeft }

// Playout returns the paced output engine.
func (s *Session) Playout() *Playout { return s.playout }

// Close leaves the room.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.inputQueue.Close()
	s.room.Disconnect()
	return nil
}

// WriteFrame implements FrameWriter: upsample the pipeline frame to the room
// rate, encode complete 20 ms opus frames, and hand them to the track.
func (s *Session) WriteFrame(frame audio.Frame) error {
	up, err := audio.UpsampleMono(frame.Samples(), frame.SampleRate, roomRate)
	if err != nil {
		return fmt.Errorf("room: upsample: %w", err)
	}

	s.encMu.Lock()
	defer s.encMu.Unlock()
	s.pcm48 = append(s.pcm48, up...)

	const opusFrame = roomRate / 50 // 20ms
	for len(s.pcm48) >= opusFrame {
		chunk := s.pcm48[:opusFrame]
		data, err := s.encoder.Encode(chunk, opusFrame, 4000)
		if err != nil {
			return fmt.Errorf("room: opus encode: %w", err)
		}
		s.pcm48 = s.pcm48[opusFrame:]
		if err := s.track.WriteSample(media.Sample{
			Data:     data,
			Duration: 20 * time.Millisecond,
		}, nil); err != nil {
			return fmt.Errorf("room: write sample: %w", err)
		}
	}
	return nil
}

func (s *Session) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	s.noteParticipant(rp.Identity())
}

func (s *Session) noteParticipant(identity string) {
	if identity != s.cfg.RemoteIdentity {
		return
	}
	s.joinOnce.Do(func() {
		s.logger.Info("remote participant joined", slog.String("identity", identity))
		close(s.remoteJoined)
	})
}

func (s *Session) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	if rp.Identity() != s.cfg.RemoteIdentity {
		return
	}
	s.leftOnce.Do(func() {
		s.logger.Info("remote participant left", slog.String("identity", rp.Identity()))
		close(s.remoteLeft)
	})
}

func (s *Session) onDisconnected() {
	s.leftOnce.Do(func() {
		s.logger.Info("room disconnected")
		close(s.remoteLeft)
	})
}

func (s *Session) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if rp.Identity() != s.cfg.RemoteIdentity || track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	s.logger.Debug("subscribed to caller audio", slog.String("identity", rp.Identity()))
	go s.readRemote(track)
}

// readRemote decodes the caller's opus into pipeline frames. RTP arrives in
// order from the SFU; each packet carries one 20 ms opus frame.
func (s *Session) readRemote(track *webrtc.TrackRemote) {
	dec, err := gopus.NewDecoder(roomRate, 1)
	if err != nil {
		s.logger.Error("create opus decoder", slog.String("error", err.Error()))
		return
	}

	var ts time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			// track ended; participant-left handling tears the rest down
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload, roomRate/50, false)
		if err != nil {
			s.logger.Debug("opus decode failed", slog.String("error", err.Error()))
			continue
		}
		down, err := audio.DownmixResample(pcm, roomRate, pipelineRate, 1)
		if err != nil {
			continue
		}

		// 20ms of 16k mono = two pipeline frames
		const perFrame = pipelineRate / 100
		for off := 0; off+perFrame <= len(down); off += perFrame {
			frame, err := audio.FromSamples(down[off:off+perFrame], pipelineRate, 1, ts)
			if err != nil {
				continue
			}
			ts += audio.FrameDuration
			s.inputQueue.Push(frame)
		}
	}
}

// forwardInput drains the drop-oldest queue into the ordered channel the
// session consumes.
func (s *Session) forwardInput(ctx context.Context) {
	defer close(s.input)
	for {
		for {
			frame, ok := s.inputQueue.Pop()
			if !ok {
				break
			}
			select {
			case s.input <- frame:
			case <-ctx.Done():
				return
			}
		}
		if s.inputQueue.Closed() {
			return
		}
		select {
		case <-s.inputQueue.Wait():
		case <-ctx.Done():
			return
		}
	}
}
