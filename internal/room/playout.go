package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/audio"
)

// FrameWriter receives paced PCM frames headed for the room. Implemented by
// the publishing side of a Session; tests substitute a recorder.
type FrameWriter interface {
	WriteFrame(frame audio.Frame) error
}

// maxQueuedFrames bounds the playout backlog (~30s of audio). TTS runs well
// ahead of real time, so long utterances pile up here rather than in the
// provider stream.
const maxQueuedFrames = 3000

// Playout paces synthesized audio into the room at real time, tracking how
// much of the current utterance has actually been spoken so barge-in can
// truncate the assistant message to what the caller heard.
type Playout struct {
	logger *slog.Logger
	writer FrameWriter

	mu        sync.Mutex
	queue     []audio.Frame
	spoken    time.Duration
	finishing bool
	drained   chan struct{}
	signalled bool
	closed    bool
}

// NewPlayout creates a playout engine and starts its pacing goroutine, which
// runs until ctx is cancelled.
func NewPlayout(ctx context.Context, writer FrameWriter, logger *slog.Logger) *Playout {
	p := &Playout{
		logger:  logger,
		writer:  writer,
		drained: closedChan(),
	}
	go p.run(ctx)
	return p
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Begin opens a new utterance: resets the spoken counter and arms the
// drained signal.
func (p *Playout) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
	p.spoken = 0
	p.finishing = false
	p.drained = make(chan struct{})
	p.signalled = false
}

// Play enqueues one frame of the current utterance. Frames beyond the
// backlog cap are dropped with a log line; in practice the cap is never hit
// by conversational replies.
func (p *Playout) Play(frame audio.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.signalled {
		return
	}
	if len(p.queue) >= maxQueuedFrames {
		p.logger.Warn("playout backlog full, dropping frame")
		return
	}
	p.queue = append(p.queue, frame)
}

// Finish marks the utterance complete. Drained fires once the backlog has
// been played out.
func (p *Playout) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishing = true
	if len(p.queue) == 0 {
		p.signalLocked()
	}
}

// Flush drops all queued audio immediately. Used on barge-in; output ceases
// within one frame interval.
func (p *Playout) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
	p.signalLocked()
}

// Spoken reports how much of the current utterance has been written to the
// room.
func (p *Playout) Spoken() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spoken
}

// Drained returns a channel that closes when the current utterance has fully
// played out or been flushed.
func (p *Playout) Drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drained
}

func (p *Playout) signalLocked() {
	if !p.signalled {
		p.signalled = true
		close(p.drained)
	}
}

func (p *Playout) run(ctx context.Context) {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			p.queue = nil
			p.signalLocked()
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Playout) tick() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		if p.finishing {
			p.signalLocked()
		}
		p.mu.Unlock()
		return
	}
	frame := p.queue[0]
	copy(p.queue, p.queue[1:])
	p.queue = p.queue[:len(p.queue)-1]
	p.mu.Unlock()

	if err := p.writer.WriteFrame(frame); err != nil {
		p.logger.Warn("playout write failed", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	p.spoken += frame.Duration()
	if len(p.queue) == 0 && p.finishing {
		p.signalLocked()
	}
	p.mu.Unlock()
}
