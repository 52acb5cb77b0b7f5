package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/callforge/voiceagent/internal/config"
	"github.com/callforge/voiceagent/internal/dialer"
	"github.com/callforge/voiceagent/internal/job"
	"github.com/callforge/voiceagent/internal/metrics"
	"github.com/callforge/voiceagent/internal/room"
	"github.com/callforge/voiceagent/internal/session"
	"github.com/callforge/voiceagent/internal/tools"
	"github.com/callforge/voiceagent/pkg/ai/llm"
	openaillm "github.com/callforge/voiceagent/pkg/ai/llm/openai"
	"github.com/callforge/voiceagent/pkg/ai/stt/deepgram"
	"github.com/callforge/voiceagent/pkg/ai/tts/cartesia"
	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/ai/vad/energy"
	"github.com/callforge/voiceagent/pkg/ai/vad/silero"
	"github.com/callforge/voiceagent/pkg/eou"
)

// eouBudget bounds one end-of-utterance inference. The scorer is advisory;
// a slow answer is worth less than a prompt turn end.
const eouBudget = 150 * time.Millisecond

// VoiceRunner turns a job assignment into a live call: dial the callee into
// the room, join the media leg, and drive the conversation session.
type VoiceRunner struct {
	cfg      config.Config
	registry *config.Registry
	dialer   *dialer.Dialer
	roomSvc  *lksdk.RoomServiceClient
	scorer   *eou.Scorer
	sink     chan metrics.Event
	logger   *slog.Logger
}

// NewVoiceRunner builds the shared per-process pieces: SIP and room service
// clients, the agent-config registry, the metrics drain, and the optional
// end-of-utterance scorer.
func NewVoiceRunner(cfg config.Config, registry *config.Registry, scorer *eou.Scorer, logger *slog.Logger) *VoiceRunner {
	r := &VoiceRunner{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer.New(lksdk.NewSIPClient(cfg.LiveKitURL, cfg.LiveKitKey, cfg.LiveKitSecret), logger),
		roomSvc:  lksdk.NewRoomServiceClient(cfg.LiveKitURL, cfg.LiveKitKey, cfg.LiveKitSecret),
		scorer:   scorer,
		sink:     make(chan metrics.Event, 256),
		logger:   logger,
	}
	go r.drainMetrics()
	return r
}

// RunJob executes one call end to end. It returns once the session has
// terminated and the room is torn down.
func (r *VoiceRunner) RunJob(ctx context.Context, j *job.Job) (job.CompletionReason, error) {
	logger := r.logger.With(slog.String("job_id", j.ID), slog.String("room", j.RoomName))

	agent, known := r.registry.Resolve(j.Metadata.AgentConfigID)
	if !known {
		logger.Warn("unknown agent config, using defaults",
			slog.String("agent_config_id", j.Metadata.AgentConfigID))
	}

	stt, err := deepgram.New(r.cfg.DeepgramAPIKey,
		deepgram.WithModel(agent.STT.Model),
		deepgram.WithLanguage(agent.STT.Language))
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("runner: stt provider: %w", err)
	}
	model, err := openaillm.New(r.cfg.OpenAIAPIKey, openaillm.WithModel(agent.LLM.Model))
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("runner: llm provider: %w", err)
	}
	tts, err := cartesia.New(r.cfg.CartesiaAPIKey,
		cartesia.WithModel(agent.TTS.Model),
		cartesia.WithVoice(agent.TTS.Voice))
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("runner: tts provider: %w", err)
	}
	detection, err := vadProvider(agent.VAD)
	if err != nil {
		return job.ReasonFatalError, fmt.Errorf("runner: vad provider: %w", err)
	}

	media, err := room.Connect(ctx, room.Config{
		URL:            r.cfg.LiveKitURL,
		Token:          j.Token,
		RemoteIdentity: dialer.ParticipantIdentity,
		Logger:         logger,
	})
	if err != nil {
		return job.ReasonFatalError, err
	}
	defer r.teardown(j.RoomName, media, logger)

	if _, err := r.dialer.Dial(ctx, r.cfg.SIPTrunkID, j.Metadata.PhoneNumber, j.RoomName); err != nil {
		return job.ReasonFatalError, err
	}
	if err := media.WaitForRemote(ctx); err != nil {
		return job.ReasonFatalError, fmt.Errorf("runner: callee never joined: %w", err)
	}

	sess, err := session.New(session.Config{
		ID:       j.ID,
		RoomName: j.RoomName,
		Agent:    agent,
		Info: tools.CallInfo{
			PhoneNumber:  j.Metadata.PhoneNumber,
			CustomerName: j.Metadata.CustomerName,
			TransferTo:   j.Metadata.TransferTo,
			CustomFields: j.Metadata.CustomFields,
		},
		STT:             stt,
		LLM:             model,
		TTS:             tts,
		VAD:             detection,
		Input:           media.InputFrames(),
		Output:          media.Playout(),
		ParticipantLeft: media.ParticipantLeft(),
		Telephony: &roomTelephony{
			dialer:   r.dialer,
			roomName: j.RoomName,
			identity: dialer.ParticipantIdentity,
		},
		Metrics:           r.sink,
		Logger:            logger,
		UnlikelyEndScore:  r.unlikelyEndScore(agent.STT.Language),
		UnlikelyThreshold: r.unlikelyEndThreshold(agent.STT.Language),
		FinalDebounce:     config.DefaultFinalDebounce,
		LLMTimeout:        agent.LLM.Timeout,
		TTSTimeout:        config.DefaultTTSTimeout,
		ToolGrace:         config.DefaultToolGrace,
		CallTimeLimit:     r.cfg.CallTimeLimit,
	})
	if err != nil {
		return job.ReasonFatalError, err
	}

	return sess.Run(ctx)
}

// teardown leaves and deletes the call room. Deletion hangs up the SIP leg
// if the callee is still connected.
func (r *VoiceRunner) teardown(roomName string, media *room.Session, logger *slog.Logger) {
	if err := media.Close(); err != nil {
		logger.Debug("media close", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.roomSvc.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName}); err != nil {
		logger.Warn("delete room", slog.String("error", err.Error()))
	}
}

// vadProvider selects the detection adapter named by the profile.
func vadProvider(spec config.VADSpec) (vad.VAD, error) {
	switch spec.Provider {
	case "", "energy":
		return energy.New(), nil
	case "silero":
		return silero.New(spec.ModelPath), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", spec.Provider)
	}
}

// unlikelyEndScore adapts the scorer to the turn detector's hook. The model
// reports the probability the turn is complete; the detector scores how
// unfinished the utterance looks, so the hook inverts it. Nil when no model
// is loaded or the language is unsupported.
func (r *VoiceRunner) unlikelyEndScore(language string) func(string) (float64, bool) {
	if r.scorer == nil || !r.scorer.SupportsLanguage(language) {
		return nil
	}
	return func(text string) (float64, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), eouBudget)
		defer cancel()
		p, err := r.scorer.Probability(ctx, []llm.Message{{Role: llm.RoleUser, Content: text}})
		if err != nil {
			return 0, false
		}
		return 1 - p, true
	}
}

// unlikelyEndThreshold maps the per-language completion cutoff into the
// detector's unfinished-score space. Zero leaves the detector's default in
// place.
func (r *VoiceRunner) unlikelyEndThreshold(language string) float64 {
	if r.scorer == nil {
		return 0
	}
	threshold, err := r.scorer.UnlikelyThreshold(language)
	if err != nil {
		return 0
	}
	return 1 - threshold
}

// drainMetrics logs session and turn events. The sink is shared by every
// session this runner starts.
func (r *VoiceRunner) drainMetrics() {
	for ev := range r.sink {
		switch ev.Type {
		case metrics.EventSessionStarted:
			r.logger.Info("session started", slog.String("session_id", ev.SessionID))
		case metrics.EventSessionEnded:
			r.logger.Info("session ended",
				slog.String("session_id", ev.SessionID),
				slog.String("reason", ev.Ended.Reason),
				slog.Duration("duration", ev.Ended.Duration),
				slog.Int("turns", ev.Ended.TurnCount))
		case metrics.EventTurn:
			t := ev.Turn
			r.logger.Info("turn completed",
				slog.String("session_id", ev.SessionID),
				slog.String("speech_id", t.SpeechID),
				slog.Bool("interrupted", t.Interrupted),
				slog.String("error", string(t.Error)),
				slog.Int64("total_latency_ms", t.TotalLatencyMs))
		}
	}
}

// roomTelephony routes tool-initiated transfers through the dialer.
type roomTelephony struct {
	dialer   *dialer.Dialer
	roomName string
	identity string
}

func (t *roomTelephony) Transfer(ctx context.Context, transferTo string) error {
	return t.dialer.Transfer(ctx, t.roomName, t.identity, transferTo)
}
