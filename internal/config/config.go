// Package config gathers process configuration from the environment and an
// optional YAML agent-config registry. Everything is parsed once in main and
// injected; no package reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for tunables the environment leaves unset.
const (
	DefaultEndpointing     = 300 * time.Millisecond
	DefaultFinalDebounce   = 200 * time.Millisecond
	DefaultLLMTimeout      = 30 * time.Second
	DefaultTTSTimeout      = 5 * time.Second
	DefaultToolGrace       = 2 * time.Second
	DefaultShutdownGrace   = 5 * time.Second
	DefaultAdaptRateLimit  = 2 * time.Second
	DefaultAdaptMemory     = 20
	DefaultMaxJobs         = 8
	DefaultLLMModel        = "gpt-4o-mini"
	DefaultVADProvider     = "energy"
	DefaultSTTModel        = "nova-2"
	DefaultSTTLanguage     = "en"
	DefaultTTSModel        = "sonic-2"
	DefaultInstructions    = "You are a helpful voice assistant on a phone call. Keep replies short and conversational."
)

// Config is the full process configuration.
type Config struct {
	// Control plane.
	LiveKitURL    string
	LiveKitKey    string
	LiveKitSecret string

	// Outbound calling.
	SIPTrunkID string

	// Worker identity.
	AgentName         string
	MaxConcurrentJobs int

	// Provider credentials.
	DeepgramAPIKey string
	OpenAIAPIKey   string
	CartesiaAPIKey string

	// Agent behavior.
	Instructions    string
	AgentConfigPath string
	CallTimeLimit   time.Duration

	STT   STTSpec
	LLM   LLMSpec
	TTS   TTSSpec
	VAD   VADSpec
	Adapt AdaptSpec

	// Logging.
	LogLevel  string
	LogFormat string
}

// STTSpec tunes speech recognition.
type STTSpec struct {
	Model       string
	Language    string
	Endpointing time.Duration
}

// LLMSpec tunes inference.
type LLMSpec struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// TTSSpec tunes synthesis.
type TTSSpec struct {
	Model string
	Voice string
}

// VADSpec selects and tunes voice-activity detection. Zero tuning fields
// take the adapter's defaults.
type VADSpec struct {
	// Provider is "energy" or "silero".
	Provider   string
	Threshold  float64
	MinSpeech  time.Duration
	MinSilence time.Duration
	// ModelPath locates the silero ONNX model; empty falls back to the
	// SILERO_VAD_MODEL environment variable.
	ModelPath string
}

// AdaptSpec tunes voice adaptation.
type AdaptSpec struct {
	Enabled     bool
	RateLimit   time.Duration
	MemoryLimit int
}

// FromEnv builds a Config from the process environment. Missing required
// variables are reported joined, so the operator sees every problem at once.
func FromEnv() (Config, error) {
	cfg := Config{
		LiveKitURL:        os.Getenv("LIVEKIT_URL"),
		LiveKitKey:        os.Getenv("LIVEKIT_API_KEY"),
		LiveKitSecret:     os.Getenv("LIVEKIT_API_SECRET"),
		SIPTrunkID:        os.Getenv("SIP_OUTBOUND_TRUNK_ID"),
		AgentName:         envOr("AGENT_NAME", "voiceagent"),
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		CartesiaAPIKey:    os.Getenv("CARTESIA_API_KEY"),
		Instructions:      envOr("DEFAULT_AGENT_INSTRUCTIONS", DefaultInstructions),
		AgentConfigPath:   os.Getenv("AGENT_CONFIG_PATH"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		MaxConcurrentJobs: DefaultMaxJobs,
		STT: STTSpec{
			Model:       envOr("STT_MODEL", DefaultSTTModel),
			Language:    envOr("STT_LANGUAGE", DefaultSTTLanguage),
			Endpointing: DefaultEndpointing,
		},
		LLM: LLMSpec{
			Model:   envOr("LLM_MODEL", DefaultLLMModel),
			Timeout: DefaultLLMTimeout,
		},
		TTS: TTSSpec{
			Model: envOr("TTS_MODEL", DefaultTTSModel),
			Voice: os.Getenv("TTS_VOICE_ID"),
		},
		VAD: VADSpec{
			Provider:  envOr("VAD_PROVIDER", DefaultVADProvider),
			ModelPath: os.Getenv("SILERO_VAD_MODEL"),
		},
		Adapt: AdaptSpec{
			RateLimit:   DefaultAdaptRateLimit,
			MemoryLimit: DefaultAdaptMemory,
		},
	}

	var errs []error

	if v := os.Getenv("STT_ENDPOINTING_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			errs = append(errs, fmt.Errorf("config: STT_ENDPOINTING_MS %q is not a duration in ms", v))
		} else {
			cfg.STT.Endpointing = clampEndpointing(time.Duration(ms) * time.Millisecond)
		}
	}
	if cfg.VAD.Provider != "energy" && cfg.VAD.Provider != "silero" {
		errs = append(errs, fmt.Errorf("config: VAD_PROVIDER %q is not one of energy, silero", cfg.VAD.Provider))
	}
	if v := os.Getenv("VAD_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("config: VAD_THRESHOLD %q out of range [0, 1]", v))
		} else {
			cfg.VAD.Threshold = f
		}
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 2 {
			errs = append(errs, fmt.Errorf("config: LLM_TEMPERATURE %q out of range [0, 2]", v))
		} else {
			cfg.LLM.Temperature = float32(f)
		}
	}
	if v := os.Getenv("LLM_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			errs = append(errs, fmt.Errorf("config: LLM_TIMEOUT_MS %q is not a positive ms count", v))
		} else {
			cfg.LLM.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VOICE_ADAPTATION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: VOICE_ADAPTATION_ENABLED %q is not a bool", v))
		} else {
			cfg.Adapt.Enabled = b
		}
	}
	if v := os.Getenv("VOICE_ADAPTATION_RATE_LIMIT_S"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			errs = append(errs, fmt.Errorf("config: VOICE_ADAPTATION_RATE_LIMIT_S %q is not a positive number", v))
		} else {
			cfg.Adapt.RateLimit = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("VOICE_ADAPTATION_MEMORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("config: VOICE_ADAPTATION_MEMORY_LIMIT %q is not a positive integer", v))
		} else {
			cfg.Adapt.MemoryLimit = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("config: MAX_CONCURRENT_JOBS %q is not a positive integer", v))
		} else {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("CALL_TIME_LIMIT_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("config: CALL_TIME_LIMIT_S %q is not a second count", v))
		} else {
			cfg.CallTimeLimit = time.Duration(n) * time.Second
		}
	}

	if cfg.LiveKitURL == "" {
		errs = append(errs, errors.New("config: LIVEKIT_URL is required"))
	}
	if cfg.LiveKitKey == "" {
		errs = append(errs, errors.New("config: LIVEKIT_API_KEY is required"))
	}
	if cfg.LiveKitSecret == "" {
		errs = append(errs, errors.New("config: LIVEKIT_API_SECRET is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// clampEndpointing keeps the hangover within the supported band.
func clampEndpointing(d time.Duration) time.Duration {
	const lo, hi = 50 * time.Millisecond, 300 * time.Millisecond
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
