package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Voicemail controls answering-machine behavior.
type Voicemail struct {
	// HangupImmediately skips leaving a message.
	HangupImmediately bool `yaml:"hangup_immediately"`
	// Message is spoken once onto the machine when hangup is not immediate.
	Message string `yaml:"message"`
}

// AgentConfig is the per-call behavior profile: system prompt, provider
// tuning, and the optional tools advertised to the model.
type AgentConfig struct {
	Instructions    string
	Greeting        string
	WaitForGreeting bool
	Voicemail       Voicemail

	STT   STTSpec
	LLM   LLMSpec
	TTS   TTSSpec
	VAD   VADSpec
	Adapt AdaptSpec

	// Tools names the optional tools enabled for this profile, beyond the
	// always-registered call-control built-ins.
	Tools []string
}

// profileYAML is the on-disk shape of one agent profile. Durations are plain
// millisecond counts so the registry stays editable without Go duration
// syntax.
type profileYAML struct {
	Instructions    string    `yaml:"instructions"`
	Greeting        string    `yaml:"greeting"`
	WaitForGreeting bool      `yaml:"wait_for_greeting"`
	Voicemail       Voicemail `yaml:"voicemail"`

	STT struct {
		Model         string `yaml:"model"`
		Language      string `yaml:"language"`
		EndpointingMS int    `yaml:"endpointing_ms"`
	} `yaml:"stt"`
	LLM struct {
		Model       string  `yaml:"model"`
		Temperature float32 `yaml:"temperature"`
		TimeoutMS   int     `yaml:"timeout_ms"`
	} `yaml:"llm"`
	TTS struct {
		Model string `yaml:"model"`
		Voice string `yaml:"voice"`
	} `yaml:"tts"`
	VAD struct {
		Provider     string  `yaml:"provider"`
		Threshold    float64 `yaml:"threshold"`
		MinSpeechMS  int     `yaml:"min_speech_ms"`
		MinSilenceMS int     `yaml:"min_silence_ms"`
		ModelPath    string  `yaml:"model_path"`
	} `yaml:"vad"`
	Adapt struct {
		Enabled     bool    `yaml:"enabled"`
		RateLimitS  float64 `yaml:"rate_limit_s"`
		MemoryLimit int     `yaml:"memory_limit"`
	} `yaml:"voice_adaptation"`

	Tools []string `yaml:"tools"`
}

// Registry holds named agent configs loaded from YAML, plus the default
// profile derived from the process config.
type Registry struct {
	defaults AgentConfig
	profiles map[string]AgentConfig
}

// DefaultAgentConfig derives the fallback profile from process config.
func DefaultAgentConfig(cfg Config) AgentConfig {
	return AgentConfig{
		Instructions: cfg.Instructions,
		STT:          cfg.STT,
		LLM:          cfg.LLM,
		TTS:          cfg.TTS,
		VAD:          cfg.VAD,
		Adapt:        cfg.Adapt,
	}
}

// LoadRegistry reads the YAML registry at path. An empty path yields a
// registry that always answers with the defaults.
func LoadRegistry(path string, defaults AgentConfig) (*Registry, error) {
	r := &Registry{defaults: defaults, profiles: map[string]AgentConfig{}}
	if path == "" {
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open agent registry: %w", err)
	}
	defer f.Close()

	var doc struct {
		Agents map[string]profileYAML `yaml:"agents"`
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: decode agent registry %s: %w", path, err)
	}

	var errs []error
	for name, profile := range doc.Agents {
		if err := validateProfile(name, profile); err != nil {
			errs = append(errs, err)
			continue
		}
		r.profiles[name] = merged(defaults, profile)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the profile for id, falling back to the defaults when id is
// empty or unknown. ok is false only for an unknown non-empty id.
func (r *Registry) Resolve(id string) (AgentConfig, bool) {
	if id == "" {
		return r.defaults, true
	}
	profile, ok := r.profiles[id]
	if !ok {
		return r.defaults, false
	}
	return profile, true
}

// Defaults returns the fallback profile.
func (r *Registry) Defaults() AgentConfig { return r.defaults }

func validateProfile(name string, p profileYAML) error {
	var errs []error
	if p.LLM.Temperature < 0 || p.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("config: agent %q: llm temperature %v out of range [0, 2]", name, p.LLM.Temperature))
	}
	if p.STT.EndpointingMS < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative stt endpointing_ms", name))
	}
	if p.LLM.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative llm timeout_ms", name))
	}
	if p.VAD.Provider != "" && p.VAD.Provider != "energy" && p.VAD.Provider != "silero" {
		errs = append(errs, fmt.Errorf("config: agent %q: vad provider %q is not one of energy, silero", name, p.VAD.Provider))
	}
	if p.VAD.Threshold < 0 || p.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("config: agent %q: vad threshold %v out of range [0, 1]", name, p.VAD.Threshold))
	}
	if p.VAD.MinSpeechMS < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative vad min_speech_ms", name))
	}
	if p.VAD.MinSilenceMS < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative vad min_silence_ms", name))
	}
	if p.Adapt.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative adaptation memory_limit", name))
	}
	if p.Adapt.RateLimitS < 0 {
		errs = append(errs, fmt.Errorf("config: agent %q: negative adaptation rate_limit_s", name))
	}
	return errors.Join(errs...)
}

// merged overlays the profile's set fields on the defaults.
func merged(base AgentConfig, over profileYAML) AgentConfig {
	out := base
	if over.Instructions != "" {
		out.Instructions = over.Instructions
	}
	out.Greeting = over.Greeting
	out.WaitForGreeting = over.WaitForGreeting
	out.Voicemail = over.Voicemail
	if over.STT.Model != "" {
		out.STT.Model = over.STT.Model
	}
	if over.STT.Language != "" {
		out.STT.Language = over.STT.Language
	}
	if over.STT.EndpointingMS != 0 {
		out.STT.Endpointing = clampEndpointing(time.Duration(over.STT.EndpointingMS) * time.Millisecond)
	}
	if over.LLM.Model != "" {
		out.LLM.Model = over.LLM.Model
	}
	if over.LLM.Temperature != 0 {
		out.LLM.Temperature = over.LLM.Temperature
	}
	if over.LLM.TimeoutMS != 0 {
		out.LLM.Timeout = time.Duration(over.LLM.TimeoutMS) * time.Millisecond
	}
	if over.TTS.Model != "" {
		out.TTS.Model = over.TTS.Model
	}
	if over.TTS.Voice != "" {
		out.TTS.Voice = over.TTS.Voice
	}
	if over.VAD.Provider != "" {
		out.VAD.Provider = over.VAD.Provider
	}
	if over.VAD.Threshold != 0 {
		out.VAD.Threshold = over.VAD.Threshold
	}
	if over.VAD.MinSpeechMS != 0 {
		out.VAD.MinSpeech = time.Duration(over.VAD.MinSpeechMS) * time.Millisecond
	}
	if over.VAD.MinSilenceMS != 0 {
		out.VAD.MinSilence = time.Duration(over.VAD.MinSilenceMS) * time.Millisecond
	}
	if over.VAD.ModelPath != "" {
		out.VAD.ModelPath = over.VAD.ModelPath
	}
	if over.Adapt.Enabled {
		out.Adapt.Enabled = true
	}
	if over.Adapt.RateLimitS != 0 {
		out.Adapt.RateLimit = time.Duration(over.Adapt.RateLimitS * float64(time.Second))
	}
	if over.Adapt.MemoryLimit != 0 {
		out.Adapt.MemoryLimit = over.Adapt.MemoryLimit
	}
	if len(over.Tools) > 0 {
		out.Tools = append([]string(nil), over.Tools...)
	}
	return out
}
