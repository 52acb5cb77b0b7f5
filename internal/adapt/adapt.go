// Package adapt derives per-turn voice delivery parameters from lightweight
// text analysis. It is advisory: every decision is a valid TTS parameter
// vector and the session falls back to defaults when adaptation is disabled.
package adapt

import (
	"strings"
	"sync"
	"time"

	"github.com/callforge/voiceagent/pkg/ai/tts"
)

// Stage is the conversation phase a decision applies to.
type Stage string

const (
	StageGreeting     Stage = "greeting"
	StageConversation Stage = "conversation"
	StageAppAction    Stage = "appAction"
	StageEndCall      Stage = "endCall"
)

const (
	// speed clamp for the parameter vector
	minSpeed = 0.7
	maxSpeed = 1.4

	// pre-speech delay clamp
	minDelay = 10 * time.Millisecond
	maxDelay = 100 * time.Millisecond

	defaultRateLimit   = 2 * time.Second
	defaultMemoryLimit = 20
	// defaultNewWeight is the share of the fresh analysis in the history
	// blend; the rest comes from the moving average.
	defaultNewWeight = 0.3

	smoothingWindow = 5
)

// Emotion dimension names emitted in decisions.
const (
	EmotionPositivity = "positivity"
	EmotionEmpathy    = "empathy"
	EmotionCuriosity  = "curiosity"
	EmotionCalmness   = "calmness"
)

var (
	positiveWords = []string{"great", "good", "awesome", "perfect", "thanks", "thank you", "love", "excellent", "amazing"}
	negativeWords = []string{"bad", "terrible", "awful", "hate", "angry", "upset", "frustrated", "annoyed", "sad"}
	urgencyWords  = []string{"urgent", "asap", "now", "immediately", "right away", "soon"}
	questionLead  = []string{"who", "what", "when", "where", "why", "how"}
)

// Config tunes the engine.
type Config struct {
	Enabled bool
	// RateLimit is the minimum interval between applied updates.
	RateLimit time.Duration
	// MemoryLimit bounds the per-session analysis history.
	MemoryLimit int
	// NewWeight is the share of the fresh value in the history blend.
	NewWeight float64
}

// Analysis summarizes one utterance.
type Analysis struct {
	Sentiment  float64 // [-1, 1]
	Urgency    float64 // [0, 1]
	Complexity float64 // [0, 1]
	Energy     float64 // [0, 1]
	Question   bool
	Tokens     int
}

// Decision is the parameter vector for the next agent utterance.
type Decision struct {
	Stage    Stage
	Params   tts.Params
	Analysis Analysis
}

// DefaultDecision is what the session uses when adaptation is off or has not
// produced anything yet.
func DefaultDecision(stage Stage) Decision {
	return Decision{
		Stage: stage,
		Params: tts.Params{
			Speed:          1.0,
			PreSpeechDelay: 20 * time.Millisecond,
		},
	}
}

// Engine computes decisions with rate limiting and history mirroring.
// Safe for concurrent use, though sessions call it from one goroutine.
type Engine struct {
	cfg Config

	mu            sync.Mutex
	lastApplied   time.Time
	last          Decision
	hasLast       bool
	sentimentHist []float64
	energyHist    []float64

	now func() time.Time
}

// New creates an engine. Zero config fields take defaults.
func New(cfg Config) *Engine {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.NewWeight == 0 {
		cfg.NewWeight = defaultNewWeight
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// Decide returns the parameter vector for responding to text at the given
// stage. Within the rate-limit window the previous decision is returned
// unchanged; the skipped analysis still lands in the history so coalesced
// turns influence the next applied update.
func (e *Engine) Decide(text string, stage Stage) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	analysis := Analyze(text)

	if !e.cfg.Enabled {
		d := DefaultDecision(stage)
		d.Analysis = analysis
		return d
	}

	e.record(analysis)

	if e.hasLast && e.now().Sub(e.lastApplied) < e.cfg.RateLimit {
		d := e.last
		d.Stage = stage
		return d
	}

	// history mirror: lean on the moving average for continuity
	w := e.cfg.NewWeight
	analysis.Sentiment = w*analysis.Sentiment + (1-w)*smoothed(e.sentimentHist, analysis.Sentiment)
	analysis.Energy = w*analysis.Energy + (1-w)*smoothed(e.energyHist, analysis.Energy)

	d := Decision{
		Stage:    stage,
		Analysis: analysis,
		Params: tts.Params{
			Speed:          speedFor(analysis, stage),
			Emotions:       emotionsFor(analysis),
			PreSpeechDelay: delayFor(analysis, stage),
		},
	}
	e.last = d
	e.hasLast = true
	e.lastApplied = e.now()
	return d
}

func (e *Engine) record(a Analysis) {
	e.sentimentHist = append(e.sentimentHist, a.Sentiment)
	e.energyHist = append(e.energyHist, a.Energy)
	if len(e.sentimentHist) > e.cfg.MemoryLimit {
		e.sentimentHist = e.sentimentHist[1:]
	}
	if len(e.energyHist) > e.cfg.MemoryLimit {
		e.energyHist = e.energyHist[1:]
	}
}

func smoothed(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	recent := values
	if len(recent) > smoothingWindow {
		recent = recent[len(recent)-smoothingWindow:]
	}
	var sum float64
	for _, v := range recent {
		sum += v
	}
	return sum / float64(len(recent))
}

// Analyze scores one utterance with lexicon heuristics.
func Analyze(text string) Analysis {
	trimmed := strings.TrimSpace(text)
	tokens := len(strings.Fields(trimmed))
	if tokens == 0 {
		tokens = 1
	}
	lower := strings.ToLower(trimmed)

	question := strings.Contains(trimmed, "?")
	for _, q := range questionLead {
		if strings.HasPrefix(lower, q) {
			question = true
			break
		}
	}

	posHits := countHits(lower, positiveWords)
	negHits := countHits(lower, negativeWords)
	urgHits := countHits(lower, urgencyWords)

	var sentiment float64
	if posHits+negHits > 0 {
		sentiment = float64(posHits-negHits) / float64(posHits+negHits)
	}

	urgency := clamp(0.2*float64(urgHits), 0, 1)

	punctuation := 0
	for _, ch := range trimmed {
		if strings.ContainsRune(",;:.", ch) {
			punctuation++
		}
	}
	lengthScore := clamp(float64(tokens)/40.0, 0, 1)
	punctScore := clamp(float64(punctuation)/10.0, 0, 1)
	complexity := clamp(0.6*lengthScore+0.4*punctScore, 0, 1)

	exclaim := strings.Count(trimmed, "!")
	var upper, letters int
	for _, ch := range trimmed {
		if ch >= 'A' && ch <= 'Z' {
			upper++
		}
		if ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z') {
			letters++
		}
	}
	if letters == 0 {
		letters = 1
	}
	capsRatio := float64(upper) / float64(letters)
	energy := clamp(0.15*float64(exclaim)+0.8*capsRatio+0.2*urgency, 0, 1)

	return Analysis{
		Sentiment:  clamp(sentiment, -1, 1),
		Urgency:    urgency,
		Complexity: complexity,
		Energy:     energy,
		Question:   question,
		Tokens:     tokens,
	}
}

func countHits(lower string, words []string) int {
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return hits
}

// speedFor maps analysis onto speaking rate: urgency and energy speed up,
// complexity slows down.
func speedFor(a Analysis, stage Stage) float64 {
	speed := 1.0
	speed += 0.15 * (a.Energy - 0.5)
	speed += 0.10 * (a.Urgency - 0.3)
	speed -= 0.20 * a.Complexity

	switch stage {
	case StageGreeting:
		speed += 0.05
	case StageAppAction:
		speed -= 0.05
	}
	return clamp(speed, minSpeed, maxSpeed)
}

func emotionsFor(a Analysis) []tts.Emotion {
	curiosity := 0.35
	if a.Question {
		curiosity = 0.55
	}
	return []tts.Emotion{
		{Kind: EmotionPositivity, Intensity: clamp((a.Sentiment+1.0)/2.0, 0, 1)},
		{Kind: EmotionEmpathy, Intensity: clamp(maxf(0, -a.Sentiment), 0, 1)},
		{Kind: EmotionCuriosity, Intensity: curiosity},
		{Kind: EmotionCalmness, Intensity: clamp(1.0-a.Energy*0.7, 0.2, 0.95)},
	}
}

// delayFor computes the pause before speaking: longer for complexity and
// negative sentiment, shorter under urgency.
func delayFor(a Analysis, stage Stage) time.Duration {
	delay := 0.02
	delay += 0.1 * a.Complexity
	delay += 0.05 * maxf(0, -a.Sentiment)
	delay -= 0.1 * a.Urgency

	switch stage {
	case StageGreeting:
		delay -= 0.01
	case StageAppAction:
		delay += 0.02
	}

	d := time.Duration(delay * float64(time.Second))
	if d < minDelay {
		return minDelay
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
