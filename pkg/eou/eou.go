// Package eou scores how likely the user has finished speaking, using a
// small ONNX transformer over the recent chat turns. The turn detector uses
// the score to stretch the endpointing window mid-sentence.
package eou

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/callforge/voiceagent/pkg/ai/llm"
	"github.com/callforge/voiceagent/pkg/ai/onnx"
)

const (
	modelFileRel     = "onnx/model_q8.onnx"
	tokenizerFileRel = "tokenizer.json"
	languagesFileRel = "languages.json"

	// maxTokens is the model's context window; older turns are cut first.
	maxTokens = 128
	// maxMessages bounds how much history is formatted per inference.
	maxMessages = 6
)

// Scorer runs end-of-utterance inference. Model assets load lazily so
// construction is cheap and sessions without the feature never touch disk.
type Scorer struct {
	modelDir string

	sessionOnce sync.Once
	session     *ort.DynamicAdvancedSession
	sessionErr  error

	tokenizerOnce sync.Once
	tokenizer     *tokenizer.Tokenizer
	tokenizerErr  error

	languagesOnce sync.Once
	languages     map[string]float64
	languagesErr  error
}

// New creates a scorer reading assets from modelDir. An empty dir falls back
// to EOU_MODEL_DIR or ~/.voiceagent/models/eou.
func New(modelDir string) *Scorer {
	if modelDir == "" {
		modelDir = defaultModelDir()
	}
	return &Scorer{modelDir: modelDir}
}

func defaultModelDir() string {
	if p := os.Getenv("EOU_MODEL_DIR"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/voiceagent-models/eou"
	}
	return filepath.Join(home, ".voiceagent", "models", "eou")
}

// UnlikelyThreshold returns the tuned per-language threshold below which the
// turn is considered unfinished.
func (s *Scorer) UnlikelyThreshold(language string) (float64, error) {
	if err := s.loadLanguages(); err != nil {
		return 0, err
	}
	threshold, ok := s.languages[language]
	if !ok {
		return 0, fmt.Errorf("eou: unsupported language %q", language)
	}
	return threshold, nil
}

// SupportsLanguage reports whether a tuned threshold exists for language.
func (s *Scorer) SupportsLanguage(language string) bool {
	if err := s.loadLanguages(); err != nil {
		return false
	}
	_, ok := s.languages[language]
	return ok
}

// Probability returns the model's estimate in [0, 1] that the last user
// message completes a turn.
func (s *Scorer) Probability(ctx context.Context, messages []llm.Message) (float64, error) {
	if err := s.loadSession(); err != nil {
		return 0, err
	}
	if err := s.loadTokenizer(); err != nil {
		return 0, err
	}
	tokens, err := s.tokenize(messages)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0.5, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	return s.infer(tokens)
}

// Close destroys the session if it was loaded.
func (s *Scorer) Close() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

func (s *Scorer) loadSession() error {
	s.sessionOnce.Do(func() {
		modelFile := filepath.Join(s.modelDir, modelFileRel)
		if _, err := os.Stat(modelFile); err != nil {
			s.sessionErr = fmt.Errorf("eou: model file not found: %s", modelFile)
			return
		}
		if err := onnx.EnsureRuntime(); err != nil {
			s.sessionErr = fmt.Errorf("eou: onnx runtime init: %w", err)
			return
		}
		options, err := ort.NewSessionOptions()
		if err != nil {
			s.sessionErr = fmt.Errorf("eou: session options: %w", err)
			return
		}
		defer options.Destroy()
		if err := options.SetIntraOpNumThreads(1); err != nil {
			s.sessionErr = fmt.Errorf("eou: thread config: %w", err)
			return
		}
		s.session, err = ort.NewDynamicAdvancedSession(
			modelFile,
			[]string{"input_ids"},
			[]string{"prob"},
			options,
		)
		if err != nil {
			s.sessionErr = fmt.Errorf("eou: session load: %w", err)
		}
	})
	return s.sessionErr
}

func (s *Scorer) loadTokenizer() error {
	s.tokenizerOnce.Do(func() {
		tokenizerFile := filepath.Join(s.modelDir, tokenizerFileRel)
		if _, err := os.Stat(tokenizerFile); err != nil {
			s.tokenizerErr = fmt.Errorf("eou: tokenizer not found: %s", tokenizerFile)
			return
		}
		tk, err := pretrained.FromFile(tokenizerFile)
		if err != nil {
			s.tokenizerErr = fmt.Errorf("eou: tokenizer load: %w", err)
			return
		}
		s.tokenizer = tk
	})
	return s.tokenizerErr
}

func (s *Scorer) loadLanguages() error {
	s.languagesOnce.Do(func() {
		file, err := os.Open(filepath.Join(s.modelDir, languagesFileRel))
		if err != nil {
			s.languagesErr = fmt.Errorf("eou: languages.json: %w", err)
			return
		}
		defer file.Close()
		var cfg map[string]float64
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			s.languagesErr = fmt.Errorf("eou: languages.json decode: %w", err)
			return
		}
		s.languages = cfg
	})
	return s.languagesErr
}

func (s *Scorer) tokenize(messages []llm.Message) ([]int64, error) {
	encoding, err := s.tokenizer.EncodeSingle(formatChat(messages), false)
	if err != nil {
		return nil, fmt.Errorf("eou: tokenize: %w", err)
	}
	ids := encoding.GetIds()
	if len(ids) > maxTokens {
		ids = ids[len(ids)-maxTokens:]
	}
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out, nil
}

// formatChat renders messages with the model's chat template:
// <|im_start|><|role|>content<|im_end|>.
func formatChat(messages []llm.Message) string {
	recent := messages
	if len(recent) > maxMessages {
		recent = recent[len(recent)-maxMessages:]
	}
	var formatted string
	for _, msg := range recent {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		formatted += fmt.Sprintf("<|im_start|><|%s|>%s<|im_end|>", msg.Role, msg.Content)
	}
	return formatted
}

func (s *Scorer) infer(tokens []int64) (float64, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return 0, fmt.Errorf("eou: input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return 0, fmt.Errorf("eou: inference: %w", err)
	}
	defer outputs[0].Destroy()

	probOut, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || len(probOut.GetData()) == 0 {
		return 0, fmt.Errorf("eou: unexpected output tensor")
	}
	prob := float64(probOut.GetData()[0])
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob, nil
}
