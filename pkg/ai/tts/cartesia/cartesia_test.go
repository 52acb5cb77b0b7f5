package cartesia

import (
	"testing"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/pkg/ai/tts"
)

func TestNewRequiresAPIKey(t *testing.T) {
	is := is.New(t)

	_, err := New("")
	is.True(err != nil)

	p, err := New("key", WithModel("sonic-turbo"), WithVoice("v-123"))
	is.NoErr(err)
	is.Equal(p.model, "sonic-turbo")
	is.Equal(p.voice, "v-123")
}

func TestBuildRequestDefaults(t *testing.T) {
	is := is.New(t)

	req := buildRequest(tts.Config{Model: "sonic-2", Voice: "v-123", Language: "en", SampleRate: 16000}, tts.Params{})
	is.Equal(req.ModelID, "sonic-2")
	is.Equal(req.Voice.Mode, "id")
	is.Equal(req.Voice.ID, "v-123")
	is.True(req.Voice.Controls == nil) // neutral params carry no controls
	is.Equal(req.OutputFormat.Encoding, "pcm_s16le")
	is.Equal(req.OutputFormat.SampleRate, 16000)
	is.True(req.ContextID != "")
}

func TestBuildRequestControls(t *testing.T) {
	is := is.New(t)

	params := tts.Params{
		Speed: 1.4,
		Emotions: []tts.Emotion{
			{Kind: "positivity", Intensity: 0.9},
			{Kind: "curiosity", Intensity: 0.55},
			{Kind: "sadness", Intensity: 0.2},
			{Kind: "anger", Intensity: 0.05},
		},
	}
	req := buildRequest(tts.Config{Voice: "v-123", SampleRate: 16000}, params)
	is.True(req.Voice.Controls != nil)
	is.True(req.Voice.Controls.Speed > 0.99) // 1.4x rate maps to the top of the scale
	is.Equal(req.Voice.Controls.Emotion, []string{"positivity:high", "curiosity", "sadness:low"})
}

func TestControlSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.7, -1.0},
		{0.85, -0.5},
		{1.0, 0.0},
		{1.2, 0.5},
		{1.4, 1.0},
		{0.5, -1.0}, // below range clamps
		{2.0, 1.0},  // above range clamps
	}
	for _, tt := range tests {
		got := controlSpeed(tt.in)
		if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("controlSpeed(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
