package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/internal/config"
	"github.com/callforge/voiceagent/pkg/ai/vad/energy"
	"github.com/callforge/voiceagent/pkg/ai/vad/silero"
	"github.com/callforge/voiceagent/pkg/eou"
)

func TestVADProviderSelection(t *testing.T) {
	is := is.New(t)

	v, err := vadProvider(config.VADSpec{})
	is.NoErr(err)
	_, ok := v.(*energy.Detector)
	is.True(ok) // empty provider defaults to energy

	v, err = vadProvider(config.VADSpec{Provider: "silero", ModelPath: "/opt/models/silero_vad.onnx"})
	is.NoErr(err)
	_, ok = v.(*silero.Detector)
	is.True(ok)

	_, err = vadProvider(config.VADSpec{Provider: "webrtc"})
	is.True(err != nil)
}

func TestUnlikelyEndThresholdPerLanguage(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	is.NoErr(os.WriteFile(filepath.Join(dir, "languages.json"), []byte(`{"en": 0.25}`), 0o644))

	r := &VoiceRunner{scorer: eou.New(dir)}
	is.Equal(r.unlikelyEndThreshold("en"), 0.75) // completion cutoff inverted into unfinished space
	is.Equal(r.unlikelyEndThreshold("xx"), 0.0)  // unsupported language keeps the detector default

	noScorer := &VoiceRunner{}
	is.Equal(noScorer.unlikelyEndThreshold("en"), 0.0)
}
