package fake

import (
	"context"
	"testing"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/pkg/ai/vad"
	"github.com/callforge/voiceagent/pkg/audio"
)

func TestHandDrivenEvents(t *testing.T) {
	is := is.New(t)

	f := New()
	stream, err := f.Open(context.Background(), vad.Config{SampleRate: 16000})
	is.NoErr(err)

	fs := f.LastStream()
	fs.EmitVoiceStarted()
	fs.EmitVoiceStopped()

	ev := <-stream.Events()
	is.Equal(ev.Type, vad.EventVoiceStarted)
	ev = <-stream.Events()
	is.Equal(ev.Type, vad.EventVoiceStopped)

	is.NoErr(stream.Push(audio.SilentFrame(16000, 0)))
	is.Equal(fs.Frames(), 1)

	is.NoErr(stream.Close())
	is.NoErr(stream.Close())
	is.True(fs.Closed())
	fs.EmitVoiceStarted() // no panic after close

	err = stream.Push(audio.SilentFrame(16000, 0))
	is.True(err != nil)
}
