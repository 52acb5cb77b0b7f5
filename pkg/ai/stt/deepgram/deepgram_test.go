package deepgram

import (
	"net/url"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/callforge/voiceagent/pkg/ai/stt"
)

func TestNewRequiresAPIKey(t *testing.T) {
	is := is.New(t)

	_, err := New("")
	is.True(err != nil)

	p, err := New("dg-key", WithModel("nova-3"), WithLanguage("de"))
	is.NoErr(err)
	is.Equal(p.model, "nova-3")
	is.Equal(p.language, "de")
}

func TestBuildURL(t *testing.T) {
	is := is.New(t)

	p, err := New("dg-key")
	is.NoErr(err)

	raw, err := p.buildURL(stt.Config{
		SampleRate:  16000,
		NumChannels: 1,
		Endpointing: 300 * time.Millisecond,
	})
	is.NoErr(err)

	u, err := url.Parse(raw)
	is.NoErr(err)
	q := u.Query()
	is.Equal(q.Get("model"), "nova-2") // provider default applies
	is.Equal(q.Get("language"), "en")
	is.Equal(q.Get("encoding"), "linear16")
	is.Equal(q.Get("sample_rate"), "16000")
	is.Equal(q.Get("channels"), "1")
	is.Equal(q.Get("interim_results"), "true")
	is.Equal(q.Get("endpointing"), "300")
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantOK   bool
		wantType stt.EventType
		wantText string
	}{
		{
			name:     "final transcript",
			payload:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"yes I'll be there","confidence":0.98}]}}`,
			wantOK:   true,
			wantType: stt.EventFinal,
			wantText: "yes I'll be there",
		},
		{
			name:     "interim transcript",
			payload:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"yes I","confidence":0.5}]}}`,
			wantOK:   true,
			wantType: stt.EventPartial,
			wantText: "yes I",
		},
		{
			name:    "empty interim skipped",
			payload: `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
			wantOK:  false,
		},
		{
			name:     "empty final kept",
			payload:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
			wantOK:   true,
			wantType: stt.EventFinal,
			wantText: "",
		},
		{
			name:    "metadata message ignored",
			payload: `{"type":"Metadata","request_id":"abc"}`,
			wantOK:  false,
		},
		{
			name:    "garbage ignored",
			payload: `not json`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := parseResult([]byte(tt.payload))
			if ok != tt.wantOK {
				t.Fatalf("parseResult ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType {
				t.Errorf("type = %v, want %v", ev.Type, tt.wantType)
			}
			if ev.Text != tt.wantText {
				t.Errorf("text = %q, want %q", ev.Text, tt.wantText)
			}
		})
	}
}
