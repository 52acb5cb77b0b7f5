package metrics

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestTurnLifecycle(t *testing.T) {
	is := is.New(t)

	sink := make(chan Event, 8)
	a := NewAggregator("sess-1", sink)

	a.SessionStarted()
	ev := <-sink
	is.Equal(ev.Type, EventSessionStarted)
	is.Equal(ev.SessionID, "sess-1")

	base := time.Now()
	a.OpenTurn("speech-1", "yes, I'll be there", base)
	a.LLMFirstToken(base.Add(200 * time.Millisecond))
	a.LLMDone(base.Add(600 * time.Millisecond))
	a.TTSFirstByte(base.Add(450 * time.Millisecond))
	a.TTSDone(base.Add(1200 * time.Millisecond))
	a.AssistantText("Great, see you Tuesday at 3pm.")
	a.CloseTurn(false, TurnErrorNone)

	ev = <-sink
	is.Equal(ev.Type, EventTurn)
	r := ev.Turn
	is.Equal(r.SpeechID, "speech-1")
	is.Equal(r.UserText, "yes, I'll be there")
	is.Equal(r.AssistantText, "Great, see you Tuesday at 3pm.")
	is.Equal(r.TotalLatencyMs, int64(450))
	is.True(!r.Interrupted)
	is.Equal(r.Error, TurnErrorNone)

	// timing order holds whenever all fields are set
	is.True(!r.STTFinalAt.After(r.LLMFirstTokenAt))
	is.True(!r.LLMFirstTokenAt.After(r.TTSFirstByteAt))
	is.True(!r.TTSFirstByteAt.After(r.TTSDoneAt))

	a.SessionEnded("normal")
	ev = <-sink
	is.Equal(ev.Type, EventSessionEnded)
	is.Equal(ev.Ended.Reason, "normal")
	is.Equal(ev.Ended.TurnCount, 1)
}

func TestInterruptedTurnStillEmitted(t *testing.T) {
	is := is.New(t)

	sink := make(chan Event, 4)
	a := NewAggregator("sess-2", sink)

	a.OpenTurn("speech-1", "tell me everything", time.Now())
	a.TTSFirstByte(time.Now())
	a.CloseTurn(true, TurnErrorNone)

	ev := <-sink
	is.True(ev.Turn.Interrupted)
}

func TestTimeoutTurnCarriesErrorAndNullLLMTimings(t *testing.T) {
	is := is.New(t)

	sink := make(chan Event, 4)
	a := NewAggregator("sess-3", sink)

	a.OpenTurn("speech-1", "hello?", time.Now())
	a.CloseTurn(false, TurnErrorLLMTimeout)

	ev := <-sink
	is.Equal(ev.Turn.Error, TurnErrorLLMTimeout)
	is.True(ev.Turn.LLMFirstTokenAt.IsZero())
	is.True(ev.Turn.TTSFirstByteAt.IsZero())
	is.Equal(ev.Turn.TotalLatencyMs, int64(0))
}

func TestIncompleteRecordNeverEmitted(t *testing.T) {
	is := is.New(t)

	sink := make(chan Event, 4)
	a := NewAggregator("sess-4", sink)

	a.OpenTurn("speech-1", "first", time.Now())
	// a new turn opens before the old one closed; the old record is dropped
	a.OpenTurn("speech-2", "second", time.Now())
	a.CloseTurn(false, TurnErrorNone)
	a.CloseTurn(false, TurnErrorNone) // no open turn; no-op

	ev := <-sink
	is.Equal(ev.Turn.SpeechID, "speech-2")
	select {
	case ev := <-sink:
		t.Fatalf("unexpected extra emission: %+v", ev)
	default:
	}
	is.Equal(a.TurnCount(), 1)
}

func TestStampWithoutOpenTurnIsNoOp(t *testing.T) {
	a := NewAggregator("sess-5", nil)
	a.LLMFirstToken(time.Now())
	a.TTSDone(time.Now())
	a.CloseTurn(false, TurnErrorNone)
	if a.TurnOpen() {
		t.Fatal("no turn should be open")
	}
}

func TestFullSinkDropsInsteadOfBlocking(t *testing.T) {
	is := is.New(t)

	sink := make(chan Event) // unbuffered, never drained
	a := NewAggregator("sess-6", sink)

	done := make(chan struct{})
	go func() {
		a.OpenTurn("speech-1", "x", time.Now())
		a.CloseTurn(false, TurnErrorNone)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CloseTurn blocked on a full sink")
	}
	is.Equal(a.TurnCount(), 1)
}
