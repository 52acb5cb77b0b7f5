package audio

import (
	"testing"

	"github.com/matryer/is"
)

func TestFrameQueueDropsOldestWhenFull(t *testing.T) {
	is := is.New(t)

	q := NewFrameQueue(2)
	f1 := SilentFrame(16000, 10)
	f2 := SilentFrame(16000, 20)
	f3 := SilentFrame(16000, 30)

	is.True(q.Push(f1))
	is.True(q.Push(f2))
	is.True(q.Push(f3)) // evicts f1

	is.Equal(q.Len(), 2)
	is.Equal(q.Dropped(), uint64(1))

	got, ok := q.Pop()
	is.True(ok)
	is.Equal(got.Timestamp, f2.Timestamp) // oldest survivor first

	got, ok = q.Pop()
	is.True(ok)
	is.Equal(got.Timestamp, f3.Timestamp)

	_, ok = q.Pop()
	is.True(!ok) // empty
}

func TestFrameQueueCloseRejectsPushes(t *testing.T) {
	is := is.New(t)

	q := NewFrameQueue(4)
	is.True(q.Push(SilentFrame(16000, 0)))
	q.Close()
	is.True(!q.Push(SilentFrame(16000, 10)))

	// Remaining frames still drain after close.
	_, ok := q.Pop()
	is.True(ok)
}

func TestFrameQueueWaitSignals(t *testing.T) {
	is := is.New(t)

	q := NewFrameQueue(4)
	q.Push(SilentFrame(16000, 0))

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending wait signal after push")
	}

	_, ok := q.Pop()
	is.True(ok)
}

func TestFrameQueueFlush(t *testing.T) {
	is := is.New(t)

	q := NewFrameQueue(8)
	for i := 0; i < 5; i++ {
		q.Push(SilentFrame(16000, 0))
	}
	q.Flush()
	is.Equal(q.Len(), 0)
}
