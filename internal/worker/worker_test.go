package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/matryer/is"
	"google.golang.org/protobuf/proto"

	"github.com/callforge/voiceagent/internal/job"
)

const validMetadata = `{"phone_number":"+14155550123","customer_name":"Jayden"}`

type fakeRunner struct {
	mu     sync.Mutex
	jobs   []*job.Job
	block  chan struct{}
	reason job.CompletionReason
	err    error
	panics bool
}

func (f *fakeRunner) RunJob(ctx context.Context, j *job.Job) (job.CompletionReason, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, j)
	block := f.block
	f.mu.Unlock()

	if f.panics {
		panic("session blew up")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return f.reason, f.err
}

func (f *fakeRunner) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// controlServer is a scripted control plane: it accepts agent connections
// and hands them to the test.
type controlServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newControlServer(t *testing.T) *controlServer {
	t.Helper()
	cs := &controlServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/agent") {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.conns <- conn
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *controlServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-cs.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker connection")
		return nil
	}
}

func readWorkerMessage(t *testing.T, conn *websocket.Conn) *livekit.WorkerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read worker message: %v", err)
	}
	var msg livekit.WorkerMessage
	if err := proto.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode worker message: %v", err)
	}
	return &msg
}

func writeServerMessage(t *testing.T, conn *websocket.Conn, msg *livekit.ServerMessage) {
	t.Helper()
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("encode server message: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write server message: %v", err)
	}
}

// waitJobStatus reads until the worker reports the wanted status for jobID,
// skipping pings and worker-status updates.
func waitJobStatus(t *testing.T, conn *websocket.Conn, jobID string, want livekit.JobStatus) *livekit.UpdateJobStatus {
	t.Helper()
	for {
		msg := readWorkerMessage(t, conn)
		upd, ok := msg.Message.(*livekit.WorkerMessage_UpdateJob)
		if !ok {
			continue
		}
		if upd.UpdateJob.JobId != jobID {
			continue
		}
		if upd.UpdateJob.Status == want {
			return upd.UpdateJob
		}
	}
}

func testJob(id, room, metadata string) *livekit.Job {
	return &livekit.Job{
		Id:       id,
		Type:     livekit.JobType_JT_ROOM,
		Room:     &livekit.Room{Name: room},
		Metadata: metadata,
	}
}

func startWorker(t *testing.T, cs *controlServer, runner Runner, maxJobs int) (*Worker, <-chan error) {
	t.Helper()
	w := New(Config{
		URL:       cs.srv.URL,
		APIKey:    "devkey",
		APISecret: "devsecretdevsecretdevsecretdevsecret",
		AgentName: "voiceagent",
		Version:   "0.1.0",
		MaxJobs:   maxJobs,
	}, runner, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return w, errCh
}

func TestWorkerRegistersAndRunsJob(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal}
	startWorker(t, cs, runner, 2)

	conn := cs.accept(t)
	defer conn.Close()

	msg := readWorkerMessage(t, conn)
	reg, ok := msg.Message.(*livekit.WorkerMessage_Register)
	is.True(ok)
	is.Equal(reg.Register.Type, livekit.JobType_JT_ROOM)
	is.Equal(reg.Register.AgentName, "voiceagent")

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Register{
			Register: &livekit.RegisterWorkerResponse{WorkerId: "AW_1"},
		},
	})

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Availability{
			Availability: &livekit.AvailabilityRequest{Job: testJob("J1", "call-1", validMetadata)},
		},
	})

	var avail *livekit.AvailabilityResponse
	for avail == nil {
		msg := readWorkerMessage(t, conn)
		if a, ok := msg.Message.(*livekit.WorkerMessage_Availability); ok {
			avail = a.Availability
		}
	}
	is.Equal(avail.JobId, "J1")
	is.True(avail.Available)

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "room-token"},
		},
	})

	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_RUNNING)
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_SUCCESS)

	is.Equal(runner.jobCount(), 1)
	got := runner.jobs[0]
	is.Equal(got.ID, "J1")
	is.Equal(got.RoomName, "call-1")
	is.Equal(got.Token, "room-token")
	is.Equal(got.Metadata.PhoneNumber, "+14155550123")
	is.Equal(got.Metadata.CustomerName, "Jayden")
}

func TestWorkerRejectsInvalidMetadata(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal}
	startWorker(t, cs, runner, 2)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{
				Job:   testJob("J2", "call-2", `{"phone_number":"not-a-number"}`),
				Token: "room-token",
			},
		},
	})

	failed := waitJobStatus(t, conn, "J2", livekit.JobStatus_JS_FAILED)
	is.True(failed.Error != "")
	is.Equal(runner.jobCount(), 0)
}

func TestWorkerDeclinesAvailabilityWhenFull(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal, block: make(chan struct{})}
	startWorker(t, cs, runner, 1)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_RUNNING)

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Availability{
			Availability: &livekit.AvailabilityRequest{Job: testJob("J2", "call-2", validMetadata)},
		},
	})

	var avail *livekit.AvailabilityResponse
	for avail == nil {
		msg := readWorkerMessage(t, conn)
		if a, ok := msg.Message.(*livekit.WorkerMessage_Availability); ok {
			avail = a.Availability
		}
	}
	is.Equal(avail.JobId, "J2")
	is.True(!avail.Available)

	close(runner.block)
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_SUCCESS)
}

func TestWorkerReconnectKeepsJobRunning(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal, block: make(chan struct{})}
	w, _ := startWorker(t, cs, runner, 1)

	conn := cs.accept(t)
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_RUNNING)

	// drop the control connection out from under the worker
	conn.Close()

	conn2 := cs.accept(t)
	defer conn2.Close()
	readWorkerMessage(t, conn2) // register again

	// the session never noticed
	is.Equal(w.ActiveJobs(), 1)

	close(runner.block)
	waitJobStatus(t, conn2, "J1", livekit.JobStatus_JS_SUCCESS)
}

func TestWorkerFailsJobOnRunnerError(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonFatalError, err: errors.New("provider unreachable")}
	startWorker(t, cs, runner, 1)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})

	failed := waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_FAILED)
	is.Equal(failed.Error, "provider unreachable")
}

func TestWorkerPanickingJobFailsOnlyThatJob(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{panics: true}
	w, _ := startWorker(t, cs, runner, 2)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})

	failed := waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_FAILED)
	is.True(strings.Contains(failed.Error, "panic"))
	is.True(w.IsConnected())
}

func TestWorkerAuthRejected(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := New(Config{
		URL:       srv.URL,
		APIKey:    "devkey",
		APISecret: "devsecretdevsecretdevsecretdevsecret",
		AgentName: "voiceagent",
		MaxJobs:   1,
	}, &fakeRunner{}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	is.True(errors.Is(err, ErrUnauthorized))
}

func TestWorkerTerminationCancelsJob(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal, block: make(chan struct{})}
	startWorker(t, cs, runner, 1)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_RUNNING)

	// runner.block never closes; only the termination can end the job
	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Termination{
			Termination: &livekit.JobTermination{JobId: "J1"},
		},
	})

	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_SUCCESS)
	is.Equal(runner.jobCount(), 1)
}

func TestWorkerTerminationFreesJobSlot(t *testing.T) {
	is := is.New(t)
	cs := newControlServer(t)
	runner := &fakeRunner{reason: job.ReasonNormal, block: make(chan struct{})}
	w, _ := startWorker(t, cs, runner, 1)

	conn := cs.accept(t)
	defer conn.Close()
	readWorkerMessage(t, conn) // register

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Assignment{
			Assignment: &livekit.JobAssignment{Job: testJob("J1", "call-1", validMetadata), Token: "t"},
		},
	})
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_RUNNING)

	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Termination{
			Termination: &livekit.JobTermination{JobId: "J1"},
		},
	})
	waitJobStatus(t, conn, "J1", livekit.JobStatus_JS_SUCCESS)

	// the shutdown hook released the slot
	deadline := time.Now().Add(5 * time.Second)
	for w.ActiveJobs() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.Equal(w.ActiveJobs(), 0)

	// so the worker is available for the next call
	writeServerMessage(t, conn, &livekit.ServerMessage{
		Message: &livekit.ServerMessage_Availability{
			Availability: &livekit.AvailabilityRequest{Job: testJob("J2", "call-2", validMetadata)},
		},
	})
	var avail *livekit.AvailabilityResponse
	for avail == nil {
		msg := readWorkerMessage(t, conn)
		if a, ok := msg.Message.(*livekit.WorkerMessage_Availability); ok {
			avail = a.Availability
		}
	}
	is.Equal(avail.JobId, "J2")
	is.True(avail.Available)
}
