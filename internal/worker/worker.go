// Package worker maintains the control-plane connection: it registers with
// the media server as a telephony agent, answers availability checks, accepts
// job assignments, and reports job status. Call sessions run on their own
// goroutines and survive control-plane reconnects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/callforge/voiceagent/internal/job"
)

const (
	// pingInterval paces keepalives on the control connection.
	pingInterval = 10 * time.Second

	// maxPendingStatus bounds the status updates queued while disconnected.
	// Older updates are dropped first; the server reconciles from the most
	// recent state anyway.
	maxPendingStatus = 64

	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second

	// shutdownGrace bounds how long shutdown waits for running jobs.
	shutdownGrace = 5 * time.Second
)

// Runner executes one assigned job and blocks until the call ends. The
// dispatcher translates the outcome into a job status report.
type Runner interface {
	RunJob(ctx context.Context, j *job.Job) (job.CompletionReason, error)
}

// Config identifies this worker to the control plane.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	AgentName string
	Version   string
	MaxJobs   int
}

// Worker is the dispatcher. One Run loop owns the connection; jobs are
// spawned onto independent goroutines scoped to Run's context.
type Worker struct {
	cfg    Config
	runner Runner
	client *agentClient
	logger *slog.Logger

	in  chan *livekit.ServerMessage
	out chan *livekit.WorkerMessage

	mu             sync.Mutex
	connected      bool
	backoffAttempt int
	workerID       string
	pending        []*livekit.WorkerMessage
	active         map[string]*job.Context

	jobs sync.WaitGroup

	// rootCtx scopes job goroutines to Run, not to any one connection.
	rootCtx context.Context
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Worker {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	return &Worker{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		in:     make(chan *livekit.ServerMessage, 100),
		out:    make(chan *livekit.WorkerMessage, 100),
		active: map[string]*job.Context{},
		client: newAgentClient(cfg.URL, cfg.APIKey, cfg.APISecret, logger),
	}
}

// Run connects and dispatches until ctx is cancelled. Connection loss is
// retried with exponential backoff; rejected credentials are returned
// immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting worker",
		slog.String("url", w.cfg.URL),
		slog.String("agent_name", w.cfg.AgentName),
		slog.Int("max_jobs", w.cfg.MaxJobs))

	w.rootCtx = ctx

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		default:
			if err := w.connectAndRun(ctx); err != nil {
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				w.logger.Error("control plane connection failed", slog.String("error", err.Error()))

				if err := w.backoffDelay(ctx); err != nil {
					return w.shutdown()
				}
			}
		}
	}
}

func (w *Worker) connectAndRun(ctx context.Context) error {
	if err := w.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := w.client.Close(); err != nil {
			w.logger.Debug("error closing connection during cleanup", slog.String("error", err.Error()))
		}
	}()

	// Registration is the first frame on the wire, before the writer
	// goroutine starts draining the queue.
	register := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      livekit.JobType_JT_ROOM,
				AgentName: w.cfg.AgentName,
				Version:   w.cfg.Version,
			},
		},
	}
	if err := w.client.WriteWorkerMessage(register); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	w.setConnected(true)
	defer w.setConnected(false)
	w.flushPending()

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.readMessages(connCtx); err != nil {
			errCh <- fmt.Errorf("read messages: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.writeMessages(connCtx); err != nil {
			errCh <- fmt.Errorf("write messages: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.processMessages(connCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.pingLoop(connCtx)
	}()

	select {
	case err := <-errCh:
		connCancel()
		w.client.Close()
		wg.Wait()
		return err
	case <-ctx.Done():
		connCancel()
		w.client.Close()
		wg.Wait()
		return nil
	}
}

func (w *Worker) readMessages(ctx context.Context) error {
	for {
		msg, err := w.client.ReadServerMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case w.in <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) writeMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.out:
			if err := w.client.WriteWorkerMessage(msg); err != nil {
				// Put the update back for the next connection.
				w.requeue(msg)
				return err
			}
		}
	}
}

func (w *Worker) processMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.in:
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *livekit.ServerMessage) {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Register:
		w.mu.Lock()
		w.workerID = m.Register.WorkerId
		w.mu.Unlock()
		w.logger.Info("worker registered", slog.String("worker_id", m.Register.WorkerId))

	case *livekit.ServerMessage_Availability:
		w.handleAvailability(ctx, m.Availability)

	case *livekit.ServerMessage_Assignment:
		w.handleAssignment(m.Assignment)

	case *livekit.ServerMessage_Termination:
		w.handleTermination(m.Termination)

	case *livekit.ServerMessage_Pong:
		w.logger.Debug("pong", slog.Int64("rtt_ms", time.Now().UnixMilli()-m.Pong.LastTimestamp))

	default:
		w.logger.Warn("unknown server message", slog.String("type", fmt.Sprintf("%T", msg.Message)))
	}
}

func (w *Worker) handleAvailability(ctx context.Context, req *livekit.AvailabilityRequest) {
	jobID := req.GetJob().GetId()
	available := w.jobCount() < w.cfg.MaxJobs

	w.logger.Info("availability request",
		slog.String("job_id", jobID),
		slog.Bool("available", available))

	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: "agent",
				ParticipantName:     w.cfg.AgentName,
			},
		},
	}
	select {
	case w.out <- resp:
	case <-ctx.Done():
	}
}

func (w *Worker) handleAssignment(asg *livekit.JobAssignment) {
	id := asg.GetJob().GetId()
	roomName := asg.GetJob().GetRoom().GetName()

	w.logger.Info("job assigned",
		slog.String("job_id", id),
		slog.String("room", roomName))

	j, err := job.New(id, roomName, asg.GetToken(), asg.GetJob().GetMetadata())
	if err != nil {
		w.logger.Warn("rejecting job with invalid metadata",
			slog.String("job_id", id),
			slog.String("error", err.Error()))
		w.updateJob(id, livekit.JobStatus_JS_FAILED, err.Error())
		return
	}

	// The job scope derives from Run's context, not the connection's, so a
	// control-plane reconnect never tears down a live call.
	jc := job.NewContext(w.rootCtx)

	w.mu.Lock()
	if _, dup := w.active[id]; dup {
		w.mu.Unlock()
		jc.Shutdown(job.ReasonNormal)
		w.logger.Warn("duplicate assignment ignored", slog.String("job_id", id))
		return
	}
	w.active[id] = jc
	w.mu.Unlock()

	// slot release runs as a shutdown hook so every exit path (completion,
	// termination, worker stop) settles the same way
	jc.OnShutdown(func(job.CompletionReason) {
		w.mu.Lock()
		delete(w.active, id)
		w.mu.Unlock()
		w.updateWorkerStatus()
	})

	w.updateJob(id, livekit.JobStatus_JS_RUNNING, "")
	w.updateWorkerStatus()

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		res := w.runJob(jc.Ctx(), j)
		jc.Shutdown(res.Reason)
	}()
}

// runJob executes one job under recover so a panicking session fails only
// its own call, and reports the result to the control plane.
func (w *Worker) runJob(ctx context.Context, j *job.Job) (res job.Result) {
	logger := w.logger.With(slog.String("job_id", j.ID), slog.String("room", j.RoomName))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", slog.Any("panic", r))
			res = job.Result{
				JobID:       j.ID,
				CompletedAt: time.Now(),
				Reason:      job.ReasonFatalError,
				Err:         fmt.Errorf("panic: %v", r),
			}
		}
		w.reportResult(logger, res, time.Since(start))
	}()

	reason, err := w.runner.RunJob(ctx, j)
	return job.Result{JobID: j.ID, CompletedAt: time.Now(), Reason: reason, Err: err}
}

// reportResult translates a finished job into its status update.
func (w *Worker) reportResult(logger *slog.Logger, res job.Result, elapsed time.Duration) {
	if res.Err != nil {
		logger.Error("job failed",
			slog.String("reason", string(res.Reason)),
			slog.Duration("duration", elapsed),
			slog.String("error", res.Err.Error()))
		w.updateJob(res.JobID, livekit.JobStatus_JS_FAILED, res.Err.Error())
		return
	}

	logger.Info("job completed",
		slog.String("reason", string(res.Reason)),
		slog.Duration("duration", elapsed))
	w.updateJob(res.JobID, livekit.JobStatus_JS_SUCCESS, "")
}

func (w *Worker) handleTermination(t *livekit.JobTermination) {
	w.mu.Lock()
	jc, ok := w.active[t.GetJobId()]
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("termination for unknown job", slog.String("job_id", t.GetJobId()))
		return
	}
	w.logger.Info("job terminated by server", slog.String("job_id", t.GetJobId()))
	jc.Shutdown(job.ReasonNormal)
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &livekit.WorkerMessage{
				Message: &livekit.WorkerMessage_Ping{
					Ping: &livekit.WorkerPing{Timestamp: time.Now().UnixMilli()},
				},
			}
			select {
			case w.out <- ping:
			case <-ctx.Done():
				return
			}
		}
	}
}

// updateJob reports a job status transition. While disconnected the update
// queues for the next connection.
func (w *Worker) updateJob(jobID string, status livekit.JobStatus, jobErr string) {
	w.send(&livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateJob{
			UpdateJob: &livekit.UpdateJobStatus{
				JobId:  jobID,
				Status: status,
				Error:  jobErr,
			},
		},
	})
}

func (w *Worker) updateWorkerStatus() {
	count := w.jobCount()
	status := livekit.WorkerStatus_WS_AVAILABLE
	if count >= w.cfg.MaxJobs {
		status = livekit.WorkerStatus_WS_FULL
	}
	w.send(&livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateWorker{
			UpdateWorker: &livekit.UpdateWorkerStatus{
				Status:   status.Enum(),
				Load:     float32(count) / float32(w.cfg.MaxJobs),
				JobCount: uint32(count),
			},
		},
	})
}

// send enqueues for the writer, or into the pending queue while
// disconnected. The pending queue is bounded; the oldest update goes first.
func (w *Worker) send(msg *livekit.WorkerMessage) {
	w.mu.Lock()
	if !w.connected {
		if len(w.pending) >= maxPendingStatus {
			w.pending = w.pending[1:]
		}
		w.pending = append(w.pending, msg)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.out <- msg:
	default:
		w.logger.Warn("outbound queue full, dropping status update")
	}
}

// requeue puts a message that failed to write at the head of the pending
// queue so the next connection delivers it.
func (w *Worker) requeue(msg *livekit.WorkerMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append([]*livekit.WorkerMessage{msg}, w.pending...)
	if len(w.pending) > maxPendingStatus {
		w.pending = w.pending[:maxPendingStatus]
	}
}

func (w *Worker) flushPending() {
	w.mu.Lock()
	queued := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, msg := range queued {
		select {
		case w.out <- msg:
		default:
			w.requeue(msg)
			return
		}
	}
}

func (w *Worker) jobCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// ActiveJobs reports how many sessions are running.
func (w *Worker) ActiveJobs() int { return w.jobCount() }

func (w *Worker) backoffDelay(ctx context.Context) error {
	w.mu.Lock()
	w.backoffAttempt++
	attempt := w.backoffAttempt
	w.mu.Unlock()

	delay := time.Duration(math.Min(math.Pow(2, float64(attempt-1)), maxBackoff.Seconds())) * time.Second

	w.logger.Info("reconnecting with backoff",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setConnected(connected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if connected && !w.connected {
		w.backoffAttempt = 0
	}
	w.connected = connected
}

func (w *Worker) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// shutdown waits briefly for running jobs; their contexts are already
// cancelled through Run's context.
func (w *Worker) shutdown() error {
	w.logger.Info("worker shutting down", slog.Int("active_jobs", w.jobCount()))

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		w.logger.Warn("shutdown grace expired with jobs still running")
	}

	if err := w.client.Close(); err != nil {
		w.logger.Debug("error closing connection", slog.String("error", err.Error()))
	}

	w.logger.Info("worker shutdown complete")
	return nil
}
