// Package worker implements the Worker Client (C5): the process that
// connects to the broker's socket, executes one job at a time via a
// caller-supplied JobHandler, and reports the outcome back to the store.
// The connect/execute/report loop and its panic recovery follow the
// teacher's internal/jobs/worker.go ticker-driven poll loop, adapted from
// polling the database directly to requesting work from the broker.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/jobqueue/internal/config"
	"github.com/yungbote/jobqueue/internal/hooks"
	"github.com/yungbote/jobqueue/internal/liveness"
	"github.com/yungbote/jobqueue/internal/observability"
	jqerrors "github.com/yungbote/jobqueue/internal/pkg/errors"
	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/protocol"
	"github.com/yungbote/jobqueue/internal/store"
)

// heartbeatInterval is how often a worker renews its liveness key, well
// under heartbeatTTL so a single missed renewal (GC pause, slow tick)
// doesn't make the Health Reaper treat a live worker as dead.
const (
	heartbeatInterval = 10 * time.Second
	heartbeatTTL      = 30 * time.Second
)

// JobHandler is the black-box job body the embedding application supplies.
// A nil error means success; ErrJobPermanentFailure (or any error when the
// job has exhausted its attempts) moves the job to the failed set instead
// of rescheduling it.
type JobHandler func(ctx context.Context, job protocol.Job) error

// State mirrors §4.5's named worker states.
type State string

const (
	StateStarting   State = "starting"
	StateRequesting State = "requesting"
	StateWaiting    State = "waiting"
	StateExecuting  State = "executing"
	StateReporting  State = "reporting"
	StateExiting    State = "exiting"
)

type Worker struct {
	Name string

	cfg     *config.Config
	store   *store.Store
	hookReg *hooks.Registry
	log     *logger.Logger
	handler JobHandler

	req protocol.Request

	heartbeater liveness.Heartbeater

	state State

	quit chan struct{} // closed on graceful QUIT signal
	kill chan struct{} // closed when slow_exit_timeout elapses without loop exit
}

func New(name string, cfg *config.Config, st *store.Store, hookReg *hooks.Registry, log *logger.Logger, handler JobHandler, req protocol.Request) *Worker {
	return &Worker{
		Name:    name,
		cfg:     cfg,
		store:   st,
		hookReg: hookReg,
		log:     log.With("component", "Worker", "worker", name),
		handler: handler,
		req:     req,
		state:   StateStarting,
		quit:    make(chan struct{}),
		kill:    make(chan struct{}),
	}
}

// WithHeartbeat attaches the liveness backend this worker renews its own
// identity against. Optional: a worker started without one simply never
// appears alive to the Health Reaper, which only matters if the reaper is
// also running (it refuses to start without an oracle of its own).
func (w *Worker) WithHeartbeat(h liveness.Heartbeater) *Worker {
	w.heartbeater = h
	return w
}

// State reports the worker's current position in §4.5's state machine,
// primarily for tests and health-check reporting.
func (w *Worker) State() State { return w.state }

// Quit begins the clean-shutdown sequence (§4.5): the worker finishes its
// current job (if any), then exits instead of requesting another. When
// KillWorkersOnExit is set, the kill channel is closed once SlowExitTimeout
// has elapsed; Run checks it only between iterations, so a job that is still
// executing is not interrupted.
func (w *Worker) Quit() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	if w.cfg.KillWorkersOnExit {
		go func() {
			time.Sleep(w.cfg.SlowExitTimeout)
			select {
			case <-w.kill:
			default:
				close(w.kill)
			}
		}()
	}
}

// Run drives Requesting -> Waiting -> Executing -> Reporting ->
// (Requesting|Exiting) until Quit is called or ctx is canceled, then clears
// every lock this worker still holds (§4.5's clean-exit guarantee).
func (w *Worker) Run(ctx context.Context) error {
	w.state = StateRequesting
	defer func() {
		w.state = StateExiting
		if err := w.store.ClearLocks(context.Background(), w.Name); err != nil {
			w.log.Error("clear_locks on exit failed", "error", err)
		}
	}()

	if w.heartbeater != nil {
		go w.runHeartbeat(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.kill:
			return nil
		case <-w.quit:
			return nil
		default:
		}

		err := w.hookReg.Fire(hooks.EventLoop, func() error {
			return w.iteration(ctx)
		}, w.Name)
		if err != nil {
			w.log.Error("worker iteration failed", "error", err)
		}
	}
}

// runHeartbeat renews this worker's liveness key until ctx is canceled,
// logging failures but never treating them as fatal — a transient Redis
// blip shouldn't stop the worker from processing jobs, only risk it being
// reclaimed by the Health Reaper if the blip outlasts heartbeatTTL.
func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	beat := func() {
		if err := w.heartbeater.Heartbeat(ctx, w.Name, heartbeatTTL); err != nil {
			w.log.Error("heartbeat failed", "error", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// iteration performs exactly one pop/execute/report cycle.
func (w *Worker) iteration(ctx context.Context) error {
	w.state = StateWaiting
	job, err := w.pop(ctx)
	if err != nil {
		return err
	}
	if job == nil {
		return nil // NoJob: nothing to do this tick, loop again
	}

	w.state = StateExecuting
	return w.hookReg.Fire(hooks.EventPerform, func() error {
		return w.perform(ctx, *job)
	}, w.Name, *job)
}

// pop dials the broker, sends this worker's fetch criteria, and blocks for
// a single Envelope (§4.4's request/response cycle).
func (w *Worker) pop(ctx context.Context) (*protocol.Job, error) {
	var result *protocol.Job
	err := w.hookReg.Fire(hooks.EventPop, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ClientConnectTimeout)
		defer cancel()
		var d net.Dialer
		conn, dialErr := d.DialContext(dialCtx, "unix", w.cfg.ServerAddress)
		if dialErr != nil {
			return fmt.Errorf("worker: dial broker: %w", dialErr)
		}
		defer conn.Close()

		if w.cfg.ServerSocketTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(w.cfg.ServerSocketTimeout))
		}

		req := w.req
		req.WorkerName = w.Name
		if err := protocol.WriteFrame(conn, req); err != nil {
			return fmt.Errorf("worker: write request: %w", err)
		}

		var env protocol.Envelope
		if err := protocol.ReadFrame(bufio.NewReader(conn), &env); err != nil {
			return fmt.Errorf("worker: read response: %w", err)
		}
		if !env.NoJob {
			result = &env.Job
		}
		return nil
	}, w.Name)
	return result, err
}

// perform invokes the job handler with panic recovery, then reports the
// outcome (§4.5's invoke_job/error/retry table): success deletes the row,
// a transient failure under the attempt cap reschedules with backoff, and
// either a permanent failure or an exhausted attempt count moves the job
// to the failed set.
func (w *Worker) perform(ctx context.Context, job protocol.Job) (execErr error) {
	ctx, span := observability.StartSpan(ctx, "worker.perform",
		attribute.String("job_id", job.ID.String()),
		attribute.String("worker", w.Name),
		attribute.Int("attempts", job.Attempts),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic in job handler: %v", r)
			_ = w.hookReg.Fire(hooks.EventExceptionalExit, func() error { return nil }, w.Name, execErr)
		}
	}()

	invokeErr := w.hookReg.Fire(hooks.EventInvokeJob, func() error {
		_, invokeSpan := observability.StartSpan(ctx, "worker.invoke_job",
			attribute.String("job_id", job.ID.String()),
		)
		defer invokeSpan.End()
		return w.handler(ctx, job)
	}, job)

	w.state = StateReporting
	if invokeErr == nil {
		return w.store.Delete(ctx, nil, job.ID)
	}

	_ = w.hookReg.Fire(hooks.EventError, func() error { return nil }, w.Name, job, invokeErr)

	maxAttempts := job.MaxAttempts
	nextAttempt := job.Attempts + 1
	exhausted := invokeErr == jqerrors.ErrJobPermanentFailure ||
		(maxAttempts > 0 && nextAttempt >= maxAttempts)

	if exhausted {
		_, failErr := w.store.MoveToFailed(ctx, job.ID, invokeErr.Error())
		return failErr
	}

	return w.hookReg.Fire(hooks.EventRetry, func() error {
		backoff := retryDelay(nextAttempt)
		return w.store.UpdateAttrs(ctx, nil, job.ID, map[string]any{
			"attempts":  nextAttempt,
			"run_at":    time.Now().Add(backoff),
			"locked_at": nil,
			"locked_by": nil,
		})
	}, w.Name, job, invokeErr)
}

// retryDelay is the quadratic backoff (attempt² seconds) applied between
// attempts, capped at one hour so a misbehaving job can't push run_at years
// into the future.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * time.Second
	const maxBackoff = 1 * time.Hour
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
