// Package broker implements the Work Queue Server (C4): a single per-host
// process that owns one Unix-domain socket, prefetches and holds jobs ahead
// of demand, and hands them to Worker Clients as they go idle (§4.4).
//
// All mutable broker state (waiting_clients, prefetched_jobs) is touched by
// exactly one goroutine — the Broker.run loop — following nandlabs-golly's
// single-owner Component pattern rather than guarding a shared map with a
// mutex. Connection-handling goroutines never read or write broker state
// directly; they communicate with the owner goroutine over channels.
package broker

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/jobqueue/internal/config"
	"github.com/yungbote/jobqueue/internal/hooks"
	"github.com/yungbote/jobqueue/internal/lock"
	"github.com/yungbote/jobqueue/internal/observability"
	"github.com/yungbote/jobqueue/internal/pkg/logger"
	"github.com/yungbote/jobqueue/internal/protocol"
	"github.com/yungbote/jobqueue/internal/store"
)

// orphanSweepInterval is how often the broker runs the store-wide
// unlock_orphaned_prefetched_jobs sweep (§4.4 step 6), independent of this
// broker's own in-memory bookkeeping — it exists to recover prefetches left
// behind by a broker that crashed before its shutdown path unlocked them.
const orphanSweepInterval = 15 * time.Minute

var (
	jobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_broker_jobs_dispatched_total",
		Help: "Jobs handed to a worker client by the broker.",
	})
	jobsPrefetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_broker_jobs_prefetched_total",
		Help: "Jobs locked under the broker's prefetch identity ahead of demand.",
	})
	prefetchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_broker_prefetch_timeouts_total",
		Help: "Prefetched jobs released after exceeding PrefetchedJobsTimeout unclaimed.",
	})
	waitingClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobqueue_broker_waiting_clients",
		Help: "Worker clients currently blocked waiting for a job.",
	})
)

// waitingClient is one Worker Client blocked in its Waiting state,
// waiting for check_for_work to find it something to run (§4.5).
type waitingClient struct {
	name     string
	deadline time.Time
	respCh   chan protocol.Envelope
}

// prefetchedJob is a job the broker has already locked under its own
// prefetch identity but not yet handed to a worker.
type prefetchedJob struct {
	job      *store.Job
	lockedAt time.Time
}

// bucket groups waiting clients and prefetched jobs that share the same
// fetch criteria (queue + priority band + pool size), per §4.4.
type bucket struct {
	req        protocol.Request
	waiting    []*waitingClient
	prefetched []*prefetchedJob
}

// registerMsg is how a connection-handling goroutine asks the owner
// goroutine to enqueue a new waiting client.
type registerMsg struct {
	key    string
	req    protocol.Request
	client *waitingClient
}

type Broker struct {
	cfg     *config.Config
	lockMgr *lock.Manager
	st      *store.Store
	hookReg *hooks.Registry
	log     *logger.Logger
	host    string

	// parentPID is the supervisor process id recorded at startup by New
	// (os.Getppid()); the main loop exits once getppid() no longer matches
	// it (§4.4 step 7). A zero value disables the check.
	parentPID int

	register   chan registerMsg
	shutdown   chan struct{}
	parentGone chan struct{}
	done       chan struct{}

	buckets map[string]*bucket

	listener net.Listener
	wg       sync.WaitGroup
}

// New builds a Broker. st is used only for the store-wide orphaned-prefetch
// sweep (§4.4 step 6); every other store access goes through lockMgr.
func New(cfg *config.Config, lockMgr *lock.Manager, st *store.Store, hookReg *hooks.Registry, log *logger.Logger) *Broker {
	host, _ := os.Hostname()
	return &Broker{
		cfg:        cfg,
		lockMgr:    lockMgr,
		st:         st,
		hookReg:    hookReg,
		log:        log.With("component", "Broker"),
		host:       host,
		parentPID:  os.Getppid(),
		register:   make(chan registerMsg),
		shutdown:   make(chan struct{}),
		parentGone: make(chan struct{}),
		done:       make(chan struct{}),
		buckets:    make(map[string]*bucket),
	}
}

// PrefetchOwner is this broker's synthetic locker identity.
func (b *Broker) PrefetchOwner() string { return store.PrefetchOwner(b.host) }

// ListenAndServe binds the configured Unix socket and serves connections
// until ctx is canceled, then unlocks every job this broker still holds in
// prefetch before returning — §4.4's "on any exit path, the broker
// releases every lock it holds under its own identity" guarantee.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(b.cfg.ServerAddress)
	ln, err := net.Listen("unix", b.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.cfg.ServerAddress, err)
	}
	b.listener = ln
	b.log.Info("broker listening", "address", b.cfg.ServerAddress)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go b.run(runCtx)

	go func() {
		select {
		case <-ctx.Done():
		case <-b.parentGone:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-b.parentGone:
			default:
				b.log.Warn("accept failed", "error", err)
				continue
			}
			b.wg.Wait()
			close(b.shutdown)
			<-b.done
			return b.unlockAllPrefetched(context.Background())
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(ctx, conn)
		}()
	}
}

// handleConn services exactly one request/response cycle: a worker
// connects while idle, gets a job or NoJob, and disconnects (§4.5
// Requesting -> Waiting -> Executing|Requesting).
func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if b.cfg.ServerSocketTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(b.cfg.ServerSocketTimeout))
	}

	reader := bufio.NewReader(conn)
	var req protocol.Request
	if err := protocol.ReadFrame(reader, &req); err != nil {
		b.log.Debug("broker: bad request frame", "error", err)
		return
	}

	client := &waitingClient{
		name:     req.WorkerName,
		deadline: time.Now().Add(b.cfg.ServerSocketTimeout),
		respCh:   make(chan protocol.Envelope, 1),
	}

	select {
	case b.register <- registerMsg{key: req.ConfigKey(), req: req, client: client}:
	case <-ctx.Done():
		return
	}

	select {
	case env := <-client.respCh:
		if err := protocol.WriteFrame(conn, env); err != nil {
			b.log.Debug("broker: write response failed", "error", err)
		}
	case <-ctx.Done():
	}
}

// jitteredSleepDelay implements §4.4 step 1's readiness-wait timeout:
// sleep_delay + uniform(0, sleep_delay_stagger).
func (b *Broker) jitteredSleepDelay() time.Duration {
	d := b.cfg.SleepDelay
	if b.cfg.SleepDelayStagger > 0 {
		d += time.Duration(rand.Int63n(int64(b.cfg.SleepDelayStagger)))
	}
	return d
}

// parentDied reports whether the supervisor process that originally spawned
// this broker is gone (§4.4 step 7: "exit if getppid() != parent_pid").
// parentPID == 0 means no supervisor was recorded at startup; such a broker
// never self-exits on this condition.
func (b *Broker) parentDied() bool {
	return b.parentPID != 0 && os.Getppid() != b.parentPID
}

// run is the single owner of b.buckets; every mutation goes through here.
func (b *Broker) run(ctx context.Context) {
	defer close(b.done)
	timer := time.NewTimer(b.jitteredSleepDelay())
	defer timer.Stop()

	// Initial jitter on the orphan sweep so many brokers restarted together
	// don't all hammer the database at once (§4.4 step 6).
	orphanTimer := time.NewTimer(time.Duration(rand.Int63n(int64(orphanSweepInterval))))
	defer orphanTimer.Stop()

	for {
		select {
		case msg := <-b.register:
			bkt := b.buckets[msg.key]
			if bkt == nil {
				bkt = &bucket{req: msg.req}
				b.buckets[msg.key] = bkt
			}
			bkt.waiting = append(bkt.waiting, msg.client)
			b.checkForWork(ctx, msg.key)

		case <-timer.C:
			for key := range b.buckets {
				b.checkForWork(ctx, key)
			}
			b.unlockTimedOutPrefetched(ctx)
			b.expireWaitingClients()
			b.reportWaitingGauge()
			if b.parentDied() {
				b.log.Warn("supervisor process gone, broker exiting", "parent_pid", b.parentPID)
				select {
				case <-b.parentGone:
				default:
					close(b.parentGone)
				}
			}
			timer.Reset(b.jitteredSleepDelay())

		case <-orphanTimer.C:
			if b.st != nil {
				if n, err := b.st.UnlockOrphanedPrefetched(ctx, b.cfg.PrefetchedJobsTimeout); err != nil {
					b.log.Error("unlock_orphaned_prefetched_jobs failed", "error", err)
				} else if n > 0 {
					b.log.Info("unlocked orphaned prefetched jobs from a crashed broker", "count", n)
				}
			}
			orphanTimer.Reset(orphanSweepInterval)

		case <-b.shutdown:
			b.expireAllWaiting()
			return
		}
	}
}

// checkForWork implements §4.4 step by step: first drain this bucket's
// prefetch reserve by transferring locks to waiting clients, then fetch a
// fresh batch (one job per remaining waiting client, plus a prefetch
// reserve) from the store.
func (b *Broker) checkForWork(ctx context.Context, key string) {
	bkt := b.buckets[key]
	if bkt == nil || len(bkt.waiting) == 0 {
		return
	}

	ctx, span := observability.StartSpan(ctx, "broker.check_for_work",
		attribute.String("queue", bkt.req.Queue),
		attribute.Int("waiting_clients", len(bkt.waiting)),
	)
	defer span.End()

	_ = b.hookReg.Fire(hooks.EventCheckForWork, func() error { return nil }, bkt.req)

	for len(bkt.waiting) > 0 && len(bkt.prefetched) > 0 {
		client := bkt.waiting[0]
		pf := bkt.prefetched[0]
		bkt.waiting = bkt.waiting[1:]
		bkt.prefetched = bkt.prefetched[1:]
		ok, err := b.lockMgr.TransferLock(ctx, pf.job.ID, b.PrefetchOwner(), client.name)
		if err != nil {
			b.log.Error("transfer_lock failed", "job_id", pf.job.ID, "error", err)
			bkt.waiting = append(bkt.waiting, client)
			continue
		}
		if !ok {
			// Lost a race (e.g. the Health Reaper reclaimed it first); per
			// spec.md §4.4 step 1, re-queue the worker and drop the job.
			bkt.waiting = append(bkt.waiting, client)
			continue
		}
		b.dispatch(ctx, client, pf.job)
	}
	if len(bkt.waiting) == 0 {
		return
	}

	workers := make([]string, len(bkt.waiting))
	for i, c := range bkt.waiting {
		workers[i] = c.name
	}
	assignments, err := b.lockMgr.GetAndLockNextAvailable(
		ctx, workers, bkt.req.Queue, bkt.req.MinPriority, bkt.req.MaxPriority,
		b.cfg.FetchBatchSize, b.PrefetchOwner(),
	)
	if err != nil {
		b.log.Error("get_and_lock_next_available failed", "error", err)
		return
	}

	_ = b.hookReg.Fire(hooks.EventWorkQueuePop, func() error { return nil }, bkt.req, len(assignments))

	dispatched := map[string]bool{}
	for _, a := range assignments {
		if a.Job != nil {
			for i, c := range bkt.waiting {
				if c.name == a.Owner && !dispatched[c.name] {
					b.dispatch(ctx, c, a.Job)
					dispatched[c.name] = true
					bkt.waiting = append(bkt.waiting[:i], bkt.waiting[i+1:]...)
					break
				}
			}
		} else {
			for _, j := range a.Batch {
				bkt.prefetched = append(bkt.prefetched, &prefetchedJob{job: j, lockedAt: time.Now()})
				jobsPrefetched.Inc()
			}
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, client *waitingClient, job *store.Job) {
	_, span := observability.StartSpan(ctx, "broker.dispatch",
		attribute.String("job_id", job.ID.String()),
		attribute.String("worker", client.name),
	)
	defer span.End()

	env := protocol.Envelope{Job: toWireJob(job)}
	select {
	case client.respCh <- env:
		jobsDispatched.Inc()
	default:
	}
}

func toWireJob(j *store.Job) protocol.Job {
	strand := ""
	if j.Strand != nil {
		strand = *j.Strand
	}
	maxAttempts := 0
	if j.MaxAttempts != nil {
		maxAttempts = *j.MaxAttempts
	}
	return protocol.Job{
		ID:          j.ID,
		Priority:    j.Priority,
		Queue:       j.Queue,
		Strand:      strand,
		Attempts:    j.Attempts,
		MaxAttempts: maxAttempts,
		Tag:         j.Tag,
		Source:      j.Source,
		Payload:     []byte(j.Payload),
		RunAt:       j.RunAt,
	}
}

// unlockTimedOutPrefetched releases any prefetched job this broker has held
// longer than PrefetchedJobsTimeout without a waiting client to hand it to,
// per §4.4's staleness bound — otherwise a burst of prefetch with no
// workers attached would strand jobs indefinitely.
func (b *Broker) unlockTimedOutPrefetched(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.PrefetchedJobsTimeout)
	var stale []uuid.UUID
	for _, bkt := range b.buckets {
		kept := bkt.prefetched[:0]
		for _, pf := range bkt.prefetched {
			if pf.lockedAt.Before(cutoff) {
				stale = append(stale, pf.job.ID)
			} else {
				kept = append(kept, pf)
			}
		}
		bkt.prefetched = kept
	}
	if len(stale) == 0 {
		return
	}
	if err := b.lockMgr.Unlock(ctx, stale); err != nil {
		b.log.Error("unlock_timed_out_prefetched_jobs failed", "error", err)
		return
	}
	prefetchTimeouts.Add(float64(len(stale)))
	b.log.Info("unlocked timed out prefetched jobs", "count", len(stale))
}

// expireWaitingClients drops clients whose connection deadline has already
// passed, sending them an explicit NoJob so handleConn can return instead
// of leaking the goroutine until ctx cancellation.
func (b *Broker) expireWaitingClients() {
	now := time.Now()
	for _, bkt := range b.buckets {
		kept := bkt.waiting[:0]
		for _, c := range bkt.waiting {
			if now.After(c.deadline) {
				select {
				case c.respCh <- protocol.Envelope{NoJob: true}:
				default:
				}
			} else {
				kept = append(kept, c)
			}
		}
		bkt.waiting = kept
	}
}

func (b *Broker) reportWaitingGauge() {
	n := 0
	for _, bkt := range b.buckets {
		n += len(bkt.waiting)
	}
	waitingClientsGauge.Set(float64(n))
}

func (b *Broker) expireAllWaiting() {
	for _, bkt := range b.buckets {
		for _, c := range bkt.waiting {
			select {
			case c.respCh <- protocol.Envelope{NoJob: true}:
			default:
			}
		}
		bkt.waiting = nil
	}
}

// unlockAllPrefetched releases every job still held under this broker's
// prefetch identity, regardless of bucket — the final step of any shutdown
// path (§4.4).
func (b *Broker) unlockAllPrefetched(ctx context.Context) error {
	var ids []uuid.UUID
	for _, bkt := range b.buckets {
		for _, pf := range bkt.prefetched {
			ids = append(ids, pf.job.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	b.log.Info("releasing prefetched jobs on shutdown", "count", len(ids))
	return b.lockMgr.Unlock(ctx, ids)
}
