// Package worker schedules chat turns on a bounded goroutine pool. Turns of
// one user run strictly one after another; different users proceed in
// parallel.
package worker

import (
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type userQueue struct {
	jobs     []Job
	enqueued bool // user is in the ready list
	running  bool // one of the user's jobs is on a worker
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // intake for outer jobs
	wake     chan struct{}
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // round-robin list of user IDs with a runnable job
	positions map[int64]*list.Element
	pending   int
	backlog   int // cap on pending before intake is paused
	stopping  bool
}

// NewDispatcher starts the scheduling loop. Jobs receive a context derived
// from ctx that is cancelled by Close.
func NewDispatcher(ctx context.Context, cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With().Str("component", "worker").Logger(),
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		backlog:   cfg.QueueSize,
	}
	d.pool = newJobChannelPool(ctx, cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.finish, d.logger)

	// Warm up workers.
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobQueue <- job:
		debugLog(d.logger, "[dispatcher] accepted %s for user %d", job.Name, job.UserID)
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user in front of the ready list
		if d.dispatchOne() {
			// if we have a new job, enqueue it and its caller user
			select {
			case job := <-d.intake():
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.intake():
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

// intake returns nil while the backlog is full so Submit starts failing
// instead of queues growing without bound.
func (d *Dispatcher) intake() chan Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending >= d.backlog {
		return nil
	}
	return d.jobQueue
}

// CancelUser drops the user's queued jobs and returns how many were dropped.
// A job already running is not interrupted.
func (d *Dispatcher) CancelUser(userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		return 0
	}
	dropped := len(q.jobs)
	d.pending -= dropped
	q.jobs = nil
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
		q.enqueued = false
	}
	if !q.running {
		delete(d.queues, userID)
	}
	d.signal()
	return dropped
}

// QueueDepth counts jobs accepted but not yet started.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending + len(d.jobQueue)
}

// Workers reports running and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	d.markReadyLocked(userID, q)
}

func (d *Dispatcher) markReadyLocked(userID int64, q *userQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne takes the first ready user and hands its oldest job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil || d.stopping {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	// the user leaves the ready list until this job finishes
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, userID)
	d.inflight.Add(1)
	d.mu.Unlock()

	meta := d.pool.acquire()
	if meta == nil {
		d.finish(job)
		return false
	}
	debugLog(d.logger, "[dispatcher] assign job %s for user %d to worker-%d", job.Name, userID, meta.id)
	meta.ch <- job
	return true
}

// finish runs on the worker after a job returns and makes the user's next job
// runnable.
func (d *Dispatcher) finish(job Job) {
	d.mu.Lock()
	if q := d.queues[job.UserID]; q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, job.UserID)
		} else {
			d.markReadyLocked(job.UserID, q)
		}
	}
	d.mu.Unlock()
	d.inflight.Done()
	d.signal()
}

// signal wakes the run loop without blocking.
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting jobs, waits for running ones until ctx is done, then
// cancels the context handed to jobs. Queued jobs are discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	close(d.done)

	waited := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.cancel()
	d.pool.close()
	return err
}
