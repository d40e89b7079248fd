package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	closed   bool

	ctx    context.Context
	onDone func(Job)
	logger zerolog.Logger
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(ctx context.Context, minWorkers, maxWorkers int, idle time.Duration, onDone func(Job), logger zerolog.Logger) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		ctx:      ctx,
		onDone:   onDone,
		logger:   logger,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnLocked starts a worker and registers it; p.mu must be held.
func (p *jobChannelPool) spawnLocked() *workerMeta {
	p.nextID++
	worker := NewWorker(p.nextID, p, p.logger)
	meta := &workerMeta{id: p.nextID, ch: worker.jobChannel}
	p.metadata[worker.jobChannel] = meta
	p.running++
	worker.Start(p.ctx)
	return meta
}

// spawnWorker adds an idle worker, used for warm up.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max || p.closed {
		p.mu.Unlock()
		return
	}
	meta := p.spawnLocked()
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// acquire gets an idle worker, spawns one below max, or waits for a release.
// It returns nil once the pool is closed.
func (p *jobChannelPool) acquire() *workerMeta {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta
		}
		if p.running < p.max {
			return p.spawnLocked()
		}
		p.cond.Wait()
	}
}

// Release puts a worker back into the idle queue. It reports false when the
// worker should exit instead.
func (p *jobChannelPool) Release(ch chan Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded {
		p.mu.Unlock()
		return false
	}
	if p.closed {
		p.mu.Unlock()
		p.retire(ch)
		return false
	}
	if meta.enqueued {
		p.mu.Unlock()
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

func (p *jobChannelPool) finished(job Job) {
	if p.onDone != nil {
		p.onDone(job)
	}
}

// retire deletes a worker.
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked returns an idle worker if the pool has one.
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// size reports running and idle worker counts.
func (p *jobChannelPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// purgeStaleWorkers calls shutdownExpired every expiry period.
func (p *jobChannelPool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.shutdownExpired(time.Now())
		}
	}
}

// shutdownExpired retires idle workers unused for longer than expiry while
// keeping at least min running.
func (p *jobChannelPool) shutdownExpired(now time.Time) int {
	var stale []*workerMeta

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return 0
	}
	remaining := p.idle[:0] // keep the original array
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		p.retire(meta.ch)
		meta.ch <- Job{stop: true}
		debugLog(p.logger, "[pool] retired idle worker-%d", meta.id)
	}
	return len(stale)
}

// close stops idle workers and wakes any waiter. Busy workers stop when they
// are next released.
func (p *jobChannelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, meta := range idle {
		if meta.discarded {
			continue
		}
		p.retire(meta.ch)
		meta.ch <- Job{stop: true}
	}
}
