package worker

import (
	"context"
	"runtime/debug"

	"github.com/rs/zerolog"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	logger     zerolog.Logger
}

func NewWorker(id int, pool *jobChannelPool, logger zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		for job := range w.jobChannel {
			if job.stop {
				debugLog(w.logger, "[worker-%d] stopped", w.id)
				return
			}
			w.run(ctx, job)
			w.pool.finished(job)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

// run shields the worker from a panicking job.
func (w *Worker) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Int64("user_id", job.UserID).
				Str("job", job.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
		}
	}()
	if job.Run != nil {
		job.Run(ctx)
	}
}
