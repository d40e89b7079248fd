package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is one unit of work for a user. Jobs of the same user run one at a time
// in submission order.
type Job struct {
	UserID int64
	Name   string
	Run    func(ctx context.Context)

	stop bool
}

// Config sizes the dispatcher and its pool.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1
	}
	return c
}
