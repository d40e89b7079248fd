package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"voxchat/internal/models"
	"voxchat/internal/telegram"
	"voxchat/internal/worker"
)

// UpdateSource long-polls for updates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, int64, error)
}

// Poller feeds long-polled updates into the same queue the webhook uses.
type Poller struct {
	source  UpdateSource
	enqueue func(models.Inbound) error
	timeout time.Duration
	logger  zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewPoller builds a poller. enqueue is normally Handler.Enqueue.
func NewPoller(source UpdateSource, enqueue func(models.Inbound) error, timeout time.Duration, logger zerolog.Logger) *Poller {
	return &Poller{
		source:     source,
		enqueue:    enqueue,
		timeout:    timeout,
		logger:     logger.With().Str("component", "poller").Logger(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run polls until ctx is done. Fetch errors back off exponentially.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	backoff := p.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, next, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Dur("backoff", backoff).Msg("getUpdates failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, p.maxBackoff)
			continue
		}
		backoff = p.minBackoff
		for _, upd := range updates {
			msg, ok := telegram.ToInbound(upd)
			if !ok {
				continue
			}
			if err := p.submit(ctx, msg); err != nil {
				return err
			}
		}
		offset = next
	}
}

// submit waits out a full queue instead of dropping the update.
func (p *Poller) submit(ctx context.Context, msg models.Inbound) error {
	wait := p.minBackoff
	for {
		err := p.enqueue(msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, worker.ErrDispatcherBusy):
			p.logger.Debug().Int64("user_id", msg.UserID).Msg("queue full, retrying")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			wait = min(wait*2, p.maxBackoff)
		default:
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
