package overlay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"voxchat/internal/redis"
)

// InvalidateChannel carries reload requests between processes sharing a
// redis-backed store.
const InvalidateChannel = "voxchat:settings:invalidate"

// Overlay serves the current snapshot. Readers never block; a reload builds a
// fresh snapshot and swaps it in.
type Overlay struct {
	store    Store
	env      func() map[string]string
	defaults map[string]string
	current  atomic.Pointer[Snapshot]
	logger   zerolog.Logger
	reloads  chan struct{}
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithEnvLookup replaces os.LookupEnv as the environment layer.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *Overlay) {
		o.env = func() map[string]string { return Environ(lookup) }
	}
}

// New builds an overlay and performs the first load. A failing store at
// startup is logged and leaves environment and defaults in effect.
func New(ctx context.Context, store Store, logger zerolog.Logger, opts ...Option) *Overlay {
	o := &Overlay{
		store:    store,
		env:      func() map[string]string { return Environ(nil) },
		defaults: Defaults(),
		logger:   logger.With().Str("component", "overlay").Logger(),
		reloads:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.current.Store(Resolve(nil, o.env(), o.defaults))
	if err := o.Reload(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("settings store unavailable, using environment and defaults")
	}
	return o
}

// NewStatic returns an overlay that always serves snap. Used by tests and
// one-off commands.
func NewStatic(snap *Snapshot) *Overlay {
	o := &Overlay{logger: zerolog.Nop(), reloads: make(chan struct{}, 1)}
	o.current.Store(snap)
	return o
}

// Current returns the latest snapshot.
func (o *Overlay) Current() *Snapshot {
	return o.current.Load()
}

// Reload re-reads the store. On failure the previous snapshot stays in place.
func (o *Overlay) Reload(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	persisted, err := o.store.Load(ctx)
	if err != nil {
		return err
	}
	o.current.Store(Resolve(persisted, o.env(), o.defaults))
	return nil
}

// Trigger asks the refresh loop started by Run to reload soon. It never blocks.
func (o *Overlay) Trigger() {
	select {
	case o.reloads <- struct{}{}:
	default:
	}
}

// Run reloads every interval and whenever Trigger is called, until ctx is done.
func (o *Overlay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-o.reloads:
			}
			if err := o.Reload(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn().Err(err).Msg("settings reload failed, keeping previous snapshot")
			}
		}
	}()
}

// Watch subscribes to InvalidateChannel and triggers a reload for every
// message until ctx is done.
func (o *Overlay) Watch(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	go func() {
		sub, err := client.Subscribe(ctx, InvalidateChannel)
		if err != nil {
			o.logger.Warn().Err(err).Msg("settings invalidation subscribe failed")
			return
		}
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				o.logger.Debug().Str("payload", msg.Payload).Msg("settings invalidated")
				o.Trigger()
			}
		}
	}()
}

// Publish broadcasts a reload request to every watcher.
func Publish(ctx context.Context, client *redis.Client, reason string) error {
	return client.Publish(ctx, InvalidateChannel, reason)
}
