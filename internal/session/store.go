// Package session keeps per-user conversation memory in process.
//
// Users are spread over a fixed set of shards; every user has its own lock, so
// work for different users never waits on each other while calls for one user
// are serialized. History is unbounded: nothing is truncated, and a session only
// shrinks on Clear or when idle eviction is enabled.
package session

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"voxchat/internal/models"
)

const shardCount = 32

// Store owns every session. The zero value is not usable; call NewStore.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

type entry struct {
	mu       sync.Mutex
	session  *models.Session
	lastUsed time.Time
	removed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[int64]*entry)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(userID int64) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(userID))
	return s.shards[xxhash.Sum64(buf[:])%shardCount]
}

// lock returns the user's entry with its mutex held, creating it if needed.
func (s *Store) lock(userID int64) *entry {
	sh := s.shardFor(userID)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[userID]
		if !ok {
			e = &entry{}
			sh.entries[userID] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// evicted between lookup and lock, retry with a fresh entry
			e.mu.Unlock()
			continue
		}
		if e.session == nil {
			now := s.now().UTC()
			e.session = &models.Session{UserID: userID, CreatedAt: now, UpdatedAt: now}
		}
		e.lastUsed = s.now()
		return e
	}
}

// GetOrCreate returns a copy of the user's session, creating an empty one on
// first use.
func (s *Store) GetOrCreate(userID int64) *models.Session {
	e := s.lock(userID)
	defer e.mu.Unlock()
	return e.session.Clone()
}

// Peek returns a copy of the session without creating one.
func (s *Store) Peek(userID int64) (*models.Session, bool) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	e, ok := sh.entries[userID]
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.session == nil {
		return nil, false
	}
	return e.session.Clone(), true
}

// Append adds turns to the end of the user's session in order.
func (s *Store) Append(userID int64, turns ...models.Turn) {
	e := s.lock(userID)
	defer e.mu.Unlock()
	e.session.Turns = append(e.session.Turns, turns...)
	e.session.UpdatedAt = s.now().UTC()
}

// Clear resets the user's session to empty, dropping its instruction too.
func (s *Store) Clear(userID int64) {
	e := s.lock(userID)
	defer e.mu.Unlock()
	now := s.now().UTC()
	e.session = &models.Session{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// Update runs fn on a copy of the user's session while holding the user's
// lock. The copy replaces the stored session only when fn returns nil, so a
// failed update leaves the session exactly as it was.
func (s *Store) Update(userID int64, fn func(*models.Session) error) error {
	e := s.lock(userID)
	defer e.mu.Unlock()
	working := e.session.Clone()
	if err := fn(working); err != nil {
		return err
	}
	working.UserID = userID
	working.UpdatedAt = s.now().UTC()
	e.session = working
	return nil
}

// Len returns the number of users with a live session.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep evicts sessions idle for longer than ttl and returns how many were
// removed. Sessions currently locked by a caller are skipped.
func (s *Store) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if !e.mu.TryLock() {
				continue
			}
			if e.lastUsed.Before(cutoff) {
				e.removed = true
				delete(sh.entries, id)
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunJanitor sweeps idle sessions every interval until ctx is done. A ttl of
// zero keeps sessions for the life of the process.
func (s *Store) RunJanitor(ctx context.Context, interval, ttl time.Duration, onSweep func(int)) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := s.Sweep(ttl)
				if onSweep != nil && n > 0 {
					onSweep(n)
				}
			}
		}
	}()
}
