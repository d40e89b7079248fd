package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voxchat/internal/language"
	"voxchat/internal/models"
)

func TestGetOrCreateIsLazyAndEmpty(t *testing.T) {
	store := NewStore()
	if _, ok := store.Peek(7); ok {
		t.Fatalf("peek should not create a session")
	}
	sess := store.GetOrCreate(7)
	if sess.UserID != 7 || len(sess.Turns) != 0 {
		t.Fatalf("unexpected fresh session %+v", sess)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one session, got %d", store.Len())
	}
}

func TestClearThenGetOrCreateYieldsZeroTurns(t *testing.T) {
	store := NewStore()
	for _, id := range []int64{1, 2, -5, 1 << 40} {
		store.Append(id, models.NewTurn(models.RoleUser, "hi", language.English))
		if err := store.Update(id, func(s *models.Session) error {
			s.Instruction = "persona"
			return nil
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
		store.Clear(id)
		sess := store.GetOrCreate(id)
		if len(sess.Turns) != 0 || sess.Instruction != "" {
			t.Fatalf("user %d not cleared: %+v", id, sess)
		}
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	store := NewStore()
	for i := 0; i < 5; i++ {
		store.Append(3, models.NewTurn(models.RoleUser, fmt.Sprintf("m%d", i), language.English))
	}
	sess := store.GetOrCreate(3)
	for i, turn := range sess.Turns {
		if turn.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("turn %d out of order: %q", i, turn.Content)
		}
	}
}

func TestReturnedSessionIsACopy(t *testing.T) {
	store := NewStore()
	store.Append(9, models.NewTurn(models.RoleUser, "original", language.English))
	sess := store.GetOrCreate(9)
	sess.Turns[0].Content = "mutated"
	sess.Turns = append(sess.Turns, models.NewTurn(models.RoleUser, "extra", language.English))
	again := store.GetOrCreate(9)
	if len(again.Turns) != 1 || again.Turns[0].Content != "original" {
		t.Fatalf("store leaked internal state: %+v", again.Turns)
	}
}

func TestUpdateFailureLeavesSessionUnchanged(t *testing.T) {
	store := NewStore()
	store.Append(4, models.NewTurn(models.RoleUser, "before", language.English))
	boom := errors.New("boom")
	err := store.Update(4, func(s *models.Session) error {
		s.Turns = append(s.Turns, models.NewTurn(models.RoleAssistant, "partial", language.English))
		s.Instruction = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	sess := store.GetOrCreate(4)
	if len(sess.Turns) != 1 || sess.Instruction != "" {
		t.Fatalf("failed update mutated session: %+v", sess)
	}
}

func TestConcurrentAppendsAcrossUsers(t *testing.T) {
	store := NewStore()
	const users = 16
	const perUser = 200
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				store.Append(id, models.NewTurn(models.RoleUser, fmt.Sprintf("%d-%d", id, i), language.English))
			}
		}(int64(u))
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		sess := store.GetOrCreate(int64(u))
		if len(sess.Turns) != perUser {
			t.Fatalf("user %d has %d turns, want %d", u, len(sess.Turns), perUser)
		}
		for i, turn := range sess.Turns {
			if turn.Content != fmt.Sprintf("%d-%d", u, i) {
				t.Fatalf("user %d turn %d = %q", u, i, turn.Content)
			}
		}
	}
}

func TestConcurrentUpdatesSameUserSerialize(t *testing.T) {
	store := NewStore()
	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(1, func(s *models.Session) error {
				// read-check-append must not interleave
				n := len(s.Turns)
				s.Turns = append(s.Turns, models.NewTurn(models.RoleUser, fmt.Sprint(n), language.English))
				return nil
			})
		}()
	}
	wg.Wait()
	sess := store.GetOrCreate(1)
	if len(sess.Turns) != writers {
		t.Fatalf("lost updates: %d turns", len(sess.Turns))
	}
	for i, turn := range sess.Turns {
		if turn.Content != fmt.Sprint(i) {
			t.Fatalf("turn %d saw stale length %s", i, turn.Content)
		}
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	store := NewStore(WithClock(clock))
	store.GetOrCreate(1)
	advance(30 * time.Minute)
	store.GetOrCreate(2)
	advance(40 * time.Minute)

	if n := store.Sweep(time.Hour); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, ok := store.Peek(1); ok {
		t.Fatalf("idle session should be gone")
	}
	if _, ok := store.Peek(2); !ok {
		t.Fatalf("recent session should survive")
	}
	if n := store.Sweep(0); n != 0 {
		t.Fatalf("ttl 0 disables eviction")
	}
}
