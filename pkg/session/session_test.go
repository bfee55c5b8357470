package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:session:", ttl), mr
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	if _, ok, err := s.Touch(ctx, "s1"); err != nil || ok {
		t.Fatalf("expected no binding yet, ok=%v err=%v", ok, err)
	}

	b, err := s.Bind(ctx, "s1", "node-a", "")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.NodeID != "node-a" || b.Uses != 1 {
		t.Fatalf("unexpected first binding: %+v", b)
	}

	// A second Bind without replace keeps the existing node.
	b, err = s.Bind(ctx, "s1", "node-b", "")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.NodeID != "node-a" {
		t.Fatalf("expected existing binding to win, got %s", b.NodeID)
	}

	b, ok, err := s.Touch(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Touch: ok=%v err=%v", ok, err)
	}
	if b.NodeID != "node-a" || b.Uses != 2 {
		t.Fatalf("unexpected touched binding: %+v", b)
	}

	// Get reads without counting a use.
	for i := 0; i < 2; i++ {
		b, ok, err = s.Get(ctx, "s1")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if b.NodeID != "node-a" || b.Uses != 2 {
			t.Fatalf("expected Get to leave uses at 2, got %+v", b)
		}
	}
	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no binding for unknown session, ok=%v err=%v", ok, err)
	}

	// Replacing a different node is refused, replacing the bound node works.
	b, _ = s.Bind(ctx, "s1", "node-c", "node-x")
	if b.NodeID != "node-a" {
		t.Fatalf("expected stale replace to be refused, got %s", b.NodeID)
	}
	b, _ = s.Bind(ctx, "s1", "node-c", "node-a")
	if b.NodeID != "node-c" || b.Uses != 1 {
		t.Fatalf("expected rebinding to node-c, got %+v", b)
	}

	// Delete only removes a binding that still points at the node.
	if err := s.Delete(ctx, "s1", "node-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Fatalf("expected binding kept, len=%d", n)
	}
	if err := s.Delete(ctx, "s1", "node-c"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Fatalf("expected no bindings, len=%d", n)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Minute))
}

func TestRedisStoreContract(t *testing.T) {
	s, _ := newRedisStore(t, time.Minute)
	storeContract(t, s)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(30 * time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := s.Bind(ctx, "s1", "node-a", ""); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	now = now.Add(29 * time.Minute)
	if _, ok, _ := s.Touch(ctx, "s1"); !ok {
		t.Fatalf("expected binding alive within the window")
	}
	// Touch refreshed last-used; another 29 minutes is still fine.
	now = now.Add(29 * time.Minute)
	if _, ok, _ := s.Touch(ctx, "s1"); !ok {
		t.Fatalf("expected refreshed binding alive")
	}
	now = now.Add(31 * time.Minute)
	if _, ok, _ := s.Touch(ctx, "s1"); ok {
		t.Fatalf("expected binding expired after inactivity")
	}
	b, _ := s.Bind(ctx, "s1", "node-b", "")
	if b.NodeID != "node-b" {
		t.Fatalf("expected fresh binding after expiry, got %s", b.NodeID)
	}

	now = now.Add(time.Hour)
	if n := s.Prune(); n != 1 {
		t.Fatalf("expected one pruned binding, got %d", n)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t, 30*time.Minute)
	ctx := context.Background()
	if _, err := s.Bind(ctx, "s1", "node-a", ""); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	mr.FastForward(29 * time.Minute)
	if _, ok, err := s.Touch(ctx, "s1"); err != nil || !ok {
		t.Fatalf("expected binding alive, ok=%v err=%v", ok, err)
	}
	mr.FastForward(29 * time.Minute)
	if _, ok, _ := s.Touch(ctx, "s1"); !ok {
		t.Fatalf("expected touch to extend the ttl")
	}
	mr.FastForward(31 * time.Minute)
	if _, ok, _ := s.Touch(ctx, "s1"); ok {
		t.Fatalf("expected binding expired")
	}
}

func TestConcurrentBindSingleWinner(t *testing.T) {
	stores := map[string]Store{"memory": NewMemoryStore(time.Minute)}
	rs, _ := newRedisStore(t, time.Minute)
	stores["redis"] = rs

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			const n = 32
			var wg sync.WaitGroup
			got := make([]string, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					b, err := s.Bind(context.Background(), "race", "node-"+string(rune('a'+i%26)), "")
					if err != nil {
						t.Errorf("Bind: %v", err)
						return
					}
					got[i] = b.NodeID
				}(i)
			}
			wg.Wait()
			for _, id := range got {
				if id != got[0] {
					t.Fatalf("expected a single winner, got %v", got)
				}
			}
		})
	}
}
