package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Binding churn is low next to request
// traffic, so a single mutex is enough.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, bindings: make(map[string]*Binding)}
}

func (s *MemoryStore) live(b *Binding, now time.Time) bool {
	return b != nil && now.Sub(b.LastUsedAt) < s.ttl
}

func (s *MemoryStore) Touch(_ context.Context, sessionID string) (Binding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b := s.bindings[sessionID]
	if !s.live(b, now) {
		delete(s.bindings, sessionID)
		return Binding{}, false, nil
	}
	b.LastUsedAt = now
	b.Uses++
	return *b, true, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Binding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bindings[sessionID]
	if !s.live(b, s.now()) {
		return Binding{}, false, nil
	}
	return *b, true, nil
}

func (s *MemoryStore) Bind(_ context.Context, sessionID, nodeID, replaceNodeID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if b := s.bindings[sessionID]; s.live(b, now) && (replaceNodeID == "" || b.NodeID != replaceNodeID) {
		return *b, nil
	}
	b := &Binding{SessionID: sessionID, NodeID: nodeID, CreatedAt: now, LastUsedAt: now, Uses: 1}
	s.bindings[sessionID] = b
	return *b, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[sessionID]; ok && b.NodeID == nodeID {
		delete(s.bindings, sessionID)
	}
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings), nil
}

// Prune drops expired bindings and returns how many were removed.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, b := range s.bindings {
		if !s.live(b, now) {
			delete(s.bindings, id)
			n++
		}
	}
	return n
}

// Run prunes on interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}
