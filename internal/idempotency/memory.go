package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. The durable deployment uses
// the Postgres-backed table written in the same transaction as the journal
// commit; this store backs tests and single-node setups.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, scope, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[scope+"\x1f"+key]
	return rec, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Write-once: the first record for a key wins.
	k := rec.Scope + "\x1f" + rec.Key
	if _, exists := s.recs[k]; exists {
		return nil
	}
	s.recs[k] = rec
	return nil
}

// PurgeBefore drops records created before cutoff. Retention is a policy
// knob, not a correctness requirement, as long as it exceeds the client
// retry window.
func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for k, rec := range s.recs {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}
