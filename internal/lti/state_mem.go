package lti

import (
	"context"
	"sync"
	"time"
)

// InMemoryStateStore is a process-local StateStore (dev/tests). The mutex
// gives the same single-winner Consume semantics the SQL store gets from
// its conditional update.
type InMemoryStateStore struct {
	TTL  time.Duration
	Skew time.Duration
	Now  func() time.Time

	mu      sync.Mutex
	records map[string]OIDCState
}

func NewInMemoryStateStore(ttl, skew time.Duration) *InMemoryStateStore {
	return &InMemoryStateStore{
		TTL:     ttl,
		Skew:    skew,
		records: make(map[string]OIDCState),
	}
}

func (s *InMemoryStateStore) Create(_ context.Context, req StateRequest) (OIDCState, error) {
	st := newState(req, s.now(), s.ttl())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[st.State] = st
	return st, nil
}

func (s *InMemoryStateStore) Consume(_ context.Context, state string) (OIDCState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.records[state]
	if !ok {
		return OIDCState{}, ErrStateNotFound
	}
	if st.Consumed {
		return OIDCState{}, ErrStateConsumed
	}
	st.Consumed = true
	s.records[state] = st

	if s.now().After(st.ExpiresAt.Add(s.Skew)) {
		return OIDCState{}, ErrStateExpired
	}
	return st, nil
}

func (s *InMemoryStateStore) PurgeExpired(_ context.Context) (int64, error) {
	cutoff := s.now().Add(-s.Skew)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, st := range s.records {
		if st.ExpiresAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStateStore) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 5 * time.Minute
}

func (s *InMemoryStateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
