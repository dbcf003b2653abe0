package agent

import (
	"context"
	"sync"
)

// sessionLock serialises runs of one session. The channel holds a single
// token; refs counts holders and waiters so idle entries can be dropped.
type sessionLock struct {
	token chan struct{}
	refs  int
}

type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session's lock is held or ctx is done. The
// returned func releases it and must be called exactly once.
func (s *sessionLocks) acquire(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	entry := s.locks[sessionID]
	if entry == nil {
		entry = &sessionLock{token: make(chan struct{}, 1)}
		s.locks[sessionID] = entry
	}
	entry.refs++
	s.mu.Unlock()

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		s.release(sessionID, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.release(sessionID, entry, true) })
	}, nil
}

func (s *sessionLocks) release(sessionID string, entry *sessionLock, held bool) {
	if held {
		<-entry.token
	}
	s.mu.Lock()
	entry.refs--
	if entry.refs == 0 && s.locks[sessionID] == entry {
		delete(s.locks, sessionID)
	}
	s.mu.Unlock()
}

// size reports how many sessions currently have holders or waiters.
func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
