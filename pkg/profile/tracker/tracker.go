// Package tracker implements the dirty-user tracker: a per-user state
// machine that batches ingestion marks and decides when a user's pending
// messages should be drained for processing.
package tracker

import (
	"sync"
	"time"
)

type state struct {
	count      int
	firstTouch time.Time
}

// Manager tracks, per user, how many times MarkUpdate has been called
// since the user was last drained, and fires when either threshold is
// crossed. A single mutex serializes MarkUpdate and TakeUsersToUpdate,
// matching the reference's single-lock-guarded map.
type Manager struct {
	messageLimit int
	timeLimit    time.Duration
	now          func() time.Time

	mu    sync.Mutex
	users map[string]*state
}

// New creates a tracker manager. messageLimit and timeLimit correspond to
// M and T in §4.4.
func New(messageLimit int, timeLimit time.Duration) *Manager {
	return &Manager{
		messageLimit: messageLimit,
		timeLimit:    timeLimit,
		now:          time.Now,
		users:        make(map[string]*state),
	}
}

// MarkUpdate records a pending message for user. Concurrency-safe.
func (m *Manager) MarkUpdate(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.users[user]
	if !ok {
		s = &state{count: 0}
		m.users[user] = s
	}
	if s.count == 0 {
		s.firstTouch = m.now()
	}
	s.count++
}

// TakeUsersToUpdate atomically returns every user currently satisfying the
// firing condition (count >= messageLimit OR elapsed >= timeLimit, and
// count > 0) and resets them to idle. Users not yet firing are left
// untouched for a future call.
func (m *Manager) TakeUsersToUpdate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var fired []string
	for user, s := range m.users {
		if s.count == 0 {
			continue
		}
		elapsed := now.Sub(s.firstTouch)
		if s.count >= m.messageLimit || elapsed >= m.timeLimit {
			fired = append(fired, user)
			delete(m.users, user)
		}
	}
	return fired
}
