// Package session holds the state of a single test run: how many change
// notifications arrived, what kind the last one was, and a way to wait for
// a given kind to arrive without sleeping blindly.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"realtime-e2e/internal/models"
)

type Session struct {
	ID string

	mu       sync.Mutex
	received int
	lastType models.EventType
	byType   map[models.EventType]int
	status   models.SubscriptionStatus
	acked    bool          // SUBSCRIBED was reported at least once
	changed  chan struct{} // closed and replaced on every update
}

func New() *Session {
	return &Session{
		ID:      uuid.NewString(),
		byType:  make(map[models.EventType]int),
		changed: make(chan struct{}),
	}
}

// Record counts one notification
func (s *Session) Record(event models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.lastType = event.Type
	s.byType[event.Type]++
	s.notifyLocked()
}

// SetStatus stores the latest subscription status reported by the source
func (s *Session) SetStatus(status models.SubscriptionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if status == models.StatusSubscribed {
		s.acked = true
	}
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Session) LastType() models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastType
}

func (s *Session) Status() models.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Established reports whether the subscription was ever acknowledged
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Counts returns a copy of the per-type tallies
func (s *Session) Counts() map[models.EventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.EventType]int, len(s.byType))
	for k, v := range s.byType {
		out[k] = v
	}
	return out
}

// CountOf returns how many notifications of type t have been recorded
func (s *Session) CountOf(t models.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byType[t]
}

// WaitForType blocks until at least n notifications of type t have been
// recorded or ctx is done. It reports whether the threshold was reached.
func (s *Session) WaitForType(ctx context.Context, t models.EventType, n int) bool {
	return s.wait(ctx, func() bool { return s.byType[t] >= n })
}

// WaitForStatus blocks until the subscription reports want, a terminal
// failure status, or ctx is done. It returns the last status seen.
func (s *Session) WaitForStatus(ctx context.Context, want models.SubscriptionStatus) models.SubscriptionStatus {
	s.wait(ctx, func() bool {
		switch s.status {
		case want, models.StatusChannelError, models.StatusTimedOut, models.StatusClosed:
			return true
		}
		return false
	})
	return s.Status()
}

func (s *Session) wait(ctx context.Context, done func() bool) bool {
	for {
		s.mu.Lock()
		if done() {
			s.mu.Unlock()
			return true
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}
