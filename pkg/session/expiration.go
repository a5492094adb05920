package session

import (
	"context"
	"time"
)

// rearm schedules the sweep for the earliest expiration among cached
// sessions, replacing any previously scheduled sweep.
func (s *store) rearm() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.closed {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	next, ok := s.earliestExpiration()
	if !ok {
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, s.sweep)
}

func (s *store) earliestExpiration() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		earliest time.Time
		found    bool
	)

	for _, sess := range s.sessions {
		// Public sessions cannot be deleted and never expire.
		if sess.ExpirationDate == nil || sess.IsPublic {
			continue
		}

		if !found || sess.ExpirationDate.Before(earliest) {
			earliest = *sess.ExpirationDate
			found = true
		}
	}

	return earliest, found
}

func (s *store) sweep() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	s.timerMu.Lock()
	closed := s.closed
	s.timerMu.Unlock()

	if closed {
		return
	}

	now := time.Now()

	s.mu.RLock()

	expired := make([]string, 0, 4)

	for token, sess := range s.sessions {
		if sess.ExpirationDate != nil && !sess.IsPublic && !sess.ExpirationDate.After(now) {
			expired = append(expired, token)
		}
	}

	s.mu.RUnlock()

	for _, token := range expired {
		if err := s.Delete(context.Background(), token); err != nil {
			s.log.WithError(err).
				WithField("token", token).
				Debug("Failed to delete expired session")

			continue
		}

		s.log.WithField("token", token).Info("Session expired")
	}

	s.rearm()
}

// Close stops the expiration timer. The store stays readable.
func (s *store) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.closed = true

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
