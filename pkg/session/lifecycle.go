package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/sirupsen/logrus"
)

// Start moves a pending or paused session to running. Starting a pending
// session records the start time and clears its expiration.
func (s *store) Start(ctx context.Context, token string) error {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.Status != StatusPending && sess.Status != StatusPaused {
		return nil
	}

	if sess.Status == StatusPending {
		now := time.Now().UTC()
		sess.DateStarted = &now
		sess.ExpirationDate = nil
	}

	s.transition(sess, StatusRunning)

	return nil
}

// Pause moves a running session to paused and flushes its buffered
// results.
func (s *store) Pause(ctx context.Context, token string) error {
	if !s.pause(ctx, token) {
		return nil
	}

	if p := s.getPersister(); p != nil {
		if err := p.PersistSession(ctx, token); err != nil {
			return fmt.Errorf("persisting paused session: %w", err)
		}
	}

	return nil
}

func (s *store) pause(ctx context.Context, token string) bool {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil || sess.Status != StatusRunning {
		return false
	}

	s.transition(sess, StatusPaused)

	return true
}

// Stop aborts a running or paused session.
func (s *store) Stop(ctx context.Context, token string) error {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.Status != StatusRunning && sess.Status != StatusPaused {
		return nil
	}

	now := time.Now().UTC()
	sess.DateFinished = &now

	s.transition(sess, StatusAborted)

	return nil
}

// Resume hands a pending session over to resumeToken: listeners of token
// receive a resume event and the pending session is dropped.
func (s *store) Resume(ctx context.Context, token, resumeToken string) error {
	unlock := s.Lock(token)
	defer unlock()

	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.Status != StatusPending {
		return nil
	}

	s.dispatch(token, events.Event{
		Type:        events.TypeResume,
		Data:        resumeToken,
		WebhookURLs: sess.WebhookURLs,
	})

	return s.deleteLocked(ctx, token)
}

func (s *store) Complete(ctx context.Context, token string) error {
	unlock := s.Lock(token)
	defer unlock()

	return s.CompleteLocked(ctx, token)
}

// CompleteLocked finishes a running session. Results for tests that were
// already running may still arrive while paused, so paused sessions
// complete as well.
func (s *store) CompleteLocked(ctx context.Context, token string) error {
	sess, err := s.Read(ctx, token)
	if err != nil {
		return err
	}

	if sess.Status != StatusRunning && sess.Status != StatusPaused {
		return nil
	}

	now := time.Now().UTC()
	sess.DateFinished = &now

	s.transition(sess, StatusCompleted)

	return nil
}

func (s *store) transition(sess *Session, to Status) {
	from := sess.Status
	sess.Status = to
	s.put(sess)

	s.log.WithFields(logrus.Fields{
		"token": sess.Token,
		"from":  from,
		"to":    to,
	}).Info("Session status changed")

	s.dispatch(sess.Token, events.Event{
		Type:        events.TypeStatus,
		Data:        string(to),
		WebhookURLs: sess.WebhookURLs,
	})
}
