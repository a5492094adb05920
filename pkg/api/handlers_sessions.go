package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	Tests           *session.TestSelection `json:"tests,omitempty"`
	Types           []session.TestType     `json:"types,omitempty"`
	Timeouts        *session.Timeouts      `json:"timeouts,omitempty"`
	ReferenceTokens []string               `json:"reference_tokens,omitempty"`
	WebhookURLs     []string               `json:"webhook_urls,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	Labels          []string               `json:"labels,omitempty"`
	ExpirationDate  *time.Time             `json:"expiration_date,omitempty"`
}

type configurationRequest struct {
	Tests           *session.TestSelection  `json:"tests,omitempty"`
	Types           []session.TestType      `json:"types,omitempty"`
	Timeouts        *session.TimeoutsUpdate `json:"timeouts,omitempty"`
	ReferenceTokens []string                `json:"reference_tokens,omitempty"`
	WebhookURLs     []string                `json:"webhook_urls,omitempty"`
}

type labelsRequest struct {
	Labels []string `json:"labels"`
}

type resumeRequest struct {
	ResumeToken string `json:"resume_token"`
}

type statusResponse struct {
	Token  string         `json:"token"`
	Status session.Status `json:"status"`
}

func validateTypes(types []session.TestType) error {
	for _, t := range types {
		if t != session.TypeAutomatic && t != session.TypeManual {
			return fmt.Errorf("unknown test type %q: %w", t, session.ErrInvalidData)
		}
	}

	return nil
}

// handleCreateSession creates a pending session. The request's User-Agent
// header is used when the body does not name one.
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := validateTypes(req.Types); err != nil {
		s.writeError(w, r, err)

		return
	}

	ua := req.UserAgent
	if ua == "" {
		ua = r.UserAgent()
	}

	sess, err := s.sessions.Create(r.Context(), session.CreateOptions{
		Tests:           req.Tests,
		Types:           req.Types,
		Timeouts:        req.Timeouts,
		ReferenceTokens: req.ReferenceTokens,
		WebhookURLs:     req.WebhookURLs,
		UserAgent:       ua,
		Labels:          req.Labels,
		ExpirationDate:  req.ExpirationDate,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleReadSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Read(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession removes the session and everything persisted for it.
func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if _, err := s.sessions.Read(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.results.DeleteResults(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.sessions.Delete(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var req configurationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := validateTypes(req.Types); err != nil {
		s.writeError(w, r, err)

		return
	}

	token := chi.URLParam(r, "token")

	updated, err := s.sessions.UpdateConfiguration(r.Context(), token, session.ConfigurationUpdate{
		Tests:           req.Tests,
		Types:           req.Types,
		Timeouts:        req.Timeouts,
		ReferenceTokens: req.ReferenceTokens,
		WebhookURLs:     req.WebhookURLs,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if !updated {
		s.writeError(w, r, fmt.Errorf(
			"session %s is no longer pending: %w", token, session.ErrPermissionDenied,
		))

		return
	}

	s.respondSession(w, r, token)
}

func (s *server) handleUpdateLabels(w http.ResponseWriter, r *http.Request) {
	var req labelsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	token := chi.URLParam(r, "token")

	if err := s.sessions.UpdateLabels(r.Context(), token, req.Labels); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.respondSession(w, r, token)
}

func (s *server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := s.sessions.Start(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.respondStatus(w, r, token)
}

func (s *server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := s.sessions.Pause(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.respondStatus(w, r, token)
}

func (s *server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if err := s.sessions.Stop(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.respondStatus(w, r, token)
}

// handleResumeSession hands a pending session over to an existing one.
func (s *server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if req.ResumeToken == "" {
		s.writeError(w, r, fmt.Errorf("resume_token is required: %w", session.ErrInvalidData))

		return
	}

	if _, err := s.sessions.Read(r.Context(), req.ResumeToken); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.sessions.Resume(r.Context(), chi.URLParam(r, "token"), req.ResumeToken); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.respondStatus(w, r, req.ResumeToken)
}

func (s *server) handleFindToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.FindToken(chi.URLParam(r, "fragment"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *server) handlePublicSessions(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.sessions.PublicTokens(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"tokens": tokens})
}

// handleNextTest hands out the next test of a running session. An empty
// test means nothing is left to run right now.
func (s *server) handleNextTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.results.NextTest(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"test": test})
}

// handleSessionEvents streams session events as server-sent events until
// the client goes away or the server stops.
func (s *server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	if _, err := s.sessions.Read(r.Context(), token); err != nil {
		s.writeError(w, r, err)

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	ch, cancel := s.bus.Subscribe(token)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}

			if err := writeEvent(w, ev); err != nil {
				s.log.WithError(err).
					WithField("token", token).
					Debug("Event stream closed")

				return
			}

			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)

	return err
}

func (s *server) respondSession(w http.ResponseWriter, r *http.Request, token string) {
	sess, err := s.sessions.Read(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *server) respondStatus(w http.ResponseWriter, r *http.Request, token string) {
	sess, err := s.sessions.Read(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Token: sess.Token, Status: sess.Status})
}
