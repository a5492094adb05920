package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/go-chi/chi/v5"
)

// indexEntry is one session summary in the index listing.
type indexEntry struct {
	*indexstore.SessionRecord
	Labels []string `json:"labels,omitempty"`
}

// handleIndex lists indexed sessions, newest first. Supported query
// parameters: status, label, public=true and limit.
func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := indexstore.Filter{
		Status:     session.Status(q.Get("status")),
		Label:      q.Get("label"),
		PublicOnly: q.Get("public") == "true",
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("invalid limit %q: %w", v, session.ErrInvalidData))

			return
		}

		filter.Limit = limit
	}

	recs, err := s.indexStore.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated": time.Now().Unix(),
		"entries":   recs,
	})
}

// handleIndexEntry returns one indexed session with its labels.
func (s *server) handleIndexEntry(w http.ResponseWriter, r *http.Request) {
	rec, labels, err := s.indexStore.GetSession(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, indexEntry{SessionRecord: rec, Labels: labels})
}
