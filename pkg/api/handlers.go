package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/go-chi/chi/v5"
)

// maxJSONBody bounds request bodies other than imports.
const maxJSONBody = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps session sentinels to HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrInvalidData):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrDuplicate):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}

		return fmt.Errorf("decoding request body: %w: %w", session.ErrInvalidData, err)
	}

	return nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the features a client may use.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"import_enabled":  s.cfg.Results.ImportEnabled,
		"reports_enabled": s.cfg.Results.ReportsEnabled,
		"index_enabled":   s.indexStore != nil,
		"events_enabled":  s.bus != nil,
		"max_import_size": s.maxImport,
	})
}

// handleReportFile serves a generated report from the results directory.
func (s *server) handleReportFile(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")
	if filePath == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file path is required"})

		return
	}

	if err := s.reports.ServeFile(w, r, filePath); err != nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"file not found"})
	}
}
