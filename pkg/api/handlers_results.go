package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/go-chi/chi/v5"
)

type compareRequest struct {
	Tokens          []string `json:"tokens"`
	ReferenceTokens []string `json:"reference_tokens,omitempty"`
	API             string   `json:"api"`
}

// handleSubmitResult records one test result. Results for unknown sessions
// or tests that are not running are accepted and ignored.
func (s *server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decodeJSON(w, r, &raw); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.results.Submit(r.Context(), chi.URLParam(r, "token"), raw); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleReadResults returns merged results grouped by API, optionally
// narrowed with ?path=.
func (s *server) handleReadResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.results.ReadResults(
		r.Context(), chi.URLParam(r, "token"), r.URL.Query().Get("path"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleReadFlattened(w http.ResponseWriter, r *http.Request) {
	counters, err := s.results.ReadFlattenedResults(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, counters)
}

func (s *server) handlePassedTests(w http.ResponseWriter, r *http.Request) {
	passed, err := s.results.PassedTests(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, passed)
}

// handleJSONPath reports where an API's results file lives.
func (s *server) handleJSONPath(w http.ResponseWriter, r *http.Request) {
	p, err := s.results.JSONPath(r.Context(), chi.URLParam(r, "token"), chi.URLParam(r, "api"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": p})
}

type exportFunc func(ctx context.Context, token string, w io.Writer) error

// serveZip renders an export into memory first so failures still produce
// a JSON error instead of a truncated archive.
func (s *server) serveZip(w http.ResponseWriter, r *http.Request, name string, export exportFunc) {
	token := chi.URLParam(r, "token")

	var buf bytes.Buffer
	if err := export(r.Context(), token, &buf); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.zip"`, token, name))
	w.WriteHeader(http.StatusOK)

	if _, err := buf.WriteTo(w); err != nil {
		s.log.WithError(err).
			WithField("token", token).
			Debug("Export download interrupted")
	}
}

func (s *server) handleExportAPIs(w http.ResponseWriter, r *http.Request) {
	s.serveZip(w, r, "results", s.results.ExportAllAPIs)
}

func (s *server) handleExportFull(w http.ResponseWriter, r *http.Request) {
	s.serveZip(w, r, "full", s.results.ExportFull)
}

func (s *server) handleExportOverview(w http.ResponseWriter, r *http.Request) {
	s.serveZip(w, r, "overview", s.results.ExportOverview)
}

// handleImport accepts a zip archive produced by the full export.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Results.ImportEnabled {
		s.writeError(w, r, fmt.Errorf("import is disabled: %w", session.ErrPermissionDenied))

		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxImport))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"import archive too large"})

			return
		}

		s.writeError(w, r, fmt.Errorf("reading import archive: %w", err))

		return
	}

	sess, err := s.results.Import(r.Context(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// handleCompare renders, or reuses, a multi-session report for one API.
func (s *server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	rel, err := s.results.ComparisonReport(r.Context(), req.Tokens, req.ReferenceTokens, req.API)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"path": rel,
		"url":  path.Join("/api/v1/reports", rel),
	})
}
