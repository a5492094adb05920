package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/ethpandaops/wavekeeper/pkg/report"
	"github.com/ethpandaops/wavekeeper/pkg/results"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/testloader"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

var testFiles = []string{
	"dom/nodes/append.html",
	"dom/nodes/remove.html",
	"Fetch/api/basic.html",
}

type testServer struct {
	cfg      *config.Config
	server   *server
	http     *httptest.Server
	sessions session.Store
	manager  results.Manager
	index    indexstore.Store
}

type serverOptions struct {
	events bool
	index  bool
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func writeTestTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	for _, f := range testFiles {
		path := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("<!doctype html>"), 0o644))
	}

	return dir
}

func setupServer(
	t *testing.T,
	opts serverOptions,
	mutate ...func(*config.Config),
) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Results.Dir = t.TempDir()
	cfg.Tests.Dir = writeTestTree(t)

	for _, fn := range mutate {
		fn(cfg)
	}

	log := testLogger()
	ctx := context.Background()

	loader := testloader.New(log, &cfg.Tests)
	agents := useragent.NewParser()

	var (
		bus        events.Bus
		serverOpts []Option
		mgrOpts    []results.Option
		index      indexstore.Store
	)

	if opts.events {
		bus = events.NewBus(log)
		serverOpts = append(serverOpts, WithEvents(bus))

		t.Cleanup(bus.Close)
	}

	if opts.index {
		index = indexstore.NewStore(log, &config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		})
		require.NoError(t, index.Start(ctx))

		t.Cleanup(func() { _ = index.Stop() })

		serverOpts = append(serverOpts, WithIndex(index))
		mgrOpts = append(mgrOpts, results.WithIndexer(indexstore.NewIndexer(index)))
	}

	sessions := session.NewStore(log, &cfg.Results, loader, bus, agents)

	manager, err := results.NewManager(
		log, &cfg.Results, sessions, report.New(log, nil), agents, mgrOpts...,
	)
	require.NoError(t, err)

	loader.SetReferenceResults(manager)

	s, err := newServer(log, cfg, sessions, manager, serverOpts...)
	require.NoError(t, err)

	ts := &testServer{
		cfg:      cfg,
		server:   s,
		sessions: sessions,
		manager:  manager,
		index:    index,
	}

	ts.http = httptest.NewServer(s.buildRouter())

	t.Cleanup(func() {
		ts.http.Close()
		manager.Stop()
		sessions.Close()
	})
	t.Cleanup(func() { _ = s.Stop() })

	return ts
}

// do sends body as JSON (or raw bytes) and decodes a JSON response into
// out when given.
func (ts *testServer) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.http.URL+path, reader)
	require.NoError(t, err)

	req.Header.Set("User-Agent", firefoxUA)

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp
}

// createSession creates and starts a session over every test file.
func (ts *testServer) createSession(t *testing.T, labels ...string) string {
	t.Helper()

	var sess session.Session

	resp := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"labels": labels,
	}, &sess)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/sessions/"+sess.Token+"/start", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return sess.Token
}

// runAll hands out every test and reports status for it.
func (ts *testServer) runAll(t *testing.T, token, status string) []string {
	t.Helper()

	var ran []string

	for range testFiles {
		var next map[string]string

		resp := ts.do(t, http.MethodGet, "/api/v1/sessions/"+token+"/next", nil, &next)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotEmpty(t, next["test"])

		resp = ts.do(t, http.MethodPost, "/api/v1/results/"+token, map[string]any{
			"test":   next["test"],
			"status": status,
		}, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		ran = append(ran, next["test"])
	}

	return ran
}

func (ts *testServer) status(t *testing.T, token string) session.Status {
	t.Helper()

	var sess session.Session

	resp := ts.do(t, http.MethodGet, "/api/v1/sessions/"+token, nil, &sess)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return sess.Status
}
