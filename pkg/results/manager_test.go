package results

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SubmitCompletesSession(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1", "/A/t2"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	require.Equal(t, "/A/t1", env.run(t, sess.Token, StatusOK))

	got, err := env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestCounters{Pass: 1, Total: 2, Complete: 1}, got.TestState["A"])
	assert.Equal(t, session.StatusRunning, got.Status)
	assert.Equal(t, "/A/t1", got.LastCompletedTest)
	assert.Empty(t, env.reports.generated())

	require.Equal(t, "/A/t2", env.run(t, sess.Token, StatusError))

	got, err = env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestCounters{Pass: 1, Fail: 1, Total: 2, Complete: 2}, got.TestState["A"])
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.NotNil(t, got.DateFinished)
	assert.Equal(t, []string{"A"}, env.reports.generated())
	assert.Equal(t, session.StatusCompleted, env.indexer.status(sess.Token))

	data, err := os.ReadFile(filepath.Join(env.cfg.Dir, sess.Token, session.InfoFileName))
	require.NoError(t, err)

	var info session.Session
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, session.StatusCompleted, info.Status)
	assert.Empty(t, info.PendingTests)
	assert.Empty(t, info.RunningTests)

	path, err := env.manager.JSONPath(ctx, sess.Token, "A")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.cfg.Dir, sess.Token, "A", "FF115.json"), path)

	stored, err := readAPIFile(path)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, StatusOK, stored[0].Status)
	assert.Equal(t, StatusError, stored[1].Status)
	assert.Zero(t, env.manager.cache.len(sess.Token, "A"))
}

func TestManager_SubmitIgnoresBenignResults(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1", "/A/t2"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	tests := []struct {
		name  string
		token string
		test  string
	}{
		{name: "unknown session", token: "0000000000000000", test: "/A/t1"},
		{name: "test outside session", token: sess.Token, test: "/B/t1"},
		{name: "pending test", token: sess.Token, test: "/A/t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.manager.Submit(ctx, tt.token, map[string]any{
				"test":   tt.test,
				"status": "OK",
			})
			require.NoError(t, err)
		})
	}

	got, err := env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Zero(t, got.TestState["A"].Complete)
	assert.Zero(t, env.manager.cache.len(sess.Token, "A"))
}

func TestManager_SubmitIsIdempotentPerTest(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1", "/A/t2"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	test := env.run(t, sess.Token, StatusOK)

	require.NoError(t, env.manager.Submit(ctx, sess.Token, map[string]any{
		"test":   test,
		"status": "ERROR",
	}))

	got, err := env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestCounters{Pass: 1, Total: 2, Complete: 1}, got.TestState["A"])
	assert.Equal(t, 1, env.manager.cache.len(sess.Token, "A"))
}

func TestManager_SubmitRejectsInvalidPayload(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1"}})
	sess := env.startSession(t, "/A")

	err := env.manager.Submit(context.Background(), sess.Token, map[string]any{"status": "OK"})
	require.ErrorIs(t, err, session.ErrInvalidData)
}

func TestManager_FlushThreshold(t *testing.T) {
	env := setupManager(t, session.TestList{"A": apiTests("A", 6)})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	path, err := env.manager.JSONPath(ctx, sess.Token, "A")
	require.NoError(t, err)

	for range 4 {
		env.run(t, sess.Token, StatusOK)
	}

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "no file before the threshold")
	assert.Equal(t, 4, env.manager.cache.len(sess.Token, "A"))

	env.run(t, sess.Token, StatusOK)

	stored, err := readAPIFile(path)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	assert.Zero(t, env.manager.cache.len(sess.Token, "A"))

	got, err := env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Zero(t, got.RecentCompletedCount)
	assert.Equal(t, session.StatusRunning, got.Status)
}

func TestManager_FailedFlushKeepsCache(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	// A regular file where the session directory belongs makes every
	// write below it fail.
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Dir, sess.Token), []byte("x"), 0o644))

	test, err := env.manager.NextTest(ctx, sess.Token)
	require.NoError(t, err)

	err = env.manager.Submit(ctx, sess.Token, map[string]any{"test": test, "status": "OK"})
	require.Error(t, err)

	assert.Equal(t, 1, env.manager.cache.len(sess.Token, "A"))

	results, err := env.manager.ReadResults(ctx, sess.Token, "")
	require.Error(t, err, "reading the blocked directory fails too")
	assert.Nil(t, results)
}

func TestManager_ReadResultsMergesDiskAndCache(t *testing.T) {
	tests := session.TestList{
		"A": apiTests("A", 7),
		"B": {"/B/x/one.html", "/B/y/two.html"},
	}
	env := setupManager(t, tests)
	ctx := context.Background()
	sess := env.startSession(t, "/")

	for range 7 {
		env.run(t, sess.Token, StatusOK)
	}

	env.run(t, sess.Token, StatusOK)

	all, err := env.manager.ReadResults(ctx, sess.Token, "")
	require.NoError(t, err)
	require.Len(t, all["A"], 7)
	require.Len(t, all["B"], 1)

	for i, r := range all["A"] {
		assert.Equal(t, tests["A"][i], r.Test, "disk results come before cached ones")
	}

	filtered := []struct {
		name   string
		filter string
		want   map[string]int
	}{
		{name: "api", filter: "/B", want: map[string]int{"B": 1}},
		{name: "prefix", filter: "/B/x", want: map[string]int{"B": 1}},
		{name: "prefix without match", filter: "/B/y", want: map[string]int{}},
		{name: "dots ignored", filter: "/A/t0.html", want: map[string]int{"A": 1}},
	}

	for _, tt := range filtered {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.manager.ReadResults(ctx, sess.Token, tt.filter)
			require.NoError(t, err)

			counts := make(map[string]int, len(got))
			for api, list := range got {
				counts[api] = len(list)
			}

			assert.Equal(t, tt.want, counts)
		})
	}
}

func TestManager_PassedTests(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1", "/A/t2", "/A/t3"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	env.run(t, sess.Token, StatusOK)
	env.run(t, sess.Token, StatusError)

	test, err := env.manager.NextTest(ctx, sess.Token)
	require.NoError(t, err)
	require.NoError(t, env.manager.Submit(ctx, sess.Token, map[string]any{
		"test":   test,
		"status": "OK",
		"tests": []any{
			map[string]any{"name": "a", "status": 0},
			map[string]any{"name": "b", "status": 1},
		},
	}))

	passed, err := env.manager.PassedTests(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestList{"A": {"/A/t1"}}, passed)

	flat, err := env.manager.ReadFlattenedResults(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestCounters{Pass: 2, Fail: 2, Total: 3, Complete: 3}, flat["A"])
}

func TestManager_PersistSessionOnPause(t *testing.T) {
	env := setupManager(t, session.TestList{"A": apiTests("A", 4)})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	env.run(t, sess.Token, StatusOK)
	env.run(t, sess.Token, StatusOK)

	require.NoError(t, env.sessions.Pause(ctx, sess.Token))

	path, err := env.manager.JSONPath(ctx, sess.Token, "A")
	require.NoError(t, err)

	stored, err := readAPIFile(path)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Zero(t, env.manager.cache.len(sess.Token, "A"))
	assert.FileExists(t, filepath.Join(env.cfg.Dir, sess.Token, session.InfoFileName))
}

func TestManager_DeleteResults(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	env.run(t, sess.Token, StatusOK)

	dir := filepath.Join(env.cfg.Dir, sess.Token)
	require.DirExists(t, dir)

	require.NoError(t, env.manager.DeleteResults(ctx, sess.Token))
	assert.NoDirExists(t, dir)
	assert.Equal(t, []string{sess.Token}, env.indexer.removed)

	require.NoError(t, env.manager.DeleteResults(ctx, sess.Token), "deleting twice is a no-op")
	require.ErrorIs(t, env.manager.DeleteResults(ctx, "../x"), session.ErrNotFound)
}

func TestManager_TimeoutRecordsResult(t *testing.T) {
	env := setupManager(t, session.TestList{"A": {"/A/t1", "/A/t2"}})
	ctx := context.Background()
	sess := env.startSession(t, "/A")

	test, err := env.manager.NextTest(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, env.manager.watchdogs.pending())

	env.manager.timeoutTest(sess.Token, test)

	got, err := env.sessions.Read(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.TestCounters{Timeout: 1, Total: 2, Complete: 1}, got.TestState["A"])
	assert.True(t, got.IsTestComplete(test))
	assert.Zero(t, env.manager.watchdogs.pending())
}

func TestManager_CompletionHook(t *testing.T) {
	done := make(chan string, 1)

	env := setupManager(t, session.TestList{"A": {"/A/t1"}})
	env.manager.onComplete = func(_ context.Context, token, dir string) error {
		assert.Equal(t, filepath.Join(env.cfg.Dir, token), dir)
		done <- token

		return nil
	}

	sess := env.startSession(t, "/A")
	env.run(t, sess.Token, StatusOK)

	env.manager.Stop()

	select {
	case token := <-done:
		assert.Equal(t, sess.Token, token)
	default:
		t.Fatal("completion hook did not run")
	}
}

func TestNewManager_InvalidOwner(t *testing.T) {
	cfg := &config.ResultsConfig{Dir: t.TempDir(), Owner: "nobody:"}
	sessions := session.NewStore(testLogger(), cfg, &fixedLoader{}, nopDispatcher{}, nil)

	t.Cleanup(sessions.Close)

	_, err := NewManager(testLogger(), cfg, sessions, nil, nil)
	require.Error(t, err)
}
