package indexstore_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ethpandaops/wavekeeper/pkg/indexstore"
	"github.com/ethpandaops/wavekeeper/pkg/session"
)

func writeSessionInfo(t *testing.T, dir string, sess *session.Session) string {
	t.Helper()

	sessDir := filepath.Join(dir, sess.Token)
	require.NoError(t, os.MkdirAll(sessDir, 0o755))

	data, err := json.Marshal(sess)
	require.NoError(t, err)

	path := filepath.Join(sessDir, session.InfoFileName)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func newTestReconciler(s indexstore.Store, dir string) indexstore.Reconciler {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return indexstore.NewReconciler(log, s, dir, time.Hour, 2)
}

func TestReconciler_IndexesAndDropsStale(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	now := time.Now().UTC()
	writeSessionInfo(t, dir, testSession("tok-a", session.StatusCompleted, now, "nightly"))
	writeSessionInfo(t, dir, testSession("tok-b", session.StatusRunning, now.Add(time.Minute)))

	// Directories without info.json and loose files are not sessions.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ix := indexstore.NewIndexer(s)
	require.NoError(t, ix.IndexSession(ctx, testSession("tok-gone", session.StatusCompleted, now)))

	require.NoError(t, newTestReconciler(s, dir).RunOnce(ctx))

	recs, err := s.ListSessions(ctx, indexstore.Filter{})
	require.NoError(t, err)

	tokens := make([]string, 0, len(recs))
	for _, r := range recs {
		tokens = append(tokens, r.Token)
	}

	assert.Equal(t, []string{"tok-b", "tok-a"}, tokens)

	rec, labels, err := s.GetSession(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Pass+rec.Fail+rec.Timeout)
	assert.Equal(t, []string{"nightly"}, labels)

	_, _, err = s.GetSession(ctx, "tok-gone")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestReconciler_ReindexesOnlyChangedSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	r := newTestReconciler(s, dir)

	sess := testSession("tok", session.StatusRunning, time.Now().UTC(), "first")
	path := writeSessionInfo(t, dir, sess)

	require.NoError(t, r.RunOnce(ctx))

	// Rewritten but with an mtime older than the index row: skipped.
	sess.Labels = []string{"second"}
	writeSessionInfo(t, dir, sess)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	require.NoError(t, r.RunOnce(ctx))

	_, labels, err := s.GetSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, labels)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	require.NoError(t, r.RunOnce(ctx))

	_, labels, err = s.GetSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, labels)
}

func TestReconciler_SkipsCorruptInfo(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "bad", session.InfoFileName), []byte("{not json"), 0o644))
	writeSessionInfo(t, dir, testSession("good", session.StatusCompleted, time.Now().UTC()))

	require.NoError(t, newTestReconciler(s, dir).RunOnce(ctx))

	recs, err := s.ListSessions(ctx, indexstore.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].Token)
}

func TestReconciler_MissingResultsDir(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, indexstore.NewIndexer(s).IndexSession(
		ctx, testSession("tok", session.StatusCompleted, time.Now().UTC())))

	r := newTestReconciler(s, filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, r.RunOnce(ctx))

	recs, err := s.ListSessions(ctx, indexstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconciler_StartStop(t *testing.T) {
	s := setupTestStore(t)
	dir := t.TempDir()
	writeSessionInfo(t, dir, testSession("tok", session.StatusCompleted, time.Now().UTC()))

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestReconciler(s, dir)
	require.NoError(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool {
		_, _, err := s.GetSession(context.Background(), "tok")

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop(), "stopping twice is safe")
}

func TestReconciler_RejectsInvalidInterval(t *testing.T) {
	s := setupTestStore(t)

	r := indexstore.NewReconciler(logrus.New(), s, t.TempDir(), 0, 0)
	require.Error(t, r.Start(context.Background()))
}
