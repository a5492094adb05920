package results

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/ethpandaops/wavekeeper/pkg/events"
	"github.com/ethpandaops/wavekeeper/pkg/session"
	"github.com/ethpandaops/wavekeeper/pkg/useragent"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

// fixedLoader serves a fixed test list filtered by include prefixes.
type fixedLoader struct {
	tests session.TestList
}

func (l *fixedLoader) GetTests(
	_ context.Context,
	_ []session.TestType,
	include, exclude, _ []string,
) (session.TestList, error) {
	out := session.TestList{}

	for _, api := range l.tests.APIs() {
		for _, test := range l.tests[api] {
			if matchesAny(test, include) && !matchesAny(test, exclude) {
				out.Add(api, test)
			}
		}
	}

	return out, nil
}

func (l *fixedLoader) TestFilesCount(tests session.TestList) map[string]int {
	counts := make(map[string]int, len(tests))
	for api, list := range tests {
		counts[api] = len(list)
	}

	return counts
}

func (l *fixedLoader) SkipTo(tests session.TestList, _ string) session.TestList {
	return tests
}

func matchesAny(test string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(test, p) {
			return true
		}
	}

	return false
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, events.Event) {}

// recordingReports records every report request.
type recordingReports struct {
	mu     sync.Mutex
	single []string
	multi  [][]ReportInput
	err    error
}

func (r *recordingReports) Generate(_ context.Context, _, _, specName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.single = append(r.single, specName)

	return r.err
}

func (r *recordingReports) GenerateMulti(
	_ context.Context,
	_, _ string,
	inputs []ReportInput,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.multi = append(r.multi, inputs)

	return r.err
}

func (r *recordingReports) generated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.single...)
}

// recordingIndexer records indexed and removed tokens.
type recordingIndexer struct {
	mu      sync.Mutex
	indexed map[string]session.Status
	removed []string
}

func (ix *recordingIndexer) IndexSession(_ context.Context, info *session.Session) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.indexed == nil {
		ix.indexed = make(map[string]session.Status, 4)
	}

	ix.indexed[info.Token] = info.Status

	return nil
}

func (ix *recordingIndexer) RemoveSession(_ context.Context, token string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removed = append(ix.removed, token)

	return nil
}

func (ix *recordingIndexer) status(token string) session.Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.indexed[token]
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

type testEnv struct {
	cfg      *config.ResultsConfig
	sessions session.Store
	manager  *manager
	reports  *recordingReports
	indexer  *recordingIndexer
}

func setupManager(t *testing.T, tests session.TestList, mutate ...func(*config.ResultsConfig)) *testEnv {
	t.Helper()

	cfg := &config.ResultsConfig{
		Dir:            t.TempDir(),
		FlushThreshold: config.DefaultFlushThreshold,
		ReportsEnabled: true,
	}

	for _, fn := range mutate {
		fn(cfg)
	}

	agents := useragent.NewParser()
	sessions := session.NewStore(testLogger(), cfg, &fixedLoader{tests: tests}, nopDispatcher{}, agents)

	env := &testEnv{
		cfg:      cfg,
		sessions: sessions,
		reports:  &recordingReports{},
		indexer:  &recordingIndexer{},
	}

	m, err := NewManager(testLogger(), cfg, sessions, env.reports, agents, WithIndexer(env.indexer))
	require.NoError(t, err)

	env.manager = m.(*manager)

	t.Cleanup(func() {
		env.manager.Stop()
		sessions.Close()
	})

	return env
}

// startSession creates a running session covering the given include paths.
func (e *testEnv) startSession(t *testing.T, include ...string) *session.Session {
	t.Helper()

	ctx := context.Background()

	sess, err := e.sessions.Create(ctx, session.CreateOptions{
		Tests:     &session.TestSelection{Include: include},
		UserAgent: firefoxUA,
	})
	require.NoError(t, err)
	require.NoError(t, e.sessions.Start(ctx, sess.Token))

	return sess
}

// run hands out the next test and submits a result for it.
func (e *testEnv) run(t *testing.T, token string, status Status) string {
	t.Helper()

	ctx := context.Background()

	test, err := e.manager.NextTest(ctx, token)
	require.NoError(t, err)
	require.NotEmpty(t, test)

	require.NoError(t, e.manager.Submit(ctx, token, map[string]any{
		"test":   test,
		"status": string(status),
	}))

	return test
}

func apiTests(api string, n int) []string {
	out := make([]string, 0, n)
	for i := range n {
		out = append(out, "/"+api+"/t"+string(rune('0'+i))+".html")
	}

	return out
}
